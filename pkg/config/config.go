// Package config loads service configuration from environment variables and
// optional YAML extraction profiles.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port          string
	DatabaseURL   string
	RedisAddr     string // optional; fixed-window limiter falls back in-process
	WebhookSecret string // required
	ProductID     string // expected phone_number_id in webhook envelopes

	LLMEnabled             bool
	LLMBaseURL             string
	LLMModel               string
	LLMConfidenceThreshold float64

	MediaDir     string
	MediaBackend string // local | s3 | gcs
	MediaBucket  string
	MediaAPIBase string // chat-platform media resolution API
	MediaAPIKey  string

	SinkBaseURL     string
	NotifierBaseURL string
	OTLPEndpoint    string

	// ProfilePath points at a YAML extraction profile; empty uses the
	// built-in defaults.
	ProfilePath string

	AutoApprovalPolicy string // CEL source; empty uses the built-in policy
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:          getenv("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		ProductID:     os.Getenv("WEBHOOK_PRODUCT_ID"),

		LLMEnabled:             os.Getenv("LLM_ENABLED") == "true",
		LLMBaseURL:             getenv("LLM_BASE_URL", "http://localhost:11434"),
		LLMModel:               getenv("LLM_MODEL", "llama3.2:1b"),
		LLMConfidenceThreshold: getenvFloat("LLM_CONFIDENCE_THRESHOLD", 0.7),

		MediaDir:     getenv("MEDIA_DIR", "./uploads"),
		MediaBackend: getenv("MEDIA_BACKEND", "local"),
		MediaBucket:  os.Getenv("MEDIA_BUCKET"),
		MediaAPIBase: os.Getenv("MEDIA_API_BASE"),
		MediaAPIKey:  os.Getenv("MEDIA_API_KEY"),

		SinkBaseURL:     os.Getenv("SINK_BASE_URL"),
		NotifierBaseURL: os.Getenv("NOTIFIER_BASE_URL"),
		OTLPEndpoint:    os.Getenv("OTLP_ENDPOINT"),

		ProfilePath: os.Getenv("EXTRACTION_PROFILE"),

		AutoApprovalPolicy: os.Getenv("AUTO_APPROVAL_POLICY"),
	}
	return cfg
}

// MissingRequired lists required settings that are absent. A non-empty
// result fails the configuration health check.
func (c *Config) MissingRequired() []string {
	var missing []string
	if c.WebhookSecret == "" {
		missing = append(missing, "WEBHOOK_SECRET")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	return missing
}

// Validate returns an error naming any missing required settings.
func (c *Config) Validate() error {
	if missing := c.MissingRequired(); len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v", missing)
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
