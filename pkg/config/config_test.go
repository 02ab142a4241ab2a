package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("WEBHOOK_SECRET", "")
	t.Setenv("LLM_ENABLED", "")
	t.Setenv("LLM_CONFIDENCE_THRESHOLD", "")
	t.Setenv("MEDIA_BACKEND", "")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.False(t, cfg.LLMEnabled)
	assert.Equal(t, "http://localhost:11434", cfg.LLMBaseURL)
	assert.Equal(t, 0.7, cfg.LLMConfidenceThreshold)
	assert.Equal(t, "local", cfg.MediaBackend)
	assert.Equal(t, "./uploads", cfg.MediaDir)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/intake")
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("LLM_ENABLED", "true")
	t.Setenv("LLM_CONFIDENCE_THRESHOLD", "0.85")
	t.Setenv("MEDIA_BACKEND", "s3")
	t.Setenv("MEDIA_BUCKET", "intake-media")
	t.Setenv("AUTO_APPROVAL_POLICY", `confidence >= 0.95`)

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.LLMEnabled)
	assert.Equal(t, 0.85, cfg.LLMConfidenceThreshold)
	assert.Equal(t, "s3", cfg.MediaBackend)
	assert.Equal(t, "intake-media", cfg.MediaBucket)
	assert.Equal(t, `confidence >= 0.95`, cfg.AutoApprovalPolicy)
}

func TestLoadIgnoresBadFloat(t *testing.T) {
	t.Setenv("LLM_CONFIDENCE_THRESHOLD", "not-a-number")
	cfg := Load()
	assert.Equal(t, 0.7, cfg.LLMConfidenceThreshold)
}

func TestMissingRequired(t *testing.T) {
	cfg := &Config{}
	assert.ElementsMatch(t, []string{"WEBHOOK_SECRET", "DATABASE_URL"}, cfg.MissingRequired())
	assert.Error(t, cfg.Validate())

	cfg.WebhookSecret = "s"
	cfg.DatabaseURL = "postgres://x"
	assert.Empty(t, cfg.MissingRequired())
	assert.NoError(t, cfg.Validate())
}

func TestDefaultExtractionProfile(t *testing.T) {
	p := DefaultExtractionProfile()
	assert.Equal(t, "XOF", p.DefaultCurrency)
	assert.Contains(t, p.Brands, "Tecno")
	assert.Contains(t, p.Categories["smartphone"], "iphone")
	assert.Equal(t, "USD", p.CurrencyAliases["$"])
}

func TestLoadExtractionProfileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: bamako-electronics
brands: [Tecno, Infinix, Itel]
default_currency: XOF
`), 0o644))

	p, err := LoadExtractionProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "bamako-electronics", p.Name)
	assert.Equal(t, []string{"Tecno", "Infinix", "Itel"}, p.Brands)
	// Unset sections keep the built-in lexicon.
	assert.NotEmpty(t, p.Categories)
	assert.NotEmpty(t, p.CurrencyAliases)
}

func TestLoadExtractionProfileErrors(t *testing.T) {
	_, err := LoadExtractionProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("brands: {not: a list"), 0o644))
	_, err = LoadExtractionProfile(bad)
	assert.Error(t, err)
}
