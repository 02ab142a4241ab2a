package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ExtractionProfile tunes the rule-based extraction pass: known brands,
// category keyword lexicon, and currency aliases. A deployment can override
// the built-in defaults with a YAML profile.
type ExtractionProfile struct {
	Name            string              `yaml:"name" json:"name"`
	Brands          []string            `yaml:"brands" json:"brands"`
	Categories      map[string][]string `yaml:"categories" json:"categories"`
	CurrencyAliases map[string]string   `yaml:"currency_aliases" json:"currency_aliases"`
	DefaultCurrency string              `yaml:"default_currency" json:"default_currency"`
}

// DefaultExtractionProfile returns the compiled-in lexicon used when no
// profile file is configured.
func DefaultExtractionProfile() *ExtractionProfile {
	return &ExtractionProfile{
		Name: "default",
		Brands: []string{
			"Apple", "iPhone", "iPad", "MacBook", "Samsung", "Galaxy", "Tecno",
			"Infinix", "Itel", "Xiaomi", "Redmi", "Huawei", "Oppo", "Nokia",
			"HP", "Dell", "Lenovo", "Asus", "Acer", "Sony", "LG", "Canon",
		},
		Categories: map[string][]string{
			"smartphone": {"phone", "iphone", "smartphone", "galaxy", "android", "telephone", "portable"},
			"laptop":     {"laptop", "macbook", "notebook", "ordinateur", "pc"},
			"tablet":     {"tablet", "ipad", "tablette"},
			"audio":      {"headphone", "earbud", "airpod", "speaker", "casque", "ecouteur"},
			"accessory":  {"charger", "cable", "case", "cover", "chargeur", "coque", "powerbank"},
			"appliance":  {"fridge", "freezer", "tv", "television", "climatiseur", "ventilateur"},
		},
		CurrencyAliases: map[string]string{
			"$": "USD", "usd": "USD", "dollar": "USD", "dollars": "USD",
			"€": "EUR", "eur": "EUR", "euro": "EUR", "euros": "EUR",
			"fcfa": "XOF", "cfa": "XOF", "xof": "XOF", "f": "XOF", "francs": "XOF",
			"₦": "NGN", "naira": "NGN", "ngn": "NGN",
		},
		DefaultCurrency: "XOF",
	}
}

// LoadExtractionProfile reads a profile from a YAML file, filling unset
// sections from the defaults.
func LoadExtractionProfile(path string) (*ExtractionProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load extraction profile %q: %w", path, err)
	}

	profile := DefaultExtractionProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse extraction profile %q: %w", path, err)
	}
	if profile.DefaultCurrency == "" {
		profile.DefaultCurrency = "XOF"
	}
	return profile, nil
}
