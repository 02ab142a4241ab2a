// Package extraction turns raw supplier offer text into structured
// products. A deterministic rule pass always runs; an optional LLM pass
// enhances its output and falls back cleanly when the model is
// unavailable or emits garbage.
package extraction

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/Louguiman/tekra-store-sub000/pkg/config"
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// Extractor composes the rule pass with an optional LLM enhancement pass.
type Extractor struct {
	rules  *RuleExtractor
	llm    LLMClient // nil disables the enhancement pass
	logger *slog.Logger
	clock  func() time.Time

	llmConfidenceThreshold float64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLLM enables the enhancement pass.
func WithLLM(client LLMClient, confidenceThreshold float64) Option {
	return func(e *Extractor) {
		e.llm = client
		e.llmConfidenceThreshold = confidenceThreshold
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Extractor) { e.clock = clock }
}

// New builds an Extractor over the given lexicon profile.
func New(profile *config.ExtractionProfile, logger *slog.Logger, opts ...Option) *Extractor {
	e := &Extractor{
		rules:                  NewRuleExtractor(profile),
		logger:                 logger,
		clock:                  time.Now,
		llmConfidenceThreshold: 0.7,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract runs both passes over the text of a submission. It fails with a
// bad_request kind only when the input yields nothing at all; LLM trouble
// degrades to the rule result with fallback provenance.
func (e *Extractor) Extract(ctx context.Context, text string, source contracts.ContentKind) ([]contracts.ExtractedProduct, error) {
	start := e.clock()

	if strings.TrimSpace(text) == "" {
		return nil, contracts.E(contracts.KindBadRequest, "empty submission text")
	}

	ruleProducts := e.rules.Extract(text)

	products, extractorID, fallback := e.enhance(ctx, text, ruleProducts)
	if len(products) == 0 {
		return nil, contracts.E(contracts.KindBadRequest, "no products could be extracted")
	}

	elapsed := e.clock().Sub(start).Milliseconds()
	for i := range products {
		products[i].Meta.SourceKind = source
		products[i].Meta.ProcessingMs = elapsed
		products[i].Meta.ExtractorID = extractorID
		products[i].Meta.FallbackUsed = fallback
		applyDefaults(&products[i], e.rules.profile.DefaultCurrency)
	}
	return products, nil
}

// enhance runs the LLM pass when enabled and needed, merging its output
// over the rule products. Returns the products to use, the extractor id,
// and whether a fallback happened.
func (e *Extractor) enhance(ctx context.Context, text string, ruleProducts []contracts.ExtractedProduct) ([]contracts.ExtractedProduct, string, bool) {
	if e.llm == nil {
		return ruleProducts, "rules-v1", false
	}
	// High-confidence rule output skips the model call entirely.
	if len(ruleProducts) > 0 && minConfidence(ruleProducts) >= e.llmConfidenceThreshold {
		return ruleProducts, "rules-v1", false
	}

	llmProducts, err := e.llm.ExtractProducts(ctx, text)
	if err != nil {
		e.logger.Warn("llm enhancement failed, using rule extraction",
			"error", err, "rule_products", len(ruleProducts))
		if len(ruleProducts) == 0 {
			return nil, "rules-v1", true
		}
		return ruleProducts, "rules-v1", true
	}

	merged := mergeProducts(ruleProducts, llmProducts)
	if len(merged) == 0 {
		return ruleProducts, "rules-v1", true
	}
	return merged, "rules+llm-v1", false
}

// mergeProducts overlays LLM products on rule products by index. The model
// wins field-by-field where it produced a value; rule values survive
// everywhere else. Extra products on either side pass through.
func mergeProducts(rule []contracts.ExtractedProduct, llm []llmProduct) []contracts.ExtractedProduct {
	n := len(rule)
	if len(llm) > n {
		n = len(llm)
	}
	out := make([]contracts.ExtractedProduct, 0, n)
	for i := 0; i < n; i++ {
		var p contracts.ExtractedProduct
		switch {
		case i < len(rule) && i < len(llm):
			p = overlay(rule[i], llm[i])
		case i < len(rule):
			p = rule[i]
		default:
			p = fromLLM(llm[i])
		}
		if p.Name == "" {
			continue
		}
		p.Confidence = mergedConfidence(&p)
		out = append(out, p)
	}
	return out
}

func overlay(base contracts.ExtractedProduct, m llmProduct) contracts.ExtractedProduct {
	p := base
	if m.Name != "" {
		p.Name = m.Name
	}
	if m.Brand != nil && *m.Brand != "" {
		p.Brand = *m.Brand
	}
	if m.Category != nil && *m.Category != "" {
		p.Category = *m.Category
	}
	if m.Condition != nil && *m.Condition != "" {
		p.Condition = strings.ToLower(*m.Condition)
	}
	if m.Grade != nil && *m.Grade != "" {
		p.Grade = strings.ToUpper(*m.Grade)
	}
	if m.Price != nil && *m.Price >= 0 {
		v := *m.Price
		p.Price = &v
	}
	if m.Currency != nil && *m.Currency != "" {
		p.Currency = strings.ToUpper(*m.Currency)
	}
	if m.Quantity != nil && *m.Quantity >= 1 {
		p.Quantity = *m.Quantity
	}
	for k, v := range m.Specs {
		if p.Specs == nil {
			p.Specs = map[string]string{}
		}
		if v != "" {
			p.Specs[strings.ToLower(k)] = v
		}
	}
	return p
}

func fromLLM(m llmProduct) contracts.ExtractedProduct {
	return overlay(contracts.ExtractedProduct{Quantity: 1}, m)
}

func applyDefaults(p *contracts.ExtractedProduct, defaultCurrency string) {
	if p.Currency == "" {
		p.Currency = defaultCurrency
	}
	if p.Quantity < 1 {
		p.Quantity = 1
	}
}

func minConfidence(products []contracts.ExtractedProduct) float64 {
	min := 1.0
	for i := range products {
		if products[i].Confidence < min {
			min = products[i].Confidence
		}
	}
	return min
}
