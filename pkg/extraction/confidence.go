package extraction

import "github.com/Louguiman/tekra-store-sub000/pkg/contracts"

// Confidence weighting for the rule pass. Essentials carry the most weight,
// completeness rewards broad coverage.
const (
	weightEssentials   = 0.40 // name, price
	weightImportant    = 0.30 // brand, category, condition
	weightBonus        = 0.20 // quantity, specs
	weightCompleteness = 0.10
)

// ruleConfidence scores a rule-extracted product on [0,1] from the set of
// fields the extractors actually matched.
func ruleConfidence(p *contracts.ExtractedProduct, fields []string) float64 {
	have := make(map[string]bool, len(fields))
	for _, f := range fields {
		have[f] = true
	}

	essentials := fraction(have, "name", "price")
	important := fraction(have, "brand", "category", "condition")
	bonus := fraction(have, "quantity", "specs")
	completeness := float64(len(have)) / 9.0
	if completeness > 1 {
		completeness = 1
	}

	score := essentials*weightEssentials +
		important*weightImportant +
		bonus*weightBonus +
		completeness*weightCompleteness
	return clamp01(score)
}

// mergedConfidence scores an LLM-merged product: a base from whether the
// essentials survived the merge, plus a field-count bonus.
func mergedConfidence(p *contracts.ExtractedProduct) float64 {
	base := 0.4
	if p.Name != "" && p.HasPrice() {
		base = 0.7
	}
	bonus := float64(countFields(p)) / 10.0 * 0.3
	if bonus > 0.3 {
		bonus = 0.3
	}
	return clamp01(base + bonus)
}

func countFields(p *contracts.ExtractedProduct) int {
	n := 0
	if p.Name != "" {
		n++
	}
	if p.Brand != "" {
		n++
	}
	if p.Category != "" {
		n++
	}
	if p.Condition != "" {
		n++
	}
	if p.Grade != "" {
		n++
	}
	if p.HasPrice() {
		n++
	}
	if p.Currency != "" {
		n++
	}
	if p.Quantity > 1 {
		n++
	}
	n += len(p.Specs)
	return n
}

func fraction(have map[string]bool, keys ...string) float64 {
	hit := 0
	for _, k := range keys {
		if have[k] {
			hit++
		}
	}
	return float64(hit) / float64(len(keys))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
