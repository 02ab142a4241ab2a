package validation

import (
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// Feedback is the structured rejection reason an admin must supply.
type Feedback struct {
	Category    string             `json:"category"`
	Subcategory string             `json:"subcategory"`
	Description string             `json:"description"`
	Severity    contracts.Severity `json:"severity"`
}

// FeedbackCategory is one taxonomy entry with its fixed subcategories.
type FeedbackCategory struct {
	Category      string   `json:"category"`
	Subcategories []string `json:"subcategories"`
}

// feedbackTaxonomy is the closed set of rejection categories.
var feedbackTaxonomy = []FeedbackCategory{
	{Category: "extraction_error", Subcategories: []string{
		"wrong_name", "wrong_price", "wrong_brand", "wrong_quantity", "missing_fields",
	}},
	{Category: "poor_quality", Subcategories: []string{
		"blurry_image", "incomplete_description", "unreadable_text",
	}},
	{Category: "duplicate_product", Subcategories: []string{
		"already_in_catalogue", "duplicate_submission",
	}},
	{Category: "invalid_content", Subcategories: []string{
		"not_a_product", "spam", "wrong_language",
	}},
	{Category: "policy_violation", Subcategories: []string{
		"prohibited_item", "counterfeit_suspected", "price_gouging",
	}},
}

// FeedbackCategories returns the closed taxonomy.
func FeedbackCategories() []FeedbackCategory {
	out := make([]FeedbackCategory, len(feedbackTaxonomy))
	copy(out, feedbackTaxonomy)
	return out
}

var validSeverities = map[contracts.Severity]bool{
	contracts.SeverityLow:      true,
	contracts.SeverityMedium:   true,
	contracts.SeverityHigh:     true,
	contracts.SeverityCritical: true,
}

// Validate checks the feedback against the closed taxonomy. All four fields
// are required.
func (f *Feedback) Validate() error {
	if f.Description == "" {
		return contracts.E(contracts.KindBadRequest, "feedback description is required")
	}
	if !validSeverities[f.Severity] {
		return contracts.Ef(contracts.KindBadRequest, "unknown feedback severity %q", f.Severity)
	}
	for _, cat := range feedbackTaxonomy {
		if cat.Category != f.Category {
			continue
		}
		for _, sub := range cat.Subcategories {
			if sub == f.Subcategory {
				return nil
			}
		}
		return contracts.Ef(contracts.KindBadRequest, "unknown subcategory %q for category %q", f.Subcategory, f.Category)
	}
	return contracts.Ef(contracts.KindBadRequest, "unknown feedback category %q", f.Category)
}
