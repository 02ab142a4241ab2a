// Package duplicate scores extracted products against the existing
// catalogue to surface likely duplicates before an admin decision.
package duplicate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// Scoring weights; they sum to 1.
const (
	weightName      = 0.40
	weightBrand     = 0.20
	weightCategory  = 0.15
	weightPrice     = 0.15
	weightCondition = 0.10
)

const (
	// MatchThreshold is the minimum score for a candidate to be reported.
	MatchThreshold = 0.30
	// MaxMatches caps the matches attached to one product.
	MaxMatches = 5
	// MaxCandidates caps catalogue recall per product.
	MaxCandidates = 50
)

// CatalogProduct is a catalogue row seen by the detector.
type CatalogProduct struct {
	ProductID  string   `json:"product_id"`
	SupplierID string   `json:"supplier_id,omitempty"`
	Name       string   `json:"name"`
	Brand      string   `json:"brand,omitempty"`
	Category   string   `json:"category,omitempty"`
	Condition  string   `json:"condition,omitempty"`
	Price      *float64 `json:"price,omitempty"`
}

// Catalog recalls candidate products for similarity scoring.
type Catalog interface {
	// Candidates returns up to limit products plausibly related to the
	// query name (token overlap, same brand, same category).
	Candidates(ctx context.Context, name, brand, category string, limit int) ([]CatalogProduct, error)
}

// Match is one scored candidate. MatchedFields lists the components that
// contributed to the score.
type Match struct {
	Product       CatalogProduct `json:"product"`
	Score         float64        `json:"score"`
	MatchedFields []string       `json:"matched_fields"`
}

// Detector scores extracted products against the catalogue.
type Detector struct {
	catalog Catalog
}

// NewDetector builds a Detector over a catalogue.
func NewDetector(catalog Catalog) *Detector {
	return &Detector{catalog: catalog}
}

// FindMatches returns up to MaxMatches candidates scoring at or above
// MatchThreshold, best first. A nil catalogue yields no matches.
func (d *Detector) FindMatches(ctx context.Context, p *contracts.ExtractedProduct) ([]Match, error) {
	if d.catalog == nil {
		return nil, nil
	}
	candidates, err := d.catalog.Candidates(ctx, p.Name, p.Brand, p.Category, MaxCandidates)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, "catalogue recall", err)
	}

	var matches []Match
	for _, c := range candidates {
		score, fields := Score(p, &c)
		if score >= MatchThreshold {
			matches = append(matches, Match{Product: c, Score: score, MatchedFields: fields})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > MaxMatches {
		matches = matches[:MaxMatches]
	}
	return matches, nil
}

// Suggest proposes an action from the best match. Strong matches on both
// name and brand become merges, name-only strong matches become updates,
// everything else a create.
func Suggest(matches []Match) *contracts.SuggestedAction {
	if len(matches) == 0 {
		return &contracts.SuggestedAction{
			Kind:      "create",
			Rationale: "no similar catalogue product found",
		}
	}
	best := matches[0]
	switch {
	case best.Score > 0.80 && hasFields(best.MatchedFields, "name", "brand"):
		return &contracts.SuggestedAction{
			Kind:      "merge",
			TargetID:  best.Product.ProductID,
			Rationale: fmt.Sprintf("likely duplicate of %q (score %.2f)", best.Product.Name, best.Score),
		}
	case best.Score > 0.60 && hasFields(best.MatchedFields, "name"):
		return &contracts.SuggestedAction{
			Kind:      "update",
			TargetID:  best.Product.ProductID,
			Rationale: fmt.Sprintf("similar to %q (score %.2f)", best.Product.Name, best.Score),
		}
	default:
		return &contracts.SuggestedAction{
			Kind:      "create",
			Rationale: fmt.Sprintf("best match %q scored only %.2f", best.Product.Name, best.Score),
		}
	}
}

func hasFields(fields []string, want ...string) bool {
	have := make(map[string]bool, len(fields))
	for _, f := range fields {
		have[f] = true
	}
	for _, w := range want {
		if !have[w] {
			return false
		}
	}
	return true
}

// Score computes the weighted similarity between an extracted product and a
// catalogue product on [0,1], plus the fields that contributed.
func Score(p *contracts.ExtractedProduct, c *CatalogProduct) (float64, []string) {
	var fields []string

	nameSim := nameSimilarity(p.Name, c.Name)
	score := weightName * nameSim
	if nameSim >= 0.6 {
		fields = append(fields, "name")
	}

	if p.Brand != "" && c.Brand != "" && strings.EqualFold(p.Brand, c.Brand) {
		score += weightBrand
		fields = append(fields, "brand")
	}
	if p.Category != "" && c.Category != "" && strings.EqualFold(p.Category, c.Category) {
		score += weightCategory
		fields = append(fields, "category")
	}
	if sim := priceSimilarity(p.Price, c.Price); sim > 0 {
		score += weightPrice * sim
		fields = append(fields, "price")
	}
	if p.Condition != "" && c.Condition != "" && strings.EqualFold(p.Condition, c.Condition) {
		score += weightCondition
		fields = append(fields, "condition")
	}
	return score, fields
}

// nameSimilarity is normalized Levenshtein similarity over lowercased names.
func nameSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	dist := levenshtein(a, b)
	max := len([]rune(a))
	if l := len([]rune(b)); l > max {
		max = l
	}
	return 1 - float64(dist)/float64(max)
}

// priceSimilarity is max(0, 1 - |a-b|/max(a,b)). Missing prices score 0.
func priceSimilarity(a, b *float64) float64 {
	if a == nil || b == nil {
		return 0
	}
	if *a == *b {
		return 1
	}
	hi := *a
	if *b > hi {
		hi = *b
	}
	if hi <= 0 {
		return 0
	}
	diff := *a - *b
	if diff < 0 {
		diff = -diff
	}
	sim := 1 - diff/hi
	if sim < 0 {
		return 0
	}
	return sim
}

// levenshtein computes edit distance over runes with a two-row table.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = minOf(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func minOf(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
