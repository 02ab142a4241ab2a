package duplicate

import (
	"context"
	"strings"
	"sync"
)

// MemoryCatalog is an in-memory catalogue for tests and single-node runs.
type MemoryCatalog struct {
	mu       sync.RWMutex
	products []CatalogProduct
}

// NewMemoryCatalog builds an empty catalogue.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{}
}

// Add inserts a product.
func (c *MemoryCatalog) Add(p CatalogProduct) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = append(c.products, p)
}

// Candidates returns products sharing a name token, brand, or category with
// the query, up to limit.
func (c *MemoryCatalog) Candidates(_ context.Context, name, brand, category string, limit int) ([]CatalogProduct, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tokens := nameTokens(name)
	var out []CatalogProduct
	for _, p := range c.products {
		if len(out) >= limit {
			break
		}
		if brand != "" && strings.EqualFold(p.Brand, brand) {
			out = append(out, p)
			continue
		}
		if category != "" && strings.EqualFold(p.Category, category) {
			out = append(out, p)
			continue
		}
		if sharesToken(tokens, nameTokens(p.Name)) {
			out = append(out, p)
		}
	}
	return out, nil
}

func nameTokens(name string) map[string]bool {
	tokens := map[string]bool{}
	for _, t := range strings.Fields(strings.ToLower(name)) {
		if len(t) >= 3 {
			tokens[t] = true
		}
	}
	return tokens
}

func sharesToken(a, b map[string]bool) bool {
	for t := range a {
		if b[t] {
			return true
		}
	}
	return false
}
