package extraction

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/Louguiman/tekra-store-sub000/pkg/config"
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// RuleExtractor is the deterministic pass: preprocessing, per-product
// sectioning, then an ordered priority table of field extractors.
type RuleExtractor struct {
	profile *config.ExtractionProfile

	brandTokens []string          // lowercase, in profile order
	brandOf     map[string]string // lowercase token -> canonical brand
}

// brandCanonical folds well-known product lines into their maker, so that
// "iPhone 13" and "MacBook Air" both land on Apple.
var brandCanonical = map[string]string{
	"iphone":  "Apple",
	"ipad":    "Apple",
	"macbook": "Apple",
	"airpod":  "Apple",
	"galaxy":  "Samsung",
	"redmi":   "Xiaomi",
}

// NewRuleExtractor compiles the lexicon from a profile.
func NewRuleExtractor(profile *config.ExtractionProfile) *RuleExtractor {
	if profile == nil {
		profile = config.DefaultExtractionProfile()
	}
	r := &RuleExtractor{
		profile: profile,
		brandOf: make(map[string]string, len(profile.Brands)),
	}
	for _, b := range profile.Brands {
		token := strings.ToLower(b)
		r.brandTokens = append(r.brandTokens, token)
		if canonical, ok := brandCanonical[token]; ok {
			r.brandOf[token] = canonical
		} else {
			r.brandOf[token] = b
		}
	}
	return r
}

// Extract runs the rule pass over raw text. It returns nil (no error) when
// the text yields nothing extractable; the caller decides whether that is
// fatal.
func (r *RuleExtractor) Extract(text string) []contracts.ExtractedProduct {
	sections := splitSections(preprocess(text))

	var products []contracts.ExtractedProduct
	for _, section := range sections {
		if p, ok := r.extractSection(section); ok {
			products = append(products, p)
		}
	}
	return products
}

// preprocess normalizes to NFC, strips control characters, and collapses
// whitespace runs.
func preprocess(text string) string {
	text = norm.NFC.String(text)
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.Join(lines, "\n")
}

var (
	numberedPrefix = regexp.MustCompile(`^\s*\d+[.)]\s+`)
	bulletPrefix   = regexp.MustCompile(`^\s*[-*•]\s+`)
)

// splitSections cuts the text into per-product sections: newline, semicolon
// and sentence boundaries first, then heuristic product starts (numbered
// list, bullet, brand-like capitalized prefix).
func splitSections(text string) [][]string {
	var lines []string
	for _, chunk := range strings.Split(text, "\n") {
		for _, part := range strings.Split(chunk, ";") {
			part = strings.TrimSpace(part)
			if len(part) < 3 {
				continue
			}
			lines = append(lines, part)
		}
	}
	if len(lines) == 0 {
		return nil
	}

	var sections [][]string
	var current []string
	for _, line := range lines {
		if len(current) > 0 && startsNewProduct(line) {
			sections = append(sections, current)
			current = nil
		}
		current = append(current, stripListPrefix(line))
	}
	if len(current) > 0 {
		sections = append(sections, current)
	}
	return sections
}

func startsNewProduct(line string) bool {
	if numberedPrefix.MatchString(line) || bulletPrefix.MatchString(line) {
		return true
	}
	// Brand-like prefix: a capitalized word opening the line, with the line
	// not being pure metadata (price:, qty: ...).
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	first := fields[0]
	return len(first) > 2 && unicode.IsUpper([]rune(first)[0]) && !metadataLine(line)
}

func stripListPrefix(line string) string {
	line = numberedPrefix.ReplaceAllString(line, "")
	return bulletPrefix.ReplaceAllString(line, "")
}

var metadataPattern = regexp.MustCompile(`(?i)^(price|prix|qty|quantity|quantité|condition|etat|état|grade|couleur|color|storage|ram)\s*[:=]`)

func metadataLine(line string) bool {
	return metadataPattern.MatchString(line)
}

// extractSection locates the product name and applies the field extractors
// in priority order. Sections with no name and fewer than two other fields
// are rejected.
func (r *RuleExtractor) extractSection(lines []string) (contracts.ExtractedProduct, bool) {
	full := strings.Join(lines, " ")
	p := contracts.ExtractedProduct{
		Quantity: 1,
		Specs:    map[string]string{},
	}
	var fields []string

	p.Name = r.findName(lines)
	if p.Name != "" {
		fields = append(fields, "name")
	}

	// Priority table; first match per field wins.
	if price, currency, ok := extractPrice(full, r.profile.CurrencyAliases); ok {
		p.Price = &price
		fields = append(fields, "price")
		if currency != "" {
			p.Currency = currency
			fields = append(fields, "currency")
		}
	}
	if qty, ok := extractQuantity(full); ok {
		p.Quantity = qty
		fields = append(fields, "quantity")
	}
	if brand, ok := r.findBrand(full); ok {
		p.Brand = brand
		fields = append(fields, "brand")
	}
	if cond, ok := extractCondition(full); ok {
		p.Condition = cond
		fields = append(fields, "condition")
	}
	if grade, ok := extractGrade(full); ok {
		p.Grade = grade
		fields = append(fields, "grade")
	}
	extractSpecs(full, p.Specs)
	if len(p.Specs) > 0 {
		fields = append(fields, "specs")
	}

	if p.Category = r.inferCategory(p.Name + " " + full); p.Category != "" {
		fields = append(fields, "category")
	}
	if p.Currency == "" {
		p.Currency = r.profile.DefaultCurrency
	}

	// Reject: no name and too little else to stand on, or a bare name with
	// zero product signals (greetings, chatter).
	if p.Name == "" && len(fields) < 2 {
		return contracts.ExtractedProduct{}, false
	}
	if p.Name != "" && len(fields) == 1 {
		return contracts.ExtractedProduct{}, false
	}

	p.Meta.ExtractedFields = fields
	p.Confidence = ruleConfidence(&p, fields)
	return p, true
}

// findName picks the first substantial line that is not metadata-only,
// preferring lines mentioning a known brand.
func (r *RuleExtractor) findName(lines []string) string {
	var fallback string
	for _, line := range lines {
		if metadataLine(line) {
			continue
		}
		name := trimNameLine(line)
		if len(name) < 3 {
			continue
		}
		if _, hasBrand := r.findBrand(name); hasBrand {
			return name
		}
		if fallback == "" {
			fallback = name
		}
	}
	return fallback
}

var trailingPricePattern = regexp.MustCompile(`(?i)\s*[-–—]\s*(\$|€|₦)?\s*\d[\d\s.,]*\s*(fcfa|cfa|xof|usd|eur|francs?|naira)?.*$`)

// trimNameLine drops a trailing "- <price> ..." tail from a one-line offer.
func trimNameLine(line string) string {
	trimmed := trailingPricePattern.ReplaceAllString(line, "")
	trimmed = strings.TrimSpace(trimmed)
	if trimmed == "" {
		return strings.TrimSpace(line)
	}
	return trimmed
}

func (r *RuleExtractor) findBrand(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, token := range r.brandTokens {
		if containsToken(lower, token) {
			return r.brandOf[token], true
		}
	}
	return "", false
}

func (r *RuleExtractor) inferCategory(text string) string {
	lower := strings.ToLower(text)
	for category, keywords := range r.profile.Categories {
		for _, kw := range keywords {
			if containsToken(lower, kw) {
				return category
			}
		}
	}
	return ""
}

// containsToken matches kw in text on word-ish boundaries.
func containsToken(text, kw string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], kw)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(kw)
		beforeOK := start == 0 || !isWordByte(text[start-1])
		afterOK := end >= len(text) || !isWordByte(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

var (
	priceWithCurrency = regexp.MustCompile(`(?i)(\$|€|₦)\s*(\d[\d\s.,]*\d|\d)|(\d[\d\s.,]*\d|\d)\s*(fcfa|cfa|xof|usd|eur|euros?|francs?|naira|ngn|dollars?|\$|€|₦)`)
	priceLabelled     = regexp.MustCompile(`(?i)(?:price|prix)\s*[:=]?\s*(\d[\d\s.,]*\d|\d)`)
	quantityPattern   = regexp.MustCompile(`(?i)(?:qty|quantity|quantité|quantite)\s*[:=]?\s*(\d+)|(\d+)\s*(?:pcs|pieces|pièces|units|unités|unites)\b`)
	conditionPattern  = regexp.MustCompile(`(?i)\b(new|used|refurbished|neuf|occasion|reconditionn[ée])\b`)
	gradePattern      = regexp.MustCompile(`(?i)\bgrade\s*[:=]?\s*([A-D])\b`)
	storagePattern    = regexp.MustCompile(`(?i)\b(\d+)\s*(gb|go|tb|to)\b`)
	ramPattern        = regexp.MustCompile(`(?i)\b(\d+)\s*(?:gb|go)\s*(?:de\s+)?ram\b|\bram\s*[:=]?\s*(\d+)\s*(?:gb|go)\b`)
	screenPattern     = regexp.MustCompile(`(?i)\b(\d+(?:[.,]\d+)?)\s*(?:"|''|inch(?:es)?|pouces?)\b`)
	colorPattern      = regexp.MustCompile(`(?i)\b(black|white|blue|red|green|gold|silver|noir|blanc|bleu|rouge|vert|or|argent|gris|grey|gray)\b`)
)

func extractPrice(text string, aliases map[string]string) (price float64, currency string, ok bool) {
	if m := priceWithCurrency.FindStringSubmatch(text); m != nil {
		var raw, cur string
		if m[1] != "" {
			cur, raw = m[1], m[2]
		} else {
			raw, cur = m[3], m[4]
		}
		if v, err := parseAmount(raw); err == nil {
			return v, normalizeCurrency(cur, aliases), true
		}
	}
	// Lower-priority fallback: labelled price with no currency marker.
	if m := priceLabelled.FindStringSubmatch(text); m != nil {
		if v, err := parseAmount(m[1]); err == nil {
			return v, "", true
		}
	}
	return 0, "", false
}

func parseAmount(raw string) (float64, error) {
	cleaned := strings.NewReplacer(" ", "", " ", "", ",", "").Replace(strings.TrimSpace(raw))
	// "350.000" style thousand separators: drop a dot followed by exactly
	// three digits at the end.
	if m := regexp.MustCompile(`^(\d+)\.(\d{3})$`).FindStringSubmatch(cleaned); m != nil {
		cleaned = m[1] + m[2]
	}
	return strconv.ParseFloat(cleaned, 64)
}

func normalizeCurrency(raw string, aliases map[string]string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if iso, ok := aliases[key]; ok {
		return iso
	}
	if len(key) == 3 {
		return strings.ToUpper(key)
	}
	return ""
}

func extractQuantity(text string) (int, bool) {
	m := quantityPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func extractCondition(text string) (string, bool) {
	m := conditionPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	switch strings.ToLower(m[1]) {
	case "new", "neuf":
		return "new", true
	case "used", "occasion":
		return "used", true
	default:
		return "refurbished", true
	}
}

func extractGrade(text string) (string, bool) {
	m := gradePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}

func extractSpecs(text string, specs map[string]string) {
	if m := ramPattern.FindStringSubmatch(text); m != nil {
		size := m[1]
		if size == "" {
			size = m[2]
		}
		specs["ram"] = size + "GB"
	}
	for _, m := range storagePattern.FindAllStringSubmatch(text, -1) {
		unit := strings.ToUpper(m[2])
		if unit == "GO" {
			unit = "GB"
		}
		if unit == "TO" {
			unit = "TB"
		}
		candidate := m[1] + unit
		// The RAM figure also matches the storage shape; skip past it.
		if specs["ram"] == candidate {
			continue
		}
		specs["storage"] = candidate
		break
	}
	if m := screenPattern.FindStringSubmatch(text); m != nil {
		specs["screen"] = strings.ReplaceAll(m[1], ",", ".") + `"`
	}
	if m := colorPattern.FindStringSubmatch(text); m != nil {
		specs["color"] = strings.ToLower(m[1])
	}
}
