package pipeline

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// DefaultAutoApprovalPolicy is the built-in CEL trust policy: an
// established supplier with a strong approval record and only
// high-confidence products skips human validation.
const DefaultAutoApprovalPolicy = `supplier.total_submissions >= 10 &&
	supplier.approval_rate >= 0.90 &&
	products.all(p, p.confidence >= 0.90)`

// AutoApprovalPolicy evaluates the trust expression against a supplier and
// its extracted products. The program compiles once; evaluation is
// fail-closed, any error denies.
type AutoApprovalPolicy struct {
	source string
	prg    cel.Program
}

// NewAutoApprovalPolicy compiles a CEL source. An empty source uses the
// built-in policy.
func NewAutoApprovalPolicy(source string) (*AutoApprovalPolicy, error) {
	if source == "" {
		source = DefaultAutoApprovalPolicy
	}
	env, err := cel.NewEnv(
		cel.Variable("supplier", cel.DynType),
		cel.Variable("products", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create policy environment: %w", err)
	}
	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile auto-approval policy: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("build auto-approval program: %w", err)
	}
	return &AutoApprovalPolicy{source: source, prg: prg}, nil
}

// Decision is the policy outcome with the reason always recorded.
type Decision struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

// Evaluate applies the policy. Errors deny with the error as reason.
func (p *AutoApprovalPolicy) Evaluate(s *contracts.Supplier, products []contracts.ExtractedProduct) Decision {
	approvalRate := 0.0
	if s.Metrics.TotalSubmissions > 0 {
		approvalRate = float64(s.Metrics.ApprovedSubmissions) / float64(s.Metrics.TotalSubmissions)
	}

	prods := make([]map[string]any, 0, len(products))
	for _, pr := range products {
		prods = append(prods, map[string]any{
			"name":       pr.Name,
			"confidence": pr.Confidence,
		})
	}
	input := map[string]any{
		"supplier": map[string]any{
			"total_submissions":    s.Metrics.TotalSubmissions,
			"approved_submissions": s.Metrics.ApprovedSubmissions,
			"approval_rate":        approvalRate,
			"quality_rating":       s.Metrics.QualityRating,
			"active":               s.Active,
		},
		"products": prods,
	}

	out, _, err := p.prg.Eval(input)
	if err != nil {
		return Decision{Eligible: false, Reason: fmt.Sprintf("policy evaluation failed: %v", err)}
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return Decision{Eligible: false, Reason: "policy did not yield a boolean"}
	}
	if !allowed {
		return Decision{
			Eligible: false,
			Reason: fmt.Sprintf("policy denied: total=%d rate=%.2f min_confidence=%.2f",
				s.Metrics.TotalSubmissions, approvalRate, minProductConfidence(products)),
		}
	}
	return Decision{
		Eligible: true,
		Reason: fmt.Sprintf("trusted supplier: total=%d rate=%.2f all products >= 0.90 confidence",
			s.Metrics.TotalSubmissions, approvalRate),
	}
}

func minProductConfidence(products []contracts.ExtractedProduct) float64 {
	min := 1.0
	for _, p := range products {
		if p.Confidence < min {
			min = p.Confidence
		}
	}
	return min
}
