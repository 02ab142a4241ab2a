// Package supplier maps phone numbers to registered supplier identities and
// maintains rolling performance metrics used by the auto-approval policy.
package supplier

import (
	"context"
	"time"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// SmoothingWindow is the number of recent outcomes the quality rating
// smooths over.
const SmoothingWindow = 50

// Registry is the supplier lookup and metrics contract. Suppliers are
// created out-of-band; only this package mutates their metrics. Metric
// updates are serialized per supplier.
type Registry interface {
	// FindByPhone resolves an E.164 phone to a supplier. Unknown phones
	// return KindNotFound.
	FindByPhone(ctx context.Context, phone string) (*contracts.Supplier, error)

	Get(ctx context.Context, supplierID string) (*contracts.Supplier, error)

	// BumpActivity increments total submissions and stamps the last
	// submission time.
	BumpActivity(ctx context.Context, supplierID string) error

	// RecordOutcome folds a validation decision into the rolling metrics
	// and recomputes the quality rating.
	RecordOutcome(ctx context.Context, supplierID string, approved bool, confidence float64, processingMs int64) error

	// Put creates or replaces a supplier row. Used by provisioning and
	// tests; the pipeline itself never calls it.
	Put(ctx context.Context, s *contracts.Supplier) error

	Count(ctx context.Context) (total, active int, err error)
}

// foldOutcome updates the smoothed metrics with one decision. Both the
// approval rate and the average confidence are exponential means whose step
// shrinks to 1/SmoothingWindow once enough outcomes have been seen.
func foldOutcome(m *contracts.SupplierMetrics, approvalRate float64, approved bool, confidence float64) (newRate float64) {
	if approved {
		m.ApprovedSubmissions++
	}
	if m.ApprovedSubmissions > m.TotalSubmissions {
		// Outcomes never outrun intake bumps.
		m.TotalSubmissions = m.ApprovedSubmissions
	}
	n := maxInt(m.TotalSubmissions, 1)
	step := 1.0 / float64(minInt(n, SmoothingWindow))

	outcome := 0.0
	if approved {
		outcome = 1.0
	}
	newRate = approvalRate + (outcome-approvalRate)*step
	m.AvgConfidence += (confidence - m.AvgConfidence) * step
	m.QualityRating = qualityRating(newRate, m.AvgConfidence)
	return newRate
}

// qualityRating maps smoothed approval rate and confidence onto [1,5].
func qualityRating(approvalRate, avgConfidence float64) float64 {
	rating := 1 + 4*(approvalRate*0.6+avgConfidence*0.4)
	if rating < 1 {
		rating = 1
	}
	if rating > 5 {
		rating = 5
	}
	return rating
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func nowUTC() time.Time { return time.Now().UTC() }
