package supplier

import (
	"context"
	"sync"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// MemoryRegistry is an in-process Registry for tests and dev runs.
type MemoryRegistry struct {
	mu           sync.Mutex
	byID         map[string]*contracts.Supplier
	byPhone      map[string]string
	approvalRate map[string]float64
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byID:         make(map[string]*contracts.Supplier),
		byPhone:      make(map[string]string),
		approvalRate: make(map[string]float64),
	}
}

func (r *MemoryRegistry) FindByPhone(_ context.Context, phone string) (*contracts.Supplier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPhone[phone]
	if !ok {
		return nil, contracts.Ef(contracts.KindNotFound, "supplier phone %s", phone)
	}
	return cloneSupplier(r.byID[id]), nil
}

func (r *MemoryRegistry) Get(_ context.Context, supplierID string) (*contracts.Supplier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[supplierID]
	if !ok {
		return nil, contracts.Ef(contracts.KindNotFound, "supplier %s", supplierID)
	}
	return cloneSupplier(s), nil
}

func (r *MemoryRegistry) BumpActivity(_ context.Context, supplierID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[supplierID]
	if !ok {
		return contracts.Ef(contracts.KindNotFound, "supplier %s", supplierID)
	}
	s.Metrics.TotalSubmissions++
	now := nowUTC()
	s.Metrics.LastSubmissionAt = &now
	s.UpdatedAt = now
	return nil
}

func (r *MemoryRegistry) RecordOutcome(_ context.Context, supplierID string, approved bool, confidence float64, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[supplierID]
	if !ok {
		return contracts.Ef(contracts.KindNotFound, "supplier %s", supplierID)
	}
	r.approvalRate[supplierID] = foldOutcome(&s.Metrics, r.approvalRate[supplierID], approved, confidence)
	s.UpdatedAt = nowUTC()
	return nil
}

func (r *MemoryRegistry) Put(_ context.Context, s *contracts.Supplier) error {
	if s.Metrics.ApprovedSubmissions > s.Metrics.TotalSubmissions {
		return contracts.Invariant("approved submissions exceed total submissions")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := cloneSupplier(s)
	r.byID[s.ID] = copied
	r.byPhone[s.Phone] = s.ID
	if s.Metrics.TotalSubmissions > 0 {
		r.approvalRate[s.ID] = float64(s.Metrics.ApprovedSubmissions) / float64(s.Metrics.TotalSubmissions)
	}
	return nil
}

func (r *MemoryRegistry) Count(_ context.Context) (total, active int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byID {
		total++
		if s.Active {
			active++
		}
	}
	return total, active, nil
}

func cloneSupplier(s *contracts.Supplier) *contracts.Supplier {
	copied := *s
	if s.Metrics.LastSubmissionAt != nil {
		t := *s.Metrics.LastSubmissionAt
		copied.Metrics.LastSubmissionAt = &t
	}
	return &copied
}
