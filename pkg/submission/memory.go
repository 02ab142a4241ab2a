package submission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// MemoryStore is an in-process Store used by tests and single-node dev runs.
type MemoryStore struct {
	mu         sync.Mutex
	byID       map[string]*contracts.Submission
	byExternal map[string]string // externalMessageID -> submissionID
	processing []ProcessingEntry
	clock      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*contracts.Submission),
		byExternal: make(map[string]string),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

func (m *MemoryStore) Insert(_ context.Context, s *contracts.Submission) error {
	if err := s.CheckInvariants(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byExternal[s.ExternalMessageID]; dup {
		return contracts.Ef(contracts.KindStateConflict, "duplicate external message id %s", s.ExternalMessageID)
	}
	now := m.clock().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	copied := cloneSubmission(s)
	m.byID[s.ID] = copied
	m.byExternal[s.ExternalMessageID] = s.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*contracts.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, contracts.Ef(contracts.KindNotFound, "submission %s", id)
	}
	return cloneSubmission(s), nil
}

func (m *MemoryStore) GetByExternalMessageID(_ context.Context, externalID string) (*contracts.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, contracts.Ef(contracts.KindNotFound, "external message %s", externalID)
	}
	return cloneSubmission(m.byID[id]), nil
}

func (m *MemoryStore) ListPending(_ context.Context, limit int) ([]*contracts.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*contracts.Submission
	for _, s := range m.byID {
		if s.ExtractionState == contracts.ExtractionPending {
			out = append(out, cloneSubmission(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListStuck(_ context.Context, olderThan time.Time) ([]*contracts.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*contracts.Submission
	for _, s := range m.byID {
		if s.ExtractionState == contracts.ExtractionRunning && s.UpdatedAt.Before(olderThan) {
			out = append(out, cloneSubmission(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) ListAwaitingValidation(_ context.Context, limit int) ([]*contracts.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*contracts.Submission
	for _, s := range m.byID {
		if s.ExtractionState == contracts.ExtractionCompleted && s.ValidationState == contracts.ValidationPending {
			out = append(out, cloneSubmission(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountStaleValidations(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.byID {
		if s.ExtractionState == contracts.ExtractionCompleted &&
			s.ValidationState == contracts.ValidationPending &&
			s.CreatedAt.Before(olderThan) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) TransitionExtraction(_ context.Context, id string, from, to contracts.ExtractionState, patch Patch) (*contracts.Submission, error) {
	if !legalExtraction(from, to) {
		return nil, contracts.Ef(contracts.KindInvariant, "illegal extraction transition %s -> %s", from, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[id]
	if !ok {
		return nil, contracts.Ef(contracts.KindNotFound, "submission %s", id)
	}
	if s.ExtractionState != from {
		return nil, contracts.Ef(contracts.KindStateConflict, "submission %s is %s, expected %s", id, s.ExtractionState, from)
	}

	next := cloneSubmission(s)
	next.ExtractionState = to
	if patch.Extracted != nil {
		next.Extracted = patch.Extracted
	}
	if to != contracts.ExtractionCompleted {
		next.Extracted = nil
	}
	next.UpdatedAt = m.clock().UTC()

	if err := next.CheckInvariants(); err != nil {
		return nil, err
	}
	m.byID[id] = next
	return cloneSubmission(next), nil
}

func (m *MemoryStore) TransitionValidation(_ context.Context, id string, from, to contracts.ValidationState, patch Patch) (*contracts.Submission, error) {
	if !legalValidation(from, to) {
		return nil, contracts.Ef(contracts.KindInvariant, "illegal validation transition %s -> %s", from, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[id]
	if !ok {
		return nil, contracts.Ef(contracts.KindNotFound, "submission %s", id)
	}
	if s.ValidationState != from {
		return nil, contracts.Ef(contracts.KindStateConflict, "submission %s validation is %s, expected %s", id, s.ValidationState, from)
	}

	next := cloneSubmission(s)
	next.ValidationState = to
	if patch.Extracted != nil {
		next.Extracted = patch.Extracted
	}
	if patch.ValidatedBy != "" {
		next.ValidatedBy = patch.ValidatedBy
	}
	if patch.ValidationNotes != "" {
		next.ValidationNotes = patch.ValidationNotes
	}
	next.UpdatedAt = m.clock().UTC()

	if err := next.CheckInvariants(); err != nil {
		return nil, err
	}
	m.byID[id] = next
	return cloneSubmission(next), nil
}

func (m *MemoryStore) GroupProbe(_ context.Context, supplierID string, at time.Time) (*contracts.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *contracts.Submission
	cutoff := at.Add(-GroupingWindow)
	for _, s := range m.byID {
		if s.SupplierID != supplierID || s.ExtractionState != contracts.ExtractionPending {
			continue
		}
		if !s.CreatedAt.After(cutoff) || s.CreatedAt.After(at) {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneSubmission(best), nil
}

func (m *MemoryStore) Metrics(_ context.Context) (StateCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c StateCounts
	for _, s := range m.byID {
		switch s.ExtractionState {
		case contracts.ExtractionPending:
			c.ExtractionPending++
		case contracts.ExtractionRunning:
			c.ExtractionRunning++
		case contracts.ExtractionCompleted:
			c.ExtractionCompleted++
		case contracts.ExtractionFailed:
			c.ExtractionFailed++
		}
		switch s.ValidationState {
		case contracts.ValidationPending:
			c.ValidationPending++
		case contracts.ValidationApproved:
			c.ValidationApproved++
		case contracts.ValidationRejected:
			c.ValidationRejected++
		}
	}
	return c, nil
}

func (m *MemoryStore) AppendProcessing(_ context.Context, entry ProcessingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.At.IsZero() {
		entry.At = m.clock().UTC()
	}
	m.processing = append(m.processing, entry)
	return nil
}

func (m *MemoryStore) ListProcessing(_ context.Context, submissionID string) ([]ProcessingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ProcessingEntry
	for _, e := range m.processing {
		if e.SubmissionID == submissionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func cloneSubmission(s *contracts.Submission) *contracts.Submission {
	copied := *s
	if s.Extracted != nil {
		copied.Extracted = append([]contracts.ExtractedProduct(nil), s.Extracted...)
	}
	if s.Metadata != nil {
		copied.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			copied.Metadata[k] = v
		}
	}
	return &copied
}
