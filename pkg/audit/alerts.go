package audit

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// SecurityAlert is raised when media validation detects hostile or corrupt
// content. Alerts are admin-resolvable.
type SecurityAlert struct {
	AlertID    string              `json:"alert_id"`
	Timestamp  time.Time           `json:"timestamp"`
	Severity   contracts.Severity  `json:"severity"`
	Source     string              `json:"source"`
	Reason     string              `json:"reason"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
	ResolvedAt *time.Time          `json:"resolved_at,omitempty"`
	ResolvedBy string              `json:"resolved_by,omitempty"`
}

// AlertStore owns the security-alert map.
type AlertStore struct {
	mu     sync.Mutex
	alerts map[string]*SecurityAlert
	clock  func() time.Time
}

// NewAlertStore creates an empty alert store.
func NewAlertStore() *AlertStore {
	return &AlertStore{
		alerts: make(map[string]*SecurityAlert),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *AlertStore) WithClock(clock func() time.Time) *AlertStore {
	s.clock = clock
	return s
}

// Raise records a new alert and returns its id.
func (s *AlertStore) Raise(severity contracts.Severity, source, reason string, metadata map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert := &SecurityAlert{
		AlertID:   uuid.New().String(),
		Timestamp: s.clock().UTC(),
		Severity:  severity,
		Source:    source,
		Reason:    reason,
		Metadata:  metadata,
	}
	s.alerts[alert.AlertID] = alert
	return alert.AlertID
}

// Resolve marks an alert resolved. Returns false when the id is unknown.
func (s *AlertStore) Resolve(alertID, resolvedBy string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[alertID]
	if !ok {
		return false
	}
	now := s.clock().UTC()
	alert.ResolvedAt = &now
	alert.ResolvedBy = resolvedBy
	return true
}

// List returns alerts newest first. unresolvedOnly filters out resolved ones.
func (s *AlertStore) List(unresolvedOnly bool) []*SecurityAlert {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*SecurityAlert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if unresolvedOnly && a.ResolvedAt != nil {
			continue
		}
		copied := *a
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}
