// Package health owns the CriticalError map and the service health
// rollups: liveness checks, metric aggregation, and threshold-based
// escalation of clustered errors.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Louguiman/tekra-store-sub000/pkg/audit"
	"github.com/Louguiman/tekra-store-sub000/pkg/config"
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
	"github.com/Louguiman/tekra-store-sub000/pkg/retry"
	"github.com/Louguiman/tekra-store-sub000/pkg/submission"
	"github.com/Louguiman/tekra-store-sub000/pkg/supplier"
)

// EscalationWindow is the clustering window for critical-error escalation.
const EscalationWindow = time.Hour

// escalationThresholds is the unresolved-count-per-severity trigger inside
// the window.
var escalationThresholds = map[contracts.Severity]int{
	contracts.SeverityLow:      10,
	contracts.SeverityMedium:   5,
	contracts.SeverityHigh:     2,
	contracts.SeverityCritical: 1,
}

const (
	backlogWarn   = 100
	errorRateWarn = 0.10
	errorRateFail = 0.25
)

// Status is the overall health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one named probe outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the aggregate of all probes.
type Report struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
	At     time.Time     `json:"at"`
}

// Metrics is the snapshot served by /health/metrics.
type Metrics struct {
	Submissions     submission.StateCounts     `json:"submissions"`
	Suppliers       SupplierCounts             `json:"suppliers"`
	Retry           retry.Stats                `json:"retry"`
	Errors          map[contracts.Severity]int `json:"errors_by_severity"`
	UnresolvedCount int                        `json:"unresolved_errors"`
	At              time.Time                  `json:"at"`
}

// SupplierCounts pairs registered and active supplier totals.
type SupplierCounts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// Diagnostics is the deep-inspection payload: metrics plus recent errors
// and configuration state.
type Diagnostics struct {
	Health      Report                   `json:"health"`
	Metrics     Metrics                  `json:"metrics"`
	Recent      []contracts.CriticalError `json:"recent_unresolved"`
	ConfigFlags map[string]bool          `json:"config_flags"`
}

// Pinger checks database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Monitor owns the critical-error map. All access is behind one mutex;
// readers get snapshots.
type Monitor struct {
	mu     sync.Mutex
	errors map[string]*contracts.CriticalError

	store     submission.Store
	suppliers supplier.Registry
	retryq    *retry.Queue
	cfg       *config.Config
	pinger    Pinger // nil skips the database probe
	auditLog  audit.Logger
	logger    *slog.Logger
	clock     func() time.Time
}

// NewMonitor wires the monitor. pinger may be nil for in-memory runs.
func NewMonitor(store submission.Store, suppliers supplier.Registry, retryq *retry.Queue,
	cfg *config.Config, pinger Pinger, auditLog audit.Logger, logger *slog.Logger) *Monitor {
	return &Monitor{
		errors:    make(map[string]*contracts.CriticalError),
		store:     store,
		suppliers: suppliers,
		retryq:    retryq,
		cfg:       cfg,
		pinger:    pinger,
		auditLog:  auditLog,
		logger:    logger,
		clock:     time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// RecordCritical inserts an error and escalates it when unresolved errors
// of the same severity inside the last hour reach the severity threshold.
// Paging channels are external; escalation here is the audit trail.
func (m *Monitor) RecordCritical(ctx context.Context, component, message string, severity contracts.Severity, meta map[string]any) string {
	m.mu.Lock()
	now := m.clock().UTC()
	ce := &contracts.CriticalError{
		ErrorID:   uuid.New().String(),
		Timestamp: now,
		Severity:  severity,
		Component: component,
		Message:   message,
		Metadata:  meta,
	}

	unresolved := 0
	since := now.Add(-EscalationWindow)
	for _, e := range m.errors {
		if e.Severity == severity && e.ResolvedAt == nil && e.Timestamp.After(since) {
			unresolved++
		}
	}
	if unresolved+1 >= escalationThresholds[severity] {
		ce.Escalated = true
	}
	m.errors[ce.ErrorID] = ce
	m.mu.Unlock()

	m.logger.Error("critical error recorded",
		"error_id", ce.ErrorID, "component", component, "severity", severity,
		"message", message, "escalated", ce.Escalated)
	if ce.Escalated {
		_ = m.auditLog.Record(ctx, audit.EventSystem, "health-monitor", audit.ActionEscalation, ce.ErrorID, map[string]any{
			"component": component,
			"severity":  severity,
			"message":   message,
		})
	}
	return ce.ErrorID
}

// Resolve stamps an error resolved. Unknown ids return KindNotFound.
func (m *Monitor) Resolve(errorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ce, ok := m.errors[errorID]
	if !ok {
		return contracts.Ef(contracts.KindNotFound, "critical error %s", errorID)
	}
	if ce.ResolvedAt == nil {
		now := m.clock().UTC()
		ce.ResolvedAt = &now
	}
	return nil
}

// Get returns a snapshot of one error.
func (m *Monitor) Get(errorID string) (contracts.CriticalError, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ce, ok := m.errors[errorID]
	if !ok {
		return contracts.CriticalError{}, false
	}
	return *ce, true
}

// Unresolved returns unresolved errors, newest first, bounded by limit.
func (m *Monitor) Unresolved(limit int) []contracts.CriticalError {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []contracts.CriticalError
	for _, e := range m.errors {
		if e.ResolvedAt == nil {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PurgeResolved deletes errors resolved before the cutoff and returns the
// number removed.
func (m *Monitor) PurgeResolved(olderThan time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.errors {
		if e.ResolvedAt != nil && e.ResolvedAt.Before(olderThan) {
			delete(m.errors, id)
			removed++
		}
	}
	return removed
}

// Check runs all probes. Any failing probe makes the service unhealthy,
// any warning degrades it.
func (m *Monitor) Check(ctx context.Context) Report {
	now := m.clock().UTC()
	var checks []CheckResult

	if m.pinger != nil {
		c := CheckResult{Name: "database", Status: StatusHealthy}
		if err := m.pinger.PingContext(ctx); err != nil {
			c.Status = StatusUnhealthy
			c.Detail = err.Error()
		}
		checks = append(checks, c)
	}

	counts, err := m.store.Metrics(ctx)
	if err != nil {
		checks = append(checks, CheckResult{Name: "submissions", Status: StatusUnhealthy, Detail: err.Error()})
	} else {
		backlog := CheckResult{Name: "pending_backlog", Status: StatusHealthy}
		if counts.ExtractionPending >= backlogWarn {
			backlog.Status = StatusDegraded
			backlog.Detail = "pending backlog above threshold"
		}
		checks = append(checks, backlog)
		checks = append(checks, m.errorRateCheck(counts, now))
	}

	stuck, err := m.store.ListStuck(ctx, now.Add(-submission.StuckThreshold))
	stuckCheck := CheckResult{Name: "stuck_submissions", Status: StatusHealthy}
	switch {
	case err != nil:
		stuckCheck.Status = StatusUnhealthy
		stuckCheck.Detail = err.Error()
	case len(stuck) > 0:
		stuckCheck.Status = StatusDegraded
		stuckCheck.Detail = "submissions stuck in running state"
	}
	checks = append(checks, stuckCheck)

	cfgCheck := CheckResult{Name: "configuration", Status: StatusHealthy}
	if missing := m.cfg.MissingRequired(); len(missing) > 0 {
		cfgCheck.Status = StatusUnhealthy
		cfgCheck.Detail = "missing required configuration"
	}
	checks = append(checks, cfgCheck)

	return Report{Status: overall(checks), Checks: checks, At: now}
}

// errorRateCheck compares unresolved errors in the last 24 hours against
// the total submission volume.
func (m *Monitor) errorRateCheck(counts submission.StateCounts, now time.Time) CheckResult {
	total := counts.ExtractionPending + counts.ExtractionRunning +
		counts.ExtractionCompleted + counts.ExtractionFailed
	c := CheckResult{Name: "error_rate", Status: StatusHealthy}
	if total == 0 {
		return c
	}

	m.mu.Lock()
	recent := 0
	since := now.Add(-24 * time.Hour)
	for _, e := range m.errors {
		if e.Timestamp.After(since) {
			recent++
		}
	}
	m.mu.Unlock()

	rate := float64(recent) / float64(total)
	switch {
	case rate >= errorRateFail:
		c.Status = StatusUnhealthy
		c.Detail = "error rate above failure threshold"
	case rate >= errorRateWarn:
		c.Status = StatusDegraded
		c.Detail = "error rate elevated"
	}
	return c
}

func overall(checks []CheckResult) Status {
	status := StatusHealthy
	for _, c := range checks {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// Snapshot gathers current metrics for /health/metrics.
func (m *Monitor) Snapshot(ctx context.Context) (Metrics, error) {
	counts, err := m.store.Metrics(ctx)
	if err != nil {
		return Metrics{}, err
	}
	total, active, err := m.suppliers.Count(ctx)
	if err != nil {
		return Metrics{}, err
	}

	m.mu.Lock()
	hist := make(map[contracts.Severity]int)
	unresolved := 0
	for _, e := range m.errors {
		hist[e.Severity]++
		if e.ResolvedAt == nil {
			unresolved++
		}
	}
	m.mu.Unlock()

	return Metrics{
		Submissions:     counts,
		Suppliers:       SupplierCounts{Total: total, Active: active},
		Retry:           m.retryq.Statistics(),
		Errors:          hist,
		UnresolvedCount: unresolved,
		At:              m.clock().UTC(),
	}, nil
}

// Diagnose returns the full inspection payload: health, metrics, the last
// 50 unresolved errors, and config flags.
func (m *Monitor) Diagnose(ctx context.Context) (Diagnostics, error) {
	metrics, err := m.Snapshot(ctx)
	if err != nil {
		return Diagnostics{}, err
	}
	return Diagnostics{
		Health:  m.Check(ctx),
		Metrics: metrics,
		Recent:  m.Unresolved(50),
		ConfigFlags: map[string]bool{
			"llm_enabled":    m.cfg.LLMEnabled,
			"redis_limiter":  m.cfg.RedisAddr != "",
			"otlp_exporter":  m.cfg.OTLPEndpoint != "",
			"sink_configured": m.cfg.SinkBaseURL != "",
		},
	}, nil
}
