package health

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Louguiman/tekra-store-sub000/pkg/audit"
	"github.com/Louguiman/tekra-store-sub000/pkg/config"
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
	"github.com/Louguiman/tekra-store-sub000/pkg/retry"
	"github.com/Louguiman/tekra-store-sub000/pkg/submission"
	"github.com/Louguiman/tekra-store-sub000/pkg/supplier"
)

func newMonitor(t *testing.T) (*Monitor, *submission.MemoryStore) {
	t.Helper()
	store := submission.NewMemoryStore()
	cfg := &config.Config{WebhookSecret: "s", DatabaseURL: "postgres://x"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMonitor(store, supplier.NewMemoryRegistry(), retry.NewEngine().Queue(),
		cfg, nil, audit.NewLoggerWithWriter(io.Discard), logger)
	return m, store
}

func TestRecordAndResolve(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()

	id := m.RecordCritical(ctx, "pipeline", "extraction exhausted", contracts.SeverityMedium, nil)
	require.NotEmpty(t, id)

	ce, ok := m.Get(id)
	require.True(t, ok)
	assert.False(t, ce.Escalated)
	assert.Nil(t, ce.ResolvedAt)

	require.NoError(t, m.Resolve(id))
	ce, _ = m.Get(id)
	assert.NotNil(t, ce.ResolvedAt)

	assert.Equal(t, contracts.KindNotFound, contracts.KindOf(m.Resolve("nope")))
}

func TestEscalationThresholds(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()

	// Critical escalates immediately.
	id := m.RecordCritical(ctx, "db", "down", contracts.SeverityCritical, nil)
	ce, _ := m.Get(id)
	assert.True(t, ce.Escalated)

	// High escalates on the second unresolved within the window.
	first := m.RecordCritical(ctx, "sink", "x", contracts.SeverityHigh, nil)
	ce, _ = m.Get(first)
	assert.False(t, ce.Escalated)
	second := m.RecordCritical(ctx, "sink", "y", contracts.SeverityHigh, nil)
	ce, _ = m.Get(second)
	assert.True(t, ce.Escalated)
}

func TestEscalationIgnoresResolvedAndOld(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.WithClock(func() time.Time { return now })

	old := m.RecordCritical(ctx, "sink", "old", contracts.SeverityHigh, nil)
	_ = old

	// Two hours later the old error is outside the window.
	now = now.Add(2 * time.Hour)
	id := m.RecordCritical(ctx, "sink", "new", contracts.SeverityHigh, nil)
	ce, _ := m.Get(id)
	assert.False(t, ce.Escalated)
}

func TestUnresolvedOrderAndLimit(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.WithClock(func() time.Time { return now })

	first := m.RecordCritical(ctx, "a", "1", contracts.SeverityLow, nil)
	now = now.Add(time.Minute)
	second := m.RecordCritical(ctx, "b", "2", contracts.SeverityLow, nil)
	require.NoError(t, m.Resolve(first))

	out := m.Unresolved(50)
	require.Len(t, out, 1)
	assert.Equal(t, second, out[0].ErrorID)
}

func TestPurgeResolved(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.WithClock(func() time.Time { return now })

	id := m.RecordCritical(ctx, "a", "1", contracts.SeverityLow, nil)
	require.NoError(t, m.Resolve(id))
	keep := m.RecordCritical(ctx, "b", "2", contracts.SeverityLow, nil)

	removed := m.PurgeResolved(now.Add(time.Second))
	assert.Equal(t, 1, removed)
	_, ok := m.Get(id)
	assert.False(t, ok)
	_, ok = m.Get(keep)
	assert.True(t, ok)
}

func TestCheckHealthyAndConfigFailure(t *testing.T) {
	m, _ := newMonitor(t)

	report := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)

	m.cfg.WebhookSecret = ""
	report = m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestCheckDegradedOnStuck(t *testing.T) {
	m, store := newMonitor(t)
	ctx := context.Background()

	past := time.Now().Add(-3 * time.Hour)
	store.WithClock(func() time.Time { return past })
	sub := &contracts.Submission{
		ID: "s1", SupplierID: "sup", ExternalMessageID: "e1",
		ContentKind:     contracts.ContentText,
		ExtractionState: contracts.ExtractionPending,
		ValidationState: contracts.ValidationPending,
	}
	require.NoError(t, store.Insert(ctx, sub))
	_, err := store.TransitionExtraction(ctx, "s1", contracts.ExtractionPending, contracts.ExtractionRunning, submission.Patch{})
	require.NoError(t, err)
	store.WithClock(time.Now)

	report := m.Check(ctx)
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestSnapshotCountsErrors(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()

	m.RecordCritical(ctx, "a", "1", contracts.SeverityHigh, nil)
	id := m.RecordCritical(ctx, "b", "2", contracts.SeverityLow, nil)
	require.NoError(t, m.Resolve(id))

	metrics, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.Errors[contracts.SeverityHigh])
	assert.Equal(t, 1, metrics.Errors[contracts.SeverityLow])
	assert.Equal(t, 1, metrics.UnresolvedCount)
}

func TestDiagnoseIncludesRecent(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()
	m.RecordCritical(ctx, "a", "1", contracts.SeverityMedium, nil)

	diag, err := m.Diagnose(ctx)
	require.NoError(t, err)
	assert.Len(t, diag.Recent, 1)
	assert.Equal(t, StatusHealthy, diag.Health.Status)
	assert.Contains(t, diag.ConfigFlags, "llm_enabled")
}
