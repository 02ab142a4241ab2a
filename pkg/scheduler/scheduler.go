// Package scheduler runs the background maintenance loops: sweeping
// unprocessed submissions, draining the retry queue, detecting stale and
// stuck work, rolling up metrics, and purging resolved errors.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
	"github.com/Louguiman/tekra-store-sub000/pkg/health"
	"github.com/Louguiman/tekra-store-sub000/pkg/integration"
	"github.com/Louguiman/tekra-store-sub000/pkg/pipeline"
	"github.com/Louguiman/tekra-store-sub000/pkg/retry"
	"github.com/Louguiman/tekra-store-sub000/pkg/submission"
)

// Task cadence and thresholds.
const (
	PendingSweepInterval  = 5 * time.Minute
	RetryDrainInterval    = 5 * time.Minute
	StuckSweepInterval    = 30 * time.Minute
	StaleCheckInterval    = time.Hour
	MetricsRollupInterval = time.Hour
	CleanupInterval       = 24 * time.Hour

	// PendingBatch bounds one sweep; anything beyond it waits for the next.
	PendingBatch = 10

	// StaleAfter is how long a submission may sit awaiting human validation
	// before the monitor is told about it.
	StaleAfter = 24 * time.Hour

	// ResolvedRetention is how long resolved critical errors are kept.
	ResolvedRetention = 7 * 24 * time.Hour

	rollupFailureRate = 0.25
	rollupBacklog     = 100
)

// Scheduler owns the periodic tasks. Each task holds a guard so a slow run
// is never overlapped by the next tick.
type Scheduler struct {
	store        submission.Store
	orchestrator *pipeline.Orchestrator
	sink         integration.IntegrationSink
	engine       *retry.Engine
	monitor      *health.Monitor
	logger       *slog.Logger
	clock        func() time.Time

	guards sync.Map // task name -> *atomic.Bool

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New wires the scheduler.
func New(store submission.Store, orchestrator *pipeline.Orchestrator, sink integration.IntegrationSink,
	engine *retry.Engine, monitor *health.Monitor, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:        store,
		orchestrator: orchestrator,
		sink:         sink,
		engine:       engine,
		monitor:      monitor,
		logger:       logger,
		clock:        time.Now,
		stopped:      make(chan struct{}),
	}
}

// WithClock overrides the time source, for tests. Tickers still run on wall
// time; the clock only feeds cutoff computations.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Start launches one goroutine per task. Tasks stop when ctx is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	tasks := []struct {
		name     string
		interval time.Duration
		run      func(ctx context.Context) error
	}{
		{"pending_sweep", PendingSweepInterval, s.SweepPending},
		{"retry_drain", RetryDrainInterval, s.DrainRetries},
		{"stuck_sweep", StuckSweepInterval, s.SweepStuck},
		{"stale_validation_check", StaleCheckInterval, s.CheckStaleValidations},
		{"metrics_rollup", MetricsRollupInterval, s.RollupMetrics},
		{"error_cleanup", CleanupInterval, s.CleanupResolved},
	}
	for _, task := range tasks {
		s.wg.Add(1)
		go s.loop(ctx, task.name, task.interval, task.run)
	}
}

// Stop terminates the task loops and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, run func(ctx context.Context) error) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case <-ticker.C:
			s.runGuarded(ctx, name, run)
		}
	}
}

// runGuarded skips the run when the previous one is still in flight.
func (s *Scheduler) runGuarded(ctx context.Context, name string, run func(ctx context.Context) error) {
	guard := s.guard(name)
	if !guard.CompareAndSwap(false, true) {
		s.logger.Warn("scheduled task still running, skipping tick", "task", name)
		return
	}
	defer guard.Store(false)

	started := s.clock()
	if err := run(ctx); err != nil {
		s.logger.Error("scheduled task failed", "task", name, "error", err,
			"duration_ms", s.clock().Sub(started).Milliseconds())
		return
	}
	s.logger.Debug("scheduled task completed", "task", name,
		"duration_ms", s.clock().Sub(started).Milliseconds())
}

func (s *Scheduler) guard(name string) *atomic.Bool {
	v, _ := s.guards.LoadOrStore(name, new(atomic.Bool))
	return v.(*atomic.Bool)
}

// SweepPending drives up to PendingBatch extraction-Pending submissions,
// oldest first, sequentially. Failures are logged per submission; one bad
// row never stops the sweep.
func (s *Scheduler) SweepPending(ctx context.Context) error {
	pending, err := s.store.ListPending(ctx, PendingBatch)
	if err != nil {
		return err
	}
	for _, sub := range pending {
		if err := s.orchestrator.Process(ctx, sub.ID); err != nil {
			s.logger.Error("pending sweep processing failed", "submission_id", sub.ID, "error", err)
		}
	}
	if len(pending) > 0 {
		s.logger.Info("pending sweep completed", "processed", len(pending))
	}
	return nil
}

// DrainRetries re-attempts every due failed operation and records the
// outcome back on the queue.
func (s *Scheduler) DrainRetries(ctx context.Context) error {
	ready := s.engine.Queue().ReadyForRetry(s.clock().UTC())
	for _, op := range ready {
		err := s.retryOp(ctx, op)
		s.engine.Queue().UpdateAttempt(op.OpID, err == nil, err)
		if err != nil {
			s.logger.Warn("retry attempt failed",
				"op_id", op.OpID, "kind", op.Kind, "submission_id", op.SubmissionID, "error", err)
		}
	}
	if len(ready) > 0 {
		s.logger.Info("retry drain completed", "attempted", len(ready))
	}
	return nil
}

// retryOp dispatches one failed operation by kind. Integration retries for
// an already approved submission re-push to the sink directly; everything
// else re-enters the pipeline, which is idempotent on decided submissions.
func (s *Scheduler) retryOp(ctx context.Context, op contracts.FailedOperation) error {
	sub, err := s.store.Get(ctx, op.SubmissionID)
	if err != nil {
		return err
	}

	if op.Kind != contracts.OpIntegration {
		if sub.ExtractionState == contracts.ExtractionFailed {
			if _, err := s.store.TransitionExtraction(ctx, sub.ID,
				contracts.ExtractionFailed, contracts.ExtractionPending, submission.Patch{}); err != nil {
				return err
			}
		}
		return s.orchestrator.Process(ctx, op.SubmissionID)
	}
	if sub.ValidationState != contracts.ValidationApproved {
		// Auto-approval sink failure left it Pending; re-run the pipeline so
		// the policy decision and the approval CAS stay in one place.
		return s.orchestrator.Process(ctx, op.SubmissionID)
	}

	if idx, ok := productIndex(op.Metadata); ok && idx < len(sub.Extracted) {
		_, err := s.sink.UpsertProduct(ctx, &sub.Extracted[idx], sub.SupplierID, sub.ID)
		return err
	}
	for i := range sub.Extracted {
		if _, err := s.sink.UpsertProduct(ctx, &sub.Extracted[i], sub.SupplierID, sub.ID); err != nil {
			return err
		}
	}
	return nil
}

func productIndex(meta map[string]any) (int, bool) {
	switch v := meta["product_index"].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// SweepStuck resets submissions left Running beyond StuckThreshold back to
// Pending so the pending sweep can pick them up again.
func (s *Scheduler) SweepStuck(ctx context.Context) error {
	cutoff := s.clock().UTC().Add(-submission.StuckThreshold)
	stuck, err := s.store.ListStuck(ctx, cutoff)
	if err != nil {
		return err
	}

	reset := 0
	for _, sub := range stuck {
		if _, err := s.store.TransitionExtraction(ctx, sub.ID,
			contracts.ExtractionRunning, contracts.ExtractionFailed, submission.Patch{}); err != nil {
			// A worker finished it between the list and the CAS.
			if contracts.IsKind(err, contracts.KindStateConflict) {
				continue
			}
			s.logger.Error("stuck reset failed", "submission_id", sub.ID, "error", err)
			continue
		}
		if _, err := s.store.TransitionExtraction(ctx, sub.ID,
			contracts.ExtractionFailed, contracts.ExtractionPending, submission.Patch{}); err != nil {
			s.logger.Error("stuck requeue failed", "submission_id", sub.ID, "error", err)
			continue
		}
		reset++
	}
	if reset > 0 {
		s.logger.Warn("stuck submissions reset", "count", reset)
	}
	return nil
}

// CheckStaleValidations reports submissions awaiting a human decision for
// longer than StaleAfter.
func (s *Scheduler) CheckStaleValidations(ctx context.Context) error {
	cutoff := s.clock().UTC().Add(-StaleAfter)
	stale, err := s.store.CountStaleValidations(ctx, cutoff)
	if err != nil {
		return err
	}
	if stale > 0 {
		s.monitor.RecordCritical(ctx, "validation",
			"submissions awaiting validation beyond threshold", contracts.SeverityMedium, map[string]any{
				"count":      stale,
				"older_than": cutoff,
			})
	}
	return nil
}

// RollupMetrics snapshots the pipeline counters and raises critical errors
// when the failure rate or the pending backlog crosses its threshold.
func (s *Scheduler) RollupMetrics(ctx context.Context) error {
	counts, err := s.store.Metrics(ctx)
	if err != nil {
		return err
	}

	processed := counts.ExtractionCompleted + counts.ExtractionFailed
	if processed > 0 {
		rate := float64(counts.ExtractionFailed) / float64(processed)
		if rate > rollupFailureRate {
			s.monitor.RecordCritical(ctx, "pipeline",
				"extraction failure rate above threshold", contracts.SeverityHigh, map[string]any{
					"failure_rate": rate,
					"failed":       counts.ExtractionFailed,
					"processed":    processed,
				})
		}
	}
	if counts.ExtractionPending > rollupBacklog {
		s.monitor.RecordCritical(ctx, "pipeline",
			"pending backlog above threshold", contracts.SeverityMedium, map[string]any{
				"backlog": counts.ExtractionPending,
			})
	}

	s.logger.Info("metrics rollup",
		"pending", counts.ExtractionPending,
		"running", counts.ExtractionRunning,
		"completed", counts.ExtractionCompleted,
		"failed", counts.ExtractionFailed,
		"awaiting_validation", counts.ValidationPending,
		"approved", counts.ValidationApproved,
		"rejected", counts.ValidationRejected)
	return nil
}

// CleanupResolved purges critical errors resolved more than
// ResolvedRetention ago.
func (s *Scheduler) CleanupResolved(_ context.Context) error {
	removed := s.monitor.PurgeResolved(s.clock().UTC().Add(-ResolvedRetention))
	if removed > 0 {
		s.logger.Info("resolved errors purged", "count", removed)
	}
	return nil
}
