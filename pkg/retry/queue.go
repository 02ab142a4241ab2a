package retry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// Queue owns the FailedOperation map. Operations are inserted on failure,
// updated per attempt, removed on success, and flagged exhausted after
// MaxRetries so an operator can intervene.
type Queue struct {
	mu     sync.Mutex
	ops    map[string]*contracts.FailedOperation
	engine *Engine
	cfg    Config
}

func newQueue(engine *Engine) *Queue {
	return &Queue{
		ops:    make(map[string]*contracts.FailedOperation),
		engine: engine,
		cfg:    DefaultConfig(),
	}
}

// EnqueueFailed records a failed operation and returns its opId. The first
// retry is scheduled one backoff step from now.
func (q *Queue) EnqueueFailed(kind contracts.OpKind, submissionID string, opErr error, meta map[string]any) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.engine.clock().UTC()
	op := &contracts.FailedOperation{
		OpID:         uuid.New().String(),
		Kind:         kind,
		SubmissionID: submissionID,
		LastError:    opErr.Error(),
		Attempts:     0,
		LastAt:       now,
		NextRetryAt:  now.Add(q.engine.Backoff(q.cfg, 0)),
		Metadata:     meta,
	}
	q.ops[op.OpID] = op
	return op.OpID
}

// ReadyForRetry returns snapshots of non-exhausted operations whose
// NextRetryAt has passed, oldest first.
func (q *Queue) ReadyForRetry(now time.Time) []contracts.FailedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []contracts.FailedOperation
	for _, op := range q.ops {
		if !op.Exhausted && !op.NextRetryAt.After(now) {
			ready = append(ready, *op)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].NextRetryAt.Before(ready[j].NextRetryAt) })
	return ready
}

// UpdateAttempt records the outcome of a retry attempt: removal on success,
// rescheduling with backoff otherwise. Operations reaching MaxRetries are
// marked exhausted and kept for manual intervention.
func (q *Queue) UpdateAttempt(opID string, success bool, attemptErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[opID]
	if !ok {
		return
	}
	if success {
		delete(q.ops, opID)
		return
	}

	op.Attempts++
	op.LastAt = q.engine.clock().UTC()
	if attemptErr != nil {
		op.LastError = attemptErr.Error()
	}
	if op.Attempts >= q.cfg.MaxRetries {
		op.Exhausted = true
		return
	}
	op.NextRetryAt = op.LastAt.Add(q.engine.Backoff(q.cfg, op.Attempts))
}

// Get returns a snapshot of one operation.
func (q *Queue) Get(opID string) (contracts.FailedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.ops[opID]
	if !ok {
		return contracts.FailedOperation{}, false
	}
	return *op, true
}

// Stats summarizes queue state for metrics and diagnostics.
type Stats struct {
	Total         int                    `json:"total"`
	ByKind        map[contracts.OpKind]int `json:"by_kind"`
	ReadyForRetry int                    `json:"ready_for_retry"`
	Exhausted     int                    `json:"exhausted"`
}

// Statistics returns a snapshot of queue statistics.
func (q *Queue) Statistics() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.engine.clock()
	stats := Stats{ByKind: make(map[contracts.OpKind]int)}
	for _, op := range q.ops {
		stats.Total++
		stats.ByKind[op.Kind]++
		if op.Exhausted {
			stats.Exhausted++
		} else if !op.NextRetryAt.After(now) {
			stats.ReadyForRetry++
		}
	}
	return stats
}
