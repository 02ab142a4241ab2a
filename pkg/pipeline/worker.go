package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultWorkers is the bounded pool size for asynchronous processing.
const DefaultWorkers = 4

// Dispatcher fans submission ids out to a bounded worker pool. Intake
// enqueues and returns; workers drive the orchestrator.
type Dispatcher struct {
	orchestrator *Orchestrator
	logger       *slog.Logger
	jobs         chan string
	workers      int

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewDispatcher builds a dispatcher with the given pool size; size <= 0
// uses DefaultWorkers.
func NewDispatcher(orchestrator *Orchestrator, workers int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		orchestrator: orchestrator,
		logger:       logger,
		jobs:         make(chan string, 256),
		workers:      workers,
		stopped:      make(chan struct{}),
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop is
// called.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopped:
			return
		case id := <-d.jobs:
			// Pipeline steps carry their own deadlines; the request that
			// enqueued the id is long gone.
			procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
			if err := d.orchestrator.Process(procCtx, id); err != nil {
				d.logger.Error("pipeline processing failed", "submission_id", id, "error", err)
			}
			cancel()
		}
	}
}

// Enqueue hands a submission id to the pool without blocking intake. A full
// queue is dropped with a warning; the pending sweep recovers it.
func (d *Dispatcher) Enqueue(submissionID string) bool {
	select {
	case d.jobs <- submissionID:
		return true
	default:
		d.logger.Warn("pipeline queue full, deferring to pending sweep", "submission_id", submissionID)
		return false
	}
}

// Stop terminates the workers and waits for in-flight work.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopped) })
	d.wg.Wait()
}
