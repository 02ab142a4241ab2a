// Package retry provides bounded exponential backoff for side-effectful
// pipeline steps and owns the failed-operation queue drained by the
// scheduler.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// Config bounds a retried operation.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultConfig matches the pipeline defaults: 5 retries, 1s base, 60s cap,
// doubling with ±25% jitter.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2,
	}
}

// Result records the outcome of an Execute call.
type Result struct {
	OK       bool
	Err      error
	Attempts int
	Total    time.Duration
}

// Engine executes operations with backoff and tracks failed operations for
// deferred retry.
type Engine struct {
	queue *Queue

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	// jitterFrac returns a uniform sample from [0,1); injectable for tests.
	jitterFrac func() float64
}

// NewEngine creates a retry engine with an empty failed-operation queue.
func NewEngine() *Engine {
	e := &Engine{
		clock:      time.Now,
		sleep:      sleepCtx,
		jitterFrac: rand.Float64,
	}
	e.queue = newQueue(e)
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithSleep overrides the inter-attempt sleep for deterministic testing.
func (e *Engine) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Engine {
	e.sleep = sleep
	return e
}

// Queue returns the failed-operation queue.
func (e *Engine) Queue() *Queue { return e.queue }

// Backoff computes the delay before attempt i (0-indexed), jittered ±25%.
func (e *Engine) Backoff(cfg Config, attempt int) time.Duration {
	base := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if capped := float64(cfg.MaxDelay); base > capped {
		base = capped
	}
	// Uniform jitter on [0.75, 1.25).
	factor := 0.75 + 0.5*e.jitterFrac()
	return time.Duration(base * factor)
}

// Execute runs op, retrying transient failures with exponential backoff.
// Total attempts are bounded by cfg.MaxRetries+1. Context cancellation ends
// the loop immediately and surfaces ctx.Err().
func (e *Engine) Execute(ctx context.Context, name string, cfg Config, op func(ctx context.Context) error) Result {
	start := e.clock()
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Err: err, Attempts: attempt, Total: e.clock().Sub(start)}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return Result{OK: true, Attempts: attempt + 1, Total: e.clock().Sub(start)}
		}
		// Only transient failures are worth another attempt.
		if !contracts.Retryable(lastErr) {
			return Result{Err: lastErr, Attempts: attempt + 1, Total: e.clock().Sub(start)}
		}

		if attempt == cfg.MaxRetries {
			break
		}
		if err := e.sleep(ctx, e.Backoff(cfg, attempt)); err != nil {
			return Result{Err: err, Attempts: attempt + 1, Total: e.clock().Sub(start)}
		}
	}

	return Result{Err: lastErr, Attempts: cfg.MaxRetries + 1, Total: e.clock().Sub(start)}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
