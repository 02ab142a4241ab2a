package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fixed-window rate limit for the public webhook endpoint.
const (
	WindowSize  = 60 * time.Second
	WindowLimit = 100
)

// Limiter is a fixed-window counter keyed by client IP. Allow reports
// whether the request fits the current window and, when it does not, the
// seconds until the window resets.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter int, err error)
}

// MemoryLimiter is the in-process fixed-window limiter used when no shared
// counter backend is configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	size    time.Duration
	clock   func() time.Time
}

type window struct {
	start time.Time
	count int
}

// NewMemoryLimiter creates a limiter; limit <= 0 uses WindowLimit.
func NewMemoryLimiter(limit int) *MemoryLimiter {
	if limit <= 0 {
		limit = WindowLimit
	}
	return &MemoryLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		size:    WindowSize,
		clock:   time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (l *MemoryLimiter) WithClock(clock func() time.Time) *MemoryLimiter {
	l.clock = clock
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.size {
		l.windows[key] = &window{start: now, count: 1}
		l.sweepLocked(now)
		return true, 0, nil
	}
	if w.count >= l.limit {
		retryAfter := int(l.size.Seconds() - now.Sub(w.start).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter, nil
	}
	w.count++
	return true, 0, nil
}

// sweepLocked drops expired windows so the map does not grow with client
// churn. Called opportunistically when a new window opens.
func (l *MemoryLimiter) sweepLocked(now time.Time) {
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.size {
			delete(l.windows, k)
		}
	}
}

// RedisLimiter shares the fixed-window counters across instances. Counter
// keys embed the window start so INCR+EXPIRE is the whole protocol.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int
	size   time.Duration
	clock  func() time.Time
}

// NewRedisLimiter creates a limiter over a shared redis counter.
func NewRedisLimiter(client redis.UniversalClient, limit int) *RedisLimiter {
	if limit <= 0 {
		limit = WindowLimit
	}
	return &RedisLimiter{client: client, limit: limit, size: WindowSize, clock: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	now := l.clock()
	windowStart := now.Truncate(l.size)
	counterKey := fmt.Sprintf("webhook:rl:%s:%d", key, windowStart.Unix())

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, counterKey)
	pipe.Expire(ctx, counterKey, l.size)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	if incr.Val() > int64(l.limit) {
		retryAfter := int(windowStart.Add(l.size).Sub(now).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}
