// Package ratelimit throttles calls to the model backends.
//
// Each resource ("chat", "embed") has a token bucket holding up to Capacity
// tokens that refills continuously over Window. A resource without a
// configured rate is unlimited, so a zero configuration disables limiting
// without changing call sites.
//
// When a backend answers with a rate-limit error, Reduce halves the
// resource's capacity. Capacity grows back by a tenth of the configured
// value for every quiet window until it reaches the configured rate again.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/vinayprograms/memoryd/errors"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New(errors.ErrCodeUnavailable, "rate limiter closed")

// Capacity describes a resource's bucket.
type Capacity struct {
	Resource   string
	Available  int
	Total      int // current capacity, lowered by Reduce
	Configured int
	Window     time.Duration
}

type bucket struct {
	configured  int
	capacity    int
	tokens      float64
	window      time.Duration
	lastRefill  time.Time
	lastReduced time.Time
}

func (b *bucket) refill(now time.Time) {
	if b.capacity < b.configured && !b.lastReduced.IsZero() && now.Sub(b.lastReduced) >= b.window {
		step := int(math.Ceil(float64(b.configured) / 10))
		b.capacity += step
		if b.capacity > b.configured {
			b.capacity = b.configured
		}
		b.lastReduced = now
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += float64(b.capacity) * float64(elapsed) / float64(b.window)
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now
}

// wait returns how long until one token is available.
func (b *bucket) wait() time.Duration {
	missing := 1 - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing * float64(b.window) / float64(b.capacity))
}

// Limiter is a set of token buckets. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	done    chan struct{}
	now     func() time.Time
}

// New creates a Limiter with no configured resources.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// SetRate allows capacity calls per window for resource. A capacity or
// window of zero removes the limit.
func (l *Limiter) SetRate(resource string, capacity int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if capacity <= 0 || window <= 0 {
		delete(l.buckets, resource)
		return
	}
	if b, ok := l.buckets[resource]; ok {
		b.configured = capacity
		b.capacity = capacity
		b.window = window
		if b.tokens > float64(capacity) {
			b.tokens = float64(capacity)
		}
		return
	}
	l.buckets[resource] = &bucket{
		configured: capacity,
		capacity:   capacity,
		tokens:     float64(capacity),
		window:     window,
		lastRefill: l.now(),
	}
}

// TryAcquire takes a token without waiting.
func (l *Limiter) TryAcquire(resource string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	b, ok := l.buckets[resource]
	if !ok {
		return true
	}
	b.refill(l.now())
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Acquire waits for a token. It returns a Timeout or Canceled error when ctx
// ends first.
func (l *Limiter) Acquire(ctx context.Context, resource string) error {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return ErrClosed
		}
		b, ok := l.buckets[resource]
		if !ok {
			l.mu.Unlock()
			return nil
		}
		b.refill(l.now())
		if b.tokens >= 1 {
			b.tokens--
			l.mu.Unlock()
			return nil
		}
		delay := b.wait()
		l.mu.Unlock()
		if delay < time.Millisecond {
			delay = time.Millisecond
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "waiting for "+resource+" rate limit")
		case <-l.done:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

// Reduce halves the capacity of resource after the backend reported a rate
// limit. Unknown resources are ignored.
func (l *Limiter) Reduce(resource string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[resource]
	if !ok {
		return
	}
	now := l.now()
	b.refill(now)
	b.capacity /= 2
	if b.capacity < 1 {
		b.capacity = 1
	}
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastReduced = now
}

// Capacity reports the state of resource, or nil when it is unlimited.
func (l *Limiter) Capacity(resource string) *Capacity {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[resource]
	if !ok {
		return nil
	}
	b.refill(l.now())
	return &Capacity{
		Resource:   resource,
		Available:  int(b.tokens),
		Total:      b.capacity,
		Configured: b.configured,
		Window:     b.window,
	}
}

// Close wakes every waiter with ErrClosed.
func (l *Limiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}
