package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Limiter is a per-key token bucket implemented as virtual scheduling: instead
// of storing a token count it remembers how many tokens each key has been issued
// so far and compares that to the tokens the clock has produced since start.
type Limiter struct {
	capacity float64
	rate     float64 // tokens per second
	now      func() time.Time
	start    time.Time

	mu   sync.Mutex
	used map[string]float64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter holding at most capacity tokens per key and refilling
// ratePerSecond tokens each second.
func New(capacity, ratePerSecond float64, opts ...Option) *Limiter {
	l := &Limiter{
		capacity: capacity,
		rate:     ratePerSecond,
		now:      time.Now,
		used:     make(map[string]float64),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.start = l.now()
	return l
}

// available is the number of tokens produced since the limiter started.
func (l *Limiter) available() float64 {
	return l.now().Sub(l.start).Seconds() * l.rate
}

// usedLocked returns the issued counter for key, treating unknown keys as a full bucket.
func (l *Limiter) usedLocked(key string, avail float64) float64 {
	used, ok := l.used[key]
	if !ok || used < avail-l.capacity {
		return avail - l.capacity
	}
	return used
}

// Consume takes n tokens for key if they are available.
func (l *Limiter) Consume(key string, n float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	avail := l.available()
	used := l.usedLocked(key, avail)
	if used+n > avail {
		return false
	}
	l.used[key] = math.Max(used+n, avail-l.capacity+n)
	return true
}

// Penalize charges n tokens to key even when the bucket cannot cover them.
// The key may go into debt of at most one full bucket.
func (l *Limiter) Penalize(key string, n float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	avail := l.available()
	l.used[key] = math.Min(l.usedLocked(key, avail)+n, avail+l.capacity)
}

// CanConsume reports whether Consume(key, n) would currently succeed.
func (l *Limiter) CanConsume(key string, n float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	avail := l.available()
	return l.usedLocked(key, avail)+n <= avail
}

// TimeUntilRefill estimates how long the caller must wait before n tokens are available.
func (l *Limiter) TimeUntilRefill(key string, n float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	avail := l.available()
	deficit := l.usedLocked(key, avail) + n - avail
	if deficit <= 0 || l.rate <= 0 {
		return 0
	}
	return time.Duration(deficit / l.rate * float64(time.Second))
}

// Sweep drops keys whose bucket has fully refilled and returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	floor := l.available() - l.capacity
	removed := 0
	for key, used := range l.used {
		if used <= floor {
			delete(l.used, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.used)
}

// Run sweeps the limiter every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
