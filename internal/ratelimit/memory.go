package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Sweep cadence and the idle age at which a bucket is dropped. Call-ID
// keys are minted once per call, so without eviction the map grows for
// the lifetime of the process.
const (
	sweepEvery = time.Minute
	idleAfter  = 10 * time.Minute
)

// bucket tracks the token level for one key.
type bucket struct {
	level   float64
	touched time.Time
}

// drip adds the tokens accrued since the last touch, capped at capacity.
func (b *bucket) drip(now time.Time, perSec, capacity float64) {
	b.level = math.Min(capacity, b.level+now.Sub(b.touched).Seconds()*perSec)
	b.touched = now
}

// MemoryLimiter is a per-key token bucket held in process memory. It
// covers a single Haven instance; cross-instance coordination needs a
// Limiter built on shared storage instead.
type MemoryLimiter struct {
	perSec   float64
	capacity float64

	mu     sync.Mutex
	perKey map[string]*bucket

	closeOnce sync.Once
	quit      chan struct{}
}

// NewMemoryLimiter creates a limiter that sustains rate requests per
// second per key and absorbs bursts up to burst. A janitor goroutine
// drops idle buckets until Close is called.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		perSec:   rate,
		capacity: float64(burst),
		perKey:   make(map[string]*bucket),
		quit:     make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Allow takes one token from key's bucket, reporting whether one was
// available. A key seen for the first time starts with a full bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.perKey[key]
	if !ok {
		b = &bucket{level: m.capacity, touched: now}
		m.perKey[key] = b
	} else {
		b.drip(now, m.perSec, m.capacity)
	}

	if b.level < 1 {
		return false, nil
	}
	b.level--
	return true, nil
}

// RetryAfter reports how long a drained bucket needs to hold a whole
// token again. It ignores any partial refill already accrued, so it is
// an upper bound; the limit middleware uses it for the Retry-After
// header.
func (m *MemoryLimiter) RetryAfter() time.Duration {
	if m.perSec <= 0 {
		return time.Second
	}
	d := time.Duration(math.Ceil(1/m.perSec)) * time.Second
	if d < time.Second {
		return time.Second
	}
	return d
}

// Close stops the janitor. Subsequent calls are no-ops.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.quit) })
	return nil
}

func (m *MemoryLimiter) janitor() {
	t := time.NewTicker(sweepEvery)
	defer t.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-t.C:
			m.sweep(time.Now())
		}
	}
}

// sweep drops buckets idle for longer than idleAfter.
func (m *MemoryLimiter) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, b := range m.perKey {
		if now.Sub(b.touched) > idleAfter {
			delete(m.perKey, key)
		}
	}
}
