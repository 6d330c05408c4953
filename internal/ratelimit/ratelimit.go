// Package ratelimit throttles request rates behind a pluggable
// interface.
//
// Haven limits two surfaces: login attempts by source IP (to slow
// credential stuffing) and turn submission by call ID (a misbehaving
// voice gateway retry loop must not burn LLM quota). The in-memory
// token bucket (MemoryLimiter) covers a single instance; the Limiter
// interface is the contract for anything cross-instance.
package ratelimit

import "context"

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request should proceed. Keys are
	// opaque to the limiter; callers build them ("ip:10.0.0.1",
	// "call:<uuid>"). An error means the limiter itself failed, and
	// callers are expected to fail open rather than block traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close stops background work and releases connections.
	Close() error
}

// NoopLimiter waves every request through, for deployments that
// disable rate limiting.
type NoopLimiter struct{}

// Allow always says yes.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close has nothing to release.
func (NoopLimiter) Close() error { return nil }
