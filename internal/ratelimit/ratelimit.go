// Package ratelimit bounds how fast clients can push work into the
// orchestrator.
//
// Submissions are the only unbounded write path, so the submission
// endpoint gets a per-client token bucket. The Limiter interface is the
// contract; multi-instance deployments can substitute a shared backend.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque
	// to the limiter; callers construct it (e.g. a client IP). An error
	// signals a limiter malfunction and callers fail open rather than
	// blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
