// Package ratelimit throttles orchestration traffic per client.
//
// MemoryLimiter is a per-process token bucket. Deployments that run several
// garage instances behind one bay can plug in a shared implementation of
// Limiter instead.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request may proceed. The key is opaque to
	// the limiter; callers build it (e.g. "run:10.0.0.4").
	// A non-nil error means the limiter itself failed and the caller should
	// let the request through.
	Allow(ctx context.Context, key string) (bool, error)

	Close() error
}

// NoopLimiter permits every request.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (NoopLimiter) Close() error { return nil }
