// Package interfaces defines the contracts the job engine requires from its
// collaborators. The engine is constructed against these interfaces only; it
// never imports a concrete transport or storage package directly.
package interfaces

import (
	"context"
	"time"
)

// Clock abstracts wall-clock time and cancellable sleeping so the engine's
// timing behavior (expiry, backoff, progress ticks) can be driven
// deterministically in tests.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// Sleep blocks for d or until ctx is cancelled, whichever comes first.
	// Returns ctx.Err() if cancelled before d elapsed, nil otherwise.
	Sleep(ctx context.Context, d time.Duration) error

	// NewJobID returns a globally unique job identifier.
	NewJobID() string

	// SampleDelay returns a uniformly distributed duration in [min, max].
	SampleDelay(min, max time.Duration) time.Duration
}

// ObjectStorage is the capability the artifact stager needs from an object
// store: write a small descriptor object and mint a presigned GET URL for it.
type ObjectStorage interface {
	// PutDescriptor writes bytes under key. Implementations return an error
	// satisfying jobengine.IsTransient or jobengine.IsPermanent so the worker
	// can classify the failure without inspecting store-specific error types.
	PutDescriptor(ctx context.Context, key string, data []byte) error

	// PresignGet returns a time-limited GET URL for key, valid for ttl.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (url string, expiresAt time.Time, err error)

	// HealthCheck reports whether the store is currently reachable.
	HealthCheck(ctx context.Context) error
}

// Telemetry is the tracing/error-reporting capability consumed by the
// engine. A no-op implementation is used when no telemetry backend is wired.
type Telemetry interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func())
	RecordError(ctx context.Context, err error, attrs map[string]string)
}
