package jobengine

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// SystemClock is the production Clock (see interfaces.Clock): wall time from
// time.Now, cancellable sleeps via context, and UUID-backed job IDs.
type SystemClock struct{}

// NewSystemClock returns the production clock implementation.
func NewSystemClock() *SystemClock { return &SystemClock{} }

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (SystemClock) NewJobID() string { return uuid.New().String() }

func (SystemClock) SampleDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(rand.Int63n(int64(span)))
}
