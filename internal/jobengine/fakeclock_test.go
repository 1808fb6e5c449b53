package jobengine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeClock is a deterministic interfaces.Clock for tests: Now is held
// behind a mutex and only advances when a test calls Advance or Sleep is
// called (by the full requested duration, before any real wait). Sleep durations are scaled down by sleepScale so retry/backoff/
// progress logic runs at test speed instead of real wall-clock speed; tests
// that need genuine mid-flight interleaving set the scale back to 1.
type fakeClock struct {
	mu         sync.Mutex
	now        time.Time
	sleepScale float64
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start, sleepScale: 0.001}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) setSleepScale(scale float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleepScale = scale
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	scale := c.sleepScale
	c.mu.Unlock()

	scaled := time.Duration(float64(d) * scale)
	if scaled <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(scaled)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeClock) NewJobID() string {
	return uuid.New().String()
}

func (c *fakeClock) SampleDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + (max-min)/2
}
