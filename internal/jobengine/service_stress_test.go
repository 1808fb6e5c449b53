package jobengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Adversarial concurrency tests for the façade: many goroutines hammer
// Initiate/Cancel simultaneously and the idempotency and backpressure
// guarantees must hold on every interleaving.

func TestService_Stress_ConcurrentInitiateSameKeyYieldsOneJob(t *testing.T) {
	svc, registry, queue, _ := newTestService(1024)

	const goroutines = 100
	var wg sync.WaitGroup
	jobIDs := make([]string, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Initiate(context.Background(), InitiateRequest{
				FileIDs:         []int64{70_000},
				ClientRequestID: "same-key",
				UserID:          "u1",
			})
			if err == nil {
				jobIDs[i] = res.JobID
			}
		}(i)
	}
	wg.Wait()

	require.NotEmpty(t, jobIDs[0])
	for i := 1; i < goroutines; i++ {
		assert.Equal(t, jobIDs[0], jobIDs[i], "every concurrent caller must observe the same jobId")
	}
	assert.Equal(t, 1, registry.Size(), "exactly one record for the shared idempotency key")

	std, low := queue.Length()
	assert.Equal(t, 1, std+low, "the shared submission must be enqueued exactly once")
}

func TestService_Stress_ConcurrentDistinctKeysRespectQueueCapacity(t *testing.T) {
	const capacity = 32
	svc, registry, _, clock := newTestService(capacity)

	const goroutines = 128
	var accepted, busy int64
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Initiate(context.Background(), InitiateRequest{
				FileIDs:         []int64{70_000},
				ClientRequestID: fmt.Sprintf("key-%d", i),
				UserID:          "u1",
			})
			switch {
			case err == nil:
				atomic.AddInt64(&accepted, 1)
			case IsServiceBusy(err):
				atomic.AddInt64(&busy, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(capacity), accepted, "admissions must be bounded by queue capacity")
	assert.Equal(t, int64(goroutines-capacity), busy)

	// Rolled-back submissions sit expired until the next sweep reclaims them.
	clock.Advance(time.Millisecond)
	registry.Sweep(clock.Now())
	assert.Equal(t, capacity, registry.Size(), "rolled-back submissions must not survive a sweep")
}

func TestService_Stress_ConcurrentCancelsAreAllNoOpAfterFirst(t *testing.T) {
	svc, _, _, _ := newTestService(16)

	res, err := svc.Initiate(context.Background(), InitiateRequest{FileIDs: []int64{70_000}})
	require.NoError(t, err)

	const goroutines = 50
	var wg sync.WaitGroup
	var failures int64
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Cancel(res.JobID); err != nil {
				atomic.AddInt64(&failures, 1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt64(&failures), "every concurrent Cancel must succeed idempotently")
	job, err := svc.Status(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", string(job.Status))
}
