package jobengine

import (
	"sync"
	"testing"
	"time"

	"github.com/fetchbridge/dlsvc/internal/common"
	"github.com/fetchbridge/dlsvc/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *fakeClock) {
	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewRegistry(clock, common.NewSilentLogger()), clock
}

func newTestJob(clock *fakeClock, userID, clientRequestID string) *models.Job {
	now := clock.Now()
	return &models.Job{
		JobID:           clock.NewJobID(),
		FileIDs:         []int64{10_001},
		ClientRequestID: clientRequestID,
		UserID:          userID,
		Priority:        models.PriorityStandard,
		Status:          models.StatusQueued,
		MaxAttempts:     3,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
	}
}

func TestRegistry_InsertThenGetRoundTrips(t *testing.T) {
	r, clock := newTestRegistry()
	job := newTestJob(clock, "user-1", "req-1")

	stored, inserted := r.Insert(job)
	require.True(t, inserted)

	got, err := r.Get(stored.JobID)
	require.NoError(t, err)
	assert.Equal(t, stored.JobID, got.JobID)
	assert.Equal(t, models.StatusQueued, got.Status)
}

func TestRegistry_GetUnknownIDReturnsNotFound(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Get("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_InsertIsIdempotentPerUserAndClientRequestID(t *testing.T) {
	r, clock := newTestRegistry()
	first := newTestJob(clock, "user-1", "req-1")
	stored, inserted := r.Insert(first)
	require.True(t, inserted)

	second := newTestJob(clock, "user-1", "req-1")
	got, inserted := r.Insert(second)
	assert.False(t, inserted, "a repeat (userId, clientRequestId) must not create a second record")
	assert.Equal(t, stored.JobID, got.JobID)
	assert.Equal(t, 1, r.Size())
}

func TestRegistry_InsertAllowsNewRecordAfterPriorOneExpires(t *testing.T) {
	r, clock := newTestRegistry()
	first := newTestJob(clock, "user-1", "req-1")
	first.ExpiresAt = clock.Now().Add(-time.Second) // already expired
	stored, inserted := r.Insert(first)
	require.True(t, inserted)

	second := newTestJob(clock, "user-1", "req-1")
	got, inserted := r.Insert(second)
	assert.True(t, inserted, "an expired idempotency match must not block a fresh submission")
	assert.NotEqual(t, stored.JobID, got.JobID)
}

func TestRegistry_DifferentUsersDoNotShareIdempotencyKey(t *testing.T) {
	r, clock := newTestRegistry()
	a := newTestJob(clock, "user-1", "req-1")
	b := newTestJob(clock, "user-2", "req-1")

	_, insertedA := r.Insert(a)
	_, insertedB := r.Insert(b)
	assert.True(t, insertedA)
	assert.True(t, insertedB)
	assert.Equal(t, 2, r.Size())
}

func TestRegistry_UpdateAppliesMutatorUnderLock(t *testing.T) {
	r, clock := newTestRegistry()
	job := newTestJob(clock, "user-1", "req-1")
	stored, _ := r.Insert(job)

	updated, err := r.Update(stored.JobID, func(j *models.Job) error {
		return transition(j, models.StatusRunning)
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, updated.Status)

	got, err := r.Get(stored.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
}

func TestRegistry_UpdateUnknownIDReturnsNotFound(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Update("missing", func(j *models.Job) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_UpdateLeavesRecordUnchangedOnMutatorError(t *testing.T) {
	r, clock := newTestRegistry()
	job := newTestJob(clock, "user-1", "req-1")
	stored, _ := r.Insert(job)

	_, err := r.Update(stored.JobID, func(j *models.Job) error {
		return transition(j, models.StatusCompleted) // illegal from queued
	})
	assert.ErrorIs(t, err, ErrIllegalEdge)

	got, getErr := r.Get(stored.JobID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusQueued, got.Status)
}

func TestRegistry_CloneIsolatesCallerFromInternalState(t *testing.T) {
	r, clock := newTestRegistry()
	job := newTestJob(clock, "user-1", "req-1")
	stored, _ := r.Insert(job)

	snap, err := r.Get(stored.JobID)
	require.NoError(t, err)
	snap.FileIDs[0] = 99999
	snap.Status = models.StatusCompleted

	fresh, err := r.Get(stored.JobID)
	require.NoError(t, err)
	assert.NotEqual(t, models.StatusCompleted, fresh.Status, "mutating a snapshot must not affect internal state")
	assert.NotEqual(t, int64(99999), fresh.FileIDs[0])
}

func TestRegistry_SweepRemovesExpiredTerminalRecord(t *testing.T) {
	r, clock := newTestRegistry()
	job := newTestJob(clock, "user-1", "req-1")
	job.Status = models.StatusCompleted
	job.ExpiresAt = clock.Now().Add(-time.Minute)
	r.Insert(job)

	removed := r.Sweep(clock.Now())
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, r.Size())
}

func TestRegistry_SweepForceExpiresNonTerminalRecordPastTTL(t *testing.T) {
	r, clock := newTestRegistry()
	job := newTestJob(clock, "user-1", "req-1")
	job.Status = models.StatusRunning
	job.ExpiresAt = clock.Now().Add(-time.Minute)
	stored, _ := r.Insert(job)

	removed := r.Sweep(clock.Now())
	assert.Equal(t, 1, removed)
	_, err := r.Get(stored.JobID)
	assert.ErrorIs(t, err, ErrNotFound, "swept record is gone from the registry entirely")
}

func TestRegistry_SweepLeavesUnexpiredRecordsAlone(t *testing.T) {
	r, clock := newTestRegistry()
	job := newTestJob(clock, "user-1", "req-1")
	r.Insert(job)

	removed := r.Sweep(clock.Now())
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, r.Size())
}

func TestRegistry_StartStopSweeperIsClean(t *testing.T) {
	r, _ := newTestRegistry()
	r.StartSweeper(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	r.StopSweeper()
}

func TestRegistry_ConcurrentInsertAndUpdateIsRaceFree(t *testing.T) {
	r, clock := newTestRegistry()
	const n = 200

	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		job := newTestJob(clock, "user-1", "")
		stored, inserted := r.Insert(job)
		require.True(t, inserted)
		ids[i] = stored.JobID
	}

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Update(id, func(j *models.Job) error {
				return transition(j, models.StatusRunning)
			})
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		got, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, got.Status)
	}
}
