package jobengine

import (
	"context"
	"sync"
	"time"

	"github.com/fetchbridge/dlsvc/internal/common"
	"github.com/fetchbridge/dlsvc/internal/interfaces"
	"github.com/fetchbridge/dlsvc/internal/models"
)

// entry pairs a job record with the exclusive lock that serializes all
// mutation to it: only the worker holding a given jobId writes to that
// record.
type entry struct {
	mu  sync.Mutex
	job *models.Job
}

// idemKey is the secondary index key for deduplication:
// (userId, clientRequestId).
type idemKey struct {
	userID          string
	clientRequestID string
}

// Registry is the concurrent job-ID -> job-record map. It owns all job
// state; every reader gets a copy-on-read snapshot so no caller can mutate a
// record outside the registry's lock discipline.
type Registry struct {
	clock  interfaces.Clock
	logger *common.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	idem    map[idemKey]string // idemKey -> jobId

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewRegistry constructs an empty registry.
func NewRegistry(clock interfaces.Clock, logger *common.Logger) *Registry {
	return &Registry{
		clock:   clock,
		logger:  logger,
		entries: make(map[string]*entry),
		idem:    make(map[idemKey]string),
	}
}

// Insert stores record under its jobId, unless an unexpired record with the
// same (userId, clientRequestId) already exists, in which case that
// existing record is returned instead. The returned bool reports whether
// the passed-in record was the one actually stored.
func (r *Registry) Insert(record *models.Job) (*models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if record.ClientRequestID != "" {
		key := idemKey{userID: record.UserID, clientRequestID: record.ClientRequestID}
		if existingID, ok := r.idem[key]; ok {
			if e, ok := r.entries[existingID]; ok {
				e.mu.Lock()
				now := r.clock.Now()
				unexpired := now.Before(e.job.ExpiresAt)
				snap := e.job.Clone()
				e.mu.Unlock()
				if unexpired {
					return snap, false
				}
			}
			delete(r.idem, key)
		}
	}

	r.entries[record.JobID] = &entry{job: record}
	if record.ClientRequestID != "" {
		r.idem[idemKey{userID: record.UserID, clientRequestID: record.ClientRequestID}] = record.JobID
	}
	return record.Clone(), true
}

// Get returns a snapshot of the record for jobId, or ErrNotFound.
func (r *Registry) Get(jobID string) (*models.Job, error) {
	r.mu.RLock()
	e, ok := r.entries[jobID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	snap := e.job.Clone()
	e.mu.Unlock()
	return snap, nil
}

// Mutator inspects or mutates job in place. A non-nil error aborts the
// mutation; the record is left unchanged.
type Mutator func(job *models.Job) error

// Update applies mutator to the record for jobId under that record's
// exclusive lock and returns the post-image. The mutator is responsible for
// calling transition() for any status change so illegal edges are rejected.
func (r *Registry) Update(jobID string, mutator Mutator) (*models.Job, error) {
	r.mu.RLock()
	e, ok := r.entries[jobID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := mutator(e.job); err != nil {
		return nil, err
	}
	e.job.UpdatedAt = r.clock.Now()
	return e.job.Clone(), nil
}

// List returns snapshots of every record currently held. Consumed by the
// event hub to seed a new subscriber's snapshot; not exposed over the
// public HTTP surface.
func (r *Registry) List() []*models.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Job, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		out = append(out, e.job.Clone())
		e.mu.Unlock()
	}
	return out
}

// Size returns the number of records currently held.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sweep removes records where now > expiresAt. A non-terminal record past
// its expiry is first transitioned to expired, racing any worker that
// currently holds it, and deleted on this same pass rather than deferred
// to the following tick.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	candidates := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		candidates[id] = e
	}
	r.mu.RUnlock()

	removed := 0
	for id, e := range candidates {
		e.mu.Lock()
		expired := now.After(e.job.ExpiresAt)
		if expired && !e.job.Status.Terminal() {
			e.job.Status = models.StatusExpired
			if e.job.CompletedAt.IsZero() {
				e.job.CompletedAt = now
			}
		}
		key := idemKey{userID: e.job.UserID, clientRequestID: e.job.ClientRequestID}
		e.mu.Unlock()

		if !expired {
			continue
		}
		r.mu.Lock()
		if r.entries[id] == e {
			delete(r.entries, id)
			if r.idem[key] == id {
				delete(r.idem, key)
			}
			removed++
		}
		r.mu.Unlock()
	}
	return removed
}

// StartSweeper launches the periodic GC goroutine. It returns immediately;
// call StopSweeper to shut it down.
func (r *Registry) StartSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	r.sweepCancel = cancel
	r.sweepDone = make(chan struct{})

	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := r.Sweep(r.clock.Now())
				if n > 0 {
					r.logger.Debug().Int("removed", n).Msg("registry sweep removed expired jobs")
				}
			}
		}
	}()
}

// StopSweeper cancels the sweeper goroutine and waits for it to exit.
func (r *Registry) StopSweeper() {
	if r.sweepCancel == nil {
		return
	}
	r.sweepCancel()
	<-r.sweepDone
	r.sweepCancel = nil
}
