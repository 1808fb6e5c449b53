package jobengine

import (
	"context"
	"fmt"

	"github.com/fetchbridge/dlsvc/internal/common"
	"github.com/fetchbridge/dlsvc/internal/interfaces"
	"github.com/fetchbridge/dlsvc/internal/models"
)

const (
	fileIDMin = 10_000
	fileIDMax = 100_000_000

	maxClientRequestIDLen = 128

	defaultNextPollInMs = 2000
)

// InitiateRequest is the normalized input to Service.Initiate.
type InitiateRequest struct {
	FileIDs         []int64
	ClientRequestID string
	UserID          string
	Priority        models.Priority
}

// InitiateResult is the façade's response to a successful Initiate call.
type InitiateResult struct {
	JobID        string
	Status       models.Status
	NextPollInMs int64
	ExpiresAt    string
	TotalFileIDs int
}

// Service is the job service façade: the synchronous API the HTTP layer is
// built on. It owns no state of its own beyond its collaborators.
type Service struct {
	registry *Registry
	queue    *Queue
	clock    interfaces.Clock
	cfg      *Config
	logger   *common.Logger
	hub      *EventHub
}

// NewService constructs the façade over the given registry, queue and clock.
func NewService(registry *Registry, queue *Queue, clock interfaces.Clock, cfg *Config, logger *common.Logger, hub *EventHub) *Service {
	return &Service{registry: registry, queue: queue, clock: clock, cfg: cfg, logger: logger, hub: hub}
}

// validateInitiate enforces the Initiate input rules: fileIds non-empty and
// each in range, priority in the known set (defaulted to standard),
// clientRequestId bounded in length.
func validateInitiate(req *InitiateRequest) error {
	if len(req.FileIDs) == 0 {
		return fmt.Errorf("%w: fileIds must not be empty", ErrValidation)
	}
	for _, id := range req.FileIDs {
		if id < fileIDMin || id > fileIDMax {
			return fmt.Errorf("%w: fileId %d out of range [%d, %d]", ErrValidation, id, fileIDMin, fileIDMax)
		}
	}
	if req.Priority == "" {
		req.Priority = models.PriorityStandard
	}
	if req.Priority != models.PriorityStandard && req.Priority != models.PriorityLow {
		return fmt.Errorf("%w: priority must be standard or low", ErrValidation)
	}
	if len(req.ClientRequestID) > maxClientRequestIDLen {
		return fmt.Errorf("%w: clientRequestId exceeds %d characters", ErrValidation, maxClientRequestIDLen)
	}
	return nil
}

// Initiate validates req, resolves idempotency, creates a queued record and
// enqueues it. A repeat call with the same (userId, clientRequestId) against
// an unexpired record returns that record's jobId without enqueuing again.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if err := validateInitiate(&req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	record := &models.Job{
		JobID:           s.clock.NewJobID(),
		FileIDs:         req.FileIDs,
		ClientRequestID: req.ClientRequestID,
		UserID:          req.UserID,
		Priority:        req.Priority,
		Status:          models.StatusQueued,
		MaxAttempts:     s.cfg.GetMaxAttempts(),
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.GetJobTTL()),
	}

	stored, inserted := s.registry.Insert(record)
	if !inserted {
		// Idempotent match: an unexpired record for this (userId,
		// clientRequestId) already exists. Never enqueue twice.
		return &InitiateResult{
			JobID:        stored.JobID,
			Status:       stored.Status,
			NextPollInMs: s.nextPollInMs(),
			ExpiresAt:    stored.ExpiresAt.Format(timeLayout),
			TotalFileIDs: len(stored.FileIDs),
		}, nil
	}

	if err := s.queue.Enqueue(stored.JobID, stored.Priority); err != nil {
		// Roll the record back out so a retried Initiate with the same
		// idempotency key isn't shadowed by a job that was never queued.
		// Insert's idempotency check keys off expiresAt, so backdating it
		// is what makes this record invisible to the next lookup; the
		// sweeper reclaims it on its next pass.
		s.registry.Update(stored.JobID, func(job *models.Job) error {
			job.ExpiresAt = now
			return transition(job, models.StatusExpired)
		})
		return nil, ErrServiceBusy
	}

	s.broadcast("job_queued", stored)

	return &InitiateResult{
		JobID:        stored.JobID,
		Status:       stored.Status,
		NextPollInMs: s.nextPollInMs(),
		ExpiresAt:    stored.ExpiresAt.Format(timeLayout),
		TotalFileIDs: len(stored.FileIDs),
	}, nil
}

// Status returns an immutable snapshot of the record for jobID.
func (s *Service) Status(jobID string) (*models.Job, error) {
	return s.registry.Get(jobID)
}

// ResolveOutcome is the tagged result of Resolve: Kind says how the request
// should be answered, and Job carries the snapshot it was decided from.
type ResolveOutcome struct {
	Kind string // "redirect", "notReady", "gone", "notFound"
	Job  *models.Job
}

// Resolve decides how a retrieval request for jobID should be answered,
// based on the job's current status and the presigned URL's freshness.
func (s *Service) Resolve(jobID string) (*ResolveOutcome, error) {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return nil, ErrNotFound
	}

	switch job.Status {
	case models.StatusCompleted:
		if job.Result != nil && s.clock.Now().Before(job.Result.URLExpiresAt) {
			return &ResolveOutcome{Kind: "redirect", Job: job}, nil
		}
		return &ResolveOutcome{Kind: "gone", Job: job}, nil
	case models.StatusQueued, models.StatusRunning, models.StatusProcessingArtifacts:
		return &ResolveOutcome{Kind: "notReady", Job: job}, nil
	case models.StatusFailed, models.StatusCancelled:
		return &ResolveOutcome{Kind: "gone", Job: job}, nil
	default: // expired, or anything unrecognized
		return &ResolveOutcome{Kind: "notFound", Job: job}, nil
	}
}

// Cancel transitions jobID's non-terminal status to cancelled. Idempotent:
// calling it again on an already-terminal job is a no-op that returns the
// current snapshot rather than an error.
func (s *Service) Cancel(jobID string) (*models.Job, error) {
	job, err := s.registry.Update(jobID, func(job *models.Job) error {
		if job.Status.Terminal() {
			return nil
		}
		if err := transition(job, models.StatusCancelled); err != nil {
			return err
		}
		job.CompletedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if job.Status == models.StatusCancelled {
		s.broadcast("job_cancelled", job)
	}
	return job, nil
}

func (s *Service) nextPollInMs() int64 {
	return defaultNextPollInMs
}

func (s *Service) broadcast(eventType string, job *models.Job) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(eventType, job, s.clock.Now())
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
