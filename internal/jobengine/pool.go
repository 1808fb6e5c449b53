package jobengine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fetchbridge/dlsvc/internal/common"
	"github.com/fetchbridge/dlsvc/internal/interfaces"
	"github.com/fetchbridge/dlsvc/internal/models"
)

// Pool owns N long-lived workers draining Queue, driving each job through
// the processing pipeline and back into Registry.
type Pool struct {
	registry  *Registry
	queue     *Queue
	stager    *Stager
	clock     interfaces.Clock
	logger    *common.Logger
	cfg       *Config
	hub       *EventHub
	telemetry interfaces.Telemetry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool constructs a worker pool over the given registry, queue, and
// stager. hub may be nil; when set, state transitions are broadcast to it.
// telemetry may be nil, in which case spans and error reports are dropped.
func NewPool(registry *Registry, queue *Queue, stager *Stager, clock interfaces.Clock, logger *common.Logger, cfg *Config, hub *EventHub, telemetry interfaces.Telemetry) *Pool {
	if telemetry == nil {
		telemetry = NopTelemetry{}
	}
	return &Pool{
		registry:  registry,
		queue:     queue,
		stager:    stager,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
		hub:       hub,
		telemetry: telemetry,
	}
}

// safeGo launches fn in a goroutine under panic recovery.
func (p *Pool) safeGo(name string, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in worker pool goroutine")
			}
		}()
		fn()
	}()
}

// Start launches workerConcurrency worker loops. Safe to call only once per
// Pool instance; call Stop before reusing.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	n := p.cfg.GetWorkerConcurrency()
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("worker-%d", i)
		p.safeGo(name, func() { p.workerLoop(ctx) })
	}

	p.logger.Info().Int("worker_concurrency", n).Msg("worker pool started")
}

// Stop signals all workers to cease at their next tick boundary and waits up
// to shutdownGrace before returning. Running jobs that do not reach a
// terminal state within the grace period are left as-is; the registry is
// process-local, so they will not be resumed on a later start.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.queue.Close()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.GetShutdownGrace()):
		p.logger.Warn().Msg("worker pool shutdown grace period elapsed; forcing return")
	}
	p.cancel = nil
}

// workerLoop is one long-lived worker: dequeue, process, repeat. A panic
// while processing a single job is recovered so the loop itself survives;
// only the job in flight is marked failed.
func (p *Pool) workerLoop(ctx context.Context) {
	for {
		jobID, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}
		p.processOnce(ctx, jobID)
	}
}

// processOnce drives a single dequeued job through one attempt: claim it,
// run the processing phase, stage the artifact, record the outcome.
func (p *Pool) processOnce(ctx context.Context, jobID string) {
	ctx, endSpan := p.telemetry.StartSpan(ctx, "job.attempt", map[string]string{"job_id": jobID})
	defer endSpan()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("job_id", jobID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("recovered from panic processing job")
			p.registry.Update(jobID, func(job *models.Job) error {
				if job.Status.Terminal() {
					return nil
				}
				_ = transition(job, models.StatusFailed)
				job.Error = &models.JobError{Code: "internal", Message: "recovered panic", LastAttemptAt: p.clock.Now()}
				job.CompletedAt = p.clock.Now()
				return nil
			})
		}
	}()

	job, err := p.registry.Update(jobID, func(job *models.Job) error {
		if job.Status == models.StatusCancelled || job.Status == models.StatusExpired {
			return nil
		}
		if err := transition(job, models.StatusRunning); err != nil {
			return err
		}
		job.StartedAt = p.clock.Now()
		job.Attempts++
		job.ProgressPercent = 0
		return nil
	})
	if err != nil {
		p.logger.Warn().Str("job_id", jobID).Err(err).Msg("dropping dequeued job: registry update failed")
		return
	}
	if job.Status != models.StatusRunning {
		// Already cancelled or expired before the worker picked it up; no-op.
		return
	}
	p.broadcast("job_started", job)

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.GetPerAttemptTimeout())
	defer cancel()

	abandoned, err := p.runProcessingPhase(attemptCtx, jobID)
	if abandoned {
		return
	}
	if err != nil {
		p.handleAttemptError(ctx, jobID, err)
		return
	}

	job, err = p.registry.Update(jobID, func(job *models.Job) error {
		if job.Status == models.StatusCancelled || job.Status == models.StatusExpired {
			return nil
		}
		if err := transition(job, models.StatusProcessingArtifacts); err != nil {
			return err
		}
		job.ProgressPercent = 95
		return nil
	})
	if err != nil || job.Status != models.StatusProcessingArtifacts {
		return
	}
	p.broadcast("job_progress", job)

	result, stageErr := p.stager.Stage(attemptCtx, job)
	if stageErr != nil {
		p.handleAttemptError(ctx, jobID, stageErr)
		return
	}

	job, err = p.registry.Update(jobID, func(job *models.Job) error {
		if job.Status == models.StatusCancelled || job.Status == models.StatusExpired {
			return nil
		}
		if err := transition(job, models.StatusCompleted); err != nil {
			return err
		}
		job.Result = result
		job.ProgressPercent = 100
		job.CompletedAt = p.clock.Now()
		job.RetryAfterMs = 0
		return nil
	})
	if err == nil {
		p.broadcast("job_completed", job)
	}
}

// runProcessingPhase sleeps for a sampled delay, split into progress ticks,
// cancellably observing job cancellation/expiry at each tick boundary.
// Returns (true, nil) if the job was abandoned mid-flight because
// it was marked cancelled or expired — the caller must not invoke the stager
// or overwrite terminal fields in that case.
func (p *Pool) runProcessingPhase(ctx context.Context, jobID string) (abandoned bool, err error) {
	total := p.clock.SampleDelay(p.cfg.GetDelayMin(), p.cfg.GetDelayMax())
	tick := p.cfg.GetProgressTickInterval()
	deadline := p.clock.Now().Add(total)

	for {
		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			return false, nil
		}
		wait := tick
		if remaining < wait {
			wait = remaining
		}

		if sleepErr := p.clock.Sleep(ctx, wait); sleepErr != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return false, &TransientError{Cause: fmt.Errorf("attempt_timeout")}
			}
			// Parent cancellation (pool shutdown); treat as abandonment, not error.
			return true, nil
		}

		job, getErr := p.registry.Get(jobID)
		if getErr != nil {
			return true, nil
		}
		if job.Status == models.StatusCancelled || job.Status == models.StatusExpired {
			return true, nil
		}

		elapsed := p.clock.Now().Sub(deadline.Add(-total))
		pct := int(float64(elapsed) / float64(total) * 100)
		if pct > 95 {
			pct = 95
		}
		if pct < 0 {
			pct = 0
		}
		p.registry.Update(jobID, func(job *models.Job) error {
			if job.Status != models.StatusRunning {
				return nil
			}
			if pct > job.ProgressPercent {
				job.ProgressPercent = pct
			}
			return nil
		})
	}
}

// handleAttemptError classifies err and either requeues the job for another
// attempt (transient, attempts < maxAttempts) or marks it permanently failed.
func (p *Pool) handleAttemptError(ctx context.Context, jobID string, err error) {
	maxAttempts := p.cfg.GetMaxAttempts()
	now := p.clock.Now()

	var job *models.Job
	var updErr error

	if IsTransient(err) {
		job, updErr = p.registry.Update(jobID, func(job *models.Job) error {
			if job.Status == models.StatusCancelled || job.Status == models.StatusExpired {
				return nil
			}
			if err := transition(job, models.StatusFailed); err != nil {
				return err
			}
			job.Error = &models.JobError{Code: "transient", Message: errCause(err), LastAttemptAt: now}
			if job.Attempts < maxAttempts {
				backoff := p.sampleBackoff(job.Attempts)
				job.RetryAfterMs = backoff.Milliseconds()
				if terr := transition(job, models.StatusQueued); terr != nil {
					return terr
				}
				job.Error = nil
				return nil
			}
			job.CompletedAt = now
			return nil
		})
	} else {
		job, updErr = p.registry.Update(jobID, func(job *models.Job) error {
			if job.Status == models.StatusCancelled || job.Status == models.StatusExpired {
				return nil
			}
			if err := transition(job, models.StatusFailed); err != nil {
				return err
			}
			job.Error = &models.JobError{Code: "permanent", Message: errCause(err), LastAttemptAt: now}
			job.CompletedAt = now
			return nil
		})
	}

	if updErr != nil || job == nil {
		return
	}

	if job.Status == models.StatusQueued {
		if enqErr := p.queue.Enqueue(jobID, job.Priority); enqErr != nil {
			p.logger.Warn().Str("job_id", jobID).Err(enqErr).Msg("failed to re-enqueue job for retry")
		}
		p.broadcast("job_retry", job)
		return
	}
	if job.Status == models.StatusFailed {
		p.telemetry.RecordError(ctx, err, map[string]string{"job_id": jobID})
	}
	p.broadcast("job_failed", job)
}

// sampleBackoff implements exponential backoff with full jitter:
// uniform(0, min(maxBackoff, base * 2^(n-1))).
func (p *Pool) sampleBackoff(attempt int) time.Duration {
	base := p.cfg.GetBackoffBase()
	max := p.cfg.GetBackoffMax()
	if attempt < 1 {
		attempt = 1
	}
	ceiling := base << uint(attempt-1)
	if ceiling > max || ceiling <= 0 {
		ceiling = max
	}
	return p.clock.SampleDelay(0, ceiling)
}

func (p *Pool) broadcast(eventType string, job *models.Job) {
	if p.hub == nil {
		return
	}
	p.hub.Broadcast(eventType, job, p.clock.Now())
}

func errCause(err error) string {
	if err == nil {
		return ""
	}
	if t, ok := err.(*TransientError); ok {
		return t.Cause.Error()
	}
	if perm, ok := err.(*PermanentError); ok {
		return perm.Cause.Error()
	}
	return err.Error()
}
