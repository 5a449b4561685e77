package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhat/credbroker/internal/coord"
	"github.com/nikhilbhat/credbroker/internal/crypto"
	"github.com/nikhilbhat/credbroker/internal/pool"
	"github.com/nikhilbhat/credbroker/internal/provider"
	"github.com/nikhilbhat/credbroker/internal/store"
	"github.com/nikhilbhat/credbroker/pkg/models"
)

// Run starts the worker pool and the maintenance loop and blocks until ctx
// is cancelled and every worker has drained.
func (s *Service) Run(ctx context.Context) {
	slog.Info("scheduler started",
		"concurrency", s.cfg.Concurrency, "dispatch_per_sec", s.cfg.DispatchPerSec)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.runWorker(ctx, worker)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runMaintenance(ctx)
	}()

	wg.Wait()
	slog.Info("scheduler stopped")
}

func (s *Service) runWorker(ctx context.Context, worker int) {
	idle := s.cfg.DequeueInterval
	if idle <= 0 {
		idle = 250 * time.Millisecond
	}

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		jobID, ok, err := s.coord.Dequeue(ctx)
		if err != nil {
			if coord.Unavailable(err) {
				slog.Warn("dequeue failed, backend unreachable", "worker", worker)
			} else {
				slog.Error("dequeue failed", "worker", worker, "error", err)
			}
			if !sleepCtx(ctx, idle) {
				return
			}
			continue
		}
		if !ok {
			if !sleepCtx(ctx, idle) {
				return
			}
			continue
		}

		s.process(ctx, jobID)
	}
}

// process runs one attempt of one job. Every exit path leaves the job record
// consistent: terminal, or pending with a delayed requeue.
func (s *Service) process(ctx context.Context, jobID uuid.UUID) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Queue entry with no record, likely a lost write. Drop it.
			slog.Warn("dequeued unknown job", "job_id", jobID)
			s.finish(ctx, jobID)
			return
		}
		slog.Error("load dequeued job", "job_id", jobID, "error", err)
		return
	}
	if models.TerminalStatus(job.Status) {
		s.finish(ctx, jobID)
		return
	}

	if s.cancelRequested(ctx, jobID) {
		s.finalize(ctx, job, models.JobStatusCancelled)
		return
	}

	attempt := job.AttemptsMade + 1
	err = s.store.UpdateJobStatus(ctx, jobID, models.JobStatusProcessing, store.WithAttemptsMade(attempt))
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Another worker or a cancel won the race.
			return
		}
		slog.Error("mark job processing", "job_id", jobID, "error", err)
		return
	}
	job.AttemptsMade = attempt
	s.cacheStatus(ctx, job, models.JobStatusProcessing)

	acq, err := s.pool.Acquire(ctx, job.CallerID, job.Tier)
	if err != nil {
		switch {
		case coord.Unavailable(err):
			slog.Warn("lock backend unreachable mid-attempt, degrading", "job_id", jobID)
			s.executeDegraded(ctx, job)
		case errors.Is(err, pool.ErrPoolExhausted):
			s.retryOrFail(ctx, job, "credential pool exhausted")
		case errors.Is(err, crypto.ErrIntegrity):
			// The stored blob no longer authenticates under the master key.
			// No retry can fix that.
			s.finalize(ctx, job, models.JobStatusFailed, store.WithLastError(err.Error()))
			slog.Error("job failed on credential integrity", "job_id", jobID, "error", err)
		default:
			s.retryOrFail(ctx, job, err.Error())
		}
		return
	}

	start := time.Now()
	result, genErr := s.provider.Generate(ctx, acq.Secret, job.Payload)
	elapsedMs := float64(time.Since(start).Milliseconds())

	if err := s.pool.ReportOutcome(ctx, acq.CredentialID, genErr == nil, elapsedMs); err != nil {
		slog.Warn("report call outcome", "credential_id", acq.CredentialID, "error", err)
	}
	s.pool.Release(ctx, acq)

	// A cancel that landed during the provider call wins over the result.
	if s.cancelRequested(ctx, jobID) {
		s.finalize(ctx, job, models.JobStatusCancelled, store.WithCredentialID(acq.CredentialID))
		return
	}

	switch {
	case genErr == nil:
		s.finalize(ctx, job, models.JobStatusCompleted,
			store.WithResult(result.Output), store.WithCredentialID(acq.CredentialID))
		slog.Info("job completed",
			"job_id", jobID, "attempt", attempt, "elapsed_ms", elapsedMs)
	case provider.Fatal(genErr):
		s.finalize(ctx, job, models.JobStatusFailed,
			store.WithLastError(genErr.Error()), store.WithCredentialID(acq.CredentialID))
		slog.Warn("job failed permanently",
			"job_id", jobID, "attempt", attempt, "error", genErr)
	default:
		s.retryOrFail(ctx, job, genErr.Error())
	}
}

// retryOrFail schedules the next attempt with exponential backoff, or marks
// the job failed once the attempt budget is spent.
func (s *Service) retryOrFail(ctx context.Context, job *models.GenerationJob, reason string) {
	if job.AttemptsMade >= job.MaxAttempts {
		s.finalize(ctx, job, models.JobStatusFailed, store.WithLastError(reason))
		slog.Warn("job failed after exhausting attempts",
			"job_id", job.ID, "attempts", job.AttemptsMade, "error", reason)
		return
	}

	delay := s.cfg.RetryBaseDelay << (job.AttemptsMade - 1)
	err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusPending, store.WithLastError(reason))
	if err != nil {
		slog.Error("requeue job", "job_id", job.ID, "error", err)
		return
	}
	s.cacheStatus(ctx, job, models.JobStatusPending)

	readyAt := time.Now().UTC().Add(delay)
	if err := s.coord.EnqueueDelayed(ctx, job.ID, job.Priority, readyAt); err != nil {
		if coord.Unavailable(err) {
			// Left pending; the maintenance resync re-enqueues it once the
			// backend returns.
			slog.Warn("delayed requeue unreachable, job parked pending", "job_id", job.ID)
			return
		}
		slog.Error("delayed requeue", "job_id", job.ID, "error", err)
		return
	}
	slog.Info("job scheduled for retry",
		"job_id", job.ID, "attempt", job.AttemptsMade, "retry_in", delay, "error", reason)
}

// finalize writes the terminal status and clears coordination state.
func (s *Service) finalize(ctx context.Context, job *models.GenerationJob, status string, opts ...store.JobUpdateOption) {
	if err := s.store.UpdateJobStatus(ctx, job.ID, status, opts...); err != nil {
		slog.Error("finalize job", "job_id", job.ID, "status", status, "error", err)
		return
	}
	s.cacheStatus(ctx, job, status)
	s.finish(ctx, job.ID)
}

func (s *Service) cancelRequested(ctx context.Context, jobID uuid.UUID) bool {
	cancelled, err := s.coord.IsCancelled(ctx, jobID)
	if err != nil {
		return false
	}
	return cancelled
}

// runMaintenance periodically promotes due retries, reclaims jobs whose
// worker died mid-processing, and re-enqueues pending jobs missing from the
// queue after a coordination backend restart.
func (s *Service) runMaintenance(ctx context.Context) {
	interval := s.cfg.MaintainEvery
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maintain(ctx)
		}
	}
}

func (s *Service) maintain(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := s.coord.PromoteDelayed(ctx, now); err != nil {
		if !coord.Unavailable(err) {
			slog.Error("promote delayed jobs", "error", err)
		}
	} else if n > 0 {
		slog.Info("promoted delayed jobs", "count", n)
	}

	cutoff := now.Add(-s.cfg.StallTimeout)

	stalled, err := s.store.ListStalledJobs(ctx, cutoff)
	if err != nil {
		slog.Error("list stalled jobs", "error", err)
	}
	for _, job := range stalled {
		err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusPending,
			store.WithLastError("reclaimed after worker stall"))
		if err != nil {
			slog.Error("reclaim stalled job", "job_id", job.ID, "error", err)
			continue
		}
		// The dead worker still holds the dedupe claim, so bypass it.
		if _, err := s.coord.Enqueue(ctx, job.ID, job.Priority, false); err != nil {
			slog.Error("requeue reclaimed job", "job_id", job.ID, "error", err)
			continue
		}
		s.cacheStatus(ctx, job, models.JobStatusPending)
		slog.Warn("reclaimed stalled job", "job_id", job.ID, "started_at", job.StartedAt)
	}

	// A pending record older than the cutoff either fell out of a restarted
	// backend or sits behind a stale dedupe claim left by a worker that died
	// between dequeue and the processing transition. Bypass the claim:
	// enqueueing an already-queued member only refreshes its position, and
	// the status transition guard absorbs a duplicate dequeue.
	pending, err := s.store.ListPendingJobs(ctx, cutoff)
	if err != nil {
		slog.Error("list pending jobs", "error", err)
		return
	}
	requeued := 0
	for _, job := range pending {
		if _, err := s.coord.Enqueue(ctx, job.ID, job.Priority, false); err != nil {
			if !coord.Unavailable(err) {
				slog.Error("resync pending job", "job_id", job.ID, "error", err)
			}
			return
		}
		requeued++
	}
	if requeued > 0 {
		slog.Warn("re-enqueued pending jobs after queue loss", "count", requeued)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
