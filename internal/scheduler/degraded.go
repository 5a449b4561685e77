package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nikhilbhat/credbroker/internal/store"
	"github.com/nikhilbhat/credbroker/pkg/models"
)

// degradedTimeout bounds a detached degraded execution so a hung provider
// call cannot leak the goroutine forever.
const degradedTimeout = 2 * time.Minute

// startDegraded runs a job on the fallback path in the background so Submit
// can return immediately. Used when the queue is unreachable at submission
// time.
func (s *Service) startDegraded(job *models.GenerationJob, attempt int, alreadyProcessing bool) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), degradedTimeout)
		defer cancel()

		if !alreadyProcessing {
			err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing,
				store.WithAttemptsMade(attempt))
			if err != nil {
				slog.Error("mark degraded job processing", "job_id", job.ID, "error", err)
				return
			}
			job.AttemptsMade = attempt
		}
		s.executeDegraded(ctx, job)
	}()
}

// executeDegraded runs one job without the coordination backend: the
// credential comes from the lockless emergency path and the job gets exactly
// one attempt. Priority ordering, retries, and cancellation are all
// sacrificed; the job still reaches a terminal state.
func (s *Service) executeDegraded(ctx context.Context, job *models.GenerationJob) {
	acq, free, err := s.pool.EmergencyAcquire(ctx)
	if err != nil {
		s.finalize(ctx, job, models.JobStatusFailed,
			store.WithLastError("degraded execution: "+err.Error()), store.WithDegraded(true))
		slog.Error("degraded execution found no credential", "job_id", job.ID, "error", err)
		return
	}
	defer free()

	start := time.Now()
	result, genErr := s.provider.Generate(ctx, acq.Secret, job.Payload)
	elapsedMs := float64(time.Since(start).Milliseconds())

	if err := s.pool.ReportOutcome(ctx, acq.CredentialID, genErr == nil, elapsedMs); err != nil {
		slog.Warn("report degraded call outcome", "credential_id", acq.CredentialID, "error", err)
	}

	if genErr != nil {
		s.finalize(ctx, job, models.JobStatusFailed,
			store.WithLastError(genErr.Error()),
			store.WithCredentialID(acq.CredentialID),
			store.WithDegraded(true))
		slog.Warn("degraded job failed", "job_id", job.ID, "error", genErr)
		return
	}

	s.finalize(ctx, job, models.JobStatusCompleted,
		store.WithResult(result.Output),
		store.WithCredentialID(acq.CredentialID),
		store.WithDegraded(true))
	slog.Info("degraded job completed", "job_id", job.ID, "elapsed_ms", elapsedMs)
}
