// Package scheduler owns the generation job lifecycle: submission into the
// durable queue, the worker pool that drains it, retry backoff, stall
// reclamation, cancellation, and the degraded fallback used when the
// coordination backend is down.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nikhilbhat/credbroker/internal/config"
	"github.com/nikhilbhat/credbroker/internal/coord"
	"github.com/nikhilbhat/credbroker/internal/pool"
	"github.com/nikhilbhat/credbroker/internal/provider"
	"github.com/nikhilbhat/credbroker/internal/store"
	"github.com/nikhilbhat/credbroker/pkg/models"
)

var (
	// ErrJobNotFound means the job id is unknown.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal means the operation is not valid on a finished job.
	ErrJobTerminal = errors.New("job already in a terminal state")
)

const (
	statusCacheTTL = 5 * time.Minute
	cancelMarkTTL  = time.Hour
)

// Service schedules generation jobs. The database record is the source of
// truth; queue entries only carry job ids, so a cold coordination backend
// loses ordering but never jobs.
type Service struct {
	store    store.Store
	coord    coord.Coordinator
	pool     *pool.Manager
	provider provider.Provider
	cfg      config.SchedulerConfig

	limiter *rate.Limiter
}

// NewService creates a scheduler Service.
func NewService(st store.Store, co coord.Coordinator, pm *pool.Manager, pr provider.Provider, cfg config.SchedulerConfig) *Service {
	burst := int(cfg.DispatchPerSec)
	if burst < 1 {
		burst = 1
	}
	return &Service{
		store:    st,
		coord:    co,
		pool:     pm,
		provider: pr,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.DispatchPerSec), burst),
	}
}

// SubmitParams carries a job submission. JobID is optional: clients may
// supply their own id to make retried submissions idempotent.
type SubmitParams struct {
	JobID    uuid.UUID
	CallerID string
	Tier     models.Tier
	Payload  []byte
}

// Submit persists a new pending job and enqueues it at its tier's priority.
// Resubmitting an existing job id returns the existing record without a
// second enqueue. If the coordination backend is unreachable the job is
// accepted anyway and executed on the degraded path.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (*models.GenerationJob, error) {
	tier := params.Tier
	if !tier.Valid() {
		tier = models.TierFree
	}

	jobID := params.JobID
	if jobID == uuid.Nil {
		jobID = uuid.New()
	} else {
		existing, err := s.store.GetJob(ctx, jobID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("check existing job: %w", err)
		}
	}

	now := time.Now().UTC()
	job := &models.GenerationJob{
		ID:          jobID,
		CallerID:    params.CallerID,
		Tier:        tier,
		Priority:    tier.QueuePriority(),
		Payload:     params.Payload,
		Status:      models.JobStatusPending,
		MaxAttempts: s.cfg.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return s.store.GetJob(ctx, jobID)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	if _, err := s.coord.Enqueue(ctx, job.ID, job.Priority, true); err != nil {
		if coord.Unavailable(err) {
			// Accept the job anyway and run it without the queue.
			slog.Warn("queue unreachable, running job degraded", "job_id", job.ID)
			detached := *job
			s.startDegraded(&detached, 1, false)
			job.Degraded = true
			return job, nil
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.cacheStatus(ctx, job, models.JobStatusPending)
	slog.Info("job submitted",
		"job_id", job.ID, "caller_id", job.CallerID, "tier", job.Tier, "priority", job.Priority)
	return job, nil
}

// Status returns the job's current state. While a job is in flight the
// cached snapshot is served without touching the database; the full record
// is read once the cache misses or the job is terminal.
func (s *Service) Status(ctx context.Context, jobID uuid.UUID) (*models.GenerationJob, error) {
	if raw, ok, err := s.coord.GetJobStatus(ctx, jobID); err == nil && ok {
		var cached models.GenerationJob
		if json.Unmarshal([]byte(raw), &cached) == nil &&
			cached.ID == jobID && !models.TerminalStatus(cached.Status) {
			return &cached, nil
		}
	}

	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Cancel stops a job. A pending job is pulled from the queue and finalized
// immediately. A processing job gets a cancellation mark that its worker
// honors at the next checkpoint; any in-flight provider result is discarded.
// Cancelling a terminal job fails with ErrJobTerminal.
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID) (*models.GenerationJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if models.TerminalStatus(job.Status) {
		return job, ErrJobTerminal
	}

	if job.Status == models.JobStatusPending {
		if _, err := s.coord.Remove(ctx, jobID); err != nil && !coord.Unavailable(err) {
			return nil, fmt.Errorf("remove queued job: %w", err)
		}
		err := s.store.UpdateJobStatus(ctx, jobID, models.JobStatusCancelled)
		if err == nil {
			s.cacheStatus(ctx, job, models.JobStatusCancelled)
			s.finish(ctx, jobID)
			slog.Info("job cancelled", "job_id", jobID, "was", models.JobStatusPending)
			return s.store.GetJob(ctx, jobID)
		}
		if !errors.Is(err, store.ErrInvalidTransition) {
			return nil, fmt.Errorf("cancel job: %w", err)
		}
		// A worker grabbed it between our read and the update. Fall through to
		// the processing path.
	}

	if err := s.coord.MarkCancelled(ctx, jobID, cancelMarkTTL); err != nil {
		return nil, fmt.Errorf("mark job cancelled: %w", err)
	}
	slog.Info("job cancellation requested", "job_id", jobID, "was", models.JobStatusProcessing)
	return s.store.GetJob(ctx, jobID)
}

// QueueStats combines the durable job counters with the live queue depth.
type QueueStats struct {
	store.JobStats
	QueueDepth int64 `json:"queue_depth"`
}

// Stats returns the scheduler snapshot. Queue depth is -1 when the
// coordination backend cannot be reached.
func (s *Service) Stats(ctx context.Context) (*QueueStats, error) {
	jobStats, err := s.store.JobStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	stats := &QueueStats{JobStats: *jobStats, QueueDepth: -1}
	if depth, err := s.coord.Depth(ctx); err == nil {
		stats.QueueDepth = depth
	}
	return stats, nil
}

// cacheStatus caches a snapshot of the job under the new status so polls for
// in-flight jobs render a complete record without a database read.
func (s *Service) cacheStatus(ctx context.Context, job *models.GenerationJob, status string) {
	view := *job
	view.Status = status
	blob, err := json.Marshal(&view)
	if err != nil {
		return
	}
	if err := s.coord.SetJobStatus(ctx, job.ID, string(blob), statusCacheTTL); err != nil && !coord.Unavailable(err) {
		slog.Warn("cache job status", "job_id", job.ID, "error", err)
	}
}

func (s *Service) finish(ctx context.Context, jobID uuid.UUID) {
	if err := s.coord.Finish(ctx, jobID); err != nil && !coord.Unavailable(err) {
		slog.Warn("clear job dedupe claim", "job_id", jobID, "error", err)
	}
}
