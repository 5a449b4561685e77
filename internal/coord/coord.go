// Package coord wraps the coordination backend: short-TTL credential locks,
// the priority job queue, the delayed-retry backlog, cancellation marks, the
// job-status cache, and rate-limit counters. Backed by Redis in production;
// MemoryCoordinator provides the same semantics in-process for tests.
//
// The backend is allowed to be cold on restart: nothing here is durable, and
// every caller must tolerate ErrUnavailable by degrading rather than failing.
package coord

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable wraps backend transport failures. Callers use it to decide
// when to enter degraded mode.
var ErrUnavailable = errors.New("coordination backend unavailable")

// Unavailable reports whether err indicates the coordination backend cannot
// be reached.
func Unavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Locker is the distributed mutual-exclusion primitive over credentials.
// A lock is a time-bounded exclusive claim: it self-expires after its TTL so
// a crashed holder cannot strand a credential.
type Locker interface {
	// TryAcquire attempts to take the lock for key. It never blocks: ok is
	// false when another holder owns the lock. The returned token is required
	// to release.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release drops the lock if token still owns it. Releasing an expired or
	// foreign lock is a no-op, not an error.
	Release(ctx context.Context, key, token string) error
}

// Queue is the shared priority job queue. Lower priority numbers dequeue
// first; equal priorities dequeue FIFO by enqueue order.
type Queue interface {
	// Enqueue adds a job to the ready queue. When dedupe is true the call is
	// a no-op (returning false) if the job is already queued or processing.
	Enqueue(ctx context.Context, jobID uuid.UUID, priority int, dedupe bool) (bool, error)
	// EnqueueDelayed schedules a job to become ready at readyAt.
	EnqueueDelayed(ctx context.Context, jobID uuid.UUID, priority int, readyAt time.Time) error
	// Dequeue pops the highest-priority ready job. ok is false when the queue
	// is empty.
	Dequeue(ctx context.Context) (jobID uuid.UUID, ok bool, err error)
	// PromoteDelayed moves jobs whose ready time has passed into the ready
	// queue and returns how many were promoted.
	PromoteDelayed(ctx context.Context, now time.Time) (int, error)
	// Remove atomically removes a pending job from the ready and delayed
	// queues. Returns true if the job was present.
	Remove(ctx context.Context, jobID uuid.UUID) (bool, error)
	// Finish clears the job's dedupe claim once it reaches a terminal state.
	Finish(ctx context.Context, jobID uuid.UUID) error
	// Depth returns the number of ready jobs.
	Depth(ctx context.Context) (int64, error)
}

// Coordinator is the full coordination surface.
type Coordinator interface {
	Locker
	Queue

	Ping(ctx context.Context) error

	// Cancellation marks for jobs already handed to a worker.
	MarkCancelled(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error
	IsCancelled(ctx context.Context, jobID uuid.UUID) (bool, error)

	// Job-status cache so polling does not always hit the database. The
	// value is opaque to the backend; the scheduler stores a serialized
	// snapshot of the job.
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error)

	// Sliding-window counters for edge rate limiting.
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}
