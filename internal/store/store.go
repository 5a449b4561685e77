package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilbhat/credbroker/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
// Credential health/usage columns are only ever written by the pool manager
// and job status columns only by the scheduler; the store does not police
// callers, it polices transitions.
type Store interface {
	Ping(ctx context.Context) error

	CreateCredential(ctx context.Context, cred *models.Credential) error
	GetCredential(ctx context.Context, id uuid.UUID) (*models.Credential, error)
	FingerprintExists(ctx context.Context, fingerprint string) (bool, error)
	ListSelectable(ctx context.Context, tiers []models.Tier) ([]*models.Credential, error)
	ListActive(ctx context.Context) ([]*models.Credential, error)
	MostRecentlyValidated(ctx context.Context) (*models.Credential, error)
	RecordAcquisition(ctx context.Context, id uuid.UUID) error
	UpdateOutcome(ctx context.Context, id uuid.UUID, out OutcomeUpdate) error
	SetCredentialActive(ctx context.Context, id uuid.UUID, active bool) error
	SetCredentialValidity(ctx context.Context, id uuid.UUID, valid bool) error
	ResetDueDailyUsage(ctx context.Context) (int64, error)
	PoolStats(ctx context.Context) (*PoolStats, error)

	CreateJob(ctx context.Context, job *models.GenerationJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	ListStalledJobs(ctx context.Context, olderThan time.Time) ([]*models.GenerationJob, error)
	ListPendingJobs(ctx context.Context, olderThan time.Time) ([]*models.GenerationJob, error)
	JobStats(ctx context.Context) (*JobStats, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// OutcomeUpdate carries the recomputed health fields written after a worker
// reports a call outcome.
type OutcomeUpdate struct {
	Success           bool
	AvgResponseTimeMs float64
	HealthScore       int
	IsActive          bool
}

// PoolStats is the read-only pool health snapshot.
type PoolStats struct {
	Total         int            `json:"total"`
	Active        int            `json:"active"`
	Valid         int            `json:"valid"`
	Healthy       int            `json:"healthy"`
	AverageHealth float64        `json:"average_health"`
	ByTier        map[string]int `json:"by_tier"`
}

// JobStats is the read-only queue depth snapshot derived from job records.
type JobStats struct {
	Pending            int         `json:"pending"`
	Processing         int         `json:"processing"`
	PendingByPriority  map[int]int `json:"pending_by_priority"`
	Degraded           int         `json:"degraded"`
}

// validTransitions encodes the job state machine. processing -> pending is
// the internal retry step; terminal states have no outgoing edges.
var validTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusProcessing, models.JobStatusCancelled},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusPending},
}

func transitionAllowed(from, to string) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type jobUpdateParams struct {
	LastError    *string
	Result       json.RawMessage
	CredentialID *uuid.UUID
	AttemptsMade *int
	Degraded     *bool
}

type JobUpdateOption func(*jobUpdateParams)

func WithLastError(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.LastError = &msg
	}
}

func WithResult(result json.RawMessage) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Result = result
	}
}

func WithCredentialID(id uuid.UUID) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.CredentialID = &id
	}
}

func WithAttemptsMade(n int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.AttemptsMade = &n
	}
}

func WithDegraded(degraded bool) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Degraded = &degraded
	}
}
