package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilbhat/credbroker/pkg/models"
)

// MemoryStore is an in-memory Store implementation for unit tests. It mirrors
// PostgresStore semantics (duplicate detection, transition guards, lazy daily
// reset) without a database. Safe for concurrent use.
type MemoryStore struct {
	mu          sync.Mutex
	credentials map[uuid.UUID]*models.Credential
	jobs        map[uuid.UUID]*models.GenerationJob
	apiKeys     map[uuid.UUID]*models.APIKey
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: map[uuid.UUID]*models.Credential{},
		jobs:        map[uuid.UUID]*models.GenerationJob{},
		apiKeys:     map[uuid.UUID]*models.APIKey{},
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func copyCredential(c *models.Credential) *models.Credential {
	cp := *c
	return &cp
}

func copyJob(j *models.GenerationJob) *models.GenerationJob {
	cp := *j
	return &cp
}

// --- Credentials ---

func (s *MemoryStore) CreateCredential(ctx context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.credentials {
		if existing.Fingerprint == cred.Fingerprint {
			return ErrDuplicateKey
		}
	}
	if _, ok := s.credentials[cred.ID]; ok {
		return ErrDuplicateKey
	}
	s.credentials[cred.ID] = copyCredential(cred)
	return nil
}

func (s *MemoryStore) GetCredential(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCredential(c), nil
}

func (s *MemoryStore) FingerprintExists(ctx context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.credentials {
		if c.Fingerprint == fingerprint {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListSelectable(ctx context.Context, tiers []models.Tier) ([]*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	tierSet := map[models.Tier]bool{}
	for _, t := range tiers {
		tierSet[t] = true
	}

	var creds []*models.Credential
	for _, c := range s.credentials {
		if !c.IsActive || !c.IsValid || !tierSet[c.Tier] {
			continue
		}
		if c.CurrentDailyUsage >= c.DailyLimit {
			continue
		}
		if c.Expired(now) {
			continue
		}
		creds = append(creds, copyCredential(c))
	}
	sortCredentials(creds)
	return creds, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var creds []*models.Credential
	for _, c := range s.credentials {
		if c.IsActive {
			creds = append(creds, copyCredential(c))
		}
	}
	sortCredentials(creds)
	return creds, nil
}

func (s *MemoryStore) MostRecentlyValidated(ctx context.Context) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Credential
	for _, c := range s.credentials {
		if !c.IsActive || !c.IsValid {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		if later(c.LastValidatedAt, best.LastValidatedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copyCredential(best), nil
}

func later(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}

func (s *MemoryStore) RecordAcquisition(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	c.CurrentDailyUsage++
	c.LastUsedAt = &now
	c.UpdatedAt = now
	return nil
}

func (s *MemoryStore) UpdateOutcome(ctx context.Context, id uuid.UUID, out OutcomeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return ErrNotFound
	}
	if out.Success {
		c.SuccessCount++
	} else {
		c.FailureCount++
	}
	c.AvgResponseTimeMs = out.AvgResponseTimeMs
	c.HealthScore = out.HealthScore
	c.IsActive = out.IsActive
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetCredentialActive(ctx context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return ErrNotFound
	}
	c.IsActive = active
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetCredentialValidity(ctx context.Context, id uuid.UUID, valid bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	c.IsValid = valid
	c.LastValidatedAt = &now
	c.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ResetDueDailyUsage(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, c := range s.credentials {
		if !c.ResetAt.After(now) {
			c.CurrentDailyUsage = 0
			c.ResetAt = now.Add(24 * time.Hour)
			c.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PoolStats(ctx context.Context) (*PoolStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &PoolStats{ByTier: map[string]int{}}
	var healthSum int
	for _, c := range s.credentials {
		stats.Total++
		if c.IsActive {
			stats.Active++
			stats.ByTier[string(c.Tier)]++
			healthSum += c.HealthScore
		}
		if c.IsValid {
			stats.Valid++
		}
		if c.IsActive && c.IsValid {
			stats.Healthy++
		}
	}
	if stats.Active > 0 {
		stats.AverageHealth = float64(healthSum) / float64(stats.Active)
	}
	return stats, nil
}

func sortCredentials(creds []*models.Credential) {
	sort.Slice(creds, func(i, j int) bool {
		return creds[i].CreatedAt.Before(creds[j].CreatedAt)
	})
}

// --- Jobs ---

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !transitionAllowed(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, status)
	}

	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	if status == models.JobStatusProcessing {
		j.StartedAt = &now
	}
	if models.TerminalStatus(status) {
		j.CompletedAt = &now
	}
	if params.LastError != nil {
		j.LastError = params.LastError
	}
	if params.Result != nil {
		j.Result = params.Result
	}
	if params.CredentialID != nil {
		j.CredentialID = params.CredentialID
	}
	if params.AttemptsMade != nil {
		j.AttemptsMade = *params.AttemptsMade
	}
	if params.Degraded != nil {
		j.Degraded = *params.Degraded
	}
	return nil
}

func (s *MemoryStore) ListStalledJobs(ctx context.Context, olderThan time.Time) ([]*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*models.GenerationJob
	for _, j := range s.jobs {
		if j.Status == models.JobStatusProcessing && j.StartedAt != nil && j.StartedAt.Before(olderThan) {
			jobs = append(jobs, copyJob(j))
		}
	}
	return jobs, nil
}

func (s *MemoryStore) ListPendingJobs(ctx context.Context, olderThan time.Time) ([]*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*models.GenerationJob
	for _, j := range s.jobs {
		if j.Status == models.JobStatusPending && j.UpdatedAt.Before(olderThan) {
			jobs = append(jobs, copyJob(j))
		}
	}
	return jobs, nil
}

func (s *MemoryStore) JobStats(ctx context.Context) (*JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &JobStats{PendingByPriority: map[int]int{}}
	for _, j := range s.jobs {
		switch j.Status {
		case models.JobStatusPending:
			stats.Pending++
			stats.PendingByPriority[j.Priority]++
		case models.JobStatusProcessing:
			stats.Processing++
		}
		if j.Degraded && !models.TerminalStatus(j.Status) {
			stats.Degraded++
		}
	}
	return stats, nil
}

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	k.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[key.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *key
	s.apiKeys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.DeletedAt == nil {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *MemoryStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}
