// Package pool implements the credential pool manager: ingestion, selection,
// locking, health scoring, and lifecycle of upstream credentials.
package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilbhat/credbroker/internal/config"
	"github.com/nikhilbhat/credbroker/internal/coord"
	"github.com/nikhilbhat/credbroker/internal/crypto"
	"github.com/nikhilbhat/credbroker/internal/provider"
	"github.com/nikhilbhat/credbroker/internal/store"
	"github.com/nikhilbhat/credbroker/pkg/models"
)

// Manager owns all credential health and usage state. No other component
// writes those fields.
type Manager struct {
	store     store.Store
	locker    coord.Locker
	cipher    *crypto.Envelope
	validator provider.Validator
	cfg       config.PoolConfig

	mu  sync.Mutex
	rng *rand.Rand

	emergencySlots chan struct{}

	onDegraded func(credentialID uuid.UUID, score int)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRand injects the random source used for score jitter, letting tests
// fix the seed.
func WithRand(rng *rand.Rand) Option {
	return func(m *Manager) { m.rng = rng }
}

// WithDegradedFunc registers a callback invoked when a credential's health
// drops below the degradation threshold.
func WithDegradedFunc(fn func(credentialID uuid.UUID, score int)) Option {
	return func(m *Manager) { m.onDegraded = fn }
}

// NewManager creates a Manager.
func NewManager(st store.Store, locker coord.Locker, cipher *crypto.Envelope, validator provider.Validator, cfg config.PoolConfig, opts ...Option) *Manager {
	if cfg.EmergencyMaxInUse <= 0 {
		cfg.EmergencyMaxInUse = 10
	}
	m := &Manager{
		store:          st,
		locker:         locker,
		cipher:         cipher,
		validator:      validator,
		cfg:            cfg,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		emergencySlots: make(chan struct{}, cfg.EmergencyMaxInUse),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddParams carries credential ingestion input.
type AddParams struct {
	Secret            string
	OwnerUserID       *string
	Tier              models.Tier
	DedicatedToUserID *string
	ExpiresAt         *time.Time
	PriorityBoost     int
}

// Fingerprint returns the irreversible identifier used for duplicate
// detection. The plaintext never leaves this function.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// AddCredential validates, encrypts, and stores a new secret. The secret is
// never logged or persisted in plaintext. Validity is recorded exactly as the
// upstream validator reported it; a secret the upstream rejects is stored
// inactive so its history starts tracked but it never enters rotation.
func (m *Manager) AddCredential(ctx context.Context, params AddParams) (uuid.UUID, error) {
	if params.Secret == "" {
		return uuid.Nil, fmt.Errorf("secret is required")
	}
	tier := params.Tier
	if !tier.Valid() {
		tier = models.TierFree
	}

	fingerprint := Fingerprint(params.Secret)
	exists, err := m.store.FingerprintExists(ctx, fingerprint)
	if err != nil {
		return uuid.Nil, fmt.Errorf("check fingerprint: %w", err)
	}
	if exists {
		return uuid.Nil, ErrDuplicateCredential
	}

	result, err := m.validator.Validate(ctx, params.Secret)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	ciphertext, err := m.cipher.Encrypt([]byte(params.Secret))
	if err != nil {
		return uuid.Nil, fmt.Errorf("encrypt secret: %w", err)
	}

	dailyLimit := m.cfg.DefaultDailyLimit
	if result.DailyQuota > 0 {
		dailyLimit = result.DailyQuota
	}

	now := time.Now().UTC()
	cred := &models.Credential{
		ID:                uuid.New(),
		Fingerprint:       fingerprint,
		SecretCiphertext:  ciphertext,
		OwnerUserID:       params.OwnerUserID,
		Tier:              tier,
		DedicatedToUserID: params.DedicatedToUserID,
		IsActive:          result.IsValid,
		IsValid:           result.IsValid,
		HealthScore:       100,
		DailyLimit:        dailyLimit,
		ResetAt:           now.Add(24 * time.Hour),
		LastValidatedAt:   &now,
		ExpiresAt:         params.ExpiresAt,
		PriorityBoost:     params.PriorityBoost,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := m.store.CreateCredential(ctx, cred); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return uuid.Nil, ErrDuplicateCredential
		}
		return uuid.Nil, fmt.Errorf("store credential: %w", err)
	}

	slog.Info("credential added",
		"credential_id", cred.ID, "tier", cred.Tier, "is_valid", cred.IsValid)
	return cred.ID, nil
}

// Acquisition is a successfully locked credential with its decrypted secret.
// The lock token stays with the acquisition so a release only ever touches
// the lock this acquirer took.
type Acquisition struct {
	CredentialID uuid.UUID
	Secret       string

	lockToken string
}

// Acquire selects the best eligible credential for the caller, takes its
// lock, and returns the decrypted secret. It fails fast with ErrPoolExhausted
// when every eligible candidate is locked or none exist; it never blocks
// waiting for a lock. Coordination backend failures surface as
// coord.ErrUnavailable so the scheduler can degrade.
func (m *Manager) Acquire(ctx context.Context, callerID string, tier models.Tier) (*Acquisition, error) {
	if _, err := m.store.ResetDueDailyUsage(ctx); err != nil {
		return nil, fmt.Errorf("reset daily usage: %w", err)
	}

	candidates, err := m.store.ListSelectable(ctx, tier.EligiblePools())
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	now := time.Now().UTC()
	var dedicated, shared []*models.Credential
	for _, c := range candidates {
		if c.Expired(now) {
			continue
		}
		if c.DedicatedToUserID != nil {
			// Pinned credentials are invisible to everyone but their caller.
			if callerID == "" || *c.DedicatedToUserID != callerID {
				continue
			}
			dedicated = append(dedicated, c)
			continue
		}
		shared = append(shared, c)
	}

	// Enterprise fast path: a healthy dedicated credential wins outright,
	// bypassing weighted scoring.
	if tier == models.TierEnterprise {
		sort.Slice(dedicated, func(i, j int) bool {
			return dedicated[i].HealthScore > dedicated[j].HealthScore
		})
		for _, c := range dedicated {
			if c.HealthScore < dedicatedMinHealth {
				break
			}
			acq, err := m.tryLockAndDecrypt(ctx, c)
			if err != nil {
				return nil, err
			}
			if acq != nil {
				return acq, nil
			}
		}
	} else {
		// Outside the fast path, dedicated matches compete on score with the
		// shared pool.
		shared = append(shared, dedicated...)
	}

	ranked := m.rank(shared)
	for _, c := range ranked {
		acq, err := m.tryLockAndDecrypt(ctx, c)
		if err != nil {
			return nil, err
		}
		if acq != nil {
			return acq, nil
		}
	}

	return nil, ErrPoolExhausted
}

type rankedCredential struct {
	cred  *models.Credential
	score float64
}

// rank orders candidates by jittered weighted score plus the operator boost.
func (m *Manager) rank(candidates []*models.Credential) []*models.Credential {
	ranked := make([]rankedCredential, 0, len(candidates))

	m.mu.Lock()
	for _, c := range candidates {
		score := Jitter(Score(c), m.rng) + float64(c.PriorityBoost)
		ranked = append(ranked, rankedCredential{cred: c, score: score})
	}
	m.mu.Unlock()

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]*models.Credential, len(ranked))
	for i, r := range ranked {
		out[i] = r.cred
	}
	return out
}

// tryLockAndDecrypt attempts the credential's lock. A held lock returns
// (nil, nil) so the caller moves on to the next candidate.
func (m *Manager) tryLockAndDecrypt(ctx context.Context, c *models.Credential) (*Acquisition, error) {
	token, ok, err := m.locker.TryAcquire(ctx, coord.CredentialLockKey(c.ID), m.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	secret, err := m.cipher.Decrypt(c.SecretCiphertext)
	if err != nil {
		_ = m.locker.Release(ctx, coord.CredentialLockKey(c.ID), token)
		// Corruption or key mismatch is never swallowed.
		return nil, fmt.Errorf("decrypt credential %s: %w", c.ID, err)
	}

	if err := m.store.RecordAcquisition(ctx, c.ID); err != nil {
		_ = m.locker.Release(ctx, coord.CredentialLockKey(c.ID), token)
		return nil, fmt.Errorf("record acquisition: %w", err)
	}

	return &Acquisition{CredentialID: c.ID, Secret: string(secret), lockToken: token}, nil
}

// Release drops the acquisition's lock. The release is token-checked, so a
// release arriving after the TTL lapsed and another worker took the lock is
// a no-op. Double releases and emergency acquisitions are no-ops too.
func (m *Manager) Release(ctx context.Context, acq *Acquisition) {
	if acq == nil || acq.lockToken == "" {
		return
	}
	if err := m.locker.Release(ctx, coord.CredentialLockKey(acq.CredentialID), acq.lockToken); err != nil {
		slog.Warn("release credential lock", "credential_id", acq.CredentialID, "error", err)
	}
}

// ReportOutcome folds one call outcome into the credential's health state:
// success/failure counts, response-time EMA, recomputed health score,
// auto-deactivation below the floor, and a degradation signal below the
// warning threshold.
func (m *Manager) ReportOutcome(ctx context.Context, credentialID uuid.UUID, success bool, responseTimeMs float64) error {
	c, err := m.store.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get credential: %w", err)
	}

	successCount, failureCount := c.SuccessCount, c.FailureCount
	if success {
		successCount++
	} else {
		failureCount++
	}

	newAvg := NextAvgResponseTime(c.AvgResponseTimeMs, responseTimeMs)
	health := HealthScore(successCount, failureCount, newAvg)
	active := c.IsActive && health >= deactivateBelow

	err = m.store.UpdateOutcome(ctx, credentialID, store.OutcomeUpdate{
		Success:           success,
		AvgResponseTimeMs: newAvg,
		HealthScore:       health,
		IsActive:          active,
	})
	if err != nil {
		return fmt.Errorf("update outcome: %w", err)
	}

	if c.IsActive && !active {
		slog.Warn("credential auto-deactivated",
			"credential_id", credentialID, "health_score", health)
	}
	if health < degradedBelow {
		slog.Warn("credential health degraded",
			"credential_id", credentialID, "health_score", health)
		if m.onDegraded != nil {
			m.onDegraded(credentialID, health)
		}
	}
	return nil
}

// RemoveCredential soft-deletes a credential. Usage history is kept.
func (m *Manager) RemoveCredential(ctx context.Context, credentialID uuid.UUID) error {
	err := m.store.SetCredentialActive(ctx, credentialID, false)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("remove credential: %w", err)
	}
	slog.Info("credential removed", "credential_id", credentialID)
	return nil
}

// EmergencyAcquire bypasses locking and scoring: it returns the most
// recently validated active credential straight from the store. The caller
// gets no exclusivity and must treat the secret as shared. Concurrent
// emergency use is capped; when the cap is reached or no credential exists
// it fails with ErrPoolExhausted. The returned release func frees the
// emergency slot and must always be called.
func (m *Manager) EmergencyAcquire(ctx context.Context) (*Acquisition, func(), error) {
	select {
	case m.emergencySlots <- struct{}{}:
	default:
		return nil, nil, fmt.Errorf("%w: emergency acquisition cap reached", ErrPoolExhausted)
	}

	free := func() { <-m.emergencySlots }

	c, err := m.store.MostRecentlyValidated(ctx)
	if err != nil {
		free()
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrPoolExhausted
		}
		return nil, nil, fmt.Errorf("emergency candidate: %w", err)
	}

	secret, err := m.cipher.Decrypt(c.SecretCiphertext)
	if err != nil {
		free()
		return nil, nil, fmt.Errorf("decrypt credential %s: %w", c.ID, err)
	}

	if err := m.store.RecordAcquisition(ctx, c.ID); err != nil {
		slog.Warn("record emergency acquisition", "credential_id", c.ID, "error", err)
	}

	slog.Warn("emergency credential acquisition", "credential_id", c.ID)
	return &Acquisition{CredentialID: c.ID, Secret: string(secret)}, free, nil
}

// RunHealthChecks re-validates every active credential against the upstream
// validator, deactivates expired ones, and alerts when the healthy count
// drops below the configured minimum. New acquisitions are never blocked by
// a running health check.
func (m *Manager) RunHealthChecks(ctx context.Context) error {
	if _, err := m.store.ResetDueDailyUsage(ctx); err != nil {
		return fmt.Errorf("reset daily usage: %w", err)
	}

	creds, err := m.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active credentials: %w", err)
	}

	now := time.Now().UTC()
	healthy := 0
	for _, c := range creds {
		if c.Expired(now) {
			if err := m.store.SetCredentialActive(ctx, c.ID, false); err != nil {
				slog.Warn("deactivate expired credential", "credential_id", c.ID, "error", err)
			}
			continue
		}

		secret, err := m.cipher.Decrypt(c.SecretCiphertext)
		if err != nil {
			slog.Error("health check decrypt failed", "credential_id", c.ID, "error", err)
			continue
		}

		result, err := m.validator.Validate(ctx, string(secret))
		if err != nil {
			slog.Warn("health check validation errored", "credential_id", c.ID, "error", err)
			continue
		}

		if err := m.store.SetCredentialValidity(ctx, c.ID, result.IsValid); err != nil {
			slog.Warn("update credential validity", "credential_id", c.ID, "error", err)
			continue
		}
		if result.IsValid {
			healthy++
		}
	}

	if healthy < m.cfg.MinHealthyCount {
		slog.Error("credential pool critically low",
			"healthy", healthy, "minimum", m.cfg.MinHealthyCount)
	}
	return nil
}

// Run executes periodic health checks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	slog.Info("pool health checker started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("pool health checker stopped")
			return
		case <-ticker.C:
			if err := m.RunHealthChecks(ctx); err != nil {
				slog.Error("pool health check", "error", err)
			}
		}
	}
}

// Stats returns the read-only pool snapshot.
func (m *Manager) Stats(ctx context.Context) (*store.PoolStats, error) {
	return m.store.PoolStats(ctx)
}
