package pool

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhat/credbroker/internal/config"
	"github.com/nikhilbhat/credbroker/internal/coord"
	"github.com/nikhilbhat/credbroker/internal/crypto"
	"github.com/nikhilbhat/credbroker/internal/provider"
	"github.com/nikhilbhat/credbroker/internal/provider/mock"
	"github.com/nikhilbhat/credbroker/internal/store"
	"github.com/nikhilbhat/credbroker/pkg/models"
)

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		LockTTL:             30 * time.Second,
		HealthCheckInterval: time.Minute,
		MinHealthyCount:     1,
		EmergencyMaxInUse:   2,
		DefaultDailyLimit:   500,
	}
}

type testPool struct {
	manager *Manager
	store   *store.MemoryStore
	coord   *coord.MemoryCoordinator
	cipher  *crypto.Envelope
}

func newTestPool(t *testing.T, validator provider.Validator, opts ...Option) *testPool {
	t.Helper()
	cipher, err := crypto.NewEnvelope("unit-test-master-secret")
	require.NoError(t, err)

	st := store.NewMemoryStore()
	co := coord.NewMemoryCoordinator()
	opts = append([]Option{WithRand(rand.New(rand.NewSource(1)))}, opts...)
	return &testPool{
		manager: NewManager(st, co, cipher, validator, testPoolConfig(), opts...),
		store:   st,
		coord:   co,
		cipher:  cipher,
	}
}

func (p *testPool) add(t *testing.T, secret string, tier models.Tier) uuid.UUID {
	t.Helper()
	id, err := p.manager.AddCredential(context.Background(), AddParams{Secret: secret, Tier: tier})
	require.NoError(t, err)
	return id
}

func TestAddCredential_EncryptsAndStores(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())

	id := p.add(t, "sk-live-abc123", models.TierPro)

	c, err := p.store.GetCredential(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint("sk-live-abc123"), c.Fingerprint)
	assert.NotContains(t, string(c.SecretCiphertext), "sk-live-abc123")
	assert.True(t, c.IsActive)
	assert.True(t, c.IsValid)
	assert.Equal(t, 100, c.HealthScore)
	assert.Equal(t, 500, c.DailyLimit)
	assert.NotNil(t, c.LastValidatedAt)

	plain, err := p.cipher.Decrypt(c.SecretCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abc123", string(plain))
}

func TestAddCredential_RejectsDuplicate(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())

	p.add(t, "sk-dup", models.TierFree)
	_, err := p.manager.AddCredential(context.Background(), AddParams{Secret: "sk-dup", Tier: models.TierPro})
	assert.ErrorIs(t, err, ErrDuplicateCredential)
}

func TestAddCredential_UpstreamRejectionStoresInactive(t *testing.T) {
	p := newTestPool(t, mock.NewRejectingValidator())

	id := p.add(t, "sk-revoked", models.TierFree)

	c, err := p.store.GetCredential(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, c.IsActive)
	assert.False(t, c.IsValid)
}

func TestAddCredential_ValidatorUnreachable(t *testing.T) {
	p := newTestPool(t, &mock.MockProvider{
		ValidateFunc: func(context.Context, string) (provider.ValidationResult, error) {
			return provider.ValidationResult{}, errors.New("upstream timeout")
		},
	})

	_, err := p.manager.AddCredential(context.Background(), AddParams{Secret: "sk-x"})
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestAddCredential_UsesReportedQuota(t *testing.T) {
	p := newTestPool(t, &mock.MockProvider{
		ValidateFunc: func(context.Context, string) (provider.ValidationResult, error) {
			return provider.ValidationResult{IsValid: true, DailyQuota: 42}, nil
		},
	})

	id := p.add(t, "sk-quota", models.TierFree)
	c, err := p.store.GetCredential(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 42, c.DailyLimit)
}

func TestAcquire_ReturnsSecretAndLocks(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	ctx := context.Background()
	id := p.add(t, "sk-only", models.TierFree)

	acq, err := p.manager.Acquire(ctx, "caller-1", models.TierFree)
	require.NoError(t, err)
	assert.Equal(t, id, acq.CredentialID)
	assert.Equal(t, "sk-only", acq.Secret)

	c, err := p.store.GetCredential(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, c.CurrentDailyUsage)
	assert.NotNil(t, c.LastUsedAt)

	// Credential is locked, so a second caller finds the pool empty.
	_, err = p.manager.Acquire(ctx, "caller-2", models.TierFree)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	p.manager.Release(ctx, acq)
	acq2, err := p.manager.Acquire(ctx, "caller-2", models.TierFree)
	require.NoError(t, err)
	assert.Equal(t, id, acq2.CredentialID)
}

func TestRelease_ExpiredLockKeepsNewHolder(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	ctx := context.Background()
	p.add(t, "sk-contested", models.TierFree)

	base := time.Now()
	clock := base
	p.coord.SetClock(func() time.Time { return clock })

	acqA, err := p.manager.Acquire(ctx, "worker-a", models.TierFree)
	require.NoError(t, err)

	// A's lock TTL lapses mid-call and B takes over the credential.
	clock = base.Add(testPoolConfig().LockTTL + time.Second)
	acqB, err := p.manager.Acquire(ctx, "worker-b", models.TierFree)
	require.NoError(t, err)
	require.Equal(t, acqA.CredentialID, acqB.CredentialID)

	// A's late release is against a lock it no longer owns and must leave
	// B's lock standing.
	p.manager.Release(ctx, acqA)
	_, err = p.manager.Acquire(ctx, "worker-c", models.TierFree)
	assert.ErrorIs(t, err, ErrPoolExhausted, "B still holds the credential")

	p.manager.Release(ctx, acqB)
	_, err = p.manager.Acquire(ctx, "worker-c", models.TierFree)
	require.NoError(t, err)
}

func TestAcquire_TierEligibility(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	ctx := context.Background()
	p.add(t, "sk-pro", models.TierPro)

	// A free caller cannot reach a pro-tier credential.
	_, err := p.manager.Acquire(ctx, "caller", models.TierFree)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	// A pro caller can.
	acq, err := p.manager.Acquire(ctx, "caller", models.TierPro)
	require.NoError(t, err)
	assert.Equal(t, "sk-pro", acq.Secret)
}

func TestAcquire_SkipsDedicatedToOthers(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	ctx := context.Background()
	owner := "enterprise-owner"
	_, err := p.manager.AddCredential(ctx, AddParams{
		Secret:            "sk-pinned",
		Tier:              models.TierFree,
		DedicatedToUserID: &owner,
	})
	require.NoError(t, err)

	_, err = p.manager.Acquire(ctx, "someone-else", models.TierEnterprise)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	acq, err := p.manager.Acquire(ctx, owner, models.TierEnterprise)
	require.NoError(t, err)
	assert.Equal(t, "sk-pinned", acq.Secret)
}

func TestAcquire_EnterpriseDedicatedFastPath(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	ctx := context.Background()
	owner := "ent-1"

	p.add(t, "sk-shared", models.TierEnterprise)
	dedID, err := p.manager.AddCredential(ctx, AddParams{
		Secret:            "sk-dedicated",
		Tier:              models.TierEnterprise,
		DedicatedToUserID: &owner,
	})
	require.NoError(t, err)

	acq, err := p.manager.Acquire(ctx, owner, models.TierEnterprise)
	require.NoError(t, err)
	assert.Equal(t, dedID, acq.CredentialID, "healthy dedicated credential wins outright")
}

func TestAcquire_UnhealthyDedicatedFallsBackToShared(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	ctx := context.Background()
	owner := "ent-1"

	sharedID := p.add(t, "sk-shared", models.TierEnterprise)
	dedID, err := p.manager.AddCredential(ctx, AddParams{
		Secret:            "sk-dedicated",
		Tier:              models.TierEnterprise,
		DedicatedToUserID: &owner,
	})
	require.NoError(t, err)

	// Drag the dedicated credential below the fast-path gate but keep it active.
	require.NoError(t, p.manager.ReportOutcome(ctx, dedID, true, 10000))
	require.NoError(t, p.manager.ReportOutcome(ctx, dedID, false, 10000))
	c, err := p.store.GetCredential(ctx, dedID)
	require.NoError(t, err)
	require.Less(t, c.HealthScore, dedicatedMinHealth)
	require.True(t, c.IsActive)

	acq, err := p.manager.Acquire(ctx, owner, models.TierEnterprise)
	require.NoError(t, err)
	assert.Equal(t, sharedID, acq.CredentialID, "shared credential outranks the degraded dedicated one")
}

func TestAcquire_PropagatesCoordinationOutage(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	ctx := context.Background()
	p.add(t, "sk-only", models.TierFree)

	p.coord.SetUnavailable(true)
	_, err := p.manager.Acquire(ctx, "caller", models.TierFree)
	assert.ErrorIs(t, err, coord.ErrUnavailable)
}

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	ctx := context.Background()
	p.add(t, "sk-contested", models.TierFree)

	const callers = 32
	var wg sync.WaitGroup
	wins := make(chan *Acquisition, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acq, err := p.manager.Acquire(ctx, "caller", models.TierFree)
			if err == nil {
				wins <- acq
			} else {
				assert.ErrorIs(t, err, ErrPoolExhausted)
			}
		}()
	}
	wg.Wait()
	close(wins)
	assert.Len(t, wins, 1)
}

func TestReportOutcome_SuccessKeepsHealth(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	ctx := context.Background()
	id := p.add(t, "sk-ok", models.TierFree)

	require.NoError(t, p.manager.ReportOutcome(ctx, id, true, 250))
	require.NoError(t, p.manager.ReportOutcome(ctx, id, true, 350))

	c, err := p.store.GetCredential(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.SuccessCount)
	assert.Equal(t, int64(0), c.FailureCount)
	assert.InDelta(t, 0.3*350+0.7*250, c.AvgResponseTimeMs, 1e-9)
	assert.True(t, c.IsActive)
	assert.GreaterOrEqual(t, c.HealthScore, 90)
}

func TestReportOutcome_AutoDeactivatesBelowFloor(t *testing.T) {
	degradedWith := -1
	p := newTestPool(t, mock.NewMockProvider(), WithDegradedFunc(func(_ uuid.UUID, score int) {
		degradedWith = score
	}))
	ctx := context.Background()
	id := p.add(t, "sk-dying", models.TierFree)

	// One total failure at ceiling latency drops health to zero.
	require.NoError(t, p.manager.ReportOutcome(ctx, id, false, 20000))

	c, err := p.store.GetCredential(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, c.HealthScore)
	assert.False(t, c.IsActive)
	assert.Equal(t, 0, degradedWith)

	_, err = p.manager.Acquire(ctx, "caller", models.TierFree)
	assert.ErrorIs(t, err, ErrPoolExhausted, "deactivated credential left rotation")
}

func TestReportOutcome_DegradedSignalWithoutDeactivation(t *testing.T) {
	fired := 0
	p := newTestPool(t, mock.NewMockProvider(), WithDegradedFunc(func(uuid.UUID, int) { fired++ }))
	ctx := context.Background()
	id := p.add(t, "sk-limping", models.TierFree)

	require.NoError(t, p.manager.ReportOutcome(ctx, id, true, 10000))
	require.NoError(t, p.manager.ReportOutcome(ctx, id, false, 10000))

	c, err := p.store.GetCredential(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 35, c.HealthScore)
	assert.True(t, c.IsActive, "still above the deactivation floor")
	assert.Equal(t, 1, fired)
}

func TestReportOutcome_UnknownCredential(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	err := p.manager.ReportOutcome(context.Background(), uuid.New(), true, 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveCredential(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	ctx := context.Background()
	id := p.add(t, "sk-gone", models.TierFree)

	require.NoError(t, p.manager.RemoveCredential(ctx, id))
	c, err := p.store.GetCredential(ctx, id)
	require.NoError(t, err)
	assert.False(t, c.IsActive)

	assert.ErrorIs(t, p.manager.RemoveCredential(ctx, uuid.New()), ErrNotFound)
}

func TestEmergencyAcquire(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	ctx := context.Background()
	p.add(t, "sk-older", models.TierFree)
	time.Sleep(5 * time.Millisecond)
	newest := p.add(t, "sk-newest", models.TierFree)

	// Normal lock on the newest credential does not block the bypass path.
	acq, err := p.manager.Acquire(ctx, "caller", models.TierFree)
	require.NoError(t, err)
	defer p.manager.Release(ctx, acq)

	em, free, err := p.manager.EmergencyAcquire(ctx)
	require.NoError(t, err)
	defer free()
	assert.Equal(t, newest, em.CredentialID, "most recently validated wins")
	assert.Equal(t, "sk-newest", em.Secret)
}

func TestEmergencyAcquire_CapEnforced(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	ctx := context.Background()
	p.add(t, "sk-em", models.TierFree)

	_, free1, err := p.manager.EmergencyAcquire(ctx)
	require.NoError(t, err)
	_, free2, err := p.manager.EmergencyAcquire(ctx)
	require.NoError(t, err)

	_, _, err = p.manager.EmergencyAcquire(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	free1()
	_, free3, err := p.manager.EmergencyAcquire(ctx)
	require.NoError(t, err)
	free2()
	free3()
}

func TestEmergencyAcquire_EmptyPool(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	_, _, err := p.manager.EmergencyAcquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestRunHealthChecks_MarksInvalid(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	ctx := context.Background()
	id := p.add(t, "sk-soon-revoked", models.TierFree)

	// Upstream starts rejecting the secret.
	p.manager.validator = mock.NewRejectingValidator()
	require.NoError(t, p.manager.RunHealthChecks(ctx))

	c, err := p.store.GetCredential(ctx, id)
	require.NoError(t, err)
	assert.False(t, c.IsValid)

	_, err = p.manager.Acquire(ctx, "caller", models.TierFree)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestRunHealthChecks_DeactivatesExpired(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	id, err := p.manager.AddCredential(ctx, AddParams{Secret: "sk-expired", Tier: models.TierFree, ExpiresAt: &past})
	require.NoError(t, err)

	require.NoError(t, p.manager.RunHealthChecks(ctx))

	c, err := p.store.GetCredential(ctx, id)
	require.NoError(t, err)
	assert.False(t, c.IsActive)
}

func TestAcquire_PriorityBoostWins(t *testing.T) {
	p := newTestPool(t, mock.NewMockProvider())
	ctx := context.Background()
	p.add(t, "sk-plain", models.TierFree)
	boosted, err := p.manager.AddCredential(ctx, AddParams{Secret: "sk-boosted", Tier: models.TierFree, PriorityBoost: 10})
	require.NoError(t, err)

	// The boost dwarfs the [0,1] score range, so the boosted credential is
	// always ranked first.
	for i := 0; i < 5; i++ {
		acq, err := p.manager.Acquire(ctx, "caller", models.TierFree)
		require.NoError(t, err)
		assert.Equal(t, boosted, acq.CredentialID)
		p.manager.Release(ctx, acq)
	}
}
