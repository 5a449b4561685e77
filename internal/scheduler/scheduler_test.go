package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
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
	"github.com/nikhilbhat/credbroker/internal/pool"
	"github.com/nikhilbhat/credbroker/internal/provider"
	"github.com/nikhilbhat/credbroker/internal/provider/mock"
	"github.com/nikhilbhat/credbroker/internal/store"
	"github.com/nikhilbhat/credbroker/pkg/models"
)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Concurrency:     2,
		DispatchPerSec:  1000,
		MaxAttempts:     3,
		RetryBaseDelay:  5 * time.Millisecond,
		StallTimeout:    25 * time.Millisecond,
		MaintainEvery:   10 * time.Millisecond,
		DequeueInterval: 5 * time.Millisecond,
	}
}

type testScheduler struct {
	svc   *Service
	store *store.MemoryStore
	coord *coord.MemoryCoordinator
	pool  *pool.Manager
}

func newTestScheduler(t *testing.T, prov provider.Provider, mutate func(*config.SchedulerConfig)) *testScheduler {
	t.Helper()
	cipher, err := crypto.NewEnvelope("unit-test-master-secret")
	require.NoError(t, err)

	st := store.NewMemoryStore()
	co := coord.NewMemoryCoordinator()
	pm := pool.NewManager(st, co, cipher, mock.NewMockProvider(), config.PoolConfig{
		LockTTL:           30 * time.Second,
		MinHealthyCount:   1,
		EmergencyMaxInUse: 5,
		DefaultDailyLimit: 500,
	}, pool.WithRand(rand.New(rand.NewSource(1))))

	cfg := testSchedulerConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return &testScheduler{
		svc:   NewService(st, co, pm, prov, cfg),
		store: st,
		coord: co,
		pool:  pm,
	}
}

func (s *testScheduler) seedCredential(t *testing.T, secret string) uuid.UUID {
	t.Helper()
	id, err := s.pool.AddCredential(context.Background(), pool.AddParams{Secret: secret, Tier: models.TierFree})
	require.NoError(t, err)
	return id
}

// drainOne pops and processes a single job synchronously.
func (s *testScheduler) drainOne(t *testing.T) uuid.UUID {
	t.Helper()
	jobID, ok, err := s.coord.Dequeue(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "expected a ready job")
	s.svc.process(context.Background(), jobID)
	return jobID
}

func TestSubmit_PersistsAndEnqueues(t *testing.T) {
	s := newTestScheduler(t, mock.NewMockProvider(), nil)
	ctx := context.Background()

	job, err := s.svc.Submit(ctx, SubmitParams{CallerID: "caller-1", Tier: models.TierPro, Payload: []byte(`{"n":1}`)})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, models.TierPro.QueuePriority(), job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.False(t, job.Degraded)

	stored, err := s.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)

	depth, err := s.coord.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestSubmit_IdempotentByClientID(t *testing.T) {
	s := newTestScheduler(t, mock.NewMockProvider(), nil)
	ctx := context.Background()
	jobID := uuid.New()

	first, err := s.svc.Submit(ctx, SubmitParams{JobID: jobID, CallerID: "c", Tier: models.TierFree})
	require.NoError(t, err)
	second, err := s.svc.Submit(ctx, SubmitParams{JobID: jobID, CallerID: "c", Tier: models.TierFree})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	depth, err := s.coord.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "resubmission must not enqueue twice")
}

func TestSubmit_DegradedWhenQueueDown(t *testing.T) {
	s := newTestScheduler(t, mock.NewMockProvider(), nil)
	ctx := context.Background()
	s.seedCredential(t, "sk-degraded")

	s.coord.SetUnavailable(true)
	job, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierFree})
	require.NoError(t, err, "submission is accepted even without the queue")
	assert.True(t, job.Degraded)

	require.Eventually(t, func() bool {
		j, err := s.store.GetJob(ctx, job.ID)
		return err == nil && j.Status == models.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond, "degraded job must still reach a terminal state")

	final, err := s.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, final.Degraded)
	assert.NotNil(t, final.CredentialID)
}

func TestProcess_CompletesJob(t *testing.T) {
	s := newTestScheduler(t, mock.NewMockProvider(), nil)
	ctx := context.Background()
	credID := s.seedCredential(t, "sk-worker")

	job, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierFree, Payload: []byte(`{"p":"v"}`)})
	require.NoError(t, err)

	processed := s.drainOne(t)
	assert.Equal(t, job.ID, processed)

	final, err := s.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 1, final.AttemptsMade)
	assert.NotEmpty(t, final.Result)
	require.NotNil(t, final.CredentialID)
	assert.Equal(t, credID, *final.CredentialID)

	// Outcome was reported and the lock released.
	c, err := s.store.GetCredential(ctx, credID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.SuccessCount)
	_, err = s.pool.Acquire(ctx, "other", models.TierFree)
	assert.NoError(t, err, "credential lock must be released after processing")
}

func TestDequeue_TierPriorityOrder(t *testing.T) {
	s := newTestScheduler(t, mock.NewMockProvider(), nil)
	ctx := context.Background()

	free, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierFree})
	require.NoError(t, err)
	ent, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierEnterprise})
	require.NoError(t, err)
	pro, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierPro})
	require.NoError(t, err)

	var got []uuid.UUID
	for i := 0; i < 3; i++ {
		id, ok, err := s.coord.Dequeue(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, id)
	}
	assert.Equal(t, []uuid.UUID{ent.ID, pro.ID, free.ID}, got)
}

func TestProcess_TransientRetriesThenFails(t *testing.T) {
	transient := fmt.Errorf("%w: upstream 503", provider.ErrTransient)
	s := newTestScheduler(t, mock.NewFailingProvider(transient), func(cfg *config.SchedulerConfig) {
		cfg.MaxAttempts = 2
	})
	ctx := context.Background()
	s.seedCredential(t, "sk-flaky")

	job, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierFree})
	require.NoError(t, err)

	s.drainOne(t)

	// First attempt parks the job in the delayed queue.
	mid, err := s.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, mid.Status)
	assert.Equal(t, 1, mid.AttemptsMade)
	require.NotNil(t, mid.LastError)
	assert.Contains(t, *mid.LastError, "upstream 503")

	depth, err := s.coord.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth, "retry must wait out its backoff")

	time.Sleep(10 * time.Millisecond)
	n, err := s.coord.PromoteDelayed(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	s.drainOne(t)

	final, err := s.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, 2, final.AttemptsMade)
}

func TestProcess_FatalFailsImmediately(t *testing.T) {
	fatal := fmt.Errorf("%w: credential revoked", provider.ErrFatal)
	s := newTestScheduler(t, mock.NewFailingProvider(fatal), nil)
	ctx := context.Background()
	s.seedCredential(t, "sk-revoked")

	job, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierFree})
	require.NoError(t, err)

	s.drainOne(t)

	final, err := s.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, 1, final.AttemptsMade, "fatal errors must not consume further attempts")
	require.NotNil(t, final.LastError)
	assert.Contains(t, *final.LastError, "credential revoked")
}

func TestProcess_CorruptCredentialFailsImmediately(t *testing.T) {
	s := newTestScheduler(t, mock.NewMockProvider(), nil)
	ctx := context.Background()

	// A blob that does not authenticate under the master key.
	now := time.Now().UTC()
	require.NoError(t, s.store.CreateCredential(ctx, &models.Credential{
		ID:               uuid.New(),
		Fingerprint:      "corrupt-blob",
		SecretCiphertext: []byte("not-a-sealed-blob"),
		Tier:             models.TierFree,
		IsActive:         true,
		IsValid:          true,
		HealthScore:      100,
		DailyLimit:       100,
		ResetAt:          now.Add(24 * time.Hour),
		CreatedAt:        now,
		UpdatedAt:        now,
	}))

	job, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierFree})
	require.NoError(t, err)

	s.drainOne(t)

	final, err := s.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, 1, final.AttemptsMade, "integrity failures must not consume further attempts")
	require.NotNil(t, final.LastError)
	assert.Contains(t, *final.LastError, "integrity")

	depth, err := s.coord.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth, "no retry is scheduled")
}

func TestProcess_PoolExhaustedSchedulesRetry(t *testing.T) {
	s := newTestScheduler(t, mock.NewMockProvider(), nil)
	ctx := context.Background()
	// No credentials seeded.

	job, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierFree})
	require.NoError(t, err)

	s.drainOne(t)

	mid, err := s.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, mid.Status)
	require.NotNil(t, mid.LastError)
	assert.Contains(t, *mid.LastError, "exhausted")
}

func TestCancel_PendingJob(t *testing.T) {
	s := newTestScheduler(t, mock.NewMockProvider(), nil)
	ctx := context.Background()

	job, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierFree})
	require.NoError(t, err)

	cancelled, err := s.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	depth, err := s.coord.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth, "cancelled job must leave the queue")

	// Terminal jobs cannot be cancelled again.
	_, err = s.svc.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobTerminal)
}

func TestCancel_ProcessingJobDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	prov := &mock.MockProvider{
		GenerateFunc: func(ctx context.Context, _ string, _ json.RawMessage) (provider.GenerationResult, error) {
			close(started)
			<-release
			return provider.GenerationResult{Output: json.RawMessage(`{"late":true}`)}, nil
		},
	}
	s := newTestScheduler(t, prov, nil)
	ctx := context.Background()
	s.seedCredential(t, "sk-slow")

	job, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierFree})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.drainOne(t)
	}()

	<-started
	_, err = s.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	close(release)
	wg.Wait()

	final, err := s.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.Empty(t, final.Result, "provider output arriving after cancel is discarded")
}

func TestCancel_UnknownJob(t *testing.T) {
	s := newTestScheduler(t, mock.NewMockProvider(), nil)
	_, err := s.svc.Cancel(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMaintain_ReclaimsStalledJobs(t *testing.T) {
	s := newTestScheduler(t, mock.NewMockProvider(), nil)
	ctx := context.Background()

	job, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierFree})
	require.NoError(t, err)

	// Simulate a worker that died mid-attempt: dequeued and marked processing,
	// then nothing.
	id, ok, err := s.coord.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.store.UpdateJobStatus(ctx, id, models.JobStatusProcessing, store.WithAttemptsMade(1)))

	time.Sleep(30 * time.Millisecond)
	s.svc.maintain(ctx)

	reclaimed, err := s.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, reclaimed.Status)
	require.NotNil(t, reclaimed.LastError)
	assert.Contains(t, *reclaimed.LastError, "stall")

	depth, err := s.coord.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "reclaimed job must be back in the queue")
}

func TestMaintain_ResyncsPendingAfterQueueLoss(t *testing.T) {
	s := newTestScheduler(t, mock.NewMockProvider(), nil)
	ctx := context.Background()

	job, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierFree})
	require.NoError(t, err)

	// Simulate a cold queue restart: the entry and its dedupe claim vanish
	// while the record stays pending.
	_, err = s.coord.Remove(ctx, job.ID)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	s.svc.maintain(ctx)

	depth, err := s.coord.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestMaintain_ResyncBypassesStaleDedupeClaim(t *testing.T) {
	s := newTestScheduler(t, mock.NewMockProvider(), nil)
	ctx := context.Background()
	s.seedCredential(t, "sk-resync")

	job, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierFree})
	require.NoError(t, err)

	// A worker dies after dequeue but before the processing transition: the
	// record stays pending while the dedupe claim stays held.
	_, ok, err := s.coord.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	s.svc.maintain(ctx)

	depth, err := s.coord.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth, "stale claim must not block the resync")

	s.drainOne(t)
	final, err := s.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
}

func TestStatus(t *testing.T) {
	s := newTestScheduler(t, mock.NewMockProvider(), nil)
	ctx := context.Background()
	s.seedCredential(t, "sk-status")

	_, err := s.svc.Status(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)

	job, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierFree})
	require.NoError(t, err)

	// The cached read carries the full record, not just the status.
	got, err := s.svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, "c", got.CallerID)
	assert.Equal(t, models.TierFree, got.Tier)
	assert.False(t, got.CreatedAt.IsZero())

	s.drainOne(t)

	final, err := s.svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.NotEmpty(t, final.Result, "terminal status reads must return the full record")
}

func TestStats(t *testing.T) {
	s := newTestScheduler(t, mock.NewMockProvider(), nil)
	ctx := context.Background()

	_, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierFree})
	require.NoError(t, err)
	_, err = s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierEnterprise})
	require.NoError(t, err)

	stats, err := s.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, int64(2), stats.QueueDepth)
	assert.Equal(t, 1, stats.PendingByPriority[models.TierEnterprise.QueuePriority()])
}

func TestRun_DrainsQueue(t *testing.T) {
	// One worker and a generous attempt budget: with a single credential,
	// parallel workers would burn attempts on lock contention.
	s := newTestScheduler(t, mock.NewMockProvider(), func(cfg *config.SchedulerConfig) {
		cfg.Concurrency = 1
		cfg.MaxAttempts = 10
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.seedCredential(t, "sk-run")

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		job, err := s.svc.Submit(ctx, SubmitParams{CallerID: "c", Tier: models.TierFree})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	done := make(chan struct{})
	go func() {
		s.svc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			j, err := s.store.GetJob(context.Background(), id)
			if err != nil || j.Status != models.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}

	// Outcomes landed on the single credential once per job.
	creds, err := s.store.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, int64(5), creds[0].SuccessCount)
}
