package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nikhilbhat/credbroker/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const credentialColumns = `id, fingerprint, secret_ciphertext, owner_user_id, tier, dedicated_to_user_id,
	is_active, is_valid, health_score, success_count, failure_count, avg_response_time_ms,
	daily_limit, current_daily_usage, reset_at, last_used_at, last_validated_at, expires_at,
	priority_boost, created_at, updated_at`

func scanCredential(row pgx.Row) (*models.Credential, error) {
	var c models.Credential
	err := row.Scan(&c.ID, &c.Fingerprint, &c.SecretCiphertext, &c.OwnerUserID, &c.Tier,
		&c.DedicatedToUserID, &c.IsActive, &c.IsValid, &c.HealthScore, &c.SuccessCount,
		&c.FailureCount, &c.AvgResponseTimeMs, &c.DailyLimit, &c.CurrentDailyUsage,
		&c.ResetAt, &c.LastUsedAt, &c.LastValidatedAt, &c.ExpiresAt, &c.PriorityBoost,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) credentialRows(ctx context.Context, query string, args ...any) ([]*models.Credential, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// --- Credentials ---

func (s *PostgresStore) CreateCredential(ctx context.Context, cred *models.Credential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credentials (id, fingerprint, secret_ciphertext, owner_user_id, tier, dedicated_to_user_id,
			is_active, is_valid, health_score, success_count, failure_count, avg_response_time_ms,
			daily_limit, current_daily_usage, reset_at, last_validated_at, expires_at, priority_boost,
			created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		cred.ID, cred.Fingerprint, cred.SecretCiphertext, cred.OwnerUserID, cred.Tier,
		cred.DedicatedToUserID, cred.IsActive, cred.IsValid, cred.HealthScore,
		cred.SuccessCount, cred.FailureCount, cred.AvgResponseTimeMs, cred.DailyLimit,
		cred.CurrentDailyUsage, cred.ResetAt, cred.LastValidatedAt, cred.ExpiresAt,
		cred.PriorityBoost, cred.CreatedAt, cred.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCredential(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	c, err := scanCredential(s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) FingerprintExists(ctx context.Context, fingerprint string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM credentials WHERE fingerprint = $1)`, fingerprint).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListSelectable(ctx context.Context, tiers []models.Tier) ([]*models.Credential, error) {
	tierNames := make([]string, len(tiers))
	for i, t := range tiers {
		tierNames[i] = string(t)
	}

	creds, err := s.credentialRows(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE is_active AND is_valid
		   AND tier = ANY($1)
		   AND current_daily_usage < daily_limit
		   AND (expires_at IS NULL OR expires_at > NOW())`, tierNames)
	if err != nil {
		return nil, fmt.Errorf("list selectable credentials: %w", err)
	}
	return creds, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*models.Credential, error) {
	creds, err := s.credentialRows(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("list active credentials: %w", err)
	}
	return creds, nil
}

func (s *PostgresStore) MostRecentlyValidated(ctx context.Context) (*models.Credential, error) {
	c, err := scanCredential(s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE is_active AND is_valid
		 ORDER BY last_validated_at DESC NULLS LAST LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("most recently validated credential: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) RecordAcquisition(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials
		 SET current_daily_usage = current_daily_usage + 1, last_used_at = NOW(), updated_at = NOW()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record acquisition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateOutcome(ctx context.Context, id uuid.UUID, out OutcomeUpdate) error {
	successInc, failureInc := 0, 1
	if out.Success {
		successInc, failureInc = 1, 0
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials
		 SET success_count = success_count + $2,
		     failure_count = failure_count + $3,
		     avg_response_time_ms = $4,
		     health_score = $5,
		     is_active = $6,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, successInc, failureInc, out.AvgResponseTimeMs, out.HealthScore, out.IsActive)
	if err != nil {
		return fmt.Errorf("update outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetCredentialActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set credential active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetCredentialValidity(ctx context.Context, id uuid.UUID, valid bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET is_valid = $2, last_validated_at = NOW(), updated_at = NOW() WHERE id = $1`,
		id, valid)
	if err != nil {
		return fmt.Errorf("set credential validity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ResetDueDailyUsage(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials
		 SET current_daily_usage = 0, reset_at = NOW() + INTERVAL '24 hours', updated_at = NOW()
		 WHERE reset_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("reset daily usage: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PoolStats(ctx context.Context) (*PoolStats, error) {
	stats := &PoolStats{ByTier: map[string]int{}}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE is_active),
		        COUNT(*) FILTER (WHERE is_valid),
		        COUNT(*) FILTER (WHERE is_active AND is_valid),
		        COALESCE(AVG(health_score) FILTER (WHERE is_active), 0)
		 FROM credentials`,
	).Scan(&stats.Total, &stats.Active, &stats.Valid, &stats.Healthy, &stats.AverageHealth)
	if err != nil {
		return nil, fmt.Errorf("pool stats: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT tier, COUNT(*) FROM credentials WHERE is_active GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("pool stats by tier: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tier string
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, fmt.Errorf("scan tier count: %w", err)
		}
		stats.ByTier[tier] = count
	}
	return stats, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, caller_id, tier, priority, payload, status, attempts_made, max_attempts,
	last_error, credential_id, degraded, result, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.GenerationJob, error) {
	var j models.GenerationJob
	err := row.Scan(&j.ID, &j.CallerID, &j.Tier, &j.Priority, &j.Payload, &j.Status,
		&j.AttemptsMade, &j.MaxAttempts, &j.LastError, &j.CredentialID, &j.Degraded,
		&j.Result, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.GenerationJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, caller_id, tier, priority, payload, status, attempts_made, max_attempts,
			degraded, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.CallerID, job.Tier, job.Priority, job.Payload, job.Status,
		job.AttemptsMade, job.MaxAttempts, job.Degraded, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if !transitionAllowed(currentStatus, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if status == models.JobStatusProcessing {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if models.TerminalStatus(status) {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.LastError != nil {
		query += fmt.Sprintf(", last_error = $%d", argIdx)
		args = append(args, *params.LastError)
		argIdx++
	}
	if params.Result != nil {
		query += fmt.Sprintf(", result = $%d", argIdx)
		args = append(args, params.Result)
		argIdx++
	}
	if params.CredentialID != nil {
		query += fmt.Sprintf(", credential_id = $%d", argIdx)
		args = append(args, *params.CredentialID)
		argIdx++
	}
	if params.AttemptsMade != nil {
		query += fmt.Sprintf(", attempts_made = $%d", argIdx)
		args = append(args, *params.AttemptsMade)
		argIdx++
	}
	if params.Degraded != nil {
		query += fmt.Sprintf(", degraded = $%d", argIdx)
		args = append(args, *params.Degraded)
		argIdx++
	}

	// Guard the transition in the WHERE clause so a concurrent writer cannot
	// slip in between the read and the update.
	query += fmt.Sprintf(" WHERE id = $1 AND status = $%d", argIdx)
	args = append(args, currentStatus)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s changed concurrently", ErrInvalidTransition, id)
	}
	return nil
}

func (s *PostgresStore) ListStalledJobs(ctx context.Context, olderThan time.Time) ([]*models.GenerationJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 AND started_at < $2`,
		models.JobStatusProcessing, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ListPendingJobs(ctx context.Context, olderThan time.Time) ([]*models.GenerationJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 AND updated_at < $2`,
		models.JobStatusPending, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) JobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{PendingByPriority: map[int]int{}}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'pending'),
		        COUNT(*) FILTER (WHERE status = 'processing'),
		        COUNT(*) FILTER (WHERE degraded AND status NOT IN ('completed', 'failed', 'cancelled'))
		 FROM jobs`,
	).Scan(&stats.Pending, &stats.Processing, &stats.Degraded)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT priority, COUNT(*) FROM jobs WHERE status = 'pending' GROUP BY priority`)
	if err != nil {
		return nil, fmt.Errorf("job stats by priority: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var priority, count int
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, fmt.Errorf("scan priority count: %w", err)
		}
		stats.PendingByPriority[priority] = count
	}
	return stats, rows.Err()
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, caller_id, name, key_hash, key_prefix, tier, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.CallerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Tier,
			&k.Scopes, &k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, caller_id, name, key_hash, key_prefix, tier, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.CallerID, key.Name, key.KeyHash, key.KeyPrefix, key.Tier, key.Scopes,
		key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, caller_id, name, key_hash, key_prefix, tier, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.CallerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Tier,
			&k.Scopes, &k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
