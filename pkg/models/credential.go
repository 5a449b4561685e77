package models

import (
	"time"

	"github.com/google/uuid"
)

// Credential is a managed upstream credential. The raw secret is never stored
// or serialized; only the envelope-encrypted ciphertext is persisted.
type Credential struct {
	ID                uuid.UUID  `db:"id"                   json:"id"`
	Fingerprint       string     `db:"fingerprint"          json:"-"`
	SecretCiphertext  []byte     `db:"secret_ciphertext"    json:"-"`
	OwnerUserID       *string    `db:"owner_user_id"        json:"owner_user_id,omitempty"`
	Tier              Tier       `db:"tier"                 json:"tier"`
	DedicatedToUserID *string    `db:"dedicated_to_user_id" json:"dedicated_to_user_id,omitempty"`
	IsActive          bool       `db:"is_active"            json:"is_active"`
	IsValid           bool       `db:"is_valid"             json:"is_valid"`
	HealthScore       int        `db:"health_score"         json:"health_score"`
	SuccessCount      int64      `db:"success_count"        json:"success_count"`
	FailureCount      int64      `db:"failure_count"        json:"failure_count"`
	AvgResponseTimeMs float64    `db:"avg_response_time_ms" json:"avg_response_time_ms"`
	DailyLimit        int        `db:"daily_limit"          json:"daily_limit"`
	CurrentDailyUsage int        `db:"current_daily_usage"  json:"current_daily_usage"`
	ResetAt           time.Time  `db:"reset_at"             json:"reset_at"`
	LastUsedAt        *time.Time `db:"last_used_at"         json:"last_used_at,omitempty"`
	LastValidatedAt   *time.Time `db:"last_validated_at"    json:"last_validated_at,omitempty"`
	ExpiresAt         *time.Time `db:"expires_at"           json:"expires_at,omitempty"`
	PriorityBoost     int        `db:"priority_boost"       json:"priority_boost"`
	CreatedAt         time.Time  `db:"created_at"           json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"           json:"updated_at"`
}

// SuccessRate returns the fraction of reported calls that succeeded.
// A credential with no history counts as fully successful.
func (c *Credential) SuccessRate() float64 {
	total := c.SuccessCount + c.FailureCount
	if total == 0 {
		return 1.0
	}
	return float64(c.SuccessCount) / float64(total)
}

// Expired reports whether the credential has an expiry in the past.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}
