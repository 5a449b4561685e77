package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey represents an authentication key for API access. Raw keys are shown
// once at creation; only the bcrypt hash is stored. The key carries the
// caller identity and tier used for job priority, so tiers are never
// client-asserted.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	CallerID   string     `db:"caller_id"    json:"caller_id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Tier       Tier       `db:"tier"         json:"tier"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}
