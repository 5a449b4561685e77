package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// TerminalStatus reports whether status is one a job can never leave.
func TerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled
}

// GenerationJob tracks one generation request through the scheduler. The API
// returns a job id on POST /api/v1/jobs; the client polls GET /api/v1/jobs/{job_id}
// until the status is terminal.
type GenerationJob struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	CallerID     string          `db:"caller_id"     json:"caller_id"`
	Tier         Tier            `db:"tier"          json:"tier"`
	Priority     int             `db:"priority"      json:"priority"`
	Payload      json.RawMessage `db:"payload"       json:"payload,omitempty"`
	Status       string          `db:"status"        json:"status"`
	AttemptsMade int             `db:"attempts_made" json:"attempts_made"`
	MaxAttempts  int             `db:"max_attempts"  json:"max_attempts"`
	LastError    *string         `db:"last_error"    json:"last_error,omitempty"`
	CredentialID *uuid.UUID      `db:"credential_id" json:"-"`
	Degraded     bool            `db:"degraded"      json:"degraded"`
	Result       json.RawMessage `db:"result"        json:"result,omitempty"`
	StartedAt    *time.Time      `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}
