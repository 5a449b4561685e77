// Package provider defines the external collaborators: the upstream
// credential validator and the generation provider workers call with a
// decrypted secret. Both are black boxes; payloads pass through opaque.
package provider

import (
	"context"
	"encoding/json"
	"errors"
)

// Sentinel errors classifying provider failures. Fatal errors terminate a
// job immediately; everything else is treated as transient and retried.
var (
	// ErrFatal marks authorization/not-found-class failures that no retry
	// can fix.
	ErrFatal = errors.New("fatal provider error")
	// ErrTransient marks failures worth retrying (timeouts, 5xx, throttling).
	ErrTransient = errors.New("transient provider error")
)

// Fatal reports whether err is a non-retryable provider failure.
func Fatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// ValidationResult is the upstream validator's verdict on a secret.
type ValidationResult struct {
	IsValid    bool
	DailyQuota int // 0 means the upstream reported no quota
}

// Validator checks a raw secret against the upstream service. Called on
// credential ingestion and on periodic health checks.
type Validator interface {
	Validate(ctx context.Context, secret string) (ValidationResult, error)
}

// GenerationResult is the opaque outcome of a generation call.
type GenerationResult struct {
	Output json.RawMessage
}

// Generator performs a generation request using a decrypted secret.
// Implementations must honor ctx cancellation; the scheduler applies the
// call timeout through the context.
type Generator interface {
	Generate(ctx context.Context, secret string, payload json.RawMessage) (GenerationResult, error)
	Name() string
}

// Provider bundles both collaborator roles; production implementations talk
// to the same upstream service.
type Provider interface {
	Validator
	Generator
}
