package pool

import "errors"

var (
	// ErrDuplicateCredential means an equivalent secret (by fingerprint) is
	// already in the pool.
	ErrDuplicateCredential = errors.New("credential already exists")
	// ErrPoolExhausted means no eligible, unlocked credential is available
	// right now. Callers should retry later rather than fail permanently.
	ErrPoolExhausted = errors.New("credential pool exhausted")
	// ErrValidationFailed means the upstream validator could not be consulted
	// for a new secret.
	ErrValidationFailed = errors.New("credential validation failed")
	// ErrNotFound mirrors the store sentinel for unknown credential ids.
	ErrNotFound = errors.New("credential not found")
)
