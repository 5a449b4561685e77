// Package crypto implements the envelope cipher used to protect credential
// secrets at rest. Secrets are sealed with ChaCha20-Poly1305 under a key
// derived once from the operator-provided master secret via Argon2id.
package crypto

import (
	crand "crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrIntegrity is returned when a sealed blob fails authentication. It means
// either the blob was tampered with or the master key does not match.
var ErrIntegrity = errors.New("envelope integrity check failed")

// schemeVersion identifies the current sealed blob layout:
// [version byte][24-byte nonce][ciphertext+tag].
const schemeVersion = 0x02

// Legacy blobs (pre-versioning) are [24-byte nonce][ciphertext+tag] with no
// version byte. They remain decryptable for migration.
const legacyMinLen = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// Argon2id parameters. Fixed so that repeated startups derive the same key
// from the same master secret.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
)

var kdfSalt = []byte("credbroker-envelope-key-v1")

// Envelope seals and opens credential secrets. Safe for concurrent use.
type Envelope struct {
	key []byte
}

// NewEnvelope derives the data encryption key from the master secret and
// returns a ready cipher. The master secret must be non-empty.
func NewEnvelope(masterSecret string) (*Envelope, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("master secret is required")
	}
	key := argon2.IDKey([]byte(masterSecret), kdfSalt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
	return &Envelope{key: key}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns the
// versioned blob.
func (e *Envelope) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := crand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	blob := make([]byte, 0, 1+len(nonce)+len(plaintext)+chacha20poly1305.Overhead)
	blob = append(blob, schemeVersion)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, plaintext, nil)
	return blob, nil
}

// Decrypt opens a sealed blob. It attempts the versioned layout first and
// falls back to the legacy unversioned layout; a blob that authenticates
// under neither fails with ErrIntegrity.
func (e *Envelope) Decrypt(blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	if len(blob) >= 1+legacyMinLen && blob[0] == schemeVersion {
		nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
		ciphertext := blob[1+chacha20poly1305.NonceSizeX:]
		if plaintext, err := aead.Open(nil, nonce, ciphertext, nil); err == nil {
			return plaintext, nil
		}
		// A versioned header that fails to authenticate could still be a
		// legacy blob whose first nonce byte collides with the version
		// marker; fall through and try the legacy parse before rejecting.
	}

	if len(blob) >= legacyMinLen {
		nonce := blob[:chacha20poly1305.NonceSizeX]
		ciphertext := blob[chacha20poly1305.NonceSizeX:]
		if plaintext, err := aead.Open(nil, nonce, ciphertext, nil); err == nil {
			return plaintext, nil
		}
	}

	return nil, ErrIntegrity
}

// SealLegacy produces a blob in the pre-versioning layout. Only used by
// migration tests.
func (e *Envelope) SealLegacy(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := crand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}
