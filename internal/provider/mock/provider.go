// Package mock provides a configurable in-memory provider for tests and
// local development.
package mock

import (
	"context"
	"encoding/json"

	"github.com/nikhilbhat/credbroker/internal/provider"
)

// MockProvider satisfies provider.Provider for testing.
type MockProvider struct {
	Name_        string
	ValidateFunc func(ctx context.Context, secret string) (provider.ValidationResult, error)
	GenerateFunc func(ctx context.Context, secret string, payload json.RawMessage) (provider.GenerationResult, error)
}

func (m *MockProvider) Name() string {
	if m.Name_ == "" {
		return "mock"
	}
	return m.Name_
}

func (m *MockProvider) Validate(ctx context.Context, secret string) (provider.ValidationResult, error) {
	if m.ValidateFunc != nil {
		return m.ValidateFunc(ctx, secret)
	}
	return provider.ValidationResult{IsValid: true}, nil
}

func (m *MockProvider) Generate(ctx context.Context, secret string, payload json.RawMessage) (provider.GenerationResult, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, secret, payload)
	}
	return provider.GenerationResult{Output: json.RawMessage(`{"mock":true}`)}, nil
}

// NewMockProvider returns a MockProvider that validates every secret and
// echoes a canned generation result.
func NewMockProvider() *MockProvider {
	return &MockProvider{Name_: "mock"}
}

// NewFailingProvider returns a MockProvider whose Generate always returns
// the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		GenerateFunc: func(_ context.Context, _ string, _ json.RawMessage) (provider.GenerationResult, error) {
			return provider.GenerationResult{}, err
		},
	}
}

// NewRejectingValidator returns a MockProvider that declares every secret
// invalid.
func NewRejectingValidator() *MockProvider {
	return &MockProvider{
		Name_: "mock-rejecting",
		ValidateFunc: func(_ context.Context, _ string) (provider.ValidationResult, error) {
			return provider.ValidationResult{IsValid: false}, nil
		},
	}
}

// NewBlockingProvider returns a MockProvider whose Generate blocks until the
// context is cancelled.
func NewBlockingProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-blocking",
		GenerateFunc: func(ctx context.Context, _ string, _ json.RawMessage) (provider.GenerationResult, error) {
			<-ctx.Done()
			return provider.GenerationResult{}, provider.ErrTransient
		},
	}
}

// Compile-time check that MockProvider implements Provider.
var _ provider.Provider = (*MockProvider)(nil)
