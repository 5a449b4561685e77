package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nikhilbhat/credbroker/internal/config"
)

// New constructs the provider implementation selected by config. Called once
// at server startup. The mock kind is only intended for development.
func New(cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case "http":
		return NewHTTPProvider(cfg), nil
	case "mock":
		return devMockProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q: must be one of http, mock", cfg.Kind)
	}
}

// devMockProvider accepts every secret and echoes the payload back. It keeps
// the server runnable without an upstream.
type devMockProvider struct{}

func (devMockProvider) Name() string { return "mock" }

func (devMockProvider) Validate(_ context.Context, _ string) (ValidationResult, error) {
	return ValidationResult{IsValid: true}, nil
}

func (devMockProvider) Generate(_ context.Context, _ string, payload json.RawMessage) (GenerationResult, error) {
	out, _ := json.Marshal(map[string]any{"echo": payload})
	return GenerationResult{Output: out}, nil
}
