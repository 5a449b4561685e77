package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nikhilbhat/credbroker/internal/config"
)

// HTTPProvider implements Provider against an HTTP upstream. The request and
// response bodies are passed through untouched; only the status code is
// interpreted, to classify failures as fatal or transient.
type HTTPProvider struct {
	baseURL     string
	validateURL string
	client      *http.Client
}

// NewHTTPProvider creates an HTTPProvider from config.
func NewHTTPProvider(cfg config.ProviderConfig) *HTTPProvider {
	validateURL := cfg.ValidateURL
	if validateURL == "" {
		validateURL = cfg.BaseURL + "/v1/validate"
	}
	return &HTTPProvider{
		baseURL:     cfg.BaseURL,
		validateURL: validateURL,
		client:      &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) Validate(ctx context.Context, secret string) (ValidationResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.validateURL, nil)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := p.client.Do(req)
	if err != nil {
		return ValidationResult{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var body struct {
			DailyQuota int `json:"daily_quota"`
		}
		// Quota is optional; a body that does not parse still validates.
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
		return ValidationResult{IsValid: true, DailyQuota: body.DailyQuota}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ValidationResult{IsValid: false}, nil
	default:
		return ValidationResult{}, classifyStatus(resp.StatusCode)
	}
}

func (p *HTTPProvider) Generate(ctx context.Context, secret string, payload json.RawMessage) (GenerationResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return GenerationResult{}, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return GenerationResult{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return GenerationResult{}, classifyStatus(resp.StatusCode)
	}

	output, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return GenerationResult{}, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}
	return GenerationResult{Output: output}, nil
}

// classifyStatus maps an upstream status code onto the retry taxonomy.
// Authorization and not-found failures are fatal; everything else is worth
// another attempt.
func classifyStatus(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("%w: upstream returned %d", ErrFatal, status)
	default:
		return fmt.Errorf("%w: upstream returned %d", ErrTransient, status)
	}
}

// classifyTransport treats every transport-level failure (connection refused,
// timeout, cancelled context) as transient: the upstream may come back.
func classifyTransport(err error) error {
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
