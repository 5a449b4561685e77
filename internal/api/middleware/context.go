package middleware

import (
	"context"
	"net/http"

	"github.com/nikhilbhat/credbroker/pkg/models"
)

type contextKey string

const (
	callerIDKey   contextKey = "caller_id"
	callerTierKey contextKey = "caller_tier"
	keyPrefixKey  contextKey = "key_prefix"
	scopesKey     contextKey = "api_key_scopes"
)

// SetCaller records the authenticated caller identity and tier. The tier
// comes from the API key record, never from the request body.
func SetCaller(ctx context.Context, callerID string, tier models.Tier) context.Context {
	ctx = context.WithValue(ctx, callerIDKey, callerID)
	return context.WithValue(ctx, callerTierKey, tier)
}

// GetCaller returns the authenticated caller identity and tier.
func GetCaller(r *http.Request) (string, models.Tier, bool) {
	callerID, ok := r.Context().Value(callerIDKey).(string)
	if !ok {
		return "", "", false
	}
	tier, ok := r.Context().Value(callerTierKey).(models.Tier)
	if !ok {
		return "", "", false
	}
	return callerID, tier, true
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, scopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(scopesKey).([]string)
	return scopes
}
