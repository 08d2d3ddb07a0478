// Package auth trusts identity headers stamped by the edge gateway
// (Envoy/NGINX) after it has verified the caller's JWT. The backend never
// parses tokens itself; it only refuses requests the gateway did not mark
// verified, which prevents tenant spoofing by direct callers.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const (
	tenantIDKey contextKey = "tenant_id"
	subjectKey  contextKey = "auth_subject"
	scopesKey   contextKey = "scopes"
)

// Config holds gateway-auth middleware configuration.
type Config struct {
	Enabled          bool
	RequireVerified  bool   // Require the verified header
	TenantIDHeader   string // Default: "X-Tenant-ID"
	SubjectHeader    string // Default: "X-Auth-Subject"
	ScopesHeader     string // Default: "X-Scopes"
	VerifiedHeader   string // Default: "X-Auth-Verified"
	BypassForHealth  bool   // Allow /health without auth
	BypassForMetrics bool   // Allow /metrics without auth (it has its own basic auth)
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:          true,
		RequireVerified:  true,
		TenantIDHeader:   "X-Tenant-ID",
		SubjectHeader:    "X-Auth-Subject",
		ScopesHeader:     "X-Scopes",
		VerifiedHeader:   "X-Auth-Verified",
		BypassForHealth:  true,
		BypassForMetrics: true,
	}
}

// Middleware validates the gateway headers and binds tenant identity to
// the request context.
func Middleware(config *Config) func(http.Handler) http.Handler {
	if config == nil {
		config = DefaultConfig()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			if config.BypassForHealth && r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			if config.BypassForMetrics && r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			if config.RequireVerified && r.Header.Get(config.VerifiedHeader) != "true" {
				sendError(w, http.StatusUnauthorized, "Unauthorized: gateway verification required")
				return
			}

			tenantID := r.Header.Get(config.TenantIDHeader)
			if tenantID == "" {
				sendError(w, http.StatusUnauthorized, "Unauthorized: missing tenant identity")
				return
			}

			ctx := context.WithValue(r.Context(), tenantIDKey, tenantID)
			if subject := r.Header.Get(config.SubjectHeader); subject != "" {
				ctx = context.WithValue(ctx, subjectKey, subject)
			}
			if scopes := parseScopes(r.Header.Get(config.ScopesHeader)); len(scopes) > 0 {
				ctx = context.WithValue(ctx, scopesKey, scopes)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// parseScopes accepts a JSON array or a comma-separated list.
func parseScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
		scopes = strings.Split(raw, ",")
		for i := range scopes {
			scopes[i] = strings.TrimSpace(scopes[i])
		}
	}
	return scopes
}

// TenantID extracts the tenant from the request context.
func TenantID(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantIDKey).(string)
	return tenantID, ok
}

// Subject extracts the authenticated subject from the request context.
func Subject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectKey).(string)
	return subject, ok
}

// Scopes extracts the granted scopes from the request context.
func Scopes(ctx context.Context) ([]string, bool) {
	scopes, ok := ctx.Value(scopesKey).([]string)
	return scopes, ok
}

// HasScope reports whether the request carries the given scope.
func HasScope(ctx context.Context, required string) bool {
	scopes, ok := Scopes(ctx)
	if !ok {
		return false
	}
	for _, scope := range scopes {
		if scope == required {
			return true
		}
	}
	return false
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"error":   true,
		"status":  statusCode,
		"message": message,
	})
}
