package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func passthrough(t *testing.T, captured *map[string]any) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			m := map[string]any{}
			if id, ok := TenantID(r.Context()); ok {
				m["tenant"] = id
			}
			if s, ok := Subject(r.Context()); ok {
				m["subject"] = s
			}
			if scopes, ok := Scopes(r.Context()); ok {
				m["scopes"] = scopes
			}
			*captured = m
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareRejectsUnverified(t *testing.T) {
	handler := Middleware(nil)(passthrough(t, nil))

	req := httptest.NewRequest(http.MethodPost, "/v1/assign", nil)
	req.Header.Set("X-Tenant-ID", "acme")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without verified header", rec.Code)
	}
}

func TestMiddlewareRejectsMissingTenant(t *testing.T) {
	handler := Middleware(nil)(passthrough(t, nil))

	req := httptest.NewRequest(http.MethodPost, "/v1/assign", nil)
	req.Header.Set("X-Auth-Verified", "true")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without tenant header", rec.Code)
	}
}

func TestMiddlewareBindsIdentity(t *testing.T) {
	var captured map[string]any
	handler := Middleware(nil)(passthrough(t, &captured))

	req := httptest.NewRequest(http.MethodPost, "/v1/assign", nil)
	req.Header.Set("X-Auth-Verified", "true")
	req.Header.Set("X-Tenant-ID", "acme")
	req.Header.Set("X-Auth-Subject", "svc-checkout")
	req.Header.Set("X-Scopes", `["experiments:read","experiments:write"]`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if captured["tenant"] != "acme" {
		t.Errorf("tenant = %v, want acme", captured["tenant"])
	}
	if captured["subject"] != "svc-checkout" {
		t.Errorf("subject = %v, want svc-checkout", captured["subject"])
	}
	scopes, _ := captured["scopes"].([]string)
	if len(scopes) != 2 {
		t.Errorf("scopes = %v, want 2 entries", scopes)
	}
}

func TestMiddlewareCommaSeparatedScopes(t *testing.T) {
	var captured map[string]any
	handler := Middleware(nil)(passthrough(t, &captured))

	req := httptest.NewRequest(http.MethodPost, "/v1/assign", nil)
	req.Header.Set("X-Auth-Verified", "true")
	req.Header.Set("X-Tenant-ID", "acme")
	req.Header.Set("X-Scopes", "experiments:read, bandit:update")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	scopes, _ := captured["scopes"].([]string)
	if len(scopes) != 2 || scopes[1] != "bandit:update" {
		t.Errorf("scopes = %v, want trimmed comma-separated pair", scopes)
	}
}

func TestMiddlewareBypasses(t *testing.T) {
	handler := Middleware(nil)(passthrough(t, nil))

	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want bypass", path, rec.Code)
		}
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	handler := Middleware(cfg)(passthrough(t, nil))

	req := httptest.NewRequest(http.MethodPost, "/v1/assign", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", rec.Code)
	}
}

func TestHasScope(t *testing.T) {
	var captured map[string]any
	handler := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = map[string]any{"has": HasScope(r.Context(), "experiments:write")}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/experiments", nil)
	req.Header.Set("X-Auth-Verified", "true")
	req.Header.Set("X-Tenant-ID", "acme")
	req.Header.Set("X-Scopes", `["experiments:write"]`)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if captured["has"] != true {
		t.Error("expected experiments:write scope to be granted")
	}
}
