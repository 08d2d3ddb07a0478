package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fieldtrial-io/fieldtrial/internal/tenant"
	"golang.org/x/time/rate"
)

func TestAdmit_GlobalLimiter(t *testing.T) {
	tenants := tenant.NewManager()
	if err := tenants.Register(tenant.DefaultTenant()); err != nil {
		t.Fatalf("register default tenant: %v", err)
	}
	// A zero-rate limiter with burst 2 admits exactly two requests.
	srv := &Server{
		tenants: tenants,
		limiter: rate.NewLimiter(0, 2),
	}

	admitted := 0
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/v1/assign", nil)
		if srv.admit(w, r) {
			admitted++
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Errorf("rejected request got status %d, want %d", w.Code, http.StatusTooManyRequests)
		}
		if w.Header().Get("Retry-After") == "" {
			t.Error("rejected request missing Retry-After header")
		}
	}
	if admitted != 2 {
		t.Errorf("admitted %d of 10 requests, want 2", admitted)
	}
}

func TestAdmit_TenantLimitStillApplies(t *testing.T) {
	tenants := tenant.NewManager()
	if err := tenants.Register(&tenant.Tenant{
		ID:        "acme",
		TokenRate: 0,
		BurstRate: 1,
		Active:    true,
	}); err != nil {
		t.Fatalf("register tenant: %v", err)
	}
	srv := &Server{
		tenants: tenants,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}

	first := httptest.NewRequest(http.MethodPost, "/v1/assign", nil)
	first.Header.Set("X-Tenant-ID", "acme")
	if !srv.admit(httptest.NewRecorder(), first) {
		t.Fatal("first request should pass the tenant limiter")
	}

	second := httptest.NewRequest(http.MethodPost, "/v1/assign", nil)
	second.Header.Set("X-Tenant-ID", "acme")
	w := httptest.NewRecorder()
	if srv.admit(w, second) {
		t.Fatal("second request should exhaust the tenant burst")
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}
