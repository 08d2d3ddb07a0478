// Package tenant isolates API clients from each other: each registered
// client carries its own rate limit and daily request quota, enforced on
// the assignment and bandit endpoints before any work is done.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrQuotaExceeded   = errors.New("tenant quota exceeded")
	ErrInvalidTenantID = errors.New("invalid tenant ID")
)

// Tenant is one API client of the experimentation service.
type Tenant struct {
	ID          string
	DisplayName string

	// Quotas
	TokenRate  int   // requests/second
	BurstRate  int   // burst capacity
	DailyQuota int64 // max requests per day (0 = unlimited)

	// Metadata
	CreatedAt time.Time
	Active    bool
	Metadata  map[string]string
}

// Manager handles tenant lifecycle and quota enforcement.
type Manager struct {
	mu       sync.RWMutex
	tenants  map[string]*Tenant
	limiters map[string]*rate.Limiter
	usage    map[string]*usageCounter
}

// usageCounter tracks daily request counts for quota enforcement.
type usageCounter struct {
	mu      sync.Mutex
	count   int64
	resetAt time.Time
}

// NewManager creates an empty tenant manager.
func NewManager() *Manager {
	return &Manager{
		tenants:  make(map[string]*Tenant),
		limiters: make(map[string]*rate.Limiter),
		usage:    make(map[string]*usageCounter),
	}
}

// Register adds a tenant and builds its limiter.
func (m *Manager) Register(t *Tenant) error {
	if t.ID == "" {
		return ErrInvalidTenantID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tenants[t.ID] = t
	m.limiters[t.ID] = rate.NewLimiter(rate.Limit(t.TokenRate), t.BurstRate)
	m.usage[t.ID] = &usageCounter{resetAt: time.Now().Add(24 * time.Hour)}

	return nil
}

// Get retrieves an active tenant by ID.
func (m *Manager) Get(tenantID string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenant, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}

	if !tenant.Active {
		return nil, fmt.Errorf("tenant %s is not active", tenantID)
	}

	return tenant, nil
}

// Allow checks a request against the tenant's rate limit and daily quota.
func (m *Manager) Allow(_ context.Context, tenantID string) error {
	m.mu.RLock()
	tenant, ok := m.tenants[tenantID]
	limiter, limiterOK := m.limiters[tenantID]
	usage, usageOK := m.usage[tenantID]
	m.mu.RUnlock()

	if !ok || !limiterOK || !usageOK {
		return ErrTenantNotFound
	}

	if !tenant.Active {
		return fmt.Errorf("tenant %s is not active", tenantID)
	}

	if !limiter.Allow() {
		return ErrQuotaExceeded
	}

	if tenant.DailyQuota > 0 {
		usage.mu.Lock()
		defer usage.mu.Unlock()

		if time.Now().After(usage.resetAt) {
			usage.count = 0
			usage.resetAt = time.Now().Add(24 * time.Hour)
		}

		if usage.count >= tenant.DailyQuota {
			return ErrQuotaExceeded
		}

		usage.count++
	}

	return nil
}

// Usage returns the tenant's request count for the current day.
func (m *Manager) Usage(tenantID string) (int64, error) {
	m.mu.RLock()
	usage, ok := m.usage[tenantID]
	m.mu.RUnlock()

	if !ok {
		return 0, ErrTenantNotFound
	}

	usage.mu.Lock()
	defer usage.mu.Unlock()

	if time.Now().After(usage.resetAt) {
		usage.count = 0
		usage.resetAt = time.Now().Add(24 * time.Hour)
	}

	return usage.count, nil
}

// List returns all registered tenants.
func (m *Manager) List() []*Tenant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		tenants = append(tenants, t)
	}

	return tenants
}

// Update applies a mutation to an existing tenant and refreshes its
// limiter in case the rates changed.
func (m *Manager) Update(tenantID string, update func(*Tenant)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tenant, ok := m.tenants[tenantID]
	if !ok {
		return ErrTenantNotFound
	}

	update(tenant)

	if limiter, ok := m.limiters[tenantID]; ok {
		limiter.SetLimit(rate.Limit(tenant.TokenRate))
		limiter.SetBurst(tenant.BurstRate)
	}

	return nil
}

// Remove deletes a tenant and its counters.
func (m *Manager) Remove(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tenants, tenantID)
	delete(m.limiters, tenantID)
	delete(m.usage, tenantID)

	return nil
}

// DefaultTenant is the tenant used when a request carries no tenant
// header. Generous limits, no daily cap.
func DefaultTenant() *Tenant {
	return &Tenant{
		ID:          "default",
		DisplayName: "Default Tenant",
		TokenRate:   100,
		BurstRate:   200,
		DailyQuota:  0,
		CreatedAt:   time.Now(),
		Active:      true,
		Metadata:    make(map[string]string),
	}
}
