package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
)

// Registry holds the configured experiments and enforces lifecycle
// transitions. It is the only writer of experiment status; assignment
// traffic and the guardrail monitor both read from it concurrently.
type Registry struct {
	mu          sync.RWMutex
	experiments map[string]*api.Experiment
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		experiments: make(map[string]*api.Experiment),
	}
}

// Register validates and adds an experiment. Configuration errors are
// rejected here, never at assignment time.
func (r *Registry) Register(e *api.Experiment) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("experiment validation failed: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.experiments[e.ID]; exists {
		return fmt.Errorf("experiment %s already registered", e.ID)
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	r.experiments[e.ID] = e
	return nil
}

// Get retrieves a snapshot of an experiment by id. The registry keeps
// the canonical struct and mutates its status fields under the lock, so
// callers get a copy they can read without further synchronization.
// Variants, rules, and guardrails are immutable after Register and are
// shared by the copy.
func (r *Registry) Get(id string) (*api.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.experiments[id]
	if !exists {
		return nil, fmt.Errorf("experiment %s not found", id)
	}
	cp := *e
	return &cp, nil
}

// List returns all experiment ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.experiments))
	for id := range r.experiments {
		ids = append(ids, id)
	}
	return ids
}

// legalTransitions maps each status to the statuses it may move to.
var legalTransitions = map[api.ExperimentStatus][]api.ExperimentStatus{
	api.StatusDraft:     {api.StatusRunning},
	api.StatusRunning:   {api.StatusPaused, api.StatusCompleted},
	api.StatusPaused:    {api.StatusRunning, api.StatusCompleted},
	api.StatusCompleted: {},
}

// SetStatus transitions an experiment, recording the reason. Illegal
// transitions are rejected; transitioning to the current status is a
// no-op so repeated guardrail checks stay idempotent.
func (r *Registry) SetStatus(id string, status api.ExperimentStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.experiments[id]
	if !exists {
		return fmt.Errorf("experiment %s not found", id)
	}

	if e.Status == status {
		return nil
	}

	allowed := false
	for _, next := range legalTransitions[e.Status] {
		if next == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("illegal transition %s -> %s for experiment %s", e.Status, status, id)
	}

	e.Status = status
	e.StatusReason = reason
	return nil
}
