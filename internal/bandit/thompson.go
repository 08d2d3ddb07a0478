package bandit

import (
	"fmt"
	"sync"
)

// Thompson is a context-free Thompson Sampling allocator. Each arm holds
// a Beta(successes+1, failures+1) posterior; selection samples every
// posterior and serves the arm with the highest draw, which realizes
// posterior-matching exploration without any epsilon or annealing
// schedule.
type Thompson struct {
	mu      sync.Mutex
	arms    map[string]*betaArm
	order   []string // registration order, for deterministic iteration
	sampler *sampler
}

type betaArm struct {
	successes float64
	failures  float64
}

// NewThompson creates an allocator over the given arms, each seeded with
// the uniform Beta(1, 1) prior. The seed makes simulations reproducible.
func NewThompson(armIDs []string, seed int64) (*Thompson, error) {
	if len(armIDs) == 0 {
		return nil, ErrNoArms
	}

	t := &Thompson{
		arms:    make(map[string]*betaArm, len(armIDs)),
		sampler: newSampler(seed),
	}
	for _, id := range armIDs {
		if _, exists := t.arms[id]; exists {
			return nil, fmt.Errorf("duplicate arm id %q", id)
		}
		t.arms[id] = &betaArm{}
		t.order = append(t.order, id)
	}
	return t, nil
}

// SelectArm draws one sample per arm from its Beta posterior and returns
// the arm with the highest sample. Before any updates every posterior is
// the prior, so selection never errors on a fresh allocator.
func (t *Thompson) SelectArm() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	best := t.order[0]
	bestSample := -1.0
	for _, id := range t.order {
		arm := t.arms[id]
		sample := t.sampler.beta(arm.successes+1, arm.failures+1)
		if sample > bestSample {
			bestSample = sample
			best = id
		}
	}
	return best
}

// Update records one observed outcome for an arm. Updating an arm that
// was never registered is an input error.
func (t *Thompson) Update(armID string, success bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	arm, ok := t.arms[armID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArm, armID)
	}

	if success {
		arm.successes++
	} else {
		arm.failures++
	}
	return nil
}

// ArmState reports the posterior counts for one arm.
type ArmState struct {
	ArmID     string  `json:"arm_id"`
	Successes float64 `json:"successes"`
	Failures  float64 `json:"failures"`
}

// Snapshot returns the posterior counts of all arms in registration
// order.
func (t *Thompson) Snapshot() []ArmState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ArmState, 0, len(t.order))
	for _, id := range t.order {
		arm := t.arms[id]
		out = append(out, ArmState{ArmID: id, Successes: arm.successes, Failures: arm.failures})
	}
	return out
}

// Reset restores every arm to the prior. Administrative operation only;
// normal operation never resets counts.
func (t *Thompson) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, arm := range t.arms {
		arm.successes = 0
		arm.failures = 0
	}
}
