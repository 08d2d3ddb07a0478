package bandit

import (
	"sync"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
)

// Manager keeps one allocator per experiment, created lazily from the
// experiment's variant list. Context-free requests get a Thompson
// allocator; requests carrying a feature vector get a LinUCB allocator
// sized to the first vector seen.
type Manager struct {
	mu       sync.Mutex
	seed     int64
	alpha    float64
	thompson map[string]*Thompson
	linucb   map[string]*LinUCB
}

// NewManager builds an empty manager. seed feeds each new Thompson
// allocator (offset per experiment count so they do not share streams).
func NewManager(seed int64, alpha float64) *Manager {
	return &Manager{
		seed:     seed,
		alpha:    alpha,
		thompson: make(map[string]*Thompson),
		linucb:   make(map[string]*LinUCB),
	}
}

func armIDs(exp *api.Experiment) []string {
	ids := make([]string, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		ids = append(ids, v.ID)
	}
	return ids
}

// Thompson returns the experiment's context-free allocator, creating it
// on first use.
func (m *Manager) Thompson(exp *api.Experiment) (*Thompson, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts, ok := m.thompson[exp.ID]; ok {
		return ts, nil
	}
	ts, err := NewThompson(armIDs(exp), m.seed+int64(len(m.thompson)))
	if err != nil {
		return nil, err
	}
	m.thompson[exp.ID] = ts
	return ts, nil
}

// LinUCB returns the experiment's contextual allocator, creating it on
// first use with the given feature dimension. A later request with a
// different dimension fails inside the allocator's own checks.
func (m *Manager) LinUCB(exp *api.Experiment, dim int) (*LinUCB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.linucb[exp.ID]; ok {
		return l, nil
	}
	l, err := NewLinUCB(armIDs(exp), dim, m.alpha)
	if err != nil {
		return nil, err
	}
	m.linucb[exp.ID] = l
	return l, nil
}

// Reset drops all allocator state for an experiment. Administrative use
// only.
func (m *Manager) Reset(experimentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.thompson, experimentID)
	delete(m.linucb, experimentID)
}
