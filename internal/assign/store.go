package assign

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
)

// Store persists assignments with first-write-wins semantics per
// (subject, experiment) key. Concurrent first-time requests always
// compute the identical deterministic variant, so the store only has to
// prevent duplicate-write races, not divergent answers.
type Store interface {
	// Get retrieves the assignment for a subject in an experiment.
	// Returns nil if none exists.
	Get(ctx context.Context, subjectID, experimentID string) (*api.Assignment, error)

	// Put stores an assignment. First write wins; a duplicate write with
	// identical content is not an error.
	Put(ctx context.Context, a *api.Assignment) error

	// List streams all assignments for an experiment (used by the
	// migration tool). Empty experimentID lists everything.
	List(ctx context.Context, experimentID string) ([]*api.Assignment, error)

	// Close releases resources
	Close() error
}

func storeKey(subjectID, experimentID string) string {
	return experimentID + "|" + subjectID
}

// MemoryStore is an in-memory assignment store with optional file snapshot
type MemoryStore struct {
	mu       sync.RWMutex
	store    map[string]*api.Assignment
	snapshot string     // optional file path for persistence
	snapMu   sync.Mutex // serializes snapshot file writes
}

// NewMemoryStore creates an in-memory assignment store
func NewMemoryStore(snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		store:    make(map[string]*api.Assignment),
		snapshot: snapshotPath,
	}
	if snapshotPath != "" {
		ms.loadSnapshot()
	}
	return ms
}

func (m *MemoryStore) Get(ctx context.Context, subjectID, experimentID string) (*api.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.store[storeKey(subjectID, experimentID)]
	if !ok {
		return nil, nil
	}
	return a, nil
}

func (m *MemoryStore) Put(ctx context.Context, a *api.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := storeKey(a.SubjectID, a.ExperimentID)

	// First write wins
	if _, exists := m.store[key]; exists {
		return nil
	}

	m.store[key] = a

	if m.snapshot != "" {
		// Async so the write path never waits on disk. Failures only
		// cost replay durability, so they are logged, not returned.
		go func() {
			if err := m.saveSnapshot(); err != nil {
				log.Printf("assignment snapshot write failed: %v", err)
			}
		}()
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, experimentID string) ([]*api.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*api.Assignment, 0, len(m.store))
	for _, a := range m.store {
		if experimentID == "" || a.ExperimentID == experimentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var snapshot map[string]*api.Assignment
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	for k, v := range snapshot {
		m.store[k] = v
	}
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.store, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	// One writer at a time so overlapping async saves cannot interleave
	// partial file contents.
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return os.WriteFile(m.snapshot, data, 0600)
}
