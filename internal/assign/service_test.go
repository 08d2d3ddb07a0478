package assign

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
)

func runningExperiment(id string) *api.Experiment {
	return &api.Experiment{
		ID:     id,
		Status: api.StatusRunning,
		Variants: []api.Variant{
			{ID: "control", Weight: 50, Control: true},
			{ID: "treatment", Weight: 50},
		},
		TrafficPercent: 100,
	}
}

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	svc, err := NewService(store, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func TestAssign_Deterministic(t *testing.T) {
	svc := newTestService(t, NewMemoryStore(""))
	exp := runningExperiment("exp-det")
	ctx := context.Background()

	first, reason, err := svc.Assign(ctx, exp, "subject-1", nil)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if first == nil {
		t.Fatalf("expected assignment, got rejection %q", reason)
	}

	for i := 0; i < 10; i++ {
		again, _, err := svc.Assign(ctx, exp, "subject-1", nil)
		if err != nil {
			t.Fatalf("Assign failed: %v", err)
		}
		if again.VariantID != first.VariantID {
			t.Fatalf("assignment not stable: %s vs %s", again.VariantID, first.VariantID)
		}
		if !again.AssignedAt.Equal(first.AssignedAt) {
			t.Fatalf("replayed assignment has different timestamp")
		}
	}
}

func TestAssign_NotRunning(t *testing.T) {
	svc := newTestService(t, NewMemoryStore(""))
	ctx := context.Background()

	for _, status := range []api.ExperimentStatus{api.StatusDraft, api.StatusPaused, api.StatusCompleted} {
		exp := runningExperiment("exp-status")
		exp.Status = status
		a, reason, err := svc.Assign(ctx, exp, "subject-1", nil)
		if err != nil {
			t.Fatalf("Assign failed: %v", err)
		}
		if a != nil || reason != ReasonNotRunning {
			t.Errorf("status %s: got (%v, %q), want rejection %q", status, a, reason, ReasonNotRunning)
		}
	}
}

func TestAssign_TargetingRejection(t *testing.T) {
	svc := newTestService(t, NewMemoryStore(""))
	exp := runningExperiment("exp-target")
	exp.Rules = []api.TargetingRule{{Attribute: "country", Op: api.OpEquals, Value: "DE"}}

	a, reason, err := svc.Assign(context.Background(), exp, "subject-1", map[string]string{"country": "FR"})
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if a != nil || reason != ReasonTargeting {
		t.Errorf("got (%v, %q), want rejection %q", a, reason, ReasonTargeting)
	}
}

func TestAssign_TrafficGate(t *testing.T) {
	svc := newTestService(t, NewMemoryStore(""))
	exp := runningExperiment("exp-traffic")
	exp.TrafficPercent = 0

	a, reason, err := svc.Assign(context.Background(), exp, "subject-1", nil)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if a != nil || reason != ReasonTraffic {
		t.Errorf("got (%v, %q), want rejection %q", a, reason, ReasonTraffic)
	}
}

func TestAssign_TrafficProportion(t *testing.T) {
	svc := newTestService(t, NewMemoryStore(""))
	exp := runningExperiment("exp-traffic-50")
	exp.TrafficPercent = 50
	ctx := context.Background()

	const n = 20000
	included := 0
	for i := 0; i < n; i++ {
		a, _, err := svc.Assign(ctx, exp, fmt.Sprintf("subject-%d", i), nil)
		if err != nil {
			t.Fatalf("Assign failed: %v", err)
		}
		if a != nil {
			included++
		}
	}

	got := float64(included) / n
	if got < 0.48 || got > 0.52 {
		t.Errorf("traffic inclusion = %.3f, want 0.50 ± 0.02", got)
	}
}

func TestAssign_MutualExclusion_FirstWins(t *testing.T) {
	store := NewMemoryStore("")
	svc := newTestService(t, store)
	ctx := context.Background()

	expA := runningExperiment("exp-a")
	expA.MutuallyExclusive = []string{"exp-b"}
	expB := runningExperiment("exp-b")
	expB.MutuallyExclusive = []string{"exp-a"}

	// First evaluation wins the subject.
	a, _, err := svc.Assign(ctx, expA, "subject-1", nil)
	if err != nil || a == nil {
		t.Fatalf("first assignment failed: %v", err)
	}

	// The concurrent exclusive experiment now rejects the subject.
	b, reason, err := svc.Assign(ctx, expB, "subject-1", nil)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if b != nil || reason != ReasonExcluded {
		t.Errorf("got (%v, %q), want rejection %q", b, reason, ReasonExcluded)
	}

	// Re-evaluating the winner still replays the same assignment.
	again, _, err := svc.Assign(ctx, expA, "subject-1", nil)
	if err != nil || again == nil || again.VariantID != a.VariantID {
		t.Errorf("winner lost its assignment on re-evaluation")
	}
}

type failingStore struct {
	Store
	failGet bool
	failPut bool
}

func (f *failingStore) Get(ctx context.Context, subjectID, experimentID string) (*api.Assignment, error) {
	if f.failGet {
		return nil, fmt.Errorf("store unavailable")
	}
	return f.Store.Get(ctx, subjectID, experimentID)
}

func (f *failingStore) Put(ctx context.Context, a *api.Assignment) error {
	if f.failPut {
		return fmt.Errorf("store unavailable")
	}
	return f.Store.Put(ctx, a)
}

func TestAssign_StoreErrorSurfaces(t *testing.T) {
	// A store failure must surface, never silently return "unassigned":
	// the subject would re-roll on the next request.
	svc := newTestService(t, &failingStore{Store: NewMemoryStore(""), failGet: true})
	_, _, err := svc.Assign(context.Background(), runningExperiment("exp-err"), "subject-1", nil)
	if err == nil {
		t.Fatal("expected store error to surface from Assign")
	}

	svc = newTestService(t, &failingStore{Store: NewMemoryStore(""), failPut: true})
	_, _, err = svc.Assign(context.Background(), runningExperiment("exp-err"), "subject-1", nil)
	if err == nil {
		t.Fatal("expected persist error to surface from Assign")
	}
}

func TestAssign_CachedReplay(t *testing.T) {
	svc, err := NewService(NewMemoryStore(""), 128, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	exp := runningExperiment("exp-cache")
	ctx := context.Background()

	first, _, err := svc.Assign(ctx, exp, "subject-1", nil)
	if err != nil || first == nil {
		t.Fatalf("Assign failed: %v", err)
	}
	again, _, err := svc.Assign(ctx, exp, "subject-1", nil)
	if err != nil || again == nil {
		t.Fatalf("cached Assign failed: %v", err)
	}
	if again.VariantID != first.VariantID {
		t.Errorf("cached replay diverged: %s vs %s", again.VariantID, first.VariantID)
	}
}

func TestMemoryStore_FirstWriteWins(t *testing.T) {
	store := NewMemoryStore("")
	ctx := context.Background()

	first := &api.Assignment{ExperimentID: "e", SubjectID: "s", VariantID: "control", AssignedAt: time.Now()}
	second := &api.Assignment{ExperimentID: "e", SubjectID: "s", VariantID: "treatment", AssignedAt: time.Now()}

	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, second); err != nil {
		t.Fatalf("duplicate Put should not error: %v", err)
	}

	got, err := store.Get(ctx, "s", "e")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.VariantID != "control" {
		t.Errorf("first write did not win: got %s", got.VariantID)
	}
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore("")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		store.Put(ctx, &api.Assignment{ExperimentID: "e1", SubjectID: fmt.Sprintf("s%d", i), VariantID: "control"})
	}
	store.Put(ctx, &api.Assignment{ExperimentID: "e2", SubjectID: "s0", VariantID: "control"})

	all, err := store.List(ctx, "")
	if err != nil || len(all) != 6 {
		t.Fatalf("List all = %d, %v; want 6", len(all), err)
	}
	one, err := store.List(ctx, "e1")
	if err != nil || len(one) != 5 {
		t.Fatalf("List e1 = %d, %v; want 5", len(one), err)
	}
}

func TestMemoryStore_ConcurrentPutsProduceValidSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assignments.json")
	store := NewMemoryStore(path)
	ctx := context.Background()

	const subjects = 50
	var wg sync.WaitGroup
	for i := 0; i < subjects; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			a := &api.Assignment{
				ExperimentID: "e1",
				SubjectID:    fmt.Sprintf("s%d", n),
				VariantID:    "control",
				AssignedAt:   time.Now(),
			}
			if err := store.Put(ctx, a); err != nil {
				t.Errorf("Put s%d failed: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	// Close flushes a final snapshot after any in-flight async saves.
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The snapshot must parse cleanly and reload every assignment.
	reloaded := NewMemoryStore(path)
	all, err := reloaded.List(ctx, "e1")
	if err != nil {
		t.Fatalf("List after reload failed: %v", err)
	}
	if len(all) != subjects {
		t.Errorf("reloaded %d assignments, want %d", len(all), subjects)
	}
}
