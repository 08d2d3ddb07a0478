package aggregate

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestMemoryAggregatorCounts(t *testing.T) {
	ctx := context.Background()
	agg := NewMemoryAggregator()

	for i := 0; i < 100; i++ {
		if err := agg.RecordExposure(ctx, "exp-1", "control"); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 80; i++ {
		if err := agg.RecordExposure(ctx, "exp-1", "treatment"); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		if err := agg.RecordOutcome(ctx, "exp-1", "control", true); err != nil {
			t.Fatal(err)
		}
	}
	if err := agg.RecordOutcome(ctx, "exp-1", "treatment", false); err != nil {
		t.Fatal(err)
	}

	counts, err := agg.VariantCounts(ctx, "exp-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts["control"].N != 100 || counts["control"].Successes != 10 {
		t.Errorf("control = %+v, want N=100 Successes=10", counts["control"])
	}
	if counts["treatment"].N != 80 || counts["treatment"].Successes != 0 {
		t.Errorf("treatment = %+v, want N=80 Successes=0", counts["treatment"])
	}
}

func TestMemoryAggregatorNoData(t *testing.T) {
	ctx := context.Background()
	agg := NewMemoryAggregator()
	if _, err := agg.VariantCounts(ctx, "missing"); !errors.Is(err, ErrNoData) {
		t.Fatalf("counts: expected ErrNoData, got %v", err)
	}
	if _, err := agg.VariantStats(ctx, "missing"); !errors.Is(err, ErrNoData) {
		t.Fatalf("stats: expected ErrNoData, got %v", err)
	}
}

func TestMemoryAggregatorWelford(t *testing.T) {
	ctx := context.Background()
	agg := NewMemoryAggregator()

	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	for _, v := range values {
		if err := agg.RecordValue(ctx, "exp-1", "control", v); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := agg.VariantStats(ctx, "exp-1")
	if err != nil {
		t.Fatal(err)
	}
	st := stats["control"]
	if st.N != int64(len(values)) {
		t.Errorf("N = %d, want %d", st.N, len(values))
	}
	if math.Abs(st.Mean-5.0) > 1e-12 {
		t.Errorf("mean = %v, want 5", st.Mean)
	}
	// Sample variance of the set is 32/7.
	if math.Abs(st.Variance-32.0/7.0) > 1e-12 {
		t.Errorf("variance = %v, want %v", st.Variance, 32.0/7.0)
	}
}

func TestWelfordSingleObservation(t *testing.T) {
	var w welford
	w.add(3.5)
	if w.n != 1 || w.mean != 3.5 {
		t.Errorf("state = %+v, want n=1 mean=3.5", w)
	}
	if w.variance() != 0 {
		t.Errorf("variance with n=1 = %v, want 0", w.variance())
	}
}

func TestSplitField(t *testing.T) {
	tests := []struct {
		field   string
		variant string
		kind    string
		ok      bool
	}{
		{"control:n", "control", "n", true},
		{"variant:b:sum", "variant:b", "sum", true},
		{"nodelimiter", "", "", false},
		{":n", "", "", false},
		{"control:", "", "", false},
	}
	for _, tt := range tests {
		variant, kind, ok := splitField(tt.field)
		if variant != tt.variant || kind != tt.kind || ok != tt.ok {
			t.Errorf("splitField(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.field, variant, kind, ok, tt.variant, tt.kind, tt.ok)
		}
	}
}
