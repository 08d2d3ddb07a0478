// Package aggregate accumulates per-variant exposure, conversion, and
// continuous metric totals. Aggregates are the input to the statistical
// analyzer and the guardrail monitor, so both a process-local store and a
// Redis-backed store sharing one interface are provided.
package aggregate

import (
	"context"
	"errors"
	"sync"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
)

// ErrNoData is returned when an experiment has no recorded observations.
var ErrNoData = errors.New("aggregate: no data recorded")

// Aggregator is the read/write surface over per-variant totals. Writes are
// keyed by experiment and variant; reads return everything known for an
// experiment.
type Aggregator interface {
	// RecordExposure counts one subject entering the variant.
	RecordExposure(ctx context.Context, experimentID, variantID string) error
	// RecordOutcome counts one binary conversion outcome.
	RecordOutcome(ctx context.Context, experimentID, variantID string, success bool) error
	// RecordValue folds one continuous observation into the variant's
	// running mean and variance.
	RecordValue(ctx context.Context, experimentID, variantID string, value float64) error

	// VariantCounts returns exposure and success totals per variant.
	VariantCounts(ctx context.Context, experimentID string) (map[string]api.VariantCounts, error)
	// VariantStats returns mean, variance, and sample count per variant
	// for the continuous metric.
	VariantStats(ctx context.Context, experimentID string) (map[string]api.VariantStats, error)
}

// welford carries the running mean and sum of squared deviations for one
// variant's continuous metric.
type welford struct {
	n    int64
	mean float64
	m2   float64
}

func (w *welford) add(value float64) {
	w.n++
	delta := value - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (value - w.mean)
}

func (w *welford) variance() float64 {
	if w.n < 2 {
		return 0
	}
	return w.m2 / float64(w.n-1)
}

type memoryVariant struct {
	exposures int64
	successes int64
	values    welford
}

// MemoryAggregator keeps totals in process memory under a single lock.
// Suitable for single-instance deployments and tests.
type MemoryAggregator struct {
	mu   sync.Mutex
	data map[string]map[string]*memoryVariant
}

// NewMemoryAggregator returns an empty in-memory aggregator.
func NewMemoryAggregator() *MemoryAggregator {
	return &MemoryAggregator{data: make(map[string]map[string]*memoryVariant)}
}

func (a *MemoryAggregator) variant(experimentID, variantID string) *memoryVariant {
	exp, ok := a.data[experimentID]
	if !ok {
		exp = make(map[string]*memoryVariant)
		a.data[experimentID] = exp
	}
	v, ok := exp[variantID]
	if !ok {
		v = &memoryVariant{}
		exp[variantID] = v
	}
	return v
}

func (a *MemoryAggregator) RecordExposure(_ context.Context, experimentID, variantID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.variant(experimentID, variantID).exposures++
	return nil
}

func (a *MemoryAggregator) RecordOutcome(_ context.Context, experimentID, variantID string, success bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if success {
		a.variant(experimentID, variantID).successes++
	} else {
		// Touch the variant so zero-success arms still show up in reads.
		a.variant(experimentID, variantID)
	}
	return nil
}

func (a *MemoryAggregator) RecordValue(_ context.Context, experimentID, variantID string, value float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.variant(experimentID, variantID).values.add(value)
	return nil
}

func (a *MemoryAggregator) VariantCounts(_ context.Context, experimentID string) (map[string]api.VariantCounts, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.data[experimentID]
	if !ok || len(exp) == 0 {
		return nil, ErrNoData
	}
	out := make(map[string]api.VariantCounts, len(exp))
	for id, v := range exp {
		out[id] = api.VariantCounts{N: v.exposures, Successes: v.successes}
	}
	return out, nil
}

func (a *MemoryAggregator) VariantStats(_ context.Context, experimentID string) (map[string]api.VariantStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.data[experimentID]
	if !ok || len(exp) == 0 {
		return nil, ErrNoData
	}
	out := make(map[string]api.VariantStats, len(exp))
	for id, v := range exp {
		out[id] = api.VariantStats{
			Mean:     v.values.mean,
			Variance: v.values.variance(),
			N:        v.values.n,
		}
	}
	return out, nil
}
