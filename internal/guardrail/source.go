package guardrail

import (
	"context"
	"fmt"

	"github.com/fieldtrial-io/fieldtrial/internal/aggregate"
	"github.com/fieldtrial-io/fieldtrial/internal/api"
)

// MetricConversionRate is the built-in metric derived from exposure and
// success counts. Any other metric name resolves to the experiment's
// continuous metric mean.
const MetricConversionRate = "conversion_rate"

// AggregateSource adapts the aggregate layer to the monitor. The control
// arm is resolved from the experiment configuration; all non-control arms
// are pooled as treatment.
type AggregateSource struct {
	agg      aggregate.Aggregator
	statuses StatusStore
}

// NewAggregateSource wires the adapter.
func NewAggregateSource(agg aggregate.Aggregator, statuses StatusStore) *AggregateSource {
	return &AggregateSource{agg: agg, statuses: statuses}
}

func (s *AggregateSource) Values(ctx context.Context, experimentID, metric string) (float64, float64, error) {
	exp, err := s.statuses.Get(experimentID)
	if err != nil {
		return 0, 0, err
	}
	control := exp.Control()
	if control == nil {
		return 0, 0, fmt.Errorf("experiment %s has no control variant", experimentID)
	}

	if metric == MetricConversionRate {
		counts, err := s.agg.VariantCounts(ctx, experimentID)
		if err != nil {
			return 0, 0, err
		}
		return poolRates(counts, control.ID)
	}

	stats, err := s.agg.VariantStats(ctx, experimentID)
	if err != nil {
		return 0, 0, err
	}
	return poolMeans(stats, control.ID)
}

func poolRates(counts map[string]api.VariantCounts, controlID string) (float64, float64, error) {
	c, ok := counts[controlID]
	if !ok {
		return 0, 0, fmt.Errorf("%w: no data for control arm %q", ErrUnknownMetric, controlID)
	}
	var tn, ts int64
	for id, vc := range counts {
		if id == controlID {
			continue
		}
		tn += vc.N
		ts += vc.Successes
	}
	if c.N == 0 || tn == 0 {
		return 0, 0, fmt.Errorf("%w: empty arm", aggregate.ErrNoData)
	}
	return float64(c.Successes) / float64(c.N), float64(ts) / float64(tn), nil
}

func poolMeans(stats map[string]api.VariantStats, controlID string) (float64, float64, error) {
	c, ok := stats[controlID]
	if !ok {
		return 0, 0, fmt.Errorf("%w: no data for control arm %q", ErrUnknownMetric, controlID)
	}
	var tn int64
	var tsum float64
	for id, vs := range stats {
		if id == controlID {
			continue
		}
		tn += vs.N
		tsum += vs.Mean * float64(vs.N)
	}
	if c.N == 0 || tn == 0 {
		return 0, 0, fmt.Errorf("%w: empty arm", aggregate.ErrNoData)
	}
	return c.Mean, tsum / float64(tn), nil
}
