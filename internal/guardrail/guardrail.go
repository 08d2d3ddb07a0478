// Package guardrail evaluates safety metrics against configured
// thresholds and dispatches pause/stop/alert actions. Violations are
// ordinary results carrying a violated flag, never errors; only a failure
// to read aggregates or apply a status change is an error.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
	"github.com/fieldtrial-io/fieldtrial/internal/metrics"
)

// ErrUnknownMetric is returned when a guardrail names a metric the
// aggregate layer does not track. This is a configuration error.
var ErrUnknownMetric = errors.New("guardrail: unknown metric")

// MetricSource resolves the control and treatment aggregate values for a
// named metric.
type MetricSource interface {
	Values(ctx context.Context, experimentID, metric string) (control, treatment float64, err error)
}

// StatusStore is the slice of the experiment registry the monitor needs.
type StatusStore interface {
	Get(id string) (*api.Experiment, error)
	SetStatus(id string, status api.ExperimentStatus, reason string) error
}

// Notifier receives alert-level violations. The monitor never blocks on
// delivery semantics beyond the call itself.
type Notifier interface {
	Notify(ctx context.Context, experimentID string, result api.GuardrailResult)
}

// LogNotifier writes alerts to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, experimentID string, r api.GuardrailResult) {
	log.Printf("guardrail alert: experiment=%s metric=%s control=%.6g treatment=%.6g change=%+.2f%%",
		experimentID, r.Metric, r.ControlValue, r.TreatmentValue, r.RelativeChange*100)
}

// Monitor evaluates guardrails for one experiment at a time. It holds no
// state of its own; idempotency comes from the registry refusing repeated
// transitions.
type Monitor struct {
	source   MetricSource
	statuses StatusStore
	notifier Notifier
	metrics  *metrics.Metrics
	nowFunc  func() time.Time
}

// NewMonitor wires a monitor. notifier may be nil, in which case alerts go
// to the log.
func NewMonitor(source MetricSource, statuses StatusStore, notifier Notifier, m *metrics.Metrics) *Monitor {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Monitor{
		source:   source,
		statuses: statuses,
		notifier: notifier,
		metrics:  m,
		nowFunc:  time.Now,
	}
}

// Check evaluates every configured guardrail against current aggregates
// and dispatches at most one action per violated guardrail. Evaluating an
// experiment that an earlier cycle already paused or completed records the
// violation but re-dispatches nothing.
func (m *Monitor) Check(ctx context.Context, experimentID string, configs []api.GuardrailConfig) ([]api.GuardrailResult, error) {
	if m.metrics != nil {
		m.metrics.GuardrailChecks.Inc()
	}

	results := make([]api.GuardrailResult, 0, len(configs))
	for _, cfg := range configs {
		if cfg.Threshold < 0 {
			return nil, fmt.Errorf("guardrail on %q: threshold must be >= 0", cfg.Metric)
		}

		control, treatment, err := m.source.Values(ctx, experimentID, cfg.Metric)
		if err != nil {
			return nil, fmt.Errorf("guardrail on %q: %w", cfg.Metric, err)
		}

		r := api.GuardrailResult{
			Metric:         cfg.Metric,
			ControlValue:   control,
			TreatmentValue: treatment,
			AbsoluteChange: treatment - control,
			Threshold:      cfg.Threshold,
			Direction:      cfg.Direction,
			CheckedAt:      m.nowFunc(),
		}
		if control != 0 {
			r.RelativeChange = (treatment - control) / control
		} else if treatment != 0 {
			// Any movement off a zero baseline counts as unbounded change.
			r.RelativeChange = 1
		}

		switch cfg.Direction {
		case api.DirectionIncrease:
			r.Violated = r.RelativeChange > cfg.Threshold
		case api.DirectionDecrease:
			r.Violated = r.RelativeChange < -cfg.Threshold
		default:
			return nil, fmt.Errorf("guardrail on %q: unknown direction %q", cfg.Metric, cfg.Direction)
		}

		if r.Violated {
			acted, err := m.dispatch(ctx, experimentID, cfg, &r)
			if err != nil {
				return nil, err
			}
			if m.metrics != nil {
				m.metrics.GuardrailViolations.WithLabelValues(cfg.Metric, string(cfg.Action)).Inc()
				if acted {
					m.metrics.GuardrailActions.WithLabelValues(string(cfg.Action)).Inc()
				}
			}
		}
		results = append(results, r)
	}
	return results, nil
}

// dispatch applies the configured action. Returns whether the action
// actually fired; a pause against an already-paused experiment does not.
func (m *Monitor) dispatch(ctx context.Context, experimentID string, cfg api.GuardrailConfig, r *api.GuardrailResult) (bool, error) {
	reason := fmt.Sprintf("guardrail %s: %s changed %+.2f%% (threshold %.2f%%)",
		cfg.Metric, cfg.Direction, r.RelativeChange*100, cfg.Threshold*100)

	switch cfg.Action {
	case api.ActionAlert:
		m.notifier.Notify(ctx, experimentID, *r)
		r.ActionTaken = api.ActionAlert
		return true, nil

	case api.ActionPause, api.ActionStop:
		target := api.StatusPaused
		if cfg.Action == api.ActionStop {
			target = api.StatusCompleted
		}
		exp, err := m.statuses.Get(experimentID)
		if err != nil {
			return false, fmt.Errorf("guardrail action on %s: %w", experimentID, err)
		}
		if exp.Status == target || exp.Status == api.StatusCompleted {
			// Already acted on in an earlier cycle.
			return false, nil
		}
		if err := m.statuses.SetStatus(experimentID, target, reason); err != nil {
			return false, fmt.Errorf("guardrail action on %s: %w", experimentID, err)
		}
		r.ActionTaken = cfg.Action
		return true, nil

	default:
		return false, fmt.Errorf("guardrail on %q: unknown action %q", cfg.Metric, cfg.Action)
	}
}
