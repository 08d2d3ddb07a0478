package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus counters for the engine
type Metrics struct {
	// Assignment path
	AssignTotal    prometheus.Counter
	AssignHits     prometheus.Counter // served from cache/store (idempotent replay)
	AssignFresh    prometheus.Counter
	AssignRejected *prometheus.CounterVec // labeled by reason
	StoreErrors    prometheus.Counter
	WALErrors      prometheus.Counter

	// Analysis path
	AnalysesTotal *prometheus.CounterVec // labeled by kind (conversion/continuous/samplesize)

	// Bandit path
	BanditSelections *prometheus.CounterVec // labeled by experiment_id
	BanditUpdates    *prometheus.CounterVec

	// Guardrails
	GuardrailChecks     prometheus.Counter
	GuardrailViolations *prometheus.CounterVec // labeled by metric, action
	GuardrailActions    *prometheus.CounterVec // labeled by action

	// Per-experiment assignment counters
	AssignByExperiment *prometheus.CounterVec
}

// New creates and registers all metrics
func New() *Metrics {
	return &Metrics{
		AssignTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ft_assign_total",
			Help: "Total number of assignment evaluations received",
		}),
		AssignHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ft_assign_replays",
			Help: "Number of evaluations answered by an existing assignment",
		}),
		AssignFresh: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ft_assign_fresh",
			Help: "Number of evaluations producing a new persisted assignment",
		}),
		AssignRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ft_assign_rejected",
				Help: "Number of evaluations rejected, by reason",
			},
			[]string{"reason"},
		),
		StoreErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ft_store_errors",
			Help: "Number of assignment store failures",
		}),
		WALErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ft_wal_errors",
			Help: "Number of exposure WAL write errors",
		}),
		AnalysesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ft_analyses_total",
				Help: "Number of statistical analyses served, by kind",
			},
			[]string{"kind"},
		),
		BanditSelections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ft_bandit_selections",
				Help: "Number of bandit arm selections per experiment",
			},
			[]string{"experiment_id"},
		),
		BanditUpdates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ft_bandit_updates",
				Help: "Number of bandit reward updates per experiment",
			},
			[]string{"experiment_id"},
		),
		GuardrailChecks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ft_guardrail_checks",
			Help: "Number of guardrail evaluation cycles",
		}),
		GuardrailViolations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ft_guardrail_violations",
				Help: "Number of guardrail violations, by metric and action",
			},
			[]string{"metric", "action"},
		),
		GuardrailActions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ft_guardrail_actions",
				Help: "Number of guardrail actions dispatched, by action",
			},
			[]string{"action"},
		),
		AssignByExperiment: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ft_assign_by_experiment",
				Help: "Assignment evaluations per experiment",
			},
			[]string{"experiment_id"},
		),
	}
}
