package guardrail

import (
	"context"
	"log"
	"time"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
)

// ExperimentSource extends StatusStore with enumeration for the periodic
// runner.
type ExperimentSource interface {
	StatusStore
	List() []string
}

// Runner drives the monitor on a fixed schedule. Each cycle walks the
// running experiments that carry guardrails; cycle errors are logged and
// the schedule keeps going.
type Runner struct {
	monitor  *Monitor
	source   ExperimentSource
	interval time.Duration
}

// NewRunner builds a runner. interval <= 0 defaults to one minute.
func NewRunner(monitor *Monitor, source ExperimentSource, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{monitor: monitor, source: source, interval: interval}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Runner) cycle(ctx context.Context) {
	for _, id := range r.source.List() {
		exp, err := r.source.Get(id)
		if err != nil {
			continue
		}
		if exp.Status != api.StatusRunning || len(exp.Guardrails) == 0 {
			continue
		}
		if _, err := r.monitor.Check(ctx, id, exp.Guardrails); err != nil {
			log.Printf("guardrail cycle: experiment %s: %v", id, err)
		}
	}
}
