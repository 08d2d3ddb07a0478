package assign

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
	"github.com/fieldtrial-io/fieldtrial/internal/bucket"
	"github.com/fieldtrial-io/fieldtrial/internal/cache"
	"github.com/fieldtrial-io/fieldtrial/internal/metrics"
	"github.com/fieldtrial-io/fieldtrial/internal/targeting"
)

// Rejection reasons reported on AssignResponse and metrics labels.
const (
	ReasonNotRunning = "not_running"
	ReasonTargeting  = "targeting"
	ReasonTraffic    = "traffic"
	ReasonExcluded   = "excluded"
)

// ReasonReplay accompanies a successful assignment that was answered by
// an existing record rather than freshly computed.
const ReasonReplay = "replay"

// Service produces stable variant decisions. The allocation math is pure;
// the persisted store is the only shared mutable state, so evaluations
// run concurrently without any coordination beyond the store's
// first-write-wins guarantee.
type Service struct {
	store   Store
	cache   *cache.LRUWithTTL[string, *api.Assignment]
	metrics *metrics.Metrics
	nowFunc func() time.Time
}

// NewService creates an assignment service. cacheSize 0 disables the
// read-through cache; m may be nil in tests.
func NewService(store Store, cacheSize int, cacheTTL time.Duration, m *metrics.Metrics) (*Service, error) {
	s := &Service{
		store:   store,
		metrics: m,
		nowFunc: time.Now,
	}
	if cacheSize > 0 {
		c, err := cache.NewLRUWithTTL[string, *api.Assignment](cacheSize, cacheTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to create assignment cache: %w", err)
		}
		s.cache = c
	}
	return s, nil
}

// Assign evaluates a subject against an experiment and returns its
// assignment, or nil plus a rejection reason when the subject is not
// included. Store failures surface as errors; silently dropping one
// would make the subject re-roll on the next request and violate
// assignment stability.
func (s *Service) Assign(ctx context.Context, exp *api.Experiment, subjectID string, subjectCtx map[string]string) (*api.Assignment, string, error) {
	s.count(func(m *metrics.Metrics) {
		m.AssignTotal.Inc()
		m.AssignByExperiment.WithLabelValues(exp.ID).Inc()
	})

	// 1. Only running experiments assign.
	if exp.Status != api.StatusRunning {
		s.reject(ReasonNotRunning)
		return nil, ReasonNotRunning, nil
	}

	// 2. Idempotency: an existing assignment always wins.
	key := storeKey(subjectID, exp.ID)
	if s.cache != nil {
		if a, ok := s.cache.Get(key); ok {
			s.count(func(m *metrics.Metrics) { m.AssignHits.Inc() })
			return a, ReasonReplay, nil
		}
	}
	existing, err := s.store.Get(ctx, subjectID, exp.ID)
	if err != nil {
		s.count(func(m *metrics.Metrics) { m.StoreErrors.Inc() })
		return nil, "", fmt.Errorf("assignment lookup failed: %w", err)
	}
	if existing != nil {
		if s.cache != nil {
			s.cache.Set(key, existing)
		}
		s.count(func(m *metrics.Metrics) { m.AssignHits.Inc() })
		return existing, ReasonReplay, nil
	}

	// 3a. Targeting rules.
	if !targeting.Matches(subjectCtx, exp.Rules) {
		s.reject(ReasonTargeting)
		return nil, ReasonTargeting, nil
	}

	// 3b. Traffic inclusion via the traffic salt, independent of
	// variant selection.
	if bucket.TrafficBucket(subjectID, exp.ID) >= exp.TrafficPercent {
		s.reject(ReasonTraffic)
		return nil, ReasonTraffic, nil
	}

	// 3c. Mutual exclusion against concurrent experiments.
	excluded, err := targeting.ExcludedBy(ctx, s.store, subjectID, exp.MutuallyExclusive)
	if err != nil {
		s.count(func(m *metrics.Metrics) { m.StoreErrors.Inc() })
		return nil, "", fmt.Errorf("exclusion check failed: %w", err)
	}
	if excluded {
		s.reject(ReasonExcluded)
		return nil, ReasonExcluded, nil
	}

	// 4. Variant selection via the second, independent bucket.
	variant := bucket.PickVariant(bucket.VariantBucket(subjectID, exp.ID), exp)

	assignment := &api.Assignment{
		ExperimentID: exp.ID,
		SubjectID:    subjectID,
		VariantID:    variant.ID,
		AssignedAt:   s.nowFunc(),
	}

	// 5. Persist. First write wins; concurrent writers computed the
	// identical variant, so a lost race is invisible to callers. Re-read
	// after Put so the stored assigned-at timestamp is authoritative.
	if err := s.store.Put(ctx, assignment); err != nil {
		s.count(func(m *metrics.Metrics) { m.StoreErrors.Inc() })
		return nil, "", fmt.Errorf("assignment persist failed: %w", err)
	}
	stored, err := s.store.Get(ctx, subjectID, exp.ID)
	if err != nil {
		s.count(func(m *metrics.Metrics) { m.StoreErrors.Inc() })
		return nil, "", fmt.Errorf("assignment re-read failed: %w", err)
	}
	if stored == nil {
		stored = assignment
	}

	if s.cache != nil {
		s.cache.Set(key, stored)
	}
	s.count(func(m *metrics.Metrics) { m.AssignFresh.Inc() })
	return stored, "", nil
}

// Store exposes the underlying store (for the guardrail monitor and the
// migration tool).
func (s *Service) Store() Store {
	return s.store
}

func (s *Service) count(fn func(*metrics.Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}

func (s *Service) reject(reason string) {
	s.count(func(m *metrics.Metrics) { m.AssignRejected.WithLabelValues(reason).Inc() })
}
