package targeting

import (
	"context"
	"strconv"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
)

// Matches evaluates an ordered rule set against a subject context.
// All rules must pass (logical AND). Unknown attributes are treated as
// non-matching rather than erroring.
func Matches(subjectCtx map[string]string, rules []api.TargetingRule) bool {
	for _, rule := range rules {
		if !matchRule(subjectCtx, rule) {
			return false
		}
	}
	return true
}

func matchRule(subjectCtx map[string]string, rule api.TargetingRule) bool {
	val, ok := subjectCtx[rule.Attribute]
	if !ok {
		return false
	}

	switch rule.Op {
	case api.OpEquals:
		return val == rule.Value
	case api.OpIn:
		for _, candidate := range rule.Values {
			if val == candidate {
				return true
			}
		}
		return false
	case api.OpRange:
		num, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return false
		}
		return num >= rule.Min && num <= rule.Max
	default:
		// Unknown ops are rejected at validation time; at evaluation
		// time they never match.
		return false
	}
}

// AssignmentLookup is the slice of the assignment store the exclusion
// check needs.
type AssignmentLookup interface {
	Get(ctx context.Context, subjectID, experimentID string) (*api.Assignment, error)
}

// ExcludedBy reports whether the subject already holds a live assignment
// in any of the listed mutually-exclusive experiments. The list is walked
// in configured order; the first experiment to have assigned the subject
// wins and all later ones exclude it.
func ExcludedBy(ctx context.Context, store AssignmentLookup, subjectID string, mutuallyExclusive []string) (bool, error) {
	for _, expID := range mutuallyExclusive {
		a, err := store.Get(ctx, subjectID, expID)
		if err != nil {
			return false, err
		}
		if a != nil {
			return true, nil
		}
	}
	return false, nil
}
