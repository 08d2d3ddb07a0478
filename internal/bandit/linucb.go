package bandit

import (
	"fmt"
	"math"
	"sync"
)

// DefaultExploration is the LinUCB confidence width used when no explicit
// alpha is configured.
const DefaultExploration = 1.0

// linArm holds the per-arm ridge regression state. A is the precision
// matrix (starts at identity), b the reward-weighted feature sum. inv and
// theta are derived and refreshed on every update so that selection is a
// read-only pass. Each arm carries its own mutex, so rewards for
// different arms fold in concurrently and only same-arm updates
// serialize.
type linArm struct {
	mu    sync.Mutex
	a     [][]float64
	b     []float64
	inv   [][]float64
	theta []float64
}

// LinUCB is a contextual allocator: each arm keeps a linear model of
// expected reward given a feature vector, and selection balances the model
// estimate against its uncertainty. The arm set is fixed at construction,
// so the map and order need no lock of their own.
type LinUCB struct {
	dim   int
	alpha float64
	arms  map[string]*linArm
	order []string
}

// NewLinUCB builds a contextual allocator over the given arms with feature
// dimension dim. alpha controls exploration width; pass DefaultExploration
// unless tuning.
func NewLinUCB(armIDs []string, dim int, alpha float64) (*LinUCB, error) {
	if len(armIDs) == 0 {
		return nil, ErrNoArms
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrDimensionMismatch, dim)
	}
	if alpha <= 0 {
		alpha = DefaultExploration
	}
	l := &LinUCB{
		dim:   dim,
		alpha: alpha,
		arms:  make(map[string]*linArm, len(armIDs)),
		order: make([]string, 0, len(armIDs)),
	}
	for _, id := range armIDs {
		if _, dup := l.arms[id]; dup {
			return nil, fmt.Errorf("duplicate arm %q", id)
		}
		arm := &linArm{
			a:     identityMatrix(dim),
			b:     make([]float64, dim),
			inv:   identityMatrix(dim),
			theta: make([]float64, dim),
		}
		l.arms[id] = arm
		l.order = append(l.order, id)
	}
	return l, nil
}

// SelectArm scores every arm as θᵀx + α·sqrt(xᵀA⁻¹x) and returns the
// highest scorer. With the identity prior and zero observations every arm
// scores α·|x|, so selection on a fresh allocator falls back to
// registration order rather than erroring.
func (l *LinUCB) SelectArm(features []float64) (string, error) {
	if len(features) != l.dim {
		return "", fmt.Errorf("%w: got %d features, want %d", ErrDimensionMismatch, len(features), l.dim)
	}

	best := ""
	bestScore := 0.0
	for _, id := range l.order {
		arm := l.arms[id]
		arm.mu.Lock()
		score := dot(arm.theta, features) + l.alpha*sqrtNonNeg(quadraticForm(arm.inv, features))
		arm.mu.Unlock()
		if best == "" || score > bestScore {
			best = id
			bestScore = score
		}
	}
	return best, nil
}

// Update folds an observed reward into the arm's model: A += xxᵀ,
// b += r·x, then θ = A⁻¹b. The inverse is recomputed eagerly so a
// conditioning failure surfaces here, on the write path, not during
// selection.
func (l *LinUCB) Update(armID string, features []float64, reward float64) error {
	if len(features) != l.dim {
		return fmt.Errorf("%w: got %d features, want %d", ErrDimensionMismatch, len(features), l.dim)
	}

	arm, ok := l.arms[armID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownArm, armID)
	}

	arm.mu.Lock()
	defer arm.mu.Unlock()

	for i := 0; i < l.dim; i++ {
		for j := 0; j < l.dim; j++ {
			arm.a[i][j] += features[i] * features[j]
		}
		arm.b[i] += reward * features[i]
	}

	inv, err := invertMatrix(arm.a)
	if err != nil {
		return fmt.Errorf("arm %q: %w", armID, err)
	}
	arm.inv = inv
	arm.theta = matVec(inv, arm.b)
	return nil
}

// Theta returns a copy of the arm's current coefficient estimate.
func (l *LinUCB) Theta(armID string) ([]float64, error) {
	arm, ok := l.arms[armID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArm, armID)
	}
	arm.mu.Lock()
	defer arm.mu.Unlock()

	out := make([]float64, l.dim)
	copy(out, arm.theta)
	return out, nil
}

func sqrtNonNeg(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}
