package stats

import "fmt"

// SequentialBoundary is a symmetric early-stopping z boundary at the
// current information fraction.
type SequentialBoundary struct {
	UpperBound float64 `json:"upper_bound"`
	LowerBound float64 `json:"lower_bound"`
	SpentAlpha float64 `json:"spent_alpha"`
}

// OBrienFlemingBoundary computes an O'Brien–Fleming style alpha-spending
// boundary: the spent alpha grows with the square of the information
// fraction, so early looks face a much stricter z threshold and the full
// alpha is only available at the planned maximum sample size. A caller
// whose z statistic stays inside (LowerBound, UpperBound) may keep
// collecting data without inflating the false-positive rate.
func OBrienFlemingBoundary(n, nMax int64, alpha float64) (*SequentialBoundary, error) {
	if alpha <= 0 || alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in (0, 1), got %.4f", alpha)
	}
	if nMax <= 0 {
		return nil, fmt.Errorf("planned maximum sample size must be positive, got %d", nMax)
	}
	if n <= 0 {
		return nil, fmt.Errorf("current sample size must be positive, got %d", n)
	}

	fraction := float64(n) / float64(nMax)
	if fraction > 1 {
		fraction = 1
	}

	spent := alpha * fraction * fraction
	z := NormalQuantile(1 - spent/2)

	return &SequentialBoundary{
		UpperBound: z,
		LowerBound: -z,
		SpentAlpha: spent,
	}, nil
}
