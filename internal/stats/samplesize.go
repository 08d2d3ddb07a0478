package stats

import (
	"fmt"
	"math"
)

// RequiredSampleSize solves the closed-form two-proportion sample-size
// formula and returns the required per-arm sample size, rounded up.
//
// baseline is the control conversion rate, mde the minimum detectable
// relative effect (0.20 = detect a 20% lift), power the desired power
// (e.g. 0.80), confidence the confidence level (e.g. 0.95).
func RequiredSampleSize(baseline, mde, power, confidence float64) (int64, error) {
	if err := validateConfidence(confidence); err != nil {
		return 0, err
	}
	if baseline <= 0 || baseline >= 1 {
		return 0, fmt.Errorf("baseline rate must be in (0, 1), got %.4f", baseline)
	}
	if mde <= 0 {
		return 0, fmt.Errorf("mde must be positive, got %.4f", mde)
	}
	if power <= 0 || power >= 1 {
		return 0, fmt.Errorf("power must be in (0, 1), got %.4f", power)
	}

	p1 := baseline
	p2 := baseline * (1 + mde)
	if p2 >= 1 {
		p2 = 1 - 1e-9
	}

	alpha := 1 - confidence
	zAlpha := NormalQuantile(1 - alpha/2)
	zBeta := NormalQuantile(power)

	// Pooled variance under H0, per-arm variances under H1.
	pBar := (p1 + p2) / 2
	sePooled := math.Sqrt(2 * pBar * (1 - pBar))
	seAlt := math.Sqrt(p1*(1-p1) + p2*(1-p2))

	delta := p2 - p1
	n := (zAlpha*sePooled + zBeta*seAlt) * (zAlpha*sePooled + zBeta*seAlt) / (delta * delta)

	return int64(math.Ceil(n)), nil
}
