package stats

import (
	"errors"
	"fmt"
	"math"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
)

// ErrZeroSample is returned when analysis is requested with zero sample
// size in either arm. Surfaced to the caller, not retried.
var ErrZeroSample = errors.New("zero sample size")

// AnalyzeConversion runs a pooled two-proportion z test on conversion
// aggregates. Significance is p < (1 - confidence). Swapping control and
// treatment flips the sign of the uplifts and leaves the p-value
// unchanged.
func AnalyzeConversion(control, treatment api.VariantCounts, confidence float64) (*api.AnalysisResult, error) {
	if err := validateConfidence(confidence); err != nil {
		return nil, err
	}
	if control.N <= 0 || treatment.N <= 0 {
		return nil, fmt.Errorf("%w: control n=%d, treatment n=%d", ErrZeroSample, control.N, treatment.N)
	}
	if control.Successes < 0 || control.Successes > control.N ||
		treatment.Successes < 0 || treatment.Successes > treatment.N {
		return nil, fmt.Errorf("successes out of range: control %d/%d, treatment %d/%d",
			control.Successes, control.N, treatment.Successes, treatment.N)
	}

	n1 := float64(control.N)
	n2 := float64(treatment.N)
	p1 := float64(control.Successes) / n1
	p2 := float64(treatment.Successes) / n2

	// Pooled proportion and standard error under H0.
	pooled := float64(control.Successes+treatment.Successes) / (n1 + n2)
	sePooled := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))

	diff := p2 - p1

	z := 0.0
	pValue := 1.0
	if sePooled > 0 {
		z = diff / sePooled
		pValue = 2 * (1 - NormalCDF(math.Abs(z)))
	}

	// Confidence interval for the difference uses the unpooled SE.
	alpha := 1 - confidence
	zCrit := NormalQuantile(1 - alpha/2)
	seUnpooled := math.Sqrt(p1*(1-p1)/n1 + p2*(1-p2)/n2)
	ci := [2]float64{diff - zCrit*seUnpooled, diff + zCrit*seUnpooled}

	relative := 0.0
	if p1 > 0 {
		relative = diff / p1
	}

	// Achieved power against the observed difference.
	power := 0.0
	if seUnpooled > 0 {
		power = NormalCDF(math.Abs(diff)/seUnpooled - zCrit)
	}

	return &api.AnalysisResult{
		IsSignificant:  pValue < alpha,
		PValue:         pValue,
		ConfidenceBand: ci,
		RelativeUplift: relative,
		AbsoluteUplift: diff,
		Power:          power,
	}, nil
}
