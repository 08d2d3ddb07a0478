package stats

import (
	"fmt"
	"math"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
)

// AnalyzeContinuous runs Welch's t-test on continuous-metric aggregates
// (mean/variance/n per arm), using the Welch–Satterthwaite degrees of
// freedom. Suitable for metrics like revenue where variances differ
// between arms.
func AnalyzeContinuous(control, treatment api.VariantStats, confidence float64) (*api.AnalysisResult, error) {
	if err := validateConfidence(confidence); err != nil {
		return nil, err
	}
	if control.N < 2 || treatment.N < 2 {
		return nil, fmt.Errorf("%w: Welch's test needs n >= 2 per arm (control n=%d, treatment n=%d)",
			ErrZeroSample, control.N, treatment.N)
	}
	if control.Variance < 0 || treatment.Variance < 0 {
		return nil, fmt.Errorf("negative variance: control %.6f, treatment %.6f", control.Variance, treatment.Variance)
	}

	n1 := float64(control.N)
	n2 := float64(treatment.N)
	v1 := control.Variance / n1
	v2 := treatment.Variance / n2
	se := math.Sqrt(v1 + v2)

	diff := treatment.Mean - control.Mean

	t := 0.0
	pValue := 1.0
	df := n1 + n2 - 2
	if se > 0 {
		t = diff / se
		// Welch–Satterthwaite degrees of freedom.
		df = (v1 + v2) * (v1 + v2) / (v1*v1/(n1-1) + v2*v2/(n2-1))
		pValue = 2 * (1 - TCDF(math.Abs(t), df))
	}

	alpha := 1 - confidence
	tCrit := TQuantile(1-alpha/2, df)
	ci := [2]float64{diff - tCrit*se, diff + tCrit*se}

	relative := 0.0
	if control.Mean != 0 {
		relative = diff / control.Mean
	}

	power := 0.0
	if se > 0 {
		power = NormalCDF(math.Abs(diff)/se - NormalQuantile(1-alpha/2))
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
