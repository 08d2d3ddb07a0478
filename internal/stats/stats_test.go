package stats

import (
	"errors"
	"math"
	"testing"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
)

func approxEqual(got, want, tol float64) bool {
	return math.Abs(got-want) <= tol
}

func TestNormalCDF(t *testing.T) {
	tests := []struct {
		x    float64
		want float64
	}{
		{0, 0.5},
		{1.959964, 0.975},
		{-1.959964, 0.025},
		{1.644854, 0.95},
		{2.575829, 0.995},
	}
	for _, tt := range tests {
		if got := NormalCDF(tt.x); !approxEqual(got, tt.want, 1e-6) {
			t.Errorf("NormalCDF(%.6f) = %.8f, want %.6f", tt.x, got, tt.want)
		}
	}
}

func TestNormalQuantile(t *testing.T) {
	tests := []struct {
		p    float64
		want float64
	}{
		{0.975, 1.959964},
		{0.95, 1.644854},
		{0.80, 0.841621},
		{0.5, 0},
		{0.025, -1.959964},
		{0.001, -3.090232},
	}
	for _, tt := range tests {
		if got := NormalQuantile(tt.p); !approxEqual(got, tt.want, 1e-5) {
			t.Errorf("NormalQuantile(%.4f) = %.8f, want %.6f", tt.p, got, tt.want)
		}
	}

	// Round trip across the working range.
	for p := 0.001; p < 1; p += 0.037 {
		if got := NormalCDF(NormalQuantile(p)); !approxEqual(got, p, 1e-8) {
			t.Errorf("round trip at p=%.3f drifted to %.10f", p, got)
		}
	}
}

func TestRegularizedIncompleteBeta(t *testing.T) {
	tests := []struct {
		a, b, x float64
		want    float64
	}{
		{2, 2, 0.5, 0.5},           // symmetric
		{1, 1, 0.3, 0.3},           // uniform
		{2, 3, 0.4, 0.5248},        // polynomial closed form
		{0.5, 0.5, 0.25, 0.333333}, // arcsine distribution
	}
	for _, tt := range tests {
		if got := RegularizedIncompleteBeta(tt.a, tt.b, tt.x); !approxEqual(got, tt.want, 1e-4) {
			t.Errorf("I_%.2f(%.1f, %.1f) = %.6f, want %.4f", tt.x, tt.a, tt.b, got, tt.want)
		}
	}
}

func TestTCDFAndQuantile(t *testing.T) {
	// Critical values from standard t tables.
	tests := []struct {
		t, df float64
		want  float64
	}{
		{1.812461, 10, 0.95},
		{2.228139, 10, 0.975},
		{0, 5, 0.5},
		{-2.228139, 10, 0.025},
		{1.984217, 100, 0.975},
	}
	for _, tt := range tests {
		if got := TCDF(tt.t, tt.df); !approxEqual(got, tt.want, 1e-5) {
			t.Errorf("TCDF(%.6f, %.0f) = %.8f, want %.5f", tt.t, tt.df, got, tt.want)
		}
	}

	for _, tt := range tests {
		if tt.want <= 0 || tt.want >= 1 {
			continue
		}
		if got := TQuantile(tt.want, tt.df); !approxEqual(got, tt.t, 1e-4) {
			t.Errorf("TQuantile(%.5f, %.0f) = %.6f, want %.6f", tt.want, tt.df, got, tt.t)
		}
	}
}

func TestAnalyzeConversion_Scenario(t *testing.T) {
	// control 100/1000 (10%), treatment 130/1000 (13%):
	// p < 0.05, relative uplift ≈ +30%, significant.
	result, err := AnalyzeConversion(
		api.VariantCounts{N: 1000, Successes: 100},
		api.VariantCounts{N: 1000, Successes: 130},
		0.95,
	)
	if err != nil {
		t.Fatalf("AnalyzeConversion failed: %v", err)
	}

	if !result.IsSignificant {
		t.Error("expected significant result")
	}
	if result.PValue >= 0.05 {
		t.Errorf("p-value = %.4f, want < 0.05", result.PValue)
	}
	if !approxEqual(result.PValue, 0.0355, 0.002) {
		t.Errorf("p-value = %.4f, want ≈ 0.0355", result.PValue)
	}
	if !approxEqual(result.RelativeUplift, 0.30, 1e-9) {
		t.Errorf("relative uplift = %.4f, want 0.30", result.RelativeUplift)
	}
	if !approxEqual(result.AbsoluteUplift, 0.03, 1e-9) {
		t.Errorf("absolute uplift = %.4f, want 0.03", result.AbsoluteUplift)
	}
	if result.ConfidenceBand[0] >= result.ConfidenceBand[1] {
		t.Errorf("degenerate confidence interval: %v", result.ConfidenceBand)
	}
	// Interval should exclude zero for a significant result at this effect size.
	if result.ConfidenceBand[0] <= 0 {
		t.Errorf("CI lower bound = %.4f, want > 0", result.ConfidenceBand[0])
	}
}

func TestAnalyzeConversion_Symmetry(t *testing.T) {
	a := api.VariantCounts{N: 1000, Successes: 100}
	b := api.VariantCounts{N: 800, Successes: 120}

	ab, err := AnalyzeConversion(a, b, 0.95)
	if err != nil {
		t.Fatalf("AnalyzeConversion(a, b) failed: %v", err)
	}
	ba, err := AnalyzeConversion(b, a, 0.95)
	if err != nil {
		t.Fatalf("AnalyzeConversion(b, a) failed: %v", err)
	}

	if !approxEqual(ab.PValue, ba.PValue, 1e-12) {
		t.Errorf("p-values not symmetric: %.8f vs %.8f", ab.PValue, ba.PValue)
	}
	if !approxEqual(ab.AbsoluteUplift, -ba.AbsoluteUplift, 1e-12) {
		t.Errorf("absolute uplifts not opposite: %.6f vs %.6f", ab.AbsoluteUplift, ba.AbsoluteUplift)
	}
	if ab.IsSignificant != ba.IsSignificant {
		t.Error("significance verdict not symmetric")
	}
}

func TestAnalyzeConversion_ZeroSample(t *testing.T) {
	_, err := AnalyzeConversion(api.VariantCounts{N: 0}, api.VariantCounts{N: 100, Successes: 10}, 0.95)
	if !errors.Is(err, ErrZeroSample) {
		t.Errorf("expected ErrZeroSample, got %v", err)
	}
	_, err = AnalyzeConversion(api.VariantCounts{N: 100, Successes: 10}, api.VariantCounts{N: 0}, 0.95)
	if !errors.Is(err, ErrZeroSample) {
		t.Errorf("expected ErrZeroSample, got %v", err)
	}
}

func TestAnalyzeContinuous_KnownValue(t *testing.T) {
	// se = sqrt(4/100 + 5/100) = 0.3, t = 1/0.3 = 3.3333,
	// Welch-Satterthwaite df ≈ 195.6.
	result, err := AnalyzeContinuous(
		api.VariantStats{Mean: 10, Variance: 4, N: 100},
		api.VariantStats{Mean: 11, Variance: 5, N: 100},
		0.95,
	)
	if err != nil {
		t.Fatalf("AnalyzeContinuous failed: %v", err)
	}

	if !result.IsSignificant {
		t.Error("expected significant result")
	}
	if !approxEqual(result.PValue, 0.00102, 0.0005) {
		t.Errorf("p-value = %.5f, want ≈ 0.00102", result.PValue)
	}
	if !approxEqual(result.AbsoluteUplift, 1.0, 1e-12) {
		t.Errorf("absolute uplift = %.4f, want 1.0", result.AbsoluteUplift)
	}
	if !approxEqual(result.RelativeUplift, 0.1, 1e-12) {
		t.Errorf("relative uplift = %.4f, want 0.1", result.RelativeUplift)
	}
	// CI ≈ 1 ± 1.972*0.3 = [0.408, 1.592]
	if !approxEqual(result.ConfidenceBand[0], 0.408, 0.005) || !approxEqual(result.ConfidenceBand[1], 1.592, 0.005) {
		t.Errorf("CI = %v, want ≈ [0.408, 1.592]", result.ConfidenceBand)
	}
}

func TestAnalyzeContinuous_Symmetry(t *testing.T) {
	a := api.VariantStats{Mean: 25.0, Variance: 30, N: 400}
	b := api.VariantStats{Mean: 26.5, Variance: 45, N: 350}

	ab, err := AnalyzeContinuous(a, b, 0.95)
	if err != nil {
		t.Fatalf("AnalyzeContinuous(a, b) failed: %v", err)
	}
	ba, err := AnalyzeContinuous(b, a, 0.95)
	if err != nil {
		t.Fatalf("AnalyzeContinuous(b, a) failed: %v", err)
	}

	if !approxEqual(ab.PValue, ba.PValue, 1e-9) {
		t.Errorf("p-values not symmetric: %.8f vs %.8f", ab.PValue, ba.PValue)
	}
	if !approxEqual(ab.AbsoluteUplift, -ba.AbsoluteUplift, 1e-12) {
		t.Errorf("absolute uplifts not opposite: %.6f vs %.6f", ab.AbsoluteUplift, ba.AbsoluteUplift)
	}
}

func TestRequiredSampleSize_KnownValue(t *testing.T) {
	// baseline 10%, MDE 20% (10% -> 12%), power 80%, confidence 95%:
	// classic closed-form answer is 3841 per arm.
	n, err := RequiredSampleSize(0.10, 0.20, 0.80, 0.95)
	if err != nil {
		t.Fatalf("RequiredSampleSize failed: %v", err)
	}
	if n != 3841 {
		t.Errorf("RequiredSampleSize = %d, want 3841", n)
	}
}

func TestRequiredSampleSize_Monotonicity(t *testing.T) {
	// Sample size must strictly decrease as MDE increases.
	prev := int64(math.MaxInt64)
	for _, mde := range []float64{0.05, 0.10, 0.15, 0.20, 0.30, 0.50} {
		n, err := RequiredSampleSize(0.10, mde, 0.80, 0.95)
		if err != nil {
			t.Fatalf("RequiredSampleSize(mde=%.2f) failed: %v", mde, err)
		}
		if n >= prev {
			t.Errorf("sample size not strictly decreasing: mde=%.2f gave %d, previous %d", mde, n, prev)
		}
		prev = n
	}
}

func TestRequiredSampleSize_InvalidInputs(t *testing.T) {
	cases := []struct {
		name                             string
		baseline, mde, power, confidence float64
	}{
		{"zero baseline", 0, 0.2, 0.8, 0.95},
		{"baseline one", 1, 0.2, 0.8, 0.95},
		{"zero mde", 0.1, 0, 0.8, 0.95},
		{"zero power", 0.1, 0.2, 0, 0.95},
		{"confidence one", 0.1, 0.2, 0.8, 1},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := RequiredSampleSize(tt.baseline, tt.mde, tt.power, tt.confidence); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestOBrienFlemingBoundary(t *testing.T) {
	// The boundary tightens early and relaxes toward the fixed-sample
	// critical value as information accrues.
	prev := math.Inf(1)
	for _, n := range []int64{100, 2500, 5000, 7500, 10000} {
		b, err := OBrienFlemingBoundary(n, 10000, 0.05)
		if err != nil {
			t.Fatalf("OBrienFlemingBoundary(n=%d) failed: %v", n, err)
		}
		if b.UpperBound >= prev {
			t.Errorf("boundary not decreasing at n=%d: %.4f >= %.4f", n, b.UpperBound, prev)
		}
		if !approxEqual(b.LowerBound, -b.UpperBound, 1e-12) {
			t.Errorf("boundary not symmetric at n=%d", n)
		}
		prev = b.UpperBound
	}

	// At the planned maximum the boundary equals the fixed-sample z.
	b, err := OBrienFlemingBoundary(10000, 10000, 0.05)
	if err != nil {
		t.Fatalf("OBrienFlemingBoundary failed: %v", err)
	}
	if !approxEqual(b.UpperBound, 1.959964, 1e-4) {
		t.Errorf("final boundary = %.6f, want 1.959964", b.UpperBound)
	}
	if !approxEqual(b.SpentAlpha, 0.05, 1e-12) {
		t.Errorf("spent alpha at full information = %.4f, want 0.05", b.SpentAlpha)
	}
}
