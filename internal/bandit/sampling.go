package bandit

import (
	"math"
	"math/rand"
)

// sampler draws from the distributions the Thompson allocator needs.
// All randomness flows through one seeded source so simulations are
// reproducible.
type sampler struct {
	rng *rand.Rand

	// Box-Muller produces normals in pairs; the spare is cached.
	spare    float64
	hasSpare bool
}

func newSampler(seed int64) *sampler {
	return &sampler{rng: rand.New(rand.NewSource(seed))}
}

// normal draws a standard normal via the Box-Muller transform.
func (s *sampler) normal() float64 {
	if s.hasSpare {
		s.hasSpare = false
		return s.spare
	}

	var u1, u2 float64
	for {
		u1 = s.rng.Float64()
		if u1 > 0 {
			break
		}
	}
	u2 = s.rng.Float64()

	r := math.Sqrt(-2 * math.Log(u1))
	theta := 2 * math.Pi * u2

	s.spare = r * math.Sin(theta)
	s.hasSpare = true
	return r * math.Cos(theta)
}

// gamma draws from Gamma(shape, 1) using the Marsaglia-Tsang rejection
// method. For shape < 1 the standard boost Gamma(shape+1) * U^(1/shape)
// is applied.
func (s *sampler) gamma(shape float64) float64 {
	if shape < 1 {
		u := s.rng.Float64()
		for u == 0 {
			u = s.rng.Float64()
		}
		return s.gamma(shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)

	for {
		x := s.normal()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v

		u := s.rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if u > 0 && math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// beta draws from Beta(a, b) as Gamma(a) / (Gamma(a) + Gamma(b)).
func (s *sampler) beta(a, b float64) float64 {
	x := s.gamma(a)
	y := s.gamma(b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}
