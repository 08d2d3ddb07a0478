package bandit

import (
	"fmt"
	"math"
)

// pivotEpsilon is the conditioning check: a pivot smaller than this
// during elimination means the matrix is effectively singular.
const pivotEpsilon = 1e-10

// identityMatrix returns the n x n identity.
func identityMatrix(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	return m
}

// invertMatrix inverts a square matrix by Gauss-Jordan elimination with
// partial pivoting. The precision matrix is updated indefinitely, so the
// inversion must stay numerically stable; a failed pivot surfaces as
// ErrSingularMatrix rather than producing garbage.
func invertMatrix(m [][]float64) ([][]float64, error) {
	n := len(m)

	// Augment [m | I], working on a copy.
	aug := make([][]float64, n)
	for i := range aug {
		aug[i] = make([]float64, 2*n)
		copy(aug[i], m[i])
		aug[i][n+i] = 1
	}

	for col := 0; col < n; col++ {
		// Partial pivoting: bring the largest remaining entry up.
		pivotRow := col
		for row := col + 1; row < n; row++ {
			if math.Abs(aug[row][col]) > math.Abs(aug[pivotRow][col]) {
				pivotRow = row
			}
		}
		if math.Abs(aug[pivotRow][col]) < pivotEpsilon {
			return nil, fmt.Errorf("%w: pivot %.3e at column %d", ErrSingularMatrix, aug[pivotRow][col], col)
		}
		aug[col], aug[pivotRow] = aug[pivotRow], aug[col]

		// Normalize the pivot row.
		pivot := aug[col][col]
		for j := 0; j < 2*n; j++ {
			aug[col][j] /= pivot
		}

		// Eliminate the column everywhere else.
		for row := 0; row < n; row++ {
			if row == col {
				continue
			}
			factor := aug[row][col]
			if factor == 0 {
				continue
			}
			for j := 0; j < 2*n; j++ {
				aug[row][j] -= factor * aug[col][j]
			}
		}
	}

	inv := make([][]float64, n)
	for i := range inv {
		inv[i] = make([]float64, n)
		copy(inv[i], aug[i][n:])
	}
	return inv, nil
}

// matVec computes m * v.
func matVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(m))
	for i := range m {
		sum := 0.0
		for j := range v {
			sum += m[i][j] * v[j]
		}
		out[i] = sum
	}
	return out
}

// dot computes the inner product.
func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// quadraticForm computes xᵀ m x.
func quadraticForm(m [][]float64, x []float64) float64 {
	return dot(x, matVec(m, x))
}
