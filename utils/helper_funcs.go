package utils

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// NormalArray draws size values from N(0, std^2).
func NormalArray(rng *rand.Rand, size int, std float64) []float64 {
	out := make([]float64, size)
	for i := range out {
		out[i] = rng.NormFloat64() * std
	}
	return out
}

func OnesLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, 1)
		}
	}
	return out
}

// Col copies column j of m.
func Col(m mat.Matrix, j int) []float64 {
	r, _ := m.Dims()
	return mat.Col(make([]float64, r), j, m)
}

// IsFinite is false for NaN and +-Inf.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// debugging and clipping.

// ClipGrads scales all grads so their combined norm <= maxNorm.
// Returns the global norm before clipping and the scale applied (<=1.0).
func ClipGrads(maxNorm float64, grads ...*mat.Dense) (norm, scale float64) {
	sum := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := mat.Norm(g, 2)
		sum += n * n
	}
	gn := math.Sqrt(sum)
	if maxNorm <= 0 || gn <= maxNorm || gn == 0 {
		return gn, 1.0
	}
	s := maxNorm / (gn + 1e-6)
	for _, g := range grads {
		if g != nil {
			g.Scale(s, g)
		}
	}
	return gn, s
}
