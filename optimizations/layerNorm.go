package optimizations

import (
	"math"

	"github.com/manningwu07/chattune/utils"
	"gonum.org/v1/gonum/mat"
)

type LayerNorm struct {
	D      int
	Eps    float64
	Gamma  *mat.Dense // (d x 1)
	Beta   *mat.Dense // (d x 1)
	DGamma *mat.Dense
	DBeta  *mat.Dense

	// cache
	Xhat   *mat.Dense // (d x T)
	InvStd []float64  // per column
}

func NewLayerNorm(d int, eps float64) *LayerNorm {
	return &LayerNorm{
		D:      d,
		Eps:    eps,
		Gamma:  utils.OnesLike(mat.NewDense(d, 1, nil)),
		Beta:   mat.NewDense(d, 1, nil),
		DGamma: mat.NewDense(d, 1, nil),
		DBeta:  mat.NewDense(d, 1, nil),
	}
}

func (ln *LayerNorm) Forward(X *mat.Dense) *mat.Dense {
	d, T := X.Dims()
	out := mat.NewDense(d, T, nil)
	xhat := mat.NewDense(d, T, nil)
	inv := make([]float64, T)
	for t := 0; t < T; t++ {
		mu := 0.0
		for i := 0; i < d; i++ {
			mu += X.At(i, t)
		}
		mu /= float64(d)
		var v float64
		for i := 0; i < d; i++ {
			diff := X.At(i, t) - mu
			v += diff * diff
		}
		v /= float64(d)
		istd := 1.0 / math.Sqrt(v+ln.Eps)
		inv[t] = istd
		for i := 0; i < d; i++ {
			n := (X.At(i, t) - mu) * istd
			xhat.Set(i, t, n)
			out.Set(i, t, ln.Gamma.At(i, 0)*n+ln.Beta.At(i, 0))
		}
	}
	ln.Xhat = xhat
	ln.InvStd = inv
	return out
}

// Backward accumulates gamma/beta grads and returns dX.
func (ln *LayerNorm) Backward(dY *mat.Dense) *mat.Dense {
	d, T := dY.Dims()
	for i := 0; i < d; i++ {
		sumDG := 0.0
		sumDB := 0.0
		for t := 0; t < T; t++ {
			sumDG += dY.At(i, t) * ln.Xhat.At(i, t)
			sumDB += dY.At(i, t)
		}
		ln.DGamma.Set(i, 0, ln.DGamma.At(i, 0)+sumDG)
		ln.DBeta.Set(i, 0, ln.DBeta.At(i, 0)+sumDB)
	}

	dX := mat.NewDense(d, T, nil)
	for t := 0; t < T; t++ {
		istd := ln.InvStd[t]
		sum1 := 0.0
		sum2 := 0.0
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.At(i, 0)
			sum1 += gy
			sum2 += gy * ln.Xhat.At(i, t)
		}
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.At(i, 0)
			dxi := (float64(d)*gy - sum1 - ln.Xhat.At(i, t)*sum2) * (istd / float64(d))
			dX.Set(i, t, dxi)
		}
	}
	return dX
}

// ForwardCol for inference (d x 1). Does not touch the backward cache.
func (ln *LayerNorm) ForwardCol(x *mat.Dense) *mat.Dense {
	d, c := x.Dims()
	if c != 1 {
		panic("LayerNorm.ForwardCol expects (d x 1)")
	}
	mu := 0.0
	for i := 0; i < d; i++ {
		mu += x.At(i, 0)
	}
	mu /= float64(d)
	var v float64
	for i := 0; i < d; i++ {
		diff := x.At(i, 0) - mu
		v += diff * diff
	}
	v /= float64(d)
	istd := 1.0 / math.Sqrt(v+ln.Eps)
	out := mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		n := (x.At(i, 0) - mu) * istd
		out.Set(i, 0, ln.Gamma.At(i, 0)*n+ln.Beta.At(i, 0))
	}
	return out
}

// Params names gamma/beta with the checkpoint prefix, e.g. "h.0.ln_1".
func (ln *LayerNorm) Params(prefix string) []Param {
	return []Param{
		{Name: prefix + ".weight", W: ln.Gamma, G: ln.DGamma},
		{Name: prefix + ".bias", W: ln.Beta, G: ln.DBeta},
	}
}

// CloneForGrads shares gamma/beta and gets private grads and caches.
func (ln *LayerNorm) CloneForGrads() *LayerNorm {
	return &LayerNorm{
		D:      ln.D,
		Eps:    ln.Eps,
		Gamma:  ln.Gamma,
		Beta:   ln.Beta,
		DGamma: mat.NewDense(ln.D, 1, nil),
		DBeta:  mat.NewDense(ln.D, 1, nil),
	}
}
