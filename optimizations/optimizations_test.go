package optimizations

import (
	"math"
	"math/rand"
	"testing"

	"github.com/manningwu07/chattune/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestLayerNormGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(123))
	d, T := 5, 3
	ln := NewLayerNorm(d, 1e-5)
	ln.Gamma = mat.NewDense(d, 1, utils.NormalArray(rng, d, 1))
	ln.Beta = mat.NewDense(d, 1, utils.NormalArray(rng, d, 1))
	x := mat.NewDense(d, T, utils.NormalArray(rng, d*T, 1))
	w := mat.NewDense(d, T, utils.NormalArray(rng, d*T, 1))

	// loss = sum(w .* LN(x))
	forward := func() float64 {
		return mat.Sum(utils.Multiply(w, ln.Forward(x)))
	}
	forward()
	dX := ln.Backward(w)

	eps := 1e-5
	for _, c := range []struct {
		name  string
		param *mat.Dense
		grad  *mat.Dense
		i, j  int
	}{
		{"x", x, dX, 1, 2},
		{"gamma", ln.Gamma, ln.DGamma, 3, 0},
		{"beta", ln.Beta, ln.DBeta, 0, 0},
	} {
		w0 := c.param.At(c.i, c.j)
		c.param.Set(c.i, c.j, w0+eps)
		lp := forward()
		c.param.Set(c.i, c.j, w0-eps)
		lm := forward()
		c.param.Set(c.i, c.j, w0)
		num := (lp - lm) / (2 * eps)
		if math.Abs(num-c.grad.At(c.i, c.j)) > 1e-4 {
			t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g", c.name, c.i, c.j, num, c.grad.At(c.i, c.j))
		}
	}
}

func TestLayerNormForwardColMatchesForward(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ln := NewLayerNorm(4, 1e-5)
	x := mat.NewDense(4, 2, utils.NormalArray(rng, 8, 1))
	full := ln.Forward(x)
	col := ln.ForwardCol(mat.NewDense(4, 1, utils.Col(x, 1)))
	for i := 0; i < 4; i++ {
		assert.InDelta(t, full.At(i, 1), col.At(i, 0), 1e-12)
	}
}

func TestAdamWFirstStep(t *testing.T) {
	w := mat.NewDense(1, 2, []float64{1, -1})
	g := mat.NewDense(1, 2, []float64{0.5, -2})
	bias := mat.NewDense(1, 1, []float64{1})
	gb := mat.NewDense(1, 1, []float64{3})
	opt := NewAdamW(0.9, 0.999, 1e-8, 0.1)
	params := []Param{
		{Name: "w", W: w, G: g, Decay: true},
		{Name: "b", W: bias, G: gb},
	}
	opt.Update(params, 0.01)

	// With bias correction the first update is lr*sign(g) (+ decay).
	assert.InDelta(t, 1-0.01*(1+0.1*1), w.At(0, 0), 1e-6)
	assert.InDelta(t, -1-0.01*(-1+0.1*-1), w.At(0, 1), 1e-6)
	assert.InDelta(t, 1-0.01, bias.At(0, 0), 1e-6)
	require.Equal(t, 1, opt.Step)
	require.Len(t, opt.M, 2)

	ZeroGrads(params)
	assert.Equal(t, 0.0, mat.Sum(g))
	assert.Equal(t, 0.0, mat.Sum(gb))
}

func TestLinearSchedule(t *testing.T) {
	assert.Equal(t, 5e-5, LinearSchedule(0, 0, 10, 5e-5))
	assert.InDelta(t, 2.5e-5, LinearSchedule(5, 0, 10, 5e-5), 1e-15)
	assert.Equal(t, 0.0, LinearSchedule(10, 0, 10, 5e-5))
	assert.Equal(t, 0.0, LinearSchedule(0, 4, 10, 1))
	assert.Equal(t, 0.5, LinearSchedule(2, 4, 10, 1))
	assert.Equal(t, 1.0, LinearSchedule(4, 4, 10, 1))
}
