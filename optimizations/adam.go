package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Param is one trainable tensor with its gradient buffer. Layers own W and
// G; the optimizer only reads G and writes W.
type Param struct {
	Name  string
	W, G  *mat.Dense
	Decay bool // weight decay applies (weight matrices only)
}

// AdamW keeps first and second moments for every parameter by name.
type AdamW struct {
	Beta1, Beta2 float64
	Eps          float64
	WeightDecay  float64
	Step         int

	M, V map[string]*mat.Dense
}

func NewAdamW(beta1, beta2, eps, weightDecay float64) *AdamW {
	return &AdamW{
		Beta1:       beta1,
		Beta2:       beta2,
		Eps:         eps,
		WeightDecay: weightDecay,
		M:           make(map[string]*mat.Dense),
		V:           make(map[string]*mat.Dense),
	}
}

// Update applies one AdamW step with learning rate lr to every param.
func (o *AdamW) Update(params []Param, lr float64) {
	o.Step++
	for _, p := range params {
		m, ok := o.M[p.Name]
		if !ok {
			m = zerosLike(p.W)
			o.M[p.Name] = m
		}
		v, ok := o.V[p.Name]
		if !ok {
			v = zerosLike(p.W)
			o.V[p.Name] = v
		}
		wd := 0.0
		if p.Decay {
			wd = o.WeightDecay
		}
		AdamUpdateInPlace(p.W, p.G, m, v, o.Step, lr, o.Beta1, o.Beta2, o.Eps, wd)
	}
}

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	b1t := math.Pow(beta1, float64(t))
	b2t := math.Pow(beta2, float64(t))
	c1 := 1.0 / (1.0 - b1t)
	c2 := 1.0 / (1.0 - b2t)
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			denom := math.Sqrt(vhat) + eps
			wdTerm := weightDecay * p.At(i, j)
			update := mhat/denom + wdTerm
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, p.At(i, j)-lr*update)
		}
	}
}

// ZeroGrads clears every gradient buffer.
func ZeroGrads(params []Param) {
	for _, p := range params {
		p.G.Zero()
	}
}

// Grads lists the gradient buffers, in param order.
func Grads(params []Param) []*mat.Dense {
	out := make([]*mat.Dense, len(params))
	for i, p := range params {
		out[i] = p.G
	}
	return out
}

func zerosLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}
