package transformer

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/chattune/optimizations"
	"github.com/manningwu07/chattune/utils"
)

// Attention is causal multi-head self-attention. The q/k/v projections
// are the three thirds of GPT-2's c_attn; head h owns rows
// [h*DHead, (h+1)*DHead) of each projection.
type Attention struct {
	H      int
	DModel int
	DHead  int

	Wquery, Wkey, Wvalue *mat.Dense // (d x d)
	Bquery, Bkey, Bvalue *mat.Dense // (d x 1)
	Woutput, Boutput     *mat.Dense

	// grads
	DWq, DWk, DWv, DWo *mat.Dense
	DBq, DBk, DBv, DBo *mat.Dense

	// cache for backprop
	X       *mat.Dense
	Q, K, V *mat.Dense // (d x T)
	A       []*mat.Dense
	O_cat   *mat.Dense

	maskCache map[int]*mat.Dense
}

func NewAttention(dModel, nHeads int) *Attention {
	if dModel%nHeads != 0 {
		panic("dModel must be divisible by nHeads")
	}
	sq := func() *mat.Dense { return mat.NewDense(dModel, dModel, nil) }
	col := func() *mat.Dense { return mat.NewDense(dModel, 1, nil) }
	return &Attention{
		H:         nHeads,
		DModel:    dModel,
		DHead:     dModel / nHeads,
		Wquery:    sq(),
		Wkey:      sq(),
		Wvalue:    sq(),
		Woutput:   sq(),
		Bquery:    col(),
		Bkey:      col(),
		Bvalue:    col(),
		Boutput:   col(),
		DWq:       sq(),
		DWk:       sq(),
		DWv:       sq(),
		DWo:       sq(),
		DBq:       col(),
		DBk:       col(),
		DBv:       col(),
		DBo:       col(),
		A:         make([]*mat.Dense, nHeads),
		maskCache: make(map[int]*mat.Dense),
	}
}

func (attn *Attention) head(m *mat.Dense, h int) *mat.Dense {
	_, T := m.Dims()
	base := h * attn.DHead
	return m.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
}

func (attn *Attention) mask(T int) *mat.Dense {
	mask, ok := attn.maskCache[T]
	if !ok {
		mask = utils.CausalMask(T)
		attn.maskCache[T] = mask
	}
	return mask
}

// Attention forward/backward.
func (attn *Attention) Forward(X *mat.Dense) *mat.Dense {
	attn.X = X
	_, T := X.Dims()
	attn.Q = utils.AddBias(utils.Dot(attn.Wquery, X), attn.Bquery)
	attn.K = utils.AddBias(utils.Dot(attn.Wkey, X), attn.Bkey)
	attn.V = utils.AddBias(utils.Dot(attn.Wvalue, X), attn.Bvalue)
	headsCat := mat.NewDense(attn.DModel, T, nil)

	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	mask := attn.mask(T)

	work := func(h int) {
		q, k, v := attn.head(attn.Q, h), attn.head(attn.K, h), attn.head(attn.V, h)
		// S = (Q^T K)/sqrt
		var s mat.Dense
		s.Mul(q.T(), k)
		s.Scale(rescale, &s)
		a := mat.NewDense(T, T, nil)
		utils.RowSoftmaxMaskedInPlace(a, &s, mask)
		attn.A[h] = a
		// O = V * A^T
		attn.head(headsCat, h).Mul(v, a.T())
	}
	for h := 0; h < attn.H; h++ {
		work(h)
	}
	attn.O_cat = headsCat
	return utils.AddBias(utils.Dot(attn.Woutput, headsCat), attn.Boutput)
}

// Backward accumulates parameter grads and returns dL/dX.
func (attn *Attention) Backward(dY *mat.Dense) *mat.Dense {
	_, T := attn.X.Dims()

	// Y = Wout * Ocat + b
	var dWout mat.Dense
	dWout.Mul(dY, attn.O_cat.T())
	attn.DWo.Add(attn.DWo, &dWout)
	utils.AccumulateRowSums(attn.DBo, dY)
	dOcat := utils.Dot(attn.Woutput.T(), dY)

	dQ := mat.NewDense(attn.DModel, T, nil)
	dK := mat.NewDense(attn.DModel, T, nil)
	dV := mat.NewDense(attn.DModel, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	for h := 0; h < attn.H; h++ {
		dO := attn.head(dOcat, h)
		q, k, v := attn.head(attn.Q, h), attn.head(attn.K, h), attn.head(attn.V, h)

		// O = V * A^T
		attn.head(dV, h).Mul(dO, attn.A[h])
		var dA mat.Dense
		dA.Mul(dO.T(), v) // (T x T)

		// A = softmax_row(S)
		dS := utils.SoftmaxBackward(&dA, attn.A[h])

		// S = Q^T K / sqrt(dHead)
		dq := attn.head(dQ, h)
		dq.Mul(k, dS.T())
		dq.Scale(rescale, dq)
		dk := attn.head(dK, h)
		dk.Mul(q, dS)
		dk.Scale(rescale, dk)
	}

	for _, p := range []struct {
		d, dW, dB *mat.Dense
	}{
		{dQ, attn.DWq, attn.DBq},
		{dK, attn.DWk, attn.DBk},
		{dV, attn.DWv, attn.DBv},
	} {
		var dW mat.Dense
		dW.Mul(p.d, attn.X.T())
		p.dW.Add(p.dW, &dW)
		utils.AccumulateRowSums(p.dB, p.d)
	}

	dX := utils.Dot(attn.Wquery.T(), dQ)
	dX.Add(dX, utils.Dot(attn.Wkey.T(), dK))
	dX.Add(dX, utils.Dot(attn.Wvalue.T(), dV))
	return dX
}

func (attn *Attention) Params(prefix string) []optimizations.Param {
	return []optimizations.Param{
		{Name: prefix + ".q.weight", W: attn.Wquery, G: attn.DWq, Decay: true},
		{Name: prefix + ".q.bias", W: attn.Bquery, G: attn.DBq},
		{Name: prefix + ".k.weight", W: attn.Wkey, G: attn.DWk, Decay: true},
		{Name: prefix + ".k.bias", W: attn.Bkey, G: attn.DBk},
		{Name: prefix + ".v.weight", W: attn.Wvalue, G: attn.DWv, Decay: true},
		{Name: prefix + ".v.bias", W: attn.Bvalue, G: attn.DBv},
		{Name: prefix + ".c_proj.weight", W: attn.Woutput, G: attn.DWo, Decay: true},
		{Name: prefix + ".c_proj.bias", W: attn.Boutput, G: attn.DBo},
	}
}

// -------- KV cache for inference (last-timestep only) --------

type AttnKV struct {
	K []*mat.Dense // per head: (dHead x t)
	V []*mat.Dense // per head: (dHead x t)
	T int
}

// append column helper: returns a new matrix with one more column
func appendCol(dst *mat.Dense, col mat.Matrix) *mat.Dense {
	r, _ := col.Dims()
	c := 0
	if dst != nil {
		_, c = dst.Dims()
	}
	out := mat.NewDense(r, c+1, nil)
	if dst != nil {
		out.Slice(0, r, 0, c).(*mat.Dense).Copy(dst)
	}
	out.Slice(0, r, c, c+1).(*mat.Dense).Copy(col)
	return out
}

// ForwardLastWithKV computes only the last timestep output using cached K,V.
// xLast: (dModel x 1), returns yLast: (dModel x 1). Updates kv in-place.
func (attn *Attention) ForwardLastWithKV(xLast *mat.Dense, kv *AttnKV) *mat.Dense {
	if len(kv.K) != attn.H {
		kv.K = make([]*mat.Dense, attn.H)
		kv.V = make([]*mat.Dense, attn.H)
		kv.T = 0
	}
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	q := utils.AddBias(utils.Dot(attn.Wquery, xLast), attn.Bquery)
	k := utils.AddBias(utils.Dot(attn.Wkey, xLast), attn.Bkey)
	v := utils.AddBias(utils.Dot(attn.Wvalue, xLast), attn.Bvalue)
	headsCatLast := mat.NewDense(attn.DModel, 1, nil)
	for h := 0; h < attn.H; h++ {
		kv.K[h] = appendCol(kv.K[h], attn.head(k, h))
		kv.V[h] = appendCol(kv.V[h], attn.head(v, h))

		// scores for last row: (1 x t)
		var s mat.Dense
		s.Mul(attn.head(q, h).T(), kv.K[h])
		s.Scale(rescale, &s)
		w := utils.RowSoftmax(&s)
		// O_last = V * w^T  => (dHead x 1)
		attn.head(headsCatLast, h).Mul(kv.V[h], w.T())
	}
	kv.T++
	return utils.AddBias(utils.Dot(attn.Woutput, headsCatLast), attn.Boutput)
}
