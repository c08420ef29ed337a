package transformer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/manningwu07/chattune/optimizations"
	"github.com/manningwu07/chattune/utils"
	"gonum.org/v1/gonum/mat"
)

// IgnoreIndex marks a label position that does not contribute to the loss.
const IgnoreIndex = -100

// Transformer is a GPT-2 decoder with the LM head tied to the token
// embedding. Activations are (d x T), one column per position.
type Transformer struct {
	Config Config
	Wte    *mat.Dense // (d x V)
	Wpe    *mat.Dense // (d x P)
	Blocks []TransformerBlock
	LnF    *optimizations.LayerNorm

	DWte, DWpe *mat.Dense
}

type TransformerBlock struct {
	Attn *Attention
	Mlp  *MLP
	Ln1  *optimizations.LayerNorm
	Ln2  *optimizations.LayerNorm
}

// Initalization

// newZero allocates every tensor for cfg without initialising weights.
func newZero(cfg Config) *Transformer {
	d := cfg.NEmbd
	gpt := &Transformer{
		Config: cfg,
		Wte:    mat.NewDense(d, cfg.VocabSize, nil),
		Wpe:    mat.NewDense(d, cfg.NPositions, nil),
		DWte:   mat.NewDense(d, cfg.VocabSize, nil),
		DWpe:   mat.NewDense(d, cfg.NPositions, nil),
		Blocks: make([]TransformerBlock, cfg.NLayer),
		LnF:    optimizations.NewLayerNorm(d, cfg.LayerNormEpsilon),
	}
	for i := range gpt.Blocks {
		gpt.Blocks[i] = TransformerBlock{
			Attn: NewAttention(d, cfg.NHead),
			Mlp:  NewMLP(d, cfg.Inner()),
			Ln1:  optimizations.NewLayerNorm(d, cfg.LayerNormEpsilon),
			Ln2:  optimizations.NewLayerNorm(d, cfg.LayerNormEpsilon),
		}
	}
	return gpt
}

// New creates a randomly initialised model: N(0, initializer_range) for
// weights and embeddings, with residual projections scaled down by
// sqrt(2 * n_layer).
func New(cfg Config, rng *rand.Rand) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	gpt := newZero(cfg)
	std := cfg.InitializerRange
	projStd := std / math.Sqrt(2*float64(cfg.NLayer))
	fill := func(m *mat.Dense, s float64) {
		r, c := m.Dims()
		m.Copy(mat.NewDense(r, c, utils.NormalArray(rng, r*c, s)))
	}
	fill(gpt.Wte, std)
	fill(gpt.Wpe, std)
	for i := range gpt.Blocks {
		b := &gpt.Blocks[i]
		fill(b.Attn.Wquery, std)
		fill(b.Attn.Wkey, std)
		fill(b.Attn.Wvalue, std)
		fill(b.Attn.Woutput, projStd)
		fill(b.Mlp.HiddenWeights, std)
		fill(b.Mlp.OutputWeights, projStd)
	}
	return gpt, nil
}

// Block forward/backward with pre-LN residuals.
func (b *TransformerBlock) Forward(X *mat.Dense) *mat.Dense {
	xRes := utils.Add(X, b.Attn.Forward(b.Ln1.Forward(X)))
	return utils.Add(xRes, b.Mlp.Forward(b.Ln2.Forward(xRes)))
}

func (b *TransformerBlock) Backward(grad *mat.Dense) *mat.Dense {
	// Y = xRes + MLP(Ln2(xRes)); xRes = X + Attn(Ln1(X))
	dXres := utils.Add(grad, b.Ln2.Backward(b.Mlp.Backward(grad)))
	return utils.Add(dXres, b.Ln1.Backward(b.Attn.Backward(dXres)))
}

func (b *TransformerBlock) ForwardLastWithKV(xLast *mat.Dense, kv *AttnKV) *mat.Dense {
	x1 := utils.Add(xLast, b.Attn.ForwardLastWithKV(b.Ln1.ForwardCol(xLast), kv))
	return utils.Add(x1, b.Mlp.ForwardCol(b.Ln2.ForwardCol(x1)))
}

func (b *TransformerBlock) Params(prefix string) []optimizations.Param {
	var out []optimizations.Param
	out = append(out, b.Ln1.Params(prefix+".ln_1")...)
	out = append(out, b.Attn.Params(prefix+".attn")...)
	out = append(out, b.Ln2.Params(prefix+".ln_2")...)
	out = append(out, b.Mlp.Params(prefix+".mlp")...)
	return out
}

// Params lists every trainable tensor in a fixed order. Replicas made by
// CloneForGradsOnly list theirs in the same order.
func (g *Transformer) Params() []optimizations.Param {
	out := []optimizations.Param{
		{Name: "wte.weight", W: g.Wte, G: g.DWte, Decay: true},
		{Name: "wpe.weight", W: g.Wpe, G: g.DWpe},
	}
	for i := range g.Blocks {
		out = append(out, g.Blocks[i].Params(fmt.Sprintf("h.%d", i))...)
	}
	return append(out, g.LnF.Params("ln_f")...)
}

// NumParams counts the scalar weights.
func (g *Transformer) NumParams() int {
	n := 0
	for _, p := range g.Params() {
		r, c := p.W.Dims()
		n += r * c
	}
	return n
}

func (g *Transformer) checkIDs(ids []int) {
	if len(ids) > g.Config.NPositions {
		panic(fmt.Sprintf("transformer: sequence of %d tokens exceeds n_positions %d", len(ids), g.Config.NPositions))
	}
	for _, id := range ids {
		if id < 0 || id >= g.Config.VocabSize {
			panic(fmt.Sprintf("transformer: token id %d outside vocab of %d", id, g.Config.VocabSize))
		}
	}
}

func (g *Transformer) embed(ids []int) *mat.Dense {
	d := g.Config.NEmbd
	X := mat.NewDense(d, len(ids), nil)
	for t, id := range ids {
		for i := 0; i < d; i++ {
			X.Set(i, t, g.Wte.At(i, id)+g.Wpe.At(i, t))
		}
	}
	return X
}

func (g *Transformer) hidden(ids []int) *mat.Dense {
	g.checkIDs(ids)
	Y := g.embed(ids)
	for i := range g.Blocks {
		Y = g.Blocks[i].Forward(Y)
	}
	return g.LnF.Forward(Y)
}

// Forward returns the (V x T) next-token logits for every position.
func (g *Transformer) Forward(ids []int) *mat.Dense {
	return utils.Dot(g.Wte.T(), g.hidden(ids))
}

// LossAndGrad runs ids through the model and accumulates into the grad
// buffers the gradient of scale * (sum of next-token losses). Position t
// is scored against labels[t+1]; IgnoreIndex labels are skipped. It
// returns the unscaled loss sum and the number of scored positions.
func (g *Transformer) LossAndGrad(ids, labels []int, scale float64) (float64, int) {
	if len(labels) != len(ids) {
		panic("LossAndGrad: labels and ids differ in length")
	}
	H := g.hidden(ids)
	logits := utils.Dot(g.Wte.T(), H)
	V, T := logits.Dims()
	dLogits := mat.NewDense(V, T, nil)

	lossSum, n := 0.0, 0
	for t := 0; t < T-1; t++ {
		gold := labels[t+1]
		if gold < 0 {
			continue
		}
		loss, grad := utils.CrossEntropyWithIndex(utils.Col(logits, t), gold)
		lossSum += loss
		n++
		for v := range grad {
			grad[v] *= scale
		}
		dLogits.SetCol(t, grad)
	}
	if n == 0 {
		return 0, 0
	}

	// logits = Wte^T H
	var dW mat.Dense
	dW.Mul(H, dLogits.T())
	g.DWte.Add(g.DWte, &dW)
	dY := g.LnF.Backward(utils.Dot(g.Wte, dLogits))
	for i := len(g.Blocks) - 1; i >= 0; i-- {
		dY = g.Blocks[i].Backward(dY)
	}

	// X = Wte[:, ids] + Wpe[:, 0:T]
	d := g.Config.NEmbd
	for t, id := range ids {
		for i := 0; i < d; i++ {
			v := dY.At(i, t)
			g.DWte.Set(i, id, g.DWte.At(i, id)+v)
			g.DWpe.Set(i, t, g.DWpe.At(i, t)+v)
		}
	}
	return lossSum, n
}
