package transformer

import (
	"gonum.org/v1/gonum/mat"
)

// CloneForGradsOnly creates a shallow clone of the model where all weights/biases
// are shared (read-only), but grads and per-module caches are private to avoid races.
// Safe for concurrent LossAndGrad calls while nobody writes the weights.
func (g *Transformer) CloneForGradsOnly() *Transformer {
	d := g.Config.NEmbd
	out := &Transformer{
		Config: g.Config,
		Wte:    g.Wte,
		Wpe:    g.Wpe,
		DWte:   mat.NewDense(d, g.Config.VocabSize, nil),
		DWpe:   mat.NewDense(d, g.Config.NPositions, nil),
		Blocks: make([]TransformerBlock, len(g.Blocks)),
		LnF:    g.LnF.CloneForGrads(),
	}
	for i := range g.Blocks {
		src := &g.Blocks[i]
		out.Blocks[i] = TransformerBlock{
			Attn: cloneAttentionForGrads(src.Attn),
			Mlp:  cloneMLPForGrads(src.Mlp),
			Ln1:  src.Ln1.CloneForGrads(),
			Ln2:  src.Ln2.CloneForGrads(),
		}
	}
	return out
}

// AddGradsFrom sums a replica's grads into g's grad buffers.
func (g *Transformer) AddGradsFrom(replica *Transformer) {
	dst, src := g.Params(), replica.Params()
	for i := range dst {
		dst[i].G.Add(dst[i].G, src[i].G)
	}
}

func cloneAttentionForGrads(src *Attention) *Attention {
	a := NewAttention(src.DModel, src.H)
	// shared read-only
	a.Wquery, a.Wkey, a.Wvalue, a.Woutput = src.Wquery, src.Wkey, src.Wvalue, src.Woutput
	a.Bquery, a.Bkey, a.Bvalue, a.Boutput = src.Bquery, src.Bkey, src.Bvalue, src.Boutput
	return a
}

func cloneMLPForGrads(src *MLP) *MLP {
	m := NewMLP(src.Inputs, src.Hiddens)
	m.HiddenWeights, m.HiddenBias = src.HiddenWeights, src.HiddenBias // shared read-only
	m.OutputWeights, m.OutputBias = src.OutputWeights, src.OutputBias
	return m
}
