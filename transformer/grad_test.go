package transformer

import (
	"math"
	"math/rand"
	"testing"

	"github.com/manningwu07/chattune/utils"
	"gonum.org/v1/gonum/mat"
)

func finiteDiffCheck(t *testing.T, name string, param *mat.Dense, grad *mat.Dense,
	forward func() float64, i, j int) {
	t.Helper()

	eps := 1e-5
	w0 := param.At(i, j)

	// Perturb +eps
	param.Set(i, j, w0+eps)
	lp := forward()

	// Perturb -eps
	param.Set(i, j, w0-eps)
	lm := forward()

	// Restore
	param.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)

	if math.Abs(numGrad-anaGrad) > 1e-4 {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g",
			name, i, j, numGrad, anaGrad)
	}
}

func randDense(rng *rand.Rand, r, c int, std float64) *mat.Dense {
	return mat.NewDense(r, c, utils.NormalArray(rng, r*c, std))
}

func randomize(rng *rand.Rand, std float64, ms ...*mat.Dense) {
	for _, m := range ms {
		r, c := m.Dims()
		m.Copy(randDense(rng, r, c, std))
	}
}

// weighted sums the elementwise product, a linear test loss.
func weighted(w, y *mat.Dense) float64 {
	return mat.Sum(utils.Multiply(w, y))
}

// ---- Attention ----
func TestAttentionGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(123))
	dModel, T := 4, 3
	attn := NewAttention(dModel, 2)
	randomize(rng, 0.5, attn.Wquery, attn.Wkey, attn.Wvalue, attn.Woutput,
		attn.Bquery, attn.Bkey, attn.Bvalue, attn.Boutput)

	x := randDense(rng, dModel, T, 1)
	w := randDense(rng, dModel, T, 1)

	forward := func() float64 { return weighted(w, attn.Forward(x)) }

	forward()
	dX := attn.Backward(w)

	finiteDiffCheck(t, "Wquery", attn.Wquery, attn.DWq, forward, 0, 1)
	finiteDiffCheck(t, "Wquery", attn.Wquery, attn.DWq, forward, 3, 2)
	finiteDiffCheck(t, "Wkey", attn.Wkey, attn.DWk, forward, 2, 0)
	finiteDiffCheck(t, "Wvalue", attn.Wvalue, attn.DWv, forward, 1, 3)
	finiteDiffCheck(t, "Woutput", attn.Woutput, attn.DWo, forward, 0, 0)
	finiteDiffCheck(t, "Bquery", attn.Bquery, attn.DBq, forward, 1, 0)
	finiteDiffCheck(t, "Bvalue", attn.Bvalue, attn.DBv, forward, 2, 0)
	finiteDiffCheck(t, "Boutput", attn.Boutput, attn.DBo, forward, 3, 0)
	finiteDiffCheck(t, "X", x, dX, forward, 1, 1)
}

// ---- MLP ----
func TestMLPGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(123))
	dModel := 4
	mlp := NewMLP(dModel, 5)
	randomize(rng, 0.5, mlp.HiddenWeights, mlp.HiddenBias, mlp.OutputWeights, mlp.OutputBias)

	x := randDense(rng, dModel, 2, 1)
	w := randDense(rng, dModel, 2, 1)

	forward := func() float64 { return weighted(w, mlp.Forward(x)) }

	forward()
	dX := mlp.Backward(w)

	finiteDiffCheck(t, "hiddenWeights", mlp.HiddenWeights, mlp.DHiddenW, forward, 0, 0)
	finiteDiffCheck(t, "hiddenBias", mlp.HiddenBias, mlp.DHiddenB, forward, 4, 0)
	finiteDiffCheck(t, "outputWeights", mlp.OutputWeights, mlp.DOutputW, forward, 2, 3)
	finiteDiffCheck(t, "outputBias", mlp.OutputBias, mlp.DOutputB, forward, 1, 0)
	finiteDiffCheck(t, "X", x, dX, forward, 3, 1)
}

// ---- Transformer Block ----
func TestBlockGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(123))
	g, err := New(tinyConfig(), rng)
	if err != nil {
		t.Fatal(err)
	}
	block := g.Blocks[0]
	randomize(rng, 0.5, block.Attn.Wquery, block.Attn.Wkey, block.Mlp.HiddenWeights)

	d := g.Config.NEmbd
	x := randDense(rng, d, 3, 1)
	w := randDense(rng, d, 3, 1)

	forward := func() float64 { return weighted(w, block.Forward(x)) }

	forward()
	dX := block.Backward(w)

	finiteDiffCheck(t, "Block.Wquery", block.Attn.Wquery, block.Attn.DWq, forward, 0, 0)
	finiteDiffCheck(t, "Block.hiddenWeights", block.Mlp.HiddenWeights, block.Mlp.DHiddenW, forward, 1, 2)
	finiteDiffCheck(t, "Block.ln1.gamma", block.Ln1.Gamma, block.Ln1.DGamma, forward, 2, 0)
	finiteDiffCheck(t, "Block.ln2.beta", block.Ln2.Beta, block.Ln2.DBeta, forward, 3, 0)
	finiteDiffCheck(t, "Block.X", x, dX, forward, 0, 2)
}

// ---- Full Transformer ----

// sequenceLoss is the summed next-token loss computed from Forward only.
func sequenceLoss(g *Transformer, ids []int) float64 {
	logits := g.Forward(ids)
	loss := 0.0
	for t := 0; t < len(ids)-1; t++ {
		l, _ := utils.CrossEntropyWithIndex(utils.Col(logits, t), ids[t+1])
		loss += l
	}
	return loss
}

func TestTransformerGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(123))
	cfg := tinyConfig()
	cfg.InitializerRange = 0.3
	g, err := New(cfg, rng)
	if err != nil {
		t.Fatal(err)
	}
	ids := []int{1, 4, 2, 4, 6}
	labels := append([]int(nil), ids...)

	loss, n := g.LossAndGrad(ids, labels, 1)
	if n != len(ids)-1 {
		t.Fatalf("scored %d positions, want %d", n, len(ids)-1)
	}
	if math.Abs(loss-sequenceLoss(g, ids)) > 1e-9 {
		t.Fatalf("loss %.9g differs from forward-only loss %.9g", loss, sequenceLoss(g, ids))
	}

	forward := func() float64 { return sequenceLoss(g, ids) }
	b0 := g.Blocks[0]
	finiteDiffCheck(t, "wte", g.Wte, g.DWte, forward, 1, 4)
	finiteDiffCheck(t, "wte", g.Wte, g.DWte, forward, 2, 0)
	finiteDiffCheck(t, "wpe", g.Wpe, g.DWpe, forward, 0, 3)
	finiteDiffCheck(t, "h.0.attn.q", b0.Attn.Wquery, b0.Attn.DWq, forward, 1, 1)
	finiteDiffCheck(t, "h.0.attn.k.bias", b0.Attn.Bkey, b0.Attn.DBk, forward, 2, 0)
	finiteDiffCheck(t, "h.0.attn.c_proj", b0.Attn.Woutput, b0.Attn.DWo, forward, 3, 0)
	finiteDiffCheck(t, "h.1.mlp.c_proj", g.Blocks[1].Mlp.OutputWeights, g.Blocks[1].Mlp.DOutputW, forward, 0, 5)
	finiteDiffCheck(t, "ln_f", g.LnF.Gamma, g.LnF.DGamma, forward, 2, 0)
}

func TestLossAndGradIgnoresMaskedLabels(t *testing.T) {
	g, err := New(tinyConfig(), rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatal(err)
	}
	ids := []int{1, 2, 3, 0, 0}
	labels := []int{1, 2, 3, IgnoreIndex, IgnoreIndex}
	_, n := g.LossAndGrad(ids, labels, 1)
	if n != 2 {
		t.Fatalf("scored %d positions, want 2", n)
	}

	// A label-free sequence leaves every gradient at zero.
	g2, _ := New(tinyConfig(), rand.New(rand.NewSource(5)))
	loss, n := g2.LossAndGrad([]int{3}, []int{3}, 1)
	if loss != 0 || n != 0 {
		t.Fatalf("single token: loss=%v n=%d", loss, n)
	}
	for _, p := range g2.Params() {
		if mat.Sum(p.G) != 0 {
			t.Fatalf("%s has a gradient", p.Name)
		}
	}
}
