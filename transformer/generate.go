package transformer

import (
	"math"
	"math/rand"

	"github.com/manningwu07/chattune/utils"
	"gonum.org/v1/gonum/mat"
)

// GenerateOptions bounds and steers decoding.
type GenerateOptions struct {
	MaxLength    int // total length including the prompt
	MinNewTokens int // EOS is suppressed until this many tokens are new
	EOSID        int // generation stops after this id; < 0 never stops early

	DoSample    bool
	Temperature float64
	TopK        int
	TopP        float64
	Rand        *rand.Rand
}

// Decoder holds the per-layer KV caches of one incremental decode.
type Decoder struct {
	g   *Transformer
	kvs []AttnKV
	pos int
}

func (g *Transformer) NewDecoder() *Decoder {
	return &Decoder{g: g, kvs: make([]AttnKV, len(g.Blocks))}
}

// Next feeds one token and returns the next-token logits.
func (d *Decoder) Next(id int) []float64 {
	g := d.g
	if d.pos >= g.Config.NPositions {
		panic("Decoder.Next: context is full")
	}
	g.checkIDs([]int{id})
	dim := g.Config.NEmbd
	x := mat.NewDense(dim, 1, nil)
	for i := 0; i < dim; i++ {
		x.Set(i, 0, g.Wte.At(i, id)+g.Wpe.At(i, d.pos))
	}
	for i := range g.Blocks {
		x = g.Blocks[i].ForwardLastWithKV(x, &d.kvs[i])
	}
	d.pos++
	h := g.LnF.ForwardCol(x)
	var logits mat.Dense
	logits.Mul(g.Wte.T(), h)
	return utils.Col(&logits, 0)
}

// Generate extends prompt until EOS or MaxLength (clamped to the model
// context) and returns prompt followed by the new tokens. Greedy unless
// DoSample is set.
func (g *Transformer) Generate(prompt []int, opts GenerateOptions) []int {
	out := append([]int(nil), prompt...)
	maxLen := opts.MaxLength
	if maxLen <= 0 || maxLen > g.Config.NPositions {
		maxLen = g.Config.NPositions
	}
	if len(prompt) == 0 || len(prompt) >= maxLen {
		return out
	}
	dec := g.NewDecoder()
	var logits []float64
	for _, id := range prompt {
		logits = dec.Next(id)
	}
	for len(out) < maxLen {
		fresh := len(out) - len(prompt)
		if opts.EOSID >= 0 && opts.EOSID < len(logits) && fresh < opts.MinNewTokens {
			logits[opts.EOSID] = math.Inf(-1)
		}
		next := pick(logits, opts)
		out = append(out, next)
		if next == opts.EOSID || len(out) >= maxLen {
			break
		}
		logits = dec.Next(next)
	}
	return out
}

func pick(logits []float64, opts GenerateOptions) int {
	if !opts.DoSample || opts.Rand == nil {
		return utils.Argmax(logits)
	}
	temp := opts.Temperature
	if temp <= 0 {
		temp = 1
	}
	scaled := make([]float64, len(logits))
	for i, v := range logits {
		scaled[i] = v / temp
	}
	return utils.SampleFromProbs(opts.Rand, utils.Softmax(scaled), opts.TopK, opts.TopP)
}
