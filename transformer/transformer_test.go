package transformer

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func tinyConfig() Config {
	cfg := DefaultConfig(7)
	cfg.NPositions = 8
	cfg.NCtx = 8
	cfg.NEmbd = 4
	cfg.NLayer = 2
	cfg.NHead = 2
	return cfg
}

func newTiny(t *testing.T, seed int64) *Transformer {
	t.Helper()
	cfg := tinyConfig()
	cfg.InitializerRange = 0.5
	g, err := New(cfg, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return g
}

func greedy(maxLen int) GenerateOptions {
	return GenerateOptions{MaxLength: maxLen, EOSID: -1}
}

func TestSaveLoadRoundTripKeepsGreedyOutput(t *testing.T) {
	fs := afero.NewMemMapFs()
	g := newTiny(t, 1)
	want := g.Generate([]int{1, 2}, greedy(8))

	require.NoError(t, g.Save(fs, "ckpt"))
	loaded, err := Load(fs, "ckpt")
	require.NoError(t, err)

	assert.Equal(t, g.Config, loaded.Config)
	for i, p := range g.Params() {
		q := loaded.Params()[i]
		require.Equal(t, p.Name, q.Name)
		require.True(t, mat.Equal(p.W, q.W), "%s differs after reload", p.Name)
	}
	got := loaded.Generate([]int{1, 2}, greedy(8))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("greedy output changed after reload (-want +got):\n%s", diff)
	}
}

func TestDecoderMatchesFullForward(t *testing.T) {
	g := newTiny(t, 2)
	ids := []int{3, 1, 4, 1, 5}
	full := g.Forward(ids)
	dec := g.NewDecoder()
	for tpos, id := range ids {
		step := dec.Next(id)
		for v := range step {
			assert.InDelta(t, full.At(v, tpos), step[v], 1e-9, "pos %d vocab %d", tpos, v)
		}
	}
}

func TestGenerateBounds(t *testing.T) {
	g := newTiny(t, 3)

	out := g.Generate([]int{1}, greedy(4))
	assert.Len(t, out, 4)
	assert.Equal(t, 1, out[0])

	// The context caps MaxLength.
	assert.Len(t, g.Generate([]int{1}, greedy(100)), g.Config.NPositions)

	// A prompt at the bound gets nothing new.
	assert.Equal(t, []int{1, 2, 3}, g.Generate([]int{1, 2, 3}, greedy(3)))
	assert.Empty(t, g.Generate(nil, greedy(4)))
}

func TestGenerateStopsAtEOSAfterMinNewTokens(t *testing.T) {
	g := newTiny(t, 4)
	// Make every position prefer token 6.
	for i := 0; i < g.Config.NEmbd; i++ {
		g.LnF.Gamma.Set(i, 0, 0)
		g.LnF.Beta.Set(i, 0, 1)
		g.Wte.Set(i, 6, 10)
	}
	out := g.Generate([]int{1}, GenerateOptions{MaxLength: 8, EOSID: 6})
	assert.Equal(t, []int{1, 6}, out)

	out = g.Generate([]int{1}, GenerateOptions{MaxLength: 8, EOSID: 6, MinNewTokens: 2})
	require.Len(t, out, 4)
	assert.NotEqual(t, 6, out[1])
	assert.NotEqual(t, 6, out[2])
	assert.Equal(t, 6, out[3])
}

func TestSampledGenerationIsSeeded(t *testing.T) {
	g := newTiny(t, 5)
	opts := func() GenerateOptions {
		return GenerateOptions{MaxLength: 8, EOSID: -1, DoSample: true, Temperature: 0.8,
			TopK: 3, TopP: 0.9, Rand: rand.New(rand.NewSource(9))}
	}
	assert.Equal(t, g.Generate([]int{2}, opts()), g.Generate([]int{2}, opts()))
}

func TestReplicaGradsMatchMaster(t *testing.T) {
	g := newTiny(t, 6)
	other := newTiny(t, 6)
	a, b := []int{1, 2, 3, 4}, []int{5, 4, 3}

	other.LossAndGrad(a, a, 0.5)
	other.LossAndGrad(b, b, 0.5)

	r1, r2 := g.CloneForGradsOnly(), g.CloneForGradsOnly()
	r1.LossAndGrad(a, a, 0.5)
	r2.LossAndGrad(b, b, 0.5)
	g.AddGradsFrom(r1)
	g.AddGradsFrom(r2)

	want := other.Params()
	for i, p := range g.Params() {
		assert.True(t, mat.EqualApprox(want[i].G, p.G, 1e-12), "%s grads differ", p.Name)
	}
	assert.Same(t, g.Wte, r1.Wte)
}

// writeHFCheckpoint stores g the way a GPT-2 export would: F32 tensors,
// no prefix, plus the attention buffers and a tied lm_head.
func writeHFCheckpoint(t *testing.T, fs afero.Fs, dir string, g *Transformer) {
	t.Helper()
	type hdr struct {
		DType       string   `json:"dtype"`
		Shape       []int    `json:"shape"`
		DataOffsets [2]int64 `json:"data_offsets"`
	}
	header := map[string]hdr{}
	var body bytes.Buffer
	add := func(name string, tns *Tensor) {
		start := int64(body.Len())
		for _, v := range tns.Data {
			require.NoError(t, binary.Write(&body, binary.LittleEndian, float32(v)))
		}
		header[name] = hdr{"F32", tns.Shape, [2]int64{start, int64(body.Len())}}
	}
	for _, nt := range g.storedTensors() {
		add(nt.name, toStored(nt.m))
	}
	add("h.0.attn.bias", &Tensor{Shape: []int{1, 1, 2, 2}, Data: []float64{1, 0, 1, 1}})
	add("lm_head.weight", toStored(mat.DenseCopyOf(g.Wte)))

	raw, err := json.Marshal(header)
	require.NoError(t, err)
	var file bytes.Buffer
	require.NoError(t, binary.Write(&file, binary.LittleEndian, uint64(len(raw))))
	file.Write(raw)
	file.Write(body.Bytes())
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, WeightsFile), file.Bytes(), 0o644))

	cfg, err := json.Marshal(g.Config)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, ConfigFile), cfg, 0o644))
}

func TestLoadGPT2LayoutF32(t *testing.T) {
	fs := afero.NewMemMapFs()
	g := newTiny(t, 7)
	writeHFCheckpoint(t, fs, "hf", g)

	loaded, err := Load(fs, "hf")
	require.NoError(t, err)
	for i, p := range g.Params() {
		// F32 storage rounds each weight.
		assert.True(t, mat.EqualApprox(p.W, loaded.Params()[i].W, 1e-6), "%s", p.Name)
	}
	b := loaded.Blocks[1].Attn
	assert.InDelta(t, g.Blocks[1].Attn.Wvalue.At(2, 1), b.Wvalue.At(2, 1), 1e-6)
	assert.InDelta(t, g.Blocks[1].Attn.Bkey.At(3, 0), b.Bkey.At(3, 0), 1e-6)
}

func TestLoadRejectsMissingTensor(t *testing.T) {
	fs := afero.NewMemMapFs()
	g := newTiny(t, 8)
	require.NoError(t, g.Save(fs, "m"))

	f, err := fs.Open("m/" + WeightsFile)
	require.NoError(t, err)
	tensors, meta, err := ReadSafetensors(f)
	require.NoError(t, err)
	f.Close()
	assert.Equal(t, "pt", meta["format"])
	delete(tensors, "transformer.h.1.mlp.c_fc.bias")

	out, err := fs.Create("m/" + WeightsFile)
	require.NoError(t, err)
	require.NoError(t, WriteSafetensors(out, tensors, nil))
	out.Close()

	_, err = Load(fs, "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "h.1.mlp.c_fc.bias")
}

func TestLoadRejectsMisshapenAttention(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, newTiny(t, 9).Save(fs, "m"))

	f, err := fs.Open("m/" + WeightsFile)
	require.NoError(t, err)
	tensors, _, err := ReadSafetensors(f)
	require.NoError(t, err)
	f.Close()
	w := tensors["transformer.h.0.attn.c_attn.weight"]
	require.NotNil(t, w)
	w.Shape = []int{w.Shape[1], w.Shape[0]}

	out, err := fs.Create("m/" + WeightsFile)
	require.NoError(t, err)
	require.NoError(t, WriteSafetensors(out, tensors, nil))
	out.Close()

	_, err = Load(fs, "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "h.0.attn.c_attn.weight")
}

func TestConfigValidate(t *testing.T) {
	cfg := tinyConfig()
	require.NoError(t, cfg.Validate())
	cfg.NHead = 3
	assert.Error(t, cfg.Validate())
	cfg = tinyConfig()
	cfg.ActivationFunction = "relu"
	assert.Error(t, cfg.Validate())

	inner := 10
	cfg = tinyConfig()
	cfg.NInner = &inner
	assert.Equal(t, 10, cfg.Inner())
	assert.Equal(t, 16, tinyConfig().Inner())
}

func TestFloat16Decoding(t *testing.T) {
	assert.Equal(t, 1.0, float16ToFloat64(0x3c00))
	assert.Equal(t, -2.0, float16ToFloat64(0xc000))
	assert.Equal(t, 0.5, float16ToFloat64(0x3800))
	assert.Equal(t, math.Ldexp(1, -24), float16ToFloat64(0x0001))
	assert.True(t, math.IsInf(float16ToFloat64(0x7c00), 1))
	assert.True(t, math.IsNaN(float16ToFloat64(0x7e00)))

	bf, err := decodeTensor("BF16", []byte{0x80, 0x3f})
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, bf)

	_, err = decodeTensor("I8", []byte{1})
	assert.Error(t, err)
}

func TestNumParams(t *testing.T) {
	g := newTiny(t, 9)
	d, V, P, h := 4, 7, 8, 16
	perBlock := 2*2*d + 4*(d*d+d) + (h*d + h) + (d*h + d)
	assert.Equal(t, d*V+d*P+2*perBlock+2*d, g.NumParams())
}
