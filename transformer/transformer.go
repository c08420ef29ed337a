package transformer

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gonum.org/v1/gonum/mat"
)

const (
	ConfigFile  = "config.json"
	WeightsFile = "model.safetensors"

	weightPrefix = "transformer."
)

// Config mirrors the config.json of a GPT-2 checkpoint.
type Config struct {
	ModelType          string   `json:"model_type"`
	Architectures      []string `json:"architectures,omitempty"`
	VocabSize          int      `json:"vocab_size"`
	NPositions         int      `json:"n_positions"`
	NCtx               int      `json:"n_ctx,omitempty"`
	NEmbd              int      `json:"n_embd"`
	NLayer             int      `json:"n_layer"`
	NHead              int      `json:"n_head"`
	NInner             *int     `json:"n_inner"`
	ActivationFunction string   `json:"activation_function"`
	LayerNormEpsilon   float64  `json:"layer_norm_epsilon"`
	InitializerRange   float64  `json:"initializer_range"`
	BosTokenID         int      `json:"bos_token_id"`
	EosTokenID         int      `json:"eos_token_id"`
}

// DefaultConfig is a small GPT-2 shape for models created from scratch.
func DefaultConfig(vocabSize int) Config {
	return Config{
		ModelType:          "gpt2",
		Architectures:      []string{"GPT2LMHeadModel"},
		VocabSize:          vocabSize,
		NPositions:         128,
		NCtx:               128,
		NEmbd:              64,
		NLayer:             2,
		NHead:              4,
		ActivationFunction: "gelu_new",
		LayerNormEpsilon:   1e-5,
		InitializerRange:   0.02,
		BosTokenID:         vocabSize - 1,
		EosTokenID:         vocabSize - 1,
	}
}

// Inner is the MLP hidden width; GPT-2 leaves n_inner null for 4*n_embd.
func (c Config) Inner() int {
	if c.NInner != nil && *c.NInner > 0 {
		return *c.NInner
	}
	return 4 * c.NEmbd
}

func (c Config) Validate() error {
	switch {
	case c.ModelType != "" && c.ModelType != "gpt2":
		return errors.Errorf("unsupported model_type %q", c.ModelType)
	case c.ActivationFunction != "" && c.ActivationFunction != "gelu_new":
		return errors.Errorf("unsupported activation_function %q", c.ActivationFunction)
	case c.VocabSize <= 0, c.NPositions <= 0, c.NEmbd <= 0, c.NLayer <= 0, c.NHead <= 0:
		return errors.Errorf("config dimensions must be positive: %+v", c)
	case c.NEmbd%c.NHead != 0:
		return errors.Errorf("n_embd %d is not divisible by n_head %d", c.NEmbd, c.NHead)
	case c.LayerNormEpsilon <= 0:
		return errors.Errorf("layer_norm_epsilon must be positive")
	}
	return nil
}

// ----- tensor naming -----
// GPT-2 stores Conv1D weights as (in, out) and embeddings as (V, d); the
// model keeps the transpose of both.

func fromStored(t *Tensor, rows, cols int) (*mat.Dense, error) {
	switch len(t.Shape) {
	case 1:
		if t.Shape[0] != rows || cols != 1 {
			return nil, errors.Errorf("shape %v, want [%d]", t.Shape, rows)
		}
		return mat.NewDense(rows, 1, append([]float64(nil), t.Data...)), nil
	case 2:
		if t.Shape[0] != cols || t.Shape[1] != rows {
			return nil, errors.Errorf("shape %v, want [%d %d]", t.Shape, cols, rows)
		}
		return mat.DenseCopyOf(mat.NewDense(cols, rows, t.Data).T()), nil
	}
	return nil, errors.Errorf("unsupported rank %d", len(t.Shape))
}

func toStored(m *mat.Dense) *Tensor {
	r, c := m.Dims()
	if c == 1 {
		return &Tensor{Shape: []int{r}, Data: append([]float64(nil), m.RawMatrix().Data...)}
	}
	t := mat.DenseCopyOf(m.T())
	return &Tensor{Shape: []int{c, r}, Data: t.RawMatrix().Data}
}

// stacked returns the three projections as one (3d x d) matrix, the
// layout of c_attn.
func (attn *Attention) stacked() *mat.Dense {
	d := attn.DModel
	out := mat.NewDense(3*d, d, nil)
	out.Slice(0, d, 0, d).(*mat.Dense).Copy(attn.Wquery)
	out.Slice(d, 2*d, 0, d).(*mat.Dense).Copy(attn.Wkey)
	out.Slice(2*d, 3*d, 0, d).(*mat.Dense).Copy(attn.Wvalue)
	return out
}

func (attn *Attention) stackedBias() *mat.Dense {
	d := attn.DModel
	out := mat.NewDense(3*d, 1, nil)
	out.Slice(0, d, 0, 1).(*mat.Dense).Copy(attn.Bquery)
	out.Slice(d, 2*d, 0, 1).(*mat.Dense).Copy(attn.Bkey)
	out.Slice(2*d, 3*d, 0, 1).(*mat.Dense).Copy(attn.Bvalue)
	return out
}

func (attn *Attention) unstack(w, b *mat.Dense) {
	d := attn.DModel
	attn.Wquery.Copy(w.Slice(0, d, 0, d))
	attn.Wkey.Copy(w.Slice(d, 2*d, 0, d))
	attn.Wvalue.Copy(w.Slice(2*d, 3*d, 0, d))
	attn.Bquery.Copy(b.Slice(0, d, 0, 1))
	attn.Bkey.Copy(b.Slice(d, 2*d, 0, 1))
	attn.Bvalue.Copy(b.Slice(2*d, 3*d, 0, 1))
}

type namedTensor struct {
	name string
	m    *mat.Dense
}

// storedTensors lists every tensor under its checkpoint name. c_attn is
// built fresh, so it is rebuilt on load through unstack.
func (g *Transformer) storedTensors() []namedTensor {
	out := []namedTensor{
		{"wte.weight", g.Wte},
		{"wpe.weight", g.Wpe},
		{"ln_f.weight", g.LnF.Gamma},
		{"ln_f.bias", g.LnF.Beta},
	}
	for i := range g.Blocks {
		b := &g.Blocks[i]
		p := fmt.Sprintf("h.%d.", i)
		out = append(out,
			namedTensor{p + "ln_1.weight", b.Ln1.Gamma},
			namedTensor{p + "ln_1.bias", b.Ln1.Beta},
			namedTensor{p + "attn.c_attn.weight", b.Attn.stacked()},
			namedTensor{p + "attn.c_attn.bias", b.Attn.stackedBias()},
			namedTensor{p + "attn.c_proj.weight", b.Attn.Woutput},
			namedTensor{p + "attn.c_proj.bias", b.Attn.Boutput},
			namedTensor{p + "ln_2.weight", b.Ln2.Gamma},
			namedTensor{p + "ln_2.bias", b.Ln2.Beta},
			namedTensor{p + "mlp.c_fc.weight", b.Mlp.HiddenWeights},
			namedTensor{p + "mlp.c_fc.bias", b.Mlp.HiddenBias},
			namedTensor{p + "mlp.c_proj.weight", b.Mlp.OutputWeights},
			namedTensor{p + "mlp.c_proj.bias", b.Mlp.OutputBias},
		)
	}
	return out
}

// Save writes config.json and model.safetensors into dir.
func (g *Transformer) Save(fs afero.Fs, dir string) error {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	cfg, err := json.MarshalIndent(g.Config, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding model config")
	}
	if err := afero.WriteFile(fs, filepath.Join(dir, ConfigFile), append(cfg, '\n'), 0o644); err != nil {
		return errors.Wrap(err, "writing model config")
	}

	tensors := map[string]*Tensor{}
	for _, nt := range g.storedTensors() {
		tensors[weightPrefix+nt.name] = toStored(nt.m)
	}
	f, err := fs.Create(filepath.Join(dir, WeightsFile))
	if err != nil {
		return errors.Wrap(err, "creating weights file")
	}
	if err := WriteSafetensors(f, tensors, map[string]string{"format": "pt"}); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "closing weights file")
}

// LoadConfig reads config.json from dir.
func LoadConfig(fs afero.Fs, dir string) (Config, error) {
	var cfg Config
	raw, err := afero.ReadFile(fs, filepath.Join(dir, ConfigFile))
	if err != nil {
		return cfg, errors.Wrap(err, "reading model config")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrap(err, "decoding model config")
	}
	if cfg.NPositions == 0 {
		cfg.NPositions = cfg.NCtx
	}
	if cfg.LayerNormEpsilon == 0 {
		cfg.LayerNormEpsilon = 1e-5
	}
	return cfg, cfg.Validate()
}

// Load reads a GPT-2 checkpoint directory. Tensor names may carry the
// "transformer." prefix; attention mask buffers and the tied lm_head are
// ignored.
func Load(fs afero.Fs, dir string) (*Transformer, error) {
	cfg, err := LoadConfig(fs, dir)
	if err != nil {
		return nil, err
	}
	f, err := fs.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, errors.Wrap(err, "opening weights file")
	}
	defer f.Close()
	raw, _, err := ReadSafetensors(f)
	if err != nil {
		return nil, err
	}
	stored := make(map[string]*Tensor, len(raw))
	for name, t := range raw {
		stored[strings.TrimPrefix(name, weightPrefix)] = t
	}

	g := newZero(cfg)
	for _, nt := range g.storedTensors() {
		t, ok := stored[nt.name]
		if !ok {
			return nil, errors.Errorf("checkpoint %s is missing tensor %s", dir, nt.name)
		}
		r, c := nt.m.Dims()
		m, err := fromStored(t, r, c)
		if err != nil {
			return nil, errors.Wrapf(err, "tensor %s", nt.name)
		}
		nt.m.Copy(m)
	}
	for i := range g.Blocks {
		b := &g.Blocks[i]
		p := fmt.Sprintf("h.%d.attn.c_attn.", i)
		w, err := fromStored(stored[p+"weight"], 3*cfg.NEmbd, cfg.NEmbd)
		if err != nil {
			return nil, errors.Wrapf(err, "tensor %sweight", p)
		}
		bias, err := fromStored(stored[p+"bias"], 3*cfg.NEmbd, 1)
		if err != nil {
			return nil, errors.Wrapf(err, "tensor %sbias", p)
		}
		b.Attn.unstack(w, bias)
	}
	return g, nil
}
