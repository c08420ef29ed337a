package training

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/manningwu07/chattune/IO"
	"github.com/manningwu07/chattune/optimizations"
	"github.com/manningwu07/chattune/transformer"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gonum.org/v1/gonum/mat"
)

const (
	CheckpointPrefix = "checkpoint-"
	OptimizerFile    = "optimizer.safetensors"
	StateFile        = "trainer_state.json"
)

// LogEntry is one logged training window.
type LogEntry struct {
	Step         int     `json:"step"`
	Epoch        float64 `json:"epoch"`
	Loss         float64 `json:"loss"`
	LearningRate float64 `json:"learning_rate"`
}

// State is written as trainer_state.json next to every saved model.
type State struct {
	GlobalStep     int        `json:"global_step"`
	MaxSteps       int        `json:"max_steps"`
	Epoch          float64    `json:"epoch"`
	NumTrainEpochs int        `json:"num_train_epochs"`
	TrainBatchSize int        `json:"train_batch_size"`
	Seed           int64      `json:"seed"`
	LogHistory     []LogEntry `json:"log_history"`
}

// Checkpoint is one checkpoint-<step> directory.
type Checkpoint struct {
	Step int
	Dir  string
}

// SaveModel writes the model, tokenizer and trainer state into dir.
func SaveModel(fs afero.Fs, dir string, model *transformer.Transformer, tok *IO.Tokenizer, state State) error {
	if err := model.Save(fs, dir); err != nil {
		return err
	}
	if err := tok.Save(fs, dir); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding trainer state")
	}
	return errors.Wrap(afero.WriteFile(fs, filepath.Join(dir, StateFile), raw, 0o644), "writing trainer state")
}

func LoadState(fs afero.Fs, dir string) (State, error) {
	var st State
	raw, err := afero.ReadFile(fs, filepath.Join(dir, StateFile))
	if err != nil {
		return st, errors.Wrapf(err, "reading trainer state in %s", dir)
	}
	return st, errors.Wrapf(json.Unmarshal(raw, &st), "decoding trainer state in %s", dir)
}

// SaveOptimizer stores the AdamW moments by parameter name.
func SaveOptimizer(fs afero.Fs, dir string, opt *optimizations.AdamW) error {
	tensors := make(map[string]*transformer.Tensor, 2*len(opt.M))
	for name, m := range opt.M {
		tensors["exp_avg."+name] = denseTensor(m)
	}
	for name, v := range opt.V {
		tensors["exp_avg_sq."+name] = denseTensor(v)
	}
	meta := map[string]string{
		"step":         strconv.Itoa(opt.Step),
		"beta1":        strconv.FormatFloat(opt.Beta1, 'g', -1, 64),
		"beta2":        strconv.FormatFloat(opt.Beta2, 'g', -1, 64),
		"eps":          strconv.FormatFloat(opt.Eps, 'g', -1, 64),
		"weight_decay": strconv.FormatFloat(opt.WeightDecay, 'g', -1, 64),
	}
	f, err := fs.Create(filepath.Join(dir, OptimizerFile))
	if err != nil {
		return errors.Wrap(err, "creating optimizer file")
	}
	if err := transformer.WriteSafetensors(f, tensors, meta); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "closing optimizer file")
}

// LoadOptimizer restores moments and step count. Hyperparameters come from
// the file.
func LoadOptimizer(fs afero.Fs, dir string) (*optimizations.AdamW, error) {
	f, err := fs.Open(filepath.Join(dir, OptimizerFile))
	if err != nil {
		return nil, errors.Wrapf(err, "opening optimizer state in %s", dir)
	}
	defer f.Close()
	tensors, meta, err := transformer.ReadSafetensors(f)
	if err != nil {
		return nil, err
	}
	num := func(key string) (float64, error) {
		v, err := strconv.ParseFloat(meta[key], 64)
		return v, errors.Wrapf(err, "optimizer %s", key)
	}
	var hp [4]float64
	for i, key := range []string{"beta1", "beta2", "eps", "weight_decay"} {
		if hp[i], err = num(key); err != nil {
			return nil, err
		}
	}
	opt := optimizations.NewAdamW(hp[0], hp[1], hp[2], hp[3])
	if opt.Step, err = strconv.Atoi(meta["step"]); err != nil {
		return nil, errors.Wrap(err, "optimizer step")
	}
	for name, t := range tensors {
		if len(t.Shape) != 2 {
			return nil, errors.Errorf("optimizer tensor %s has shape %v", name, t.Shape)
		}
		m := mat.NewDense(t.Shape[0], t.Shape[1], t.Data)
		switch {
		case strings.HasPrefix(name, "exp_avg_sq."):
			opt.V[strings.TrimPrefix(name, "exp_avg_sq.")] = m
		case strings.HasPrefix(name, "exp_avg."):
			opt.M[strings.TrimPrefix(name, "exp_avg.")] = m
		}
	}
	return opt, nil
}

func denseTensor(m *mat.Dense) *transformer.Tensor {
	r, c := m.Dims()
	return &transformer.Tensor{Shape: []int{r, c}, Data: mat.DenseCopyOf(m).RawMatrix().Data}
}

// ListCheckpoints returns the checkpoint-<step> dirs under outputDir,
// oldest first.
func ListCheckpoints(fs afero.Fs, outputDir string) ([]Checkpoint, error) {
	entries, err := afero.ReadDir(fs, outputDir)
	if err != nil {
		if ok, _ := afero.DirExists(fs, outputDir); !ok {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing %s", outputDir)
	}
	var out []Checkpoint
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), CheckpointPrefix) {
			continue
		}
		step, err := strconv.Atoi(strings.TrimPrefix(e.Name(), CheckpointPrefix))
		if err != nil {
			continue
		}
		out = append(out, Checkpoint{Step: step, Dir: filepath.Join(outputDir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

// RotateCheckpoints deletes all but the newest limit checkpoints and
// returns the removed dirs. limit <= 0 keeps everything.
func RotateCheckpoints(fs afero.Fs, outputDir string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	cks, err := ListCheckpoints(fs, outputDir)
	if err != nil || len(cks) <= limit {
		return nil, err
	}
	var removed []string
	for _, ck := range cks[:len(cks)-limit] {
		if err := fs.RemoveAll(ck.Dir); err != nil {
			return removed, errors.Wrapf(err, "removing %s", ck.Dir)
		}
		removed = append(removed, ck.Dir)
	}
	return removed, nil
}
