package training

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"

	"github.com/manningwu07/chattune/IO"
	"github.com/manningwu07/chattune/optimizations"
	"github.com/manningwu07/chattune/params"
	"github.com/manningwu07/chattune/transformer"
	"github.com/manningwu07/chattune/utils"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ErrDiverged is returned when a batch loss is NaN or infinite.
var ErrDiverged = errors.New("training diverged")

// ErrBlockTooLong is returned when dataset blocks do not fit the model's
// position table.
var ErrBlockTooLong = errors.New("block size exceeds model positions")

// Result summarises a finished run.
type Result struct {
	Steps       int
	LastLoss    float64 // mean loss of the final step
	OutputDir   string
	Checkpoints []string
	History     []LogEntry // every logged window, resumed runs included
}

type Trainer struct {
	Model     *transformer.Transformer
	Tokenizer *IO.Tokenizer
	Config    params.TrainingConfig
	Fs        afero.Fs
	Log       *zap.Logger

	opt      *optimizations.AdamW
	state    State
	replicas []*transformer.Transformer
}

func NewTrainer(model *transformer.Transformer, tok *IO.Tokenizer, cfg params.TrainingConfig, fs afero.Fs, log *zap.Logger) *Trainer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trainer{
		Model:     model,
		Tokenizer: tok,
		Config:    cfg,
		Fs:        fs,
		Log:       log,
		opt:       optimizations.NewAdamW(cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps, cfg.WeightDecay),
	}
}

// Resume copies weights from a checkpoint directory into Model and
// restores the optimizer moments and step counter. Train then skips the
// steps already taken.
func (t *Trainer) Resume(dir string) error {
	model, err := transformer.Load(t.Fs, dir)
	if err != nil {
		return errors.Wrapf(err, "resuming from %s", dir)
	}
	a, b := model.Config, t.Model.Config
	if a.VocabSize != b.VocabSize || a.NEmbd != b.NEmbd || a.NLayer != b.NLayer || a.NPositions != b.NPositions || a.Inner() != b.Inner() {
		return errors.Errorf("checkpoint %s does not match the model being trained", dir)
	}
	opt, err := LoadOptimizer(t.Fs, dir)
	if err != nil {
		return err
	}
	st, err := LoadState(t.Fs, dir)
	if err != nil {
		return err
	}
	loaded := model.Params()
	for i, p := range t.Model.Params() {
		p.W.Copy(loaded[i].W)
	}
	t.opt, t.state = opt, st
	t.Log.Info("resumed", zap.String("dir", dir), zap.Int("step", st.GlobalStep))
	return nil
}

// StepsPerEpoch is the number of optimizer steps one pass over n examples
// takes.
func (t *Trainer) StepsPerEpoch(n int) int {
	bs := t.Config.BatchSize
	if t.Config.DropLastBatch {
		return n / bs
	}
	return (n + bs - 1) / bs
}

// Train fine-tunes the model on ds and saves the result to OutputDir.
func (t *Trainer) Train(ctx context.Context, ds *IO.Dataset) (Result, error) {
	cfg := t.Config
	if ds.BlockSize > t.Model.Config.NPositions {
		return Result{}, errors.Wrapf(ErrBlockTooLong, "block size %d, n_positions %d", ds.BlockSize, t.Model.Config.NPositions)
	}
	n := ds.Len()
	perEpoch := t.StepsPerEpoch(n)
	total := perEpoch * cfg.Epochs
	res := Result{OutputDir: cfg.OutputDir}

	if t.state.GlobalStep > total {
		return res, errors.Errorf("checkpoint is at step %d, the run only has %d", t.state.GlobalStep, total)
	}
	t.state.MaxSteps = total
	t.state.NumTrainEpochs = cfg.Epochs
	t.state.TrainBatchSize = cfg.BatchSize
	t.state.Seed = cfg.Seed

	t.Log.Info("training",
		zap.Int("examples", n),
		zap.Int("epochs", cfg.Epochs),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("total_steps", total),
		zap.Int("start_step", t.state.GlobalStep),
		zap.Int("workers", cfg.Workers))

	var (
		windowLoss  float64
		windowSteps int
	)
	done := 0
	for epoch := 0; epoch < cfg.Epochs && perEpoch > 0; epoch++ {
		order := rand.New(rand.NewSource(cfg.Seed + int64(epoch))).Perm(n)
		for b := 0; b < perEpoch; b++ {
			if done < t.state.GlobalStep {
				done++
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}

			lo, hi := b*cfg.BatchSize, (b+1)*cfg.BatchSize
			if hi > n {
				hi = n
			}
			examples := make([]IO.Example, 0, hi-lo)
			for _, idx := range order[lo:hi] {
				examples = append(examples, ds.Examples[idx])
			}

			lr := optimizations.LinearSchedule(t.state.GlobalStep, cfg.WarmupSteps, total, cfg.LearningRate)
			loss, err := t.step(Collate(examples), lr)
			if err != nil {
				return res, errors.Wrapf(err, "step %d", t.state.GlobalStep+1)
			}
			t.state.GlobalStep++
			done++
			t.state.Epoch = float64(epoch) + float64(b+1)/float64(perEpoch)
			res.LastLoss = loss
			windowLoss += loss
			windowSteps++

			step := t.state.GlobalStep
			if cfg.LogEverySteps > 0 && step%cfg.LogEverySteps == 0 {
				entry := LogEntry{Step: step, Epoch: t.state.Epoch, Loss: windowLoss / float64(windowSteps), LearningRate: lr}
				t.state.LogHistory = append(t.state.LogHistory, entry)
				t.Log.Info("train",
					zap.Int("step", step),
					zap.Float64("epoch", entry.Epoch),
					zap.Float64("loss", entry.Loss),
					zap.Float64("lr", lr))
				windowLoss, windowSteps = 0, 0
			}
			if cfg.SaveEverySteps > 0 && step%cfg.SaveEverySteps == 0 {
				if err := t.checkpoint(step); err != nil {
					return res, err
				}
			}
		}
	}
	res.Steps = t.state.GlobalStep
	res.History = t.state.LogHistory

	if err := t.Fs.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return res, errors.Wrapf(err, "creating %s", cfg.OutputDir)
	}
	if err := SaveModel(t.Fs, cfg.OutputDir, t.Model, t.Tokenizer, t.state); err != nil {
		return res, errors.Wrap(err, "saving final model")
	}
	cks, err := ListCheckpoints(t.Fs, cfg.OutputDir)
	if err != nil {
		return res, err
	}
	for _, ck := range cks {
		res.Checkpoints = append(res.Checkpoints, ck.Dir)
	}
	t.Log.Info("saved model", zap.String("dir", cfg.OutputDir), zap.Int("steps", res.Steps))
	return res, nil
}

// step runs one optimizer step on a batch and returns its mean loss. A
// batch without scored targets leaves the weights untouched.
func (t *Trainer) step(batch Batch, lr float64) (float64, error) {
	ps := t.Model.Params()
	optimizations.ZeroGrads(ps)
	targets := batch.Targets()
	if targets == 0 {
		return 0, nil
	}
	scale := 1 / float64(targets)

	var lossSum float64
	if t.Config.Workers <= 1 || batch.Len() < 2 {
		for i := 0; i < batch.Len(); i++ {
			ids, labels := batch.row(i)
			if len(ids) < 2 {
				continue
			}
			l, _ := t.Model.LossAndGrad(ids, labels, scale)
			lossSum += l
		}
	} else {
		lossSum = t.parallelGrads(batch, scale)
	}

	loss := lossSum / float64(targets)
	if !utils.IsFinite(loss) {
		return loss, errors.Wrapf(ErrDiverged, "loss is %v", loss)
	}
	if t.Config.GradClip > 0 {
		utils.ClipGrads(t.Config.GradClip, optimizations.Grads(ps)...)
	}
	t.opt.Update(ps, lr)
	return loss, nil
}

// parallelGrads splits the rows of batch across gradient replicas and sums
// their grads into the model in replica order.
func (t *Trainer) parallelGrads(batch Batch, scale float64) float64 {
	workers := t.Config.Workers
	if workers > batch.Len() {
		workers = batch.Len()
	}
	for len(t.replicas) < workers {
		t.replicas = append(t.replicas, t.Model.CloneForGradsOnly())
	}

	losses := make([]float64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			r := t.replicas[w]
			optimizations.ZeroGrads(r.Params())
			for i := w; i < batch.Len(); i += workers {
				ids, labels := batch.row(i)
				if len(ids) < 2 {
					continue
				}
				l, _ := r.LossAndGrad(ids, labels, scale)
				losses[w] += l
			}
		}(w)
	}
	wg.Wait()

	sum := 0.0
	for w := 0; w < workers; w++ {
		t.Model.AddGradsFrom(t.replicas[w])
		sum += losses[w]
	}
	return sum
}

func (t *Trainer) checkpoint(step int) error {
	dir := filepath.Join(t.Config.OutputDir, fmt.Sprintf("%s%d", CheckpointPrefix, step))
	if err := SaveModel(t.Fs, dir, t.Model, t.Tokenizer, t.state); err != nil {
		return errors.Wrapf(err, "saving checkpoint %s", dir)
	}
	if err := SaveOptimizer(t.Fs, dir, t.opt); err != nil {
		return errors.Wrapf(err, "saving checkpoint %s", dir)
	}
	removed, err := RotateCheckpoints(t.Fs, t.Config.OutputDir, t.Config.SaveTotalLimit)
	if err != nil {
		return err
	}
	t.Log.Info("checkpoint", zap.String("dir", dir), zap.Strings("removed", removed))
	return nil
}
