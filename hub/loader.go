package hub

import (
	"context"
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/manningwu07/chattune/IO"
	"github.com/manningwu07/chattune/transformer"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// LoadPretrained resolves id and loads its model and tokenizer. A
// tokenizer without a padding token pads with its end-of-sequence token.
func LoadPretrained(ctx context.Context, repo *Repository, id string) (*transformer.Transformer, *IO.Tokenizer, error) {
	dir, err := repo.Resolve(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	model, tok, err := LoadDir(repo.Fs, dir)
	if err != nil {
		return nil, nil, err
	}
	log := repo.logger()
	if tok.EnsurePadToken() {
		log.Info("no padding token, using eos", zap.String("eos", tok.EOS))
	}
	log.Info("loaded model",
		zap.String("id", id),
		zap.String("dir", dir),
		zap.String("params", humanize.Comma(int64(model.NumParams()))),
		zap.Int("vocab", tok.VocabSize()),
		zap.Int("context", model.Config.NPositions))
	return model, tok, nil
}

// LoadDir loads a checkpoint directory without resolving it. The pad
// fallback is not applied.
func LoadDir(fs afero.Fs, dir string) (*transformer.Transformer, *IO.Tokenizer, error) {
	model, err := transformer.Load(fs, dir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "loading model from %s", dir)
	}
	tok, err := IO.LoadTokenizer(fs, dir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "loading tokenizer from %s", dir)
	}
	if tok.VocabSize() > model.Config.VocabSize {
		return nil, nil, errors.Errorf("tokenizer has %d tokens, model vocab_size is %d", tok.VocabSize(), model.Config.VocabSize)
	}
	if tok.EOSID() < 0 {
		return nil, nil, errors.Errorf("tokenizer in %s has no end-of-sequence token", dir)
	}
	return model, tok, nil
}

// BaseOptions shape a freshly initialised model.
type BaseOptions struct {
	VocabSize int
	Positions int
	Embd      int
	Layers    int
	Heads     int
	Seed      int64
}

// WriteBase trains a tokenizer on lines, initialises a GPT-2 model around
// it and saves both into dir.
func WriteBase(fs afero.Fs, dir string, lines []string, opts BaseOptions) (*transformer.Transformer, *IO.Tokenizer, error) {
	tok, err := IO.TrainBPE(lines, IO.TrainOptions{MaxVocabSize: opts.VocabSize})
	if err != nil {
		return nil, nil, err
	}
	tok.ModelMaxLength = opts.Positions

	cfg := transformer.DefaultConfig(tok.VocabSize())
	cfg.NPositions, cfg.NCtx = opts.Positions, opts.Positions
	cfg.NEmbd, cfg.NLayer, cfg.NHead = opts.Embd, opts.Layers, opts.Heads
	cfg.BosTokenID, cfg.EosTokenID = tok.EOSID(), tok.EOSID()

	model, err := transformer.New(cfg, rand.New(rand.NewSource(opts.Seed)))
	if err != nil {
		return nil, nil, err
	}
	if err := model.Save(fs, dir); err != nil {
		return nil, nil, err
	}
	if err := tok.Save(fs, dir); err != nil {
		return nil, nil, err
	}
	return model, tok, nil
}
