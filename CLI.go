package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/manningwu07/chattune/IO"
	"github.com/manningwu07/chattune/chat"
	"github.com/manningwu07/chattune/hub"
	"github.com/manningwu07/chattune/params"
	"github.com/manningwu07/chattune/training"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func bindFlags(f *pflag.FlagSet, c *params.TrainingConfig) {
	f.StringVar(&c.ModelID, "model", c.ModelID, "model id: local dir, s3://bucket/prefix or hub org/name")
	f.StringVar(&c.DatasetPath, "dataset", c.DatasetPath, "text file, one utterance per line")
	f.IntVar(&c.BlockSize, "block-size", c.BlockSize, "tokens per training example")
	f.StringVar(&c.CacheDir, "cache-dir", c.CacheDir, "tokenization cache and model downloads")
	f.StringVar(&c.OutputDir, "output-dir", c.OutputDir, "checkpoints and the fine-tuned model")

	f.IntVar(&c.Epochs, "epochs", c.Epochs, "passes over the dataset")
	f.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "examples per optimizer step")
	f.Float64Var(&c.LearningRate, "lr", c.LearningRate, "peak learning rate")
	f.IntVar(&c.WarmupSteps, "warmup-steps", c.WarmupSteps, "linear warmup steps")
	f.Float64Var(&c.WeightDecay, "weight-decay", c.WeightDecay, "AdamW weight decay")
	f.Float64Var(&c.AdamBeta1, "adam-beta1", c.AdamBeta1, "AdamW beta1")
	f.Float64Var(&c.AdamBeta2, "adam-beta2", c.AdamBeta2, "AdamW beta2")
	f.Float64Var(&c.AdamEps, "adam-eps", c.AdamEps, "AdamW epsilon")
	f.Float64Var(&c.GradClip, "grad-clip", c.GradClip, "global gradient norm clip, <=0 disables")
	f.BoolVar(&c.DropLastBatch, "drop-last", c.DropLastBatch, "drop the last partial batch of every epoch")
	f.IntVar(&c.Workers, "workers", c.Workers, "gradient replicas per batch")
	f.Int64Var(&c.Seed, "seed", c.Seed, "shuffle, init and sampling seed")

	f.IntVar(&c.LogEverySteps, "log-every", c.LogEverySteps, "log the loss every N steps")
	f.IntVar(&c.SaveEverySteps, "save-every", c.SaveEverySteps, "checkpoint every N steps, 0 disables")
	f.IntVar(&c.SaveTotalLimit, "save-total-limit", c.SaveTotalLimit, "checkpoints to keep, <=0 keeps all")
	f.Int64Var(&c.MaxShardBytes, "max-shard-bytes", c.MaxShardBytes, "tokenization cache shard size")

	f.IntVar(&c.MaxLength, "max-length", c.MaxLength, "generated length including the prompt")
	f.IntVar(&c.MinNewTokens, "min-new-tokens", c.MinNewTokens, "tokens generated before eos may end a reply")
	f.BoolVar(&c.DoSample, "do-sample", c.DoSample, "sample instead of greedy decoding")
	f.Float64Var(&c.Temperature, "temperature", c.Temperature, "sampling temperature")
	f.IntVar(&c.TopK, "top-k", c.TopK, "sample from the k most likely tokens, 0 disables")
	f.Float64Var(&c.TopP, "top-p", c.TopP, "nucleus sampling mass")

	f.StringVar(&c.HubEndpoint, "hub-endpoint", c.HubEndpoint, "model hub base url, empty disables downloads")
	f.StringVar(&c.HubRevision, "hub-revision", c.HubRevision, "model hub revision")
	f.StringVar(&c.PushTo, "push-to", c.PushTo, "s3:// destination for the fine-tuned model")
	f.StringVar(&c.S3Region, "s3-region", c.S3Region, "S3 region")
	f.StringVar(&c.S3Endpoint, "s3-endpoint", c.S3Endpoint, "S3-compatible endpoint")

	f.IntVar(&c.InitVocabSize, "init-vocab-size", c.InitVocabSize, "init: tokenizer vocabulary size")
	f.IntVar(&c.InitLayers, "init-layers", c.InitLayers, "init: transformer blocks")
	f.IntVar(&c.InitEmbd, "init-embd", c.InitEmbd, "init: model width")
	f.IntVar(&c.InitHeads, "init-heads", c.InitHeads, "init: attention heads")

	f.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	f.StringVar(&c.LogFormat, "log-format", c.LogFormat, "console or json")
}

func initCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "train a tokenizer on the dataset and write a freshly initialised base model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			lines, err := IO.ReadLines(a.fs, cfg.DatasetPath)
			if err != nil {
				return err
			}
			positions := cfg.BlockSize
			if cfg.MaxLength > positions {
				positions = cfg.MaxLength
			}
			model, tok, err := hub.WriteBase(a.fs, out, lines, hub.BaseOptions{
				VocabSize: cfg.InitVocabSize,
				Positions: positions,
				Embd:      cfg.InitEmbd,
				Layers:    cfg.InitLayers,
				Heads:     cfg.InitHeads,
				Seed:      cfg.Seed,
			})
			if err != nil {
				return err
			}
			a.log.Info("wrote base model",
				zap.String("dir", out),
				zap.Int("vocab", tok.VocabSize()),
				zap.String("params", humanize.Comma(int64(model.NumParams()))),
				zap.Int("corpus_words", IO.CorpusWords(lines)))
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "base", "directory for the new model")
	return cmd
}

func prepareCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare",
		Short: "tokenize the dataset into the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.repository()
			if err != nil {
				return err
			}
			_, tok, err := hub.LoadPretrained(cmd.Context(), repo, a.cfg.ModelID)
			if err != nil {
				return err
			}
			_, info, err := a.prepare(tok)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.Prefix)
			return nil
		},
	}
}

func (a *app) prepare(tok *IO.Tokenizer) (*IO.Dataset, IO.CacheInfo, error) {
	cfg := a.cfg
	ds, info, err := IO.PrepareDataset(a.fs, tok, cfg.DatasetPath, cfg.BlockSize, cfg.CacheDir, cfg.MaxShardBytes)
	if err != nil {
		return nil, info, err
	}
	a.log.Info("tokenized dataset",
		zap.String("path", cfg.DatasetPath),
		zap.Int("examples", ds.Len()),
		zap.Int("block_size", cfg.BlockSize),
		zap.String("cache", info.Prefix),
		zap.String("size", humanize.Bytes(uint64(info.TotalBytes))))
	return ds, info, nil
}

func trainCmd(a *app) *cobra.Command {
	var resume string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "fine-tune the model on the dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.train(cmd.Context(), resume)
		},
	}
	cmd.Flags().StringVar(&resume, "resume-from", "", "checkpoint directory to continue from")
	return cmd
}

func (a *app) train(ctx context.Context, resume string) error {
	repo, err := a.repository()
	if err != nil {
		return err
	}
	model, tok, err := hub.LoadPretrained(ctx, repo, a.cfg.ModelID)
	if err != nil {
		return err
	}
	ds, _, err := a.prepare(tok)
	if err != nil {
		return err
	}
	tr := training.NewTrainer(model, tok, a.cfg, a.fs, a.log)
	if resume != "" {
		if err := tr.Resume(resume); err != nil {
			return err
		}
	}
	res, err := tr.Train(ctx, ds)
	if err != nil {
		return err
	}

	if len(res.History) > 1 {
		losses := make([]float64, len(res.History))
		for i, e := range res.History {
			losses[i] = e.Loss
		}
		fmt.Fprintln(a.stderr, "loss:")
		asciiPlot(a.stderr, lossCurve(losses, 60))
	}

	if a.cfg.PushTo != "" {
		if err := repo.Push(ctx, res.OutputDir, a.cfg.PushTo); err != nil {
			return err
		}
	}
	return nil
}

func chatCmd(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "talk to the fine-tuned model; type exit to quit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = a.cfg.OutputDir
			}
			return a.chat(cmd.Context(), dir)
		},
	}
	cmd.Flags().StringVar(&dir, "from", "", "model directory (defaults to --output-dir)")
	return cmd
}

func (a *app) chat(ctx context.Context, dir string) error {
	repo := &hub.Repository{Fs: a.fs, CacheDir: a.cfg.CacheDir, Log: a.log}
	model, tok, err := hub.LoadPretrained(ctx, repo, filepath.Clean(dir))
	if err != nil {
		return err
	}
	return chat.NewSession(model, tok, a.cfg, a.log).Loop(a.stdin, a.stdout)
}

func runCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "load, prepare, fine-tune, then chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.train(cmd.Context(), ""); err != nil {
				return err
			}
			return a.chat(cmd.Context(), a.cfg.OutputDir)
		},
	}
}
