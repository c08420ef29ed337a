package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/manningwu07/chattune/hub"
	"github.com/manningwu07/chattune/logging"
	"github.com/manningwu07/chattune/params"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// app carries what every command shares. Tests swap fs and the streams.
type app struct {
	fs         afero.Fs
	cfg        params.TrainingConfig
	configPath string
	log        *zap.Logger

	stdin          io.Reader
	stdout, stderr io.Writer
}

func newApp() *app {
	return &app{
		fs:     afero.NewOsFs(),
		cfg:    params.Defaults,
		log:    zap.NewNop(),
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp()
	cmd := rootCmd(a)
	err := cmd.ExecuteContext(ctx)
	a.log.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "chattune",
		Short:         "fine-tune a conversational GPT-2 model and chat with it",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "YAML file overlaid on the defaults; flags win over it")
	bindFlags(f, &a.cfg)

	root.AddCommand(initCmd(a), prepareCmd(a), trainCmd(a), chatCmd(a), runCmd(a))
	return root
}

// setup loads the config file, reapplies explicitly set flags on top of it
// and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	changed := map[string]string{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })

	cfg, err := params.Load(a.fs, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	for name, v := range changed {
		if err := cmd.Flags().Set(name, v); err != nil {
			return errors.Wrapf(err, "flag --%s", name)
		}
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.NewWithWriter(a.cfg.LogLevel, a.cfg.LogFormat, a.stderr)
	if err != nil {
		return err
	}
	a.log = log
	return nil
}

// repository wires the hub endpoint and, when an s3:// location is in
// play, an S3 client.
func (a *app) repository() (*hub.Repository, error) {
	repo := &hub.Repository{
		Fs:       a.fs,
		CacheDir: a.cfg.CacheDir,
		Endpoint: a.cfg.HubEndpoint,
		Revision: a.cfg.HubRevision,
		Token:    os.Getenv("HF_TOKEN"),
		Log:      a.log,
	}
	if strings.HasPrefix(a.cfg.ModelID, "s3://") || strings.HasPrefix(a.cfg.PushTo, "s3://") {
		svc, err := hub.NewS3Client(a.cfg.S3Region, a.cfg.S3Endpoint)
		if err != nil {
			return nil, err
		}
		repo.S3 = svc
	}
	return repo, nil
}
