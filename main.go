// Command advtorch trains an image classifier against a learned adversarial generator and
// evaluates it under gradient attacks.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"advtorch/config"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type cliFlags struct {
	configPath string
	overrides  config.Overrides
}

func main() {
	var flags cliFlags

	root := &cobra.Command{
		Use:           "advtorch",
		Short:         "Adversarial generator/discriminator robust training",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to YAML config (defaults apply when empty)")
	pf.Int64Var(&flags.overrides.RandomSeed, "seed", 0, "PRNG seed")
	pf.IntVar(&flags.overrides.BatchSize, "batch-size", 0, "Batch size")
	pf.IntVar(&flags.overrides.NSteps, "nsteps", 0, "Number of training iterations")
	pf.Float64Var(&flags.overrides.Epsilon, "epsilon", 0, "Perturbation budget")
	pf.Float64Var(&flags.overrides.LearningRate, "learning-rate", 0, "Discriminator learning rate")
	pf.Float64Var(&flags.overrides.Gamma, "gamma", 0, "Second-order correction weight")
	pf.StringVar(&flags.overrides.LogDir, "log-dir", "", "Directory for checkpoints and logs")
	pf.StringVar(&flags.overrides.DataDir, "data-dir", "", "CIFAR-10 binary batch directory")
	pf.BoolVar(&flags.overrides.Synthetic, "synthetic", false, "Train on generated data instead of CIFAR-10")
	pf.BoolVar(&flags.overrides.Resume, "resume", false, "Resume from existing checkpoints")
	pf.StringVar(&flags.overrides.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	pf.StringVar(&flags.overrides.OTLPEndpoint, "otlp-endpoint", "", "Export traces to this OTLP/HTTP endpoint")
	pf.BoolVar(&flags.overrides.Dashboard, "dashboard", false, "Show the terminal dashboard")
	pf.StringVar(&flags.overrides.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.overrides.LogFormat, "log-format", "", "Log format (text, json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "train",
			Short: "Run the training loop",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := setup(flags)
				if err != nil {
					return err
				}
				return runTrain(cmd.Context(), cfg, log)
			},
		},
		&cobra.Command{
			Use:   "eval",
			Short: "Restore both checkpoints and run every attack once",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := setup(flags)
				if err != nil {
					return err
				}
				return runEval(cmd.Context(), cfg, log)
			},
		},
		&cobra.Command{
			Use:   "inspect",
			Short: "Print parameter summaries of both networks",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := setup(flags)
				if err != nil {
					return err
				}
				return runInspect(cmd.OutOrStdout(), cfg, log)
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		logrus.Fatalf("advtorch: %v", err)
	}
}

// setup loads the config, applies the flags and builds the run logger.
func setup(flags cliFlags) (*config.Config, *logrus.Entry, error) {
	cfg := config.Defaults()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}
	cfg.ApplyOverrides(flags.overrides)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := logrus.New()
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(level)
	return cfg, logger.WithField("run_id", uuid.NewString()), nil
}
