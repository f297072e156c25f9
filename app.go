package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"advtorch/attack"
	"advtorch/checkpoint"
	"advtorch/config"
	"advtorch/dataset"
	"advtorch/metrics"
	"advtorch/models"
	"advtorch/telemetry"
	"advtorch/trainer"
	"advtorch/utility"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// cifarSize and cifarChannels are fixed by the CIFAR-10 binary format.
const (
	cifarSize     = 32
	cifarChannels = 3
)

// networks builds both models from one seeded source so runs are reproducible.
func networks(cfg *config.Config, rng *rand.Rand) (*models.Generator, *models.Discriminator, error) {
	g, err := models.NewGenerator(cfg.Channels, cfg.GHidden, rng)
	if err != nil {
		return nil, nil, err
	}
	d, err := models.NewDiscriminator(cfg.ImageSize, cfg.Channels, cfg.DWidth, cfg.ClassNum, rng)
	if err != nil {
		return nil, nil, err
	}
	return g, d, nil
}

// loadData returns the shuffled training stream and the fixed-order test stream.
func loadData(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*dataset.Memory, *dataset.Memory, error) {
	if cfg.Synthetic {
		base := dataset.SyntheticOptions{
			Size: cfg.ImageSize, Channels: cfg.Channels, ClassNum: cfg.ClassNum,
			BatchSize: cfg.BatchSize, Noise: 0.15,
		}
		trainOpts, testOpts := base, base
		trainOpts.Examples, trainOpts.Seed, trainOpts.Shuffle = cfg.TrainSize, cfg.RandomSeed, true
		testOpts.Examples, testOpts.Seed = cfg.TestSize, cfg.RandomSeed+1
		train, err := dataset.Synthetic(trainOpts)
		if err != nil {
			return nil, nil, fmt.Errorf("synthetic train set: %w", err)
		}
		test, err := dataset.Synthetic(testOpts)
		if err != nil {
			return nil, nil, fmt.Errorf("synthetic test set: %w", err)
		}
		log.WithFields(logrus.Fields{"train": train.Len(), "test": test.Len()}).Info("synthetic data ready")
		return train, test, nil
	}

	if cfg.ImageSize != cifarSize || cfg.Channels != cifarChannels {
		return nil, nil, fmt.Errorf("cifar-10 needs image_size %d and channels %d", cifarSize, cifarChannels)
	}
	train, err := dataset.LoadCIFAR10(ctx, dataset.CIFAROptions{
		Dir: cfg.DataDir, Train: true, BatchSize: cfg.BatchSize, Limit: cfg.TrainSize,
		Rng: rand.New(rand.NewSource(cfg.RandomSeed)),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("cifar-10 train split: %w", err)
	}
	test, err := dataset.LoadCIFAR10(ctx, dataset.CIFAROptions{
		Dir: cfg.DataDir, Train: false, BatchSize: cfg.BatchSize, Limit: cfg.TestSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("cifar-10 test split: %w", err)
	}
	log.WithFields(logrus.Fields{"train": train.Len(), "test": test.Len(), "dir": cfg.DataDir}).Info("cifar-10 loaded")
	return train, test, nil
}

func suite(cfg *config.Config, d, g models.Network) *attack.Suite {
	return attack.NewSuite(d, g, attack.Options{
		TestSize:  cfg.TestSize,
		BatchSize: cfg.BatchSize,
		ClassNum:  cfg.ClassNum,
		Epsilon:   cfg.Epsilon,
	}, cfg.PGDIter, rand.New(rand.NewSource(cfg.RandomSeed+2)))
}

func runTrain(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	runID, _ := log.Data["run_id"].(string)

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{ServiceName: "advtorch", RunID: runID, Endpoint: cfg.OTLPEndpoint})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("tracer shutdown")
		}
	}()

	rng := rand.New(rand.NewSource(cfg.RandomSeed))
	g, d, err := networks(cfg, rng)
	if err != nil {
		return err
	}
	train, test, err := loadData(ctx, cfg, log)
	if err != nil {
		return err
	}
	tr, err := trainer.New(g, d, trainer.Hyper{
		Epsilon:      cfg.Epsilon,
		WeightDecay:  cfg.WeightDecay,
		LearningRate: cfg.LearningRate,
		Gamma:        cfg.Gamma,
		DecayStep:    cfg.LRDecayStep,
	})
	if err != nil {
		return err
	}

	gOpts, dOpts := tr.Optimizers()
	dPath, gPath := cfg.CheckpointPaths()
	store, err := checkpoint.NewStore(dPath, gPath, runID, d.Params(), g.Params(), dOpts, gOpts)
	if err != nil {
		return err
	}
	start := 0
	if cfg.Resume && store.Exists() {
		if start, err = store.Restore(); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		log.WithField("step", start).Info("resumed from checkpoint")
	}

	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(reg)
	if err != nil {
		return err
	}
	observers := metrics.Multi{recorder}

	var dash *utility.Dashboard
	if cfg.Dashboard {
		logFile, err := os.OpenFile(filepath.Join(cfg.LogDir, "train.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer logFile.Close()
		log.Logger.SetOutput(logFile)

		dash, err = utility.NewDashboard(utility.DashboardParams{
			NSteps: cfg.NSteps, BatchSize: cfg.BatchSize,
			LearningRate: cfg.LearningRate, Epsilon: cfg.Epsilon, Gamma: cfg.Gamma,
		})
		if err != nil {
			return err
		}
		defer dash.Close()
		observers = append(observers, dash)
	}

	loop, err := trainer.NewLoop(trainer.LoopConfig{
		NSteps:          cfg.NSteps,
		PrintIter:       cfg.PrintIter,
		SaveIter:        cfg.SaveIter,
		ClassNum:        cfg.ClassNum,
		StartStep:       start,
		HaltOnNonFinite: cfg.HaltOnNonFinite,
	}, trainer.LoopDeps{
		Stepper:  tr,
		Train:    train,
		Test:     test,
		Augment:  dataset.NewAugmenter(4, rand.New(rand.NewSource(cfg.RandomSeed+3))),
		Eval:     suite(cfg, d, g),
		Store:    store,
		Observer: observers,
		Log:      log,
	})
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	group, gctx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		defer cancelRun()
		return loop.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		group.Go(func() error {
			log.WithField("addr", cfg.MetricsAddr).Info("serving metrics")
			return metrics.Serve(gctx, cfg.MetricsAddr, reg)
		})
	}
	if dash != nil {
		dash.Loop(gctx, cancelRun)
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runEval(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	g, d, err := networks(cfg, rand.New(rand.NewSource(cfg.RandomSeed)))
	if err != nil {
		return err
	}
	dPath, gPath := cfg.CheckpointPaths()
	store, err := checkpoint.NewStore(dPath, gPath, "", d.Params(), g.Params(), nil, nil)
	if err != nil {
		return err
	}
	var step int
	switch {
	case store.Exists():
		if step, err = store.Restore(); err != nil {
			return err
		}
	case store.HasDiscriminator():
		if step, err = store.RestoreDiscriminator(); err != nil {
			return err
		}
		log.WithField("path", gPath).Warn("generator checkpoint missing, acc_g uses an untrained generator")
	default:
		return fmt.Errorf("no discriminator checkpoint at %s", dPath)
	}
	_, test, err := loadData(ctx, cfg, log)
	if err != nil {
		return err
	}

	report, err := suite(cfg, d, g).Run(ctx, test, func(name string, acc float64) {
		log.WithFields(logrus.Fields{"attack": name, "accuracy": acc}).Debug("evaluated")
	})
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"step":    step,
		"acc":     report.Clean,
		"acc_fgs": report.FGS,
		"acc_pgd": report.PGD,
		"acc_g":   report.G,
	}).Info("evaluation")
	return nil
}

func runInspect(out io.Writer, cfg *config.Config, log *logrus.Entry) error {
	g, d, err := networks(cfg, rand.New(rand.NewSource(cfg.RandomSeed)))
	if err != nil {
		return err
	}
	dPath, gPath := cfg.CheckpointPaths()
	store, err := checkpoint.NewStore(dPath, gPath, "", d.Params(), g.Params(), nil, nil)
	if err != nil {
		return err
	}
	if store.Exists() {
		step, err := store.Restore()
		if err != nil {
			return err
		}
		log.WithField("step", step).Info("inspecting checkpoint")
	}
	for _, mi := range []*utility.ModelInspector{
		utility.NewModelInspector("Generator", g.Layers(), g.Params()),
		utility.NewModelInspector("Discriminator", d.Layers(), d.Params()),
	} {
		if err := mi.Summary(out); err != nil {
			return err
		}
	}
	return nil
}
