package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"advtorch/attack"
	"advtorch/dataset"
	"advtorch/metrics"
	"advtorch/tensor"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNonFinite is returned when halting on non-finite losses is enabled and a loss is NaN or infinite.
var ErrNonFinite = errors.New("trainer: non-finite loss")

// State is the orchestrator's coarse position in an iteration.
type State int32

const (
	Initializing State = iota
	Stepping
	Evaluating
	Checkpointing
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Stepping:
		return "stepping"
	case Evaluating:
		return "evaluating"
	case Checkpointing:
		return "checkpointing"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stepper runs one training iteration.
type Stepper interface {
	Step(ctx context.Context, iter int, x *tensor.Tensor, labels []int) (StepResult, error)
}

// Evaluator scores the discriminator against the test stream.
type Evaluator interface {
	Run(ctx context.Context, src dataset.Rewinder, observe func(name string, acc float64)) (attack.Report, error)
}

// Checkpointer persists both networks and the global step.
type Checkpointer interface {
	Save(ctx context.Context, step int) error
}

// Augmenter turns a [0,1] training batch into the normalized network input.
type Augmenter interface {
	Apply(images *tensor.Tensor) (*tensor.Tensor, error)
}

// LoopConfig captures the knobs required by the training loop.
type LoopConfig struct {
	NSteps          int
	PrintIter       int
	SaveIter        int
	ClassNum        int
	StartStep       int // global step restored from a checkpoint
	HaltOnNonFinite bool
}

// Loop drives training: draw, augment, step, evaluate and checkpoint on cadence, stop cleanly.
type Loop struct {
	cfg      LoopConfig
	stepper  Stepper
	train    dataset.Source
	test     dataset.Rewinder
	augment  Augmenter
	eval     Evaluator
	store    Checkpointer
	observer metrics.Observer
	log      *logrus.Entry
	tracer   trace.Tracer

	state  atomic.Int32
	step   int
	window metrics.Window
}

// LoopDeps are the collaborators of a Loop. Observer and Log may be nil.
type LoopDeps struct {
	Stepper  Stepper
	Train    dataset.Source
	Test     dataset.Rewinder
	Augment  Augmenter
	Eval     Evaluator
	Store    Checkpointer
	Observer metrics.Observer
	Log      *logrus.Entry
}

func NewLoop(cfg LoopConfig, deps LoopDeps) (*Loop, error) {
	if cfg.NSteps < 0 {
		return nil, fmt.Errorf("trainer: nsteps must be >= 0 (got %d)", cfg.NSteps)
	}
	if cfg.PrintIter <= 0 || cfg.SaveIter <= 0 {
		return nil, fmt.Errorf("trainer: print_iter and save_iter must be > 0 (got %d, %d)", cfg.PrintIter, cfg.SaveIter)
	}
	if cfg.StartStep < 0 {
		return nil, fmt.Errorf("trainer: start step must be >= 0 (got %d)", cfg.StartStep)
	}
	if deps.Stepper == nil || deps.Train == nil || deps.Test == nil || deps.Augment == nil || deps.Eval == nil || deps.Store == nil {
		return nil, errors.New("trainer: loop is missing a collaborator")
	}
	if deps.Observer == nil {
		deps.Observer = metrics.Nop{}
	}
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &Loop{
		cfg:      cfg,
		stepper:  deps.Stepper,
		train:    deps.Train,
		test:     deps.Test,
		augment:  deps.Augment,
		eval:     deps.Eval,
		store:    deps.Store,
		observer: deps.Observer,
		log:      deps.Log,
		tracer:   otel.Tracer("advtorch/trainer"),
		step:     cfg.StartStep,
	}
	l.setState(Initializing)
	return l, nil
}

// State is safe to call from other goroutines.
func (l *Loop) State() State { return State(l.state.Load()) }

// GlobalStep is the number of completed iterations, including restored ones.
func (l *Loop) GlobalStep() int { return l.step }

func (l *Loop) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev != s {
		l.log.WithFields(logrus.Fields{"from": prev.String(), "to": s.String(), "step": l.step}).Debug("state")
	}
	l.observer.ObserveState(s.String())
}

// Run trains from the current global step to NSteps. A cancelled ctx is a stop request: the loop
// writes a final checkpoint and returns nil.
func (l *Loop) Run(ctx context.Context) error {
	l.log.WithFields(logrus.Fields{"start": l.step, "nsteps": l.cfg.NSteps}).Info("training started")
	for iter := l.step; iter < l.cfg.NSteps; iter++ {
		if ctx.Err() != nil {
			return l.stop(ctx, "stop requested")
		}
		l.setState(Stepping)

		startData := time.Now()
		batch, err := l.train.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return l.stop(ctx, "stop requested")
			}
			return fmt.Errorf("iteration %d: next batch: %w", iter, err)
		}
		if err := batch.Validate(l.cfg.ClassNum); err != nil {
			return fmt.Errorf("iteration %d: %w", iter, err)
		}
		x, err := l.augment.Apply(batch.Images)
		if err != nil {
			return fmt.Errorf("iteration %d: augment: %w", iter, err)
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		res, err := l.stepper.Step(ctx, iter, x, batch.Labels)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", iter, err)
		}
		computeTime := time.Since(startCompute)
		l.window.Record(batch.Size(), dataTime, computeTime, res.LossD)
		l.observer.ObserveStep(metrics.StepSample{
			Iter: iter, BatchSize: batch.Size(),
			LossG: res.LossG, GLoss3: res.GLoss3, GLoss5: res.GLoss5, LossD: res.LossD,
			DReg: res.DReg, GReg: res.GReg,
			Variant: res.Variant.String(), Elapsed: dataTime + computeTime,
		})

		if !finite(res) {
			l.observer.ObserveNonFinite(iter)
			l.log.WithFields(stepFields(iter, res)).Warn("non-finite loss")
			if l.cfg.HaltOnNonFinite {
				return fmt.Errorf("iteration %d: %w", iter, ErrNonFinite)
			}
		}

		if iter%l.cfg.PrintIter == 0 {
			l.setState(Evaluating)
			report, err := l.evaluate(ctx, iter)
			if err != nil {
				if ctx.Err() != nil {
					l.step = iter + 1
					return l.stop(ctx, "stop requested during evaluation")
				}
				return fmt.Errorf("iteration %d: %w", iter, err)
			}
			snap := l.window.Snapshot()
			fields := stepFields(iter, res)
			fields["acc"] = report.Clean
			fields["acc_fgs"] = report.FGS
			fields["acc_pgd"] = report.PGD
			fields["acc_g"] = report.G
			fields["images_per_sec"] = snap.ImagesPerSec
			fields["compute_ms"] = snap.AvgComputeMS
			l.log.WithFields(fields).Info("progress")
		}

		if iter%l.cfg.SaveIter == 0 {
			if err := l.checkpoint(ctx, iter+1); err != nil {
				return err
			}
		}
		l.step = iter + 1
	}

	if err := l.checkpoint(ctx, l.step); err != nil {
		return err
	}
	l.setState(Stopped)
	l.log.WithField("step", l.step).Info("training finished")
	return nil
}

func (l *Loop) stop(ctx context.Context, reason string) error {
	l.log.WithField("step", l.step).Info(reason)
	// the final checkpoint must not be cut short by the cancellation that triggered it
	if err := l.checkpoint(context.WithoutCancel(ctx), l.step); err != nil {
		return err
	}
	l.setState(Stopped)
	return nil
}

func (l *Loop) evaluate(ctx context.Context, iter int) (attack.Report, error) {
	ctx, span := l.tracer.Start(ctx, "evaluate", trace.WithAttributes(attribute.Int("iter", iter)))
	defer span.End()
	report, err := l.eval.Run(ctx, l.test, func(name string, acc float64) {
		span.SetAttributes(attribute.Float64("accuracy."+name, acc))
	})
	if err != nil {
		return report, err
	}
	l.observer.ObserveEval(iter, report)
	return report, nil
}

func (l *Loop) checkpoint(ctx context.Context, step int) error {
	l.setState(Checkpointing)
	ctx, span := l.tracer.Start(ctx, "checkpoint", trace.WithAttributes(attribute.Int("step", step)))
	defer span.End()
	if err := l.store.Save(ctx, step); err != nil {
		span.RecordError(err)
		return fmt.Errorf("checkpoint at step %d: %w", step, err)
	}
	l.observer.ObserveCheckpoint(step)
	l.log.WithField("step", step).Debug("checkpoint written")
	return nil
}

func stepFields(iter int, res StepResult) logrus.Fields {
	return logrus.Fields{
		"i":       iter,
		"loss_g":  res.LossG,
		"g_loss3": res.GLoss3,
		"g_loss5": res.GLoss5,
		"loss_d":  res.LossD,
		"d_reg":   res.DReg,
		"g_reg":   res.GReg,
		"variant": res.Variant.String(),
	}
}

func finite(res StepResult) bool {
	for _, v := range []float64{res.LossG, res.GLoss3, res.GLoss5, res.LossD, res.DReg, res.GReg} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
