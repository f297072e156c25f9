package trainer

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"advtorch/attack"
	"advtorch/dataset"
	"advtorch/metrics"
	"advtorch/tensor"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStepper struct {
	iters  []int
	after  func(n int)
	result StepResult
}

func (f *fakeStepper) Step(ctx context.Context, iter int, x *tensor.Tensor, labels []int) (StepResult, error) {
	f.iters = append(f.iters, iter)
	if f.after != nil {
		f.after(len(f.iters))
	}
	return f.result, nil
}

type fakeEval struct{ calls int }

func (f *fakeEval) Run(ctx context.Context, src dataset.Rewinder, observe func(string, float64)) (attack.Report, error) {
	f.calls++
	observe("clean", 0.5)
	return attack.Report{Clean: 0.5, FGS: 0.4, PGD: 0.3, G: 0.45}, nil
}

type fakeStore struct {
	steps   []int
	ctxErrs []error
}

func (f *fakeStore) Save(ctx context.Context, step int) error {
	f.steps = append(f.steps, step)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return nil
}

type stateRecorder struct {
	metrics.Nop
	states []string
	evals  int
	steps  int
	bad    int
}

func (s *stateRecorder) ObserveState(state string)      { s.states = append(s.states, state) }
func (s *stateRecorder) ObserveStep(metrics.StepSample) { s.steps++ }
func (s *stateRecorder) ObserveEval(int, attack.Report) { s.evals++ }
func (s *stateRecorder) ObserveNonFinite(int)           { s.bad++ }

type loopFixture struct {
	stepper  *fakeStepper
	eval     *fakeEval
	store    *fakeStore
	observer *stateRecorder
	hook     *test.Hook
}

func newLoop(t *testing.T, cfg LoopConfig) (*Loop, *loopFixture) {
	t.Helper()
	src, err := dataset.Synthetic(dataset.SyntheticOptions{
		Examples: 8, Size: imgSide, Channels: channels, ClassNum: classes, BatchSize: 2, Noise: 0.1, Seed: 1, Shuffle: true,
	})
	require.NoError(t, err)
	testSrc, err := dataset.Synthetic(dataset.SyntheticOptions{
		Examples: 4, Size: imgSide, Channels: channels, ClassNum: classes, BatchSize: 2, Noise: 0.1, Seed: 2,
	})
	require.NoError(t, err)
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	fx := &loopFixture{
		stepper:  &fakeStepper{result: StepResult{LossG: -1, GLoss3: -0.9, GLoss5: -0.8, LossD: 2}},
		eval:     &fakeEval{},
		store:    &fakeStore{},
		observer: &stateRecorder{},
		hook:     hook,
	}
	if cfg.ClassNum == 0 {
		cfg.ClassNum = classes
	}
	l, err := NewLoop(cfg, LoopDeps{
		Stepper:  fx.stepper,
		Train:    src,
		Test:     testSrc,
		Augment:  dataset.NewAugmenter(1, rand.New(rand.NewSource(3))),
		Eval:     fx.eval,
		Store:    fx.store,
		Observer: fx.observer,
		Log:      logrus.NewEntry(logger),
	})
	require.NoError(t, err)
	return l, fx
}

func TestLoopCadence(t *testing.T) {
	l, fx := newLoop(t, LoopConfig{NSteps: 5, PrintIter: 2, SaveIter: 3})
	require.NoError(t, l.Run(context.Background()))

	assert.Equal(t, []int{0, 1, 2, 3, 4}, fx.stepper.iters)
	assert.Equal(t, 3, fx.eval.calls) // iterations 0, 2, 4
	assert.Equal(t, []int{1, 4, 5}, fx.store.steps)
	assert.Equal(t, 5, fx.observer.steps)
	assert.Equal(t, 3, fx.observer.evals)
	assert.Equal(t, 5, l.GlobalStep())
	assert.Equal(t, Stopped, l.State())
	assert.Equal(t, "stopped", fx.observer.states[len(fx.observer.states)-1])

	var progress int
	for _, e := range fx.hook.AllEntries() {
		if e.Message == "progress" {
			progress++
			for _, k := range []string{"i", "loss_g", "g_loss3", "g_loss5", "loss_d", "acc", "acc_fgs", "acc_pgd", "acc_g", "d_reg", "g_reg"} {
				assert.Contains(t, e.Data, k)
			}
		}
	}
	assert.Equal(t, 3, progress)
}

func TestLoopStopWritesFinalCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l, fx := newLoop(t, LoopConfig{NSteps: 100, PrintIter: 50, SaveIter: 50})
	fx.stepper.after = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	require.NoError(t, l.Run(ctx))
	assert.Equal(t, []int{0, 1}, fx.stepper.iters)
	assert.Equal(t, []int{1, 2}, fx.store.steps)
	assert.NoError(t, fx.store.ctxErrs[len(fx.store.ctxErrs)-1])
	assert.Equal(t, 2, l.GlobalStep())
	assert.Equal(t, Stopped, l.State())
}

func TestLoopResumesFromStartStep(t *testing.T) {
	l, fx := newLoop(t, LoopConfig{NSteps: 5, PrintIter: 10, SaveIter: 10, StartStep: 3})
	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []int{3, 4}, fx.stepper.iters)
	assert.Zero(t, fx.eval.calls)
	assert.Equal(t, []int{5}, fx.store.steps)
}

func TestLoopNonFiniteLoss(t *testing.T) {
	l, fx := newLoop(t, LoopConfig{NSteps: 3, PrintIter: 10, SaveIter: 10})
	fx.stepper.result.LossD = math.NaN()
	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, 3, fx.observer.bad)

	l, fx = newLoop(t, LoopConfig{NSteps: 3, PrintIter: 10, SaveIter: 10, HaltOnNonFinite: true})
	fx.stepper.result.GReg = math.Inf(1)
	err := l.Run(context.Background())
	require.ErrorIs(t, err, ErrNonFinite)
	assert.Equal(t, []int{0}, fx.stepper.iters)
	assert.Equal(t, 1, fx.observer.bad)
}

func TestNewLoopValidates(t *testing.T) {
	_, err := NewLoop(LoopConfig{NSteps: 1, PrintIter: 0, SaveIter: 1}, LoopDeps{})
	require.Error(t, err)
	_, err = NewLoop(LoopConfig{NSteps: 1, PrintIter: 1, SaveIter: 1}, LoopDeps{})
	require.Error(t, err)
}

func TestStateNames(t *testing.T) {
	names := []string{}
	for _, s := range []State{Initializing, Stepping, Evaluating, Checkpointing, Stopped} {
		names = append(names, s.String())
	}
	assert.Equal(t, []string{"initializing", "stepping", "evaluating", "checkpointing", "stopped"}, names)
}
