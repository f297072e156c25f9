package trainer

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"advtorch/models"
	"advtorch/nn"
	"advtorch/optimizer"
	"advtorch/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

const (
	imgSide  = 4
	channels = 1
	classes  = 3
)

func testNets(t *testing.T, seed int64) (*models.Generator, *models.Discriminator) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	g, err := models.NewGenerator(channels, 2, rng)
	require.NoError(t, err)
	d, err := models.NewDiscriminator(imgSide, channels, 2, classes, rng)
	require.NoError(t, err)
	return g, d
}

func testBatch(t *testing.T, seed int64, n int) (*tensor.Tensor, []int) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	x, err := tensor.Uniform([]int{n, imgSide, imgSide, channels}, -1, 1, rng)
	require.NoError(t, err)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i % classes
	}
	return x, labels
}

func testHyper() Hyper {
	return Hyper{Epsilon: 0.1, WeightDecay: 0.001, LearningRate: 0.01, Gamma: 0.5}
}

// versionRecorder records the generator version every time the generator runs forward.
type versionRecorder struct {
	models.Network
	seen []uint64
}

func (v *versionRecorder) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	v.seen = append(v.seen, v.Params().Version())
	return v.Network.Forward(x)
}

// flakyNet fails its next forward once armed.
type flakyNet struct {
	models.Network
	fail bool
}

func (f *flakyNet) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if f.fail {
		return nil, errors.New("boom")
	}
	return f.Network.Forward(x)
}

// lazyOptimizer updates nothing and never commits.
type lazyOptimizer struct{ set *nn.ParamSet }

func (l lazyOptimizer) Step(nn.GradVector) error { return nil }
func (l lazyOptimizer) Parameters() *nn.ParamSet { return l.set }
func (l lazyOptimizer) Name() string             { return "lazy" }

func TestSelectVariantBoundary(t *testing.T) {
	assert.Equal(t, FullRate, SelectVariant(0, DefaultDecayStep))
	assert.Equal(t, FullRate, SelectVariant(99999, DefaultDecayStep))
	assert.Equal(t, ReducedRate, SelectVariant(100000, DefaultDecayStep))
	assert.Equal(t, ReducedRate, SelectVariant(250000, DefaultDecayStep))
	assert.Equal(t, "full_rate", FullRate.String())
	assert.Equal(t, "reduced_rate", ReducedRate.String())
}

func TestNewRejectsSharedParameters(t *testing.T) {
	g, _ := testNets(t, 1)
	_, err := New(g, g, testHyper())
	require.Error(t, err)
}

func TestStepUpdateCounts(t *testing.T) {
	g, d := testNets(t, 2)
	tr, err := New(g, d, testHyper())
	require.NoError(t, err)
	x, labels := testBatch(t, 3, 4)

	gv, dv := g.Params().Version(), d.Params().Version()
	res, err := tr.Step(context.Background(), 0, x, labels)
	require.NoError(t, err)

	assert.Equal(t, FullRate, res.Variant)
	assert.Equal(t, ChainLength, tr.adam.Steps())
	assert.Equal(t, 1, tr.dFull.Steps())
	assert.Equal(t, 0, tr.dReduced.Steps())
	// five chain commits, the virtual step and its reversal
	assert.Equal(t, gv+ChainLength+2, g.Params().Version())
	assert.Equal(t, dv+1, d.Params().Version())
	assert.True(t, g.Params().AllFinite())
	assert.True(t, d.Params().AllFinite())
	assert.Greater(t, res.LossD, 0.0)
	assert.Less(t, res.LossG, 0.0)
	assert.GreaterOrEqual(t, res.DReg, 0.0)
	assert.GreaterOrEqual(t, res.GReg, 0.0)
}

func TestStepUsesReducedRateFromBoundary(t *testing.T) {
	g, d := testNets(t, 4)
	hp := testHyper()
	hp.DecayStep = 3
	tr, err := New(g, d, hp)
	require.NoError(t, err)
	x, labels := testBatch(t, 5, 2)

	for _, iter := range []int{1, 2, 3, 4} {
		_, err := tr.Step(context.Background(), iter, x, labels)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, tr.dFull.Steps())
	assert.Equal(t, 2, tr.dReduced.Steps())
}

func TestGeneratorForwardsSeeEachCommittedVersion(t *testing.T) {
	g, d := testNets(t, 6)
	rec := &versionRecorder{Network: g}
	tr, err := New(rec, d, testHyper())
	require.NoError(t, err)
	x, labels := testBatch(t, 7, 2)

	v0 := g.Params().Version()
	_, err = tr.Step(context.Background(), 0, x, labels)
	require.NoError(t, err)

	// pre-chain pass, chain steps 2-5, final pass, displaced pass
	want := []uint64{v0, v0 + 1, v0 + 2, v0 + 3, v0 + 4, v0 + 5, v0 + 6}
	assert.Equal(t, want, rec.seen)
}

func TestCorrectionLeavesGeneratorAtPostChainValue(t *testing.T) {
	g, d := testNets(t, 8)
	tr, err := New(g, d, testHyper())
	require.NoError(t, err)
	x, labels := testBatch(t, 9, 3)
	ctx := context.Background()

	_, dReal, err := realPass(d, x, labels, tr.hp.WeightDecay)
	require.NoError(t, err)
	pre, err := noisePass(g, d, x, labels, tr.hp.Epsilon, tr.hp.WeightDecay, true)
	require.NoError(t, err)
	chain, err := tr.chain.Run(ctx, x, labels, pre)
	require.NoError(t, err)
	postChain := g.Params().Snapshot()

	term, restore, err := tr.correction.Apply(ctx, x, labels, chain.Final, dReal)
	require.NoError(t, err)
	require.NotNil(t, restore)
	require.NoError(t, d.Params().Check(term))
	assert.NotEqual(t, postChain, g.Params().Snapshot())

	require.NoError(t, restore())
	after := g.Params().Snapshot()
	for i := range postChain {
		assert.InDeltaSlice(t, postChain[i], after[i], 1e-12)
	}
}

func TestCorrectionRestoreIsReturnedOnFailure(t *testing.T) {
	g, d := testNets(t, 10)
	flaky := &flakyNet{Network: d}
	tracer := otel.Tracer("test")
	virtual, err := optimizer.NewSGD(g.Params(), 0.001)
	require.NoError(t, err)
	c, err := NewCorrection(g, flaky, virtual, 0.1, 0.5, tracer)
	require.NoError(t, err)
	x, labels := testBatch(t, 11, 2)

	final, err := noisePass(g, flaky, x, labels, 0.1, 0, true)
	require.NoError(t, err)
	_, dReal, err := realPass(flaky, x, labels, 0)
	require.NoError(t, err)
	before := g.Params().Snapshot()

	flaky.fail = true
	_, restore, err := c.Apply(context.Background(), x, labels, final, dReal)
	require.Error(t, err)
	require.NotNil(t, restore)
	require.NoError(t, restore())
	after := g.Params().Snapshot()
	for i := range before {
		assert.InDeltaSlice(t, before[i], after[i], 1e-12)
	}
}

func TestCorrectionRejectsMissingInputs(t *testing.T) {
	g, d := testNets(t, 12)
	virtual, err := optimizer.NewSGD(g.Params(), 0.001)
	require.NoError(t, err)
	c, err := NewCorrection(g, d, virtual, 0.1, 0.5, otel.Tracer("test"))
	require.NoError(t, err)
	x, labels := testBatch(t, 13, 2)

	_, restore, err := c.Apply(context.Background(), x, labels, NoisePass{}, nil)
	require.ErrorIs(t, err, errCorrectionInputs)
	assert.Nil(t, restore)
}

func TestChainDetectsMissingCommit(t *testing.T) {
	g, d := testNets(t, 14)
	c, err := NewChain(g, d, lazyOptimizer{set: g.Params()}, 0.1, 0, otel.Tracer("test"))
	require.NoError(t, err)
	x, labels := testBatch(t, 15, 2)
	pre, err := noisePass(g, d, x, labels, 0.1, 0, true)
	require.NoError(t, err)

	_, err = c.Run(context.Background(), x, labels, pre)
	require.ErrorIs(t, err, ErrChainOrder)
}

func TestChainRejectsForeignOptimizer(t *testing.T) {
	g, d := testNets(t, 16)
	_, err := NewChain(g, d, lazyOptimizer{set: d.Params()}, 0.1, 0, otel.Tracer("test"))
	require.Error(t, err)
}

func TestChainLeavesDiscriminatorUntouched(t *testing.T) {
	g, d := testNets(t, 17)
	tr, err := New(g, d, testHyper())
	require.NoError(t, err)
	x, labels := testBatch(t, 18, 2)
	before := d.Params().Snapshot()
	dv := d.Params().Version()

	pre, err := noisePass(g, d, x, labels, 0.1, 0.001, true)
	require.NoError(t, err)
	res, err := tr.chain.Run(context.Background(), x, labels, pre)
	require.NoError(t, err)

	assert.Equal(t, before, d.Params().Snapshot())
	assert.Equal(t, dv, d.Params().Version())
	assert.Equal(t, -pre.Loss, res.Losses[0])
	require.NoError(t, g.Params().Check(res.Final.G))
	require.NoError(t, d.Params().Check(res.Final.DNoise))
	for _, p := range d.Params().Params() {
		assert.True(t, p.Value.RequiresGrad, p.Name)
	}
}

func TestOptimizersExposeState(t *testing.T) {
	g, d := testNets(t, 19)
	tr, err := New(g, d, testHyper())
	require.NoError(t, err)
	gOpts, dOpts := tr.Optimizers()
	assert.Contains(t, gOpts, "adam")
	assert.Contains(t, dOpts, "full_rate")
	assert.Contains(t, dOpts, "reduced_rate")
}
