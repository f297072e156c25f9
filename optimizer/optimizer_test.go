package optimizer

import (
	"math"
	"testing"

	"advtorch/nn"
	"advtorch/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scalarSet(t *testing.T, values ...float64) *nn.ParamSet {
	t.Helper()
	v, err := tensor.NewTensor([]int{len(values)}, values)
	require.NoError(t, err)
	v.RequiresGrad = true
	return nn.NewParamSet("p", []*nn.Parameter{{Name: "w", Value: v, Decay: true}})
}

func TestSGDStepAndInverse(t *testing.T) {
	set := scalarSet(t, 1, -2)
	sgd, err := NewSGD(set, 0.1)
	require.NoError(t, err)

	g := nn.GradVector{{0.5, 1}}
	require.NoError(t, sgd.Step(g))
	assert.InDeltaSlice(t, []float64{0.95, -2.1}, set.Tensor(0).GetData(), 1e-12)

	require.NoError(t, sgd.Step(g.Neg()))
	assert.InDeltaSlice(t, []float64{1, -2}, set.Tensor(0).GetData(), 1e-12)
	assert.Equal(t, uint64(2), set.Version())
}

func TestStepRejectsMismatchedGradients(t *testing.T) {
	set := scalarSet(t, 1, 2)
	sgd, err := NewSGD(set, 0.1)
	require.NoError(t, err)
	mom, err := NewMomentum(set, 0.1, 0.9)
	require.NoError(t, err)
	adam, err := NewAdam(set, 0.1, 0.5, 0.999, 1e-8)
	require.NoError(t, err)

	for _, opt := range []Optimizer{sgd, mom, adam} {
		err := opt.Step(nn.GradVector{{1}})
		assert.ErrorIs(t, err, nn.ErrLengthMismatch, opt.Name())
	}
	assert.Equal(t, uint64(0), set.Version())
}

func TestMomentumAccumulates(t *testing.T) {
	set := scalarSet(t, 0)
	mom, err := NewMomentum(set, 0.1, 0.9)
	require.NoError(t, err)

	require.NoError(t, mom.Step(nn.GradVector{{1}}))
	// acc = 1, w = -0.1
	assert.InDelta(t, -0.1, set.Tensor(0).GetData()[0], 1e-12)
	require.NoError(t, mom.Step(nn.GradVector{{1}}))
	// acc = 0.9 + 1 = 1.9, w = -0.1 - 0.19
	assert.InDelta(t, -0.29, set.Tensor(0).GetData()[0], 1e-12)
	assert.Equal(t, 2, mom.Steps())

	state := mom.State()
	assert.InDelta(t, 1.9, state["acc"][0][0], 1e-12)

	other, err := NewMomentum(set, 0.01, 0.9)
	require.NoError(t, err)
	require.NoError(t, other.LoadState(state))
	assert.Equal(t, state, other.State())
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	set := scalarSet(t, 1, 1)
	adam, err := NewAdam(set, 0.002, 0.5, 0.999, 1e-8)
	require.NoError(t, err)

	require.NoError(t, adam.Step(nn.GradVector{{3, -0.25}}))
	// at t=1 the bias-corrected update is lr * g/|g| up to epsilon
	lr1 := 0.002 * math.Sqrt(1-0.999) / (1 - 0.5)
	got := set.Tensor(0).GetData()
	first := 1 - lr1*1.5/(math.Sqrt(0.009)+1e-8)
	assert.InDelta(t, first, got[0], 1e-12)
	assert.InDelta(t, 1+lr1*0.125/(math.Sqrt(6.25e-5)+1e-8), got[1], 1e-12)
	assert.InDelta(t, 1+0.002, got[1], 1e-8)

	require.NoError(t, adam.Step(nn.GradVector{{3, -0.25}}))
	lr2 := 0.002 * math.Sqrt(1-0.999*0.999) / (1 - 0.25)
	m := 0.5*0.5*3 + 0.5*3
	v := 0.999*0.001*9 + 0.001*9
	assert.InDelta(t, first-lr2*m/(math.Sqrt(v)+1e-8), got[0], 1e-12)
	assert.Equal(t, 2, adam.Steps())
}

func TestAdamStateRoundTrip(t *testing.T) {
	set := scalarSet(t, 1)
	a, err := NewAdam(set, 0.002, 0.5, 0.999, 1e-8)
	require.NoError(t, err)
	require.NoError(t, a.Step(nn.GradVector{{1}}))

	b, err := NewAdam(set, 0.002, 0.5, 0.999, 1e-8)
	require.NoError(t, err)
	require.NoError(t, b.LoadState(a.State()))
	assert.Equal(t, 1, b.Steps())
	assert.Error(t, b.LoadState(map[string]nn.GradVector{"m": {{0}}}))
}

func TestConstructorsValidate(t *testing.T) {
	set := scalarSet(t, 1)
	_, err := NewSGD(set, 0)
	assert.Error(t, err)
	_, err = NewMomentum(set, 0.1, 1)
	assert.Error(t, err)
	_, err = NewAdam(set, 0.1, 1.5, 0.9, 1e-8)
	assert.Error(t, err)
	_, err = NewSGD(nn.NewParamSet("empty", nil), 0.1)
	assert.Error(t, err)
}
