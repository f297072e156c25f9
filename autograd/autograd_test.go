package autograd_test

import (
	"math/rand"
	"testing"

	"advtorch/autograd"
	"advtorch/nn"
	"advtorch/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
)

func TestBackwardSharedNodeVisitedOnce(t *testing.T) {
	x, err := tensor.NewTensor([]int{3}, []float64{1, -2, 0.5})
	require.NoError(t, err)
	x.RequiresGrad = true

	// y = x*x + x, consumed twice downstream through z = y + y
	sq, err := tensor.MulTensor(x, x)
	require.NoError(t, err)
	y, err := tensor.AddTensor(sq, x)
	require.NoError(t, err)
	z, err := tensor.AddTensor(y, y)
	require.NoError(t, err)

	require.NoError(t, autograd.Backward(z))
	// dz/dx = 2*(2x + 1)
	assert.InDeltaSlice(t, []float64{6, -6, 4}, x.Grad.GetData(), 1e-12)
}

func TestBackwardRejectsDetachedRoot(t *testing.T) {
	x, err := tensor.NewTensor([]int{1}, []float64{1})
	require.NoError(t, err)
	assert.ErrorIs(t, autograd.Backward(x), autograd.ErrNoGrad)
}

func TestGradClearsAccumulators(t *testing.T) {
	w, err := tensor.NewTensor([]int{2}, []float64{1, 2})
	require.NoError(t, err)
	w.RequiresGrad = true

	for i := 0; i < 2; i++ {
		y, err := tensor.MulTensor(w, w)
		require.NoError(t, err)
		grads, err := autograd.Grad(y, []*tensor.Tensor{w})
		require.NoError(t, err)
		// identical on both calls: nothing accumulates across Grad calls
		assert.Equal(t, []float64{2, 4}, grads[0])
		assert.Nil(t, w.Grad)
	}
}

func TestGradRejectsFrozenTensor(t *testing.T) {
	w, err := tensor.NewTensor([]int{2}, []float64{1, 2})
	require.NoError(t, err)
	x, err := tensor.NewTensor([]int{2}, []float64{3, 4})
	require.NoError(t, err)
	x.RequiresGrad = true
	y, err := tensor.MulTensor(w, x)
	require.NoError(t, err)

	_, err = autograd.Grad(y, []*tensor.Tensor{w})
	assert.Error(t, err)
}

// smallNet is conv -> tanh -> flatten -> linear, enough to exercise every differentiable op on the training path.
func smallNet(t *testing.T) (*nn.Sequential, *nn.ParamSet) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	conv, err := nn.NewConv2D("c", 2, 3, 3, 1, 1, rng)
	require.NoError(t, err)
	fc, err := nn.NewLinear("fc", 3*4*4, 4, rng)
	require.NoError(t, err)
	net := nn.NewSequential(nn.NewPermute(0, 3, 1, 2), conv, nn.NewTanh(), nn.NewFlatten(), fc)
	// non-zero biases so the broadcast path matters
	for _, p := range net.Parameters() {
		for i := range p.Value.GetData() {
			p.Value.GetData()[i] += 0.05 * float64(i%3)
		}
	}
	return net, nn.NewParamSet("net", net.Parameters())
}

func TestInputGradMatchesFiniteDifferences(t *testing.T) {
	net, params := smallNet(t)
	restore := params.Freeze()
	defer restore()

	shape := []int{2, 4, 4, 2}
	rng := rand.New(rand.NewSource(11))
	x, err := tensor.Uniform(shape, -1, 1, rng)
	require.NoError(t, err)
	labels := []int{1, 3}

	loss := func(in *tensor.Tensor) (*tensor.Tensor, error) {
		logits, err := net.Forward(in)
		if err != nil {
			return nil, err
		}
		return nn.CrossEntropyLoss(logits, labels)
	}

	got, err := autograd.InputGrad(x, loss)
	require.NoError(t, err)

	want := fd.Gradient(nil, func(v []float64) float64 {
		in, err := tensor.NewTensor(shape, v)
		require.NoError(t, err)
		l, err := loss(in)
		require.NoError(t, err)
		return l.GetData()[0]
	}, x.GetData(), &fd.Settings{Formula: fd.Central})

	assert.InDeltaSlice(t, want, got.GetData(), 1e-6)
}

func TestParameterGradMatchesFiniteDifferences(t *testing.T) {
	net, params := smallNet(t)
	rng := rand.New(rand.NewSource(5))
	x, err := tensor.Uniform([]int{3, 4, 4, 2}, -1, 1, rng)
	require.NoError(t, err)
	labels := []int{0, 2, 1}

	lossValue := func() (*tensor.Tensor, error) {
		logits, err := net.Forward(x)
		if err != nil {
			return nil, err
		}
		ce, err := nn.CrossEntropyLoss(logits, labels)
		if err != nil {
			return nil, err
		}
		decay, err := params.WeightDecay(0.01)
		if err != nil {
			return nil, err
		}
		return tensor.AddTensor(ce, decay)
	}

	root, err := lossValue()
	require.NoError(t, err)
	grads, err := autograd.Grad(root, params.Tensors())
	require.NoError(t, err)

	for i, p := range params.Params() {
		data := p.Value.GetData()
		want := fd.Gradient(nil, func(v []float64) float64 {
			saved := append([]float64(nil), data...)
			copy(data, v)
			defer copy(data, saved)
			l, err := lossValue()
			require.NoError(t, err)
			return l.GetData()[0]
		}, append([]float64(nil), data...), &fd.Settings{Formula: fd.Central})
		assert.InDeltaSlice(t, want, grads[i], 1e-6, p.Name)
	}
}
