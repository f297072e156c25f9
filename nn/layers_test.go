package nn

import (
	"math"
	"math/rand"
	"testing"

	"advtorch/autograd"
	"advtorch/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConv2DOutputShape(t *testing.T) {
	conv, err := NewConv2D("c", 3, 8, 3, 1, 1, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	x, err := tensor.Zeros([]int{2, 3, 6, 5})
	require.NoError(t, err)

	out, err := conv.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 6, 5}, out.GetShape())

	_, err = conv.Forward(tensor.Detach(mustTensor(t, []int{2, 4, 6, 5})))
	assert.Error(t, err)
}

func TestConv2DInputGradientWithFrozenKernel(t *testing.T) {
	conv, err := NewConv2D("c", 1, 1, 3, 1, 1, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	restore := NewParamSet("c", conv.Parameters()).Freeze()
	defer restore()

	x := mustTensor(t, []int{1, 1, 3, 3})
	x.RequiresGrad = true
	out, err := conv.Forward(x)
	require.NoError(t, err)
	assert.True(t, out.RequiresGrad)

	require.NoError(t, autograd.Backward(out))
	require.NotNil(t, x.Grad)
	// centre pixel sees every kernel tap
	var ksum float64
	for _, v := range conv.Weight.Value.GetData() {
		ksum += v
	}
	assert.InDelta(t, ksum, x.Grad.GetData()[4], 1e-12)
	assert.Nil(t, conv.Weight.Value.Grad)
}

func TestCrossEntropyUniformLogits(t *testing.T) {
	logits, err := tensor.Zeros([]int{2, 10})
	require.NoError(t, err)
	loss, err := CrossEntropyLoss(logits, []int{3, 7})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(10), loss.GetData()[0], 1e-12)

	_, err = CrossEntropyLoss(logits, []int{3, 10})
	assert.Error(t, err)
	_, err = CrossEntropyLoss(logits, []int{3})
	assert.Error(t, err)
}

func TestCrossEntropyLargeLogitsStayFinite(t *testing.T) {
	logits, err := tensor.NewTensor([]int{1, 2}, []float64{1000, -1000})
	require.NoError(t, err)
	loss, err := CrossEntropyLoss(logits, []int{1})
	require.NoError(t, err)
	assert.InDelta(t, 2000, loss.GetData()[0], 1e-9)
}

func TestMaxPoolRoutesGradientToMax(t *testing.T) {
	x, err := tensor.NewTensor([]int{1, 1, 2, 2}, []float64{1, 4, 3, 2})
	require.NoError(t, err)
	x.RequiresGrad = true
	out, err := NewMaxPooling2D(2, 2).Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float64{4}, out.GetData())

	g, err := tensor.NewTensor([]int{1, 1, 1, 1}, []float64{2})
	require.NoError(t, err)
	out.BackwardFunc(g)
	assert.Equal(t, []float64{0, 2, 0, 0}, x.Grad.GetData())
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x, err := tensor.NewTensor([]int{2, 3}, []float64{1, 2, 3, -1, 0, 1})
	require.NoError(t, err)
	p, err := Softmax(x)
	require.NoError(t, err)
	d := p.GetData()
	assert.InDelta(t, 1, d[0]+d[1]+d[2], 1e-12)
	assert.InDelta(t, 1, d[3]+d[4]+d[5], 1e-12)
}

func mustTensor(t *testing.T, shape []int) *tensor.Tensor {
	t.Helper()
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = float64(i%5) - 2
	}
	x, err := tensor.NewTensor(shape, data)
	require.NoError(t, err)
	return x
}
