package tensor

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTensorCopiesAndValidates(t *testing.T) {
	data := []float64{1, 2, 3, 4}
	x, err := NewTensor([]int{2, 2}, data)
	require.NoError(t, err)
	data[0] = 99
	assert.Equal(t, 1.0, x.GetData()[0])

	_, err = NewTensor([]int{3, 2}, data)
	require.Error(t, err)
	_, err = NewTensor([]int{0, 2}, nil)
	require.Error(t, err)
}

func TestPermuteRoundTripAndGradient(t *testing.T) {
	x, err := Uniform([]int{2, 3, 4, 5}, -1, 1, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	x.RequiresGrad = true

	y, err := Permute(x, []int{0, 2, 3, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 5, 3}, y.GetShape())
	// y[b,h,w,c] == x[b,c,h,w]
	assert.Equal(t, x.GetData()[1*60+2*20+3*5+4], y.GetData()[1*60+3*15+4*3+2])

	back, err := Permute(Detach(y), []int{0, 3, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, x.GetData(), back.GetData())

	ones, err := OnesLike(y)
	require.NoError(t, err)
	y.BackwardFunc(ones)
	for _, g := range x.Grad.GetData() {
		assert.Equal(t, 1.0, g)
	}

	_, err = Permute(x, []int{0, 0, 1, 2})
	require.Error(t, err)
}

func TestAddTensorBroadcastBiasGradient(t *testing.T) {
	x, err := NewTensor([]int{2, 3, 2}, nil)
	require.NoError(t, err)
	bias, err := NewTensor([]int{3}, []float64{1, 2, 3})
	require.NoError(t, err)
	bias.RequiresGrad = true

	out, err := AddTensorBroadcast(x, bias, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 2, 2, 3, 3, 1, 1, 2, 2, 3, 3}, out.GetData())

	ones, err := OnesLike(out)
	require.NoError(t, err)
	out.BackwardFunc(ones)
	// each bias entry feeds batch*inner = 4 outputs
	assert.Equal(t, []float64{4, 4, 4}, bias.Grad.GetData())

	_, err = AddTensorBroadcast(x, bias, 2)
	require.Error(t, err)
}

// Col2Im is the adjoint of Im2Col: <Im2Col(x), c> == <x, Col2Im(c)>.
func TestCol2ImIsAdjointOfIm2Col(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	shape := []int{2, 3, 5, 5}
	x, err := Uniform(shape, -1, 1, rng)
	require.NoError(t, err)

	cols, err := Im2Col(x, 3, 3, 2, 1)
	require.NoError(t, err)
	c, err := Uniform(cols.GetShape(), -1, 1, rng)
	require.NoError(t, err)
	img, err := Col2Im(c, shape, 3, 3, 2, 1)
	require.NoError(t, err)

	var lhs, rhs float64
	for i, v := range cols.GetData() {
		lhs += v * c.GetData()[i]
	}
	for i, v := range x.GetData() {
		rhs += v * img.GetData()[i]
	}
	assert.InDelta(t, lhs, rhs, 1e-9)
}

func TestClipHelpers(t *testing.T) {
	x, err := NewTensor([]int{4}, []float64{-2, -0.5, 0.5, 2})
	require.NoError(t, err)
	Clip(x, -1, 1)
	assert.Equal(t, []float64{-1, -0.5, 0.5, 1}, x.GetData())

	center, err := NewTensor([]int{4}, []float64{0, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, ClipAround(x, center, 0.25))
	assert.Equal(t, []float64{-0.25, -0.25, 0.25, 0.25}, x.GetData())

	short, err := NewTensor([]int{2}, nil)
	require.NoError(t, err)
	require.Error(t, ClipAround(x, short, 1))

	assert.Equal(t, []float64{-1, -1, 1, 1}, Sign(x).GetData())
}

func TestArgMaxRows(t *testing.T) {
	x, err := NewTensor([]int{3, 3}, []float64{0, 5, 1, 9, 2, 3, 1, 1, 1})
	require.NoError(t, err)
	idx, err := ArgMaxRows(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 0}, idx)

	flat, err := NewTensor([]int{9}, nil)
	require.NoError(t, err)
	_, err = ArgMaxRows(flat)
	require.Error(t, err)
}
