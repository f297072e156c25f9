package models

import (
	"math/rand"
	"testing"

	"advtorch/nn"
	"advtorch/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	g, err := NewGenerator(3, 4, rng)
	require.NoError(t, err)
	d, err := NewDiscriminator(8, 3, 4, 10, rng)
	require.NoError(t, err)

	x, err := tensor.Uniform([]int{2, 8, 8, 3}, 0, 1, rng)
	require.NoError(t, err)

	noise, err := g.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 8, 3}, noise.GetShape())
	for _, v := range noise.GetData() {
		assert.True(t, v >= -1 && v <= 1)
	}

	logits, err := d.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 10}, logits.GetShape())

	assert.NoError(t, nn.Disjoint(g.Params(), d.Params()))
}

func TestDecayFlagsFollowLayerKind(t *testing.T) {
	d, err := NewDiscriminator(8, 3, 4, 10, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	for _, p := range d.Params().Params() {
		assert.Equal(t, len(p.Value.GetShape()) > 1, p.Decay, p.Name)
	}
}

func TestDiscriminatorRejectsOddSize(t *testing.T) {
	_, err := NewDiscriminator(6, 3, 4, 10, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}
