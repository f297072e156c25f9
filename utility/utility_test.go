package utility

import (
	"bytes"
	"math/rand"
	"testing"

	"advtorch/metrics"
	"advtorch/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ metrics.Observer = (*Dashboard)(nil)

func TestDownsample(t *testing.T) {
	assert.Equal(t, []float64{1, 2, 3}, downsample([]float64{1, 2, 3}, 10))
	assert.Equal(t, []float64{1.5, 3.5}, downsample([]float64{1, 2, 3, 4}, 2))
	assert.Len(t, downsample(make([]float64, 1000), 37), 37)
}

func TestPlotSeriesPadsShortHistory(t *testing.T) {
	assert.Equal(t, []float64{0, 0}, plotSeries(nil, 10))
	assert.Equal(t, []float64{0, 5}, plotSeries([]float64{5}, 10))
	assert.Equal(t, []float64{1, 2, 3}, plotSeries([]float64{1, 2, 3}, 10))
}

func TestInspectorCountsAndSummary(t *testing.T) {
	d, err := models.NewDiscriminator(4, 1, 2, 3, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	mi := NewModelInspector("Discriminator", d.Layers(), d.Params())

	total, trainable := mi.CountParameters()
	assert.Equal(t, int64(d.Params().NumParams()), total)
	assert.Equal(t, total, trainable)

	restore := d.Params().Freeze()
	_, trainable = mi.CountParameters()
	restore()
	assert.Zero(t, trainable)

	var buf bytes.Buffer
	require.NoError(t, mi.Summary(&buf))
	out := buf.String()
	assert.Contains(t, out, "Discriminator Summary")
	assert.Contains(t, out, "d/conv1/kernel")
	assert.Contains(t, out, "d/fc2/bias")
	assert.Contains(t, out, "Parameter Set: discriminator")
}
