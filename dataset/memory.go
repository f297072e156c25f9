package dataset

import (
	"context"
	"fmt"
	"math/rand"

	"advtorch/tensor"
)

// Memory serves fixed-size batches from an in-memory example set.
// With a rng it reshuffles at the start of every epoch; without one it keeps file order.
// Batches wrap around the end of the set, so Next never runs dry.
type Memory struct {
	pixels    []float64 // N*H*W*C, NHWC
	labels    []int
	shape     []int // per example [H,W,C]
	batchSize int
	rng       *rand.Rand
	order     []int
	cursor    int
	epoch     int
}

// NewMemory takes ownership of pixels.
func NewMemory(pixels []float64, labels []int, height, width, channels, batchSize int, rng *rand.Rand) (*Memory, error) {
	per := height * width * channels
	if per <= 0 || batchSize <= 0 {
		return nil, fmt.Errorf("%w: bad geometry %dx%dx%d batch %d", ErrShape, height, width, channels, batchSize)
	}
	if len(labels) == 0 || len(pixels) != per*len(labels) {
		return nil, fmt.Errorf("%w: %d values for %d examples of %d", ErrShape, len(pixels), len(labels), per)
	}
	m := &Memory{
		pixels:    pixels,
		labels:    labels,
		shape:     []int{height, width, channels},
		batchSize: batchSize,
		rng:       rng,
		order:     make([]int, len(labels)),
	}
	for i := range m.order {
		m.order[i] = i
	}
	m.shuffle()
	return m, nil
}

func (m *Memory) shuffle() {
	if m.rng == nil {
		return
	}
	m.rng.Shuffle(len(m.order), func(i, j int) { m.order[i], m.order[j] = m.order[j], m.order[i] })
}

// Len is the number of examples held.
func (m *Memory) Len() int { return len(m.labels) }

// Epoch counts completed passes over the set.
func (m *Memory) Epoch() int { return m.epoch }

func (m *Memory) BatchSize() int { return m.batchSize }

func (m *Memory) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	per := m.shape[0] * m.shape[1] * m.shape[2]
	data := make([]float64, 0, m.batchSize*per)
	labels := make([]int, 0, m.batchSize)
	for len(labels) < m.batchSize {
		if m.cursor == len(m.order) {
			m.cursor = 0
			m.epoch++
			m.shuffle()
		}
		idx := m.order[m.cursor]
		m.cursor++
		data = append(data, m.pixels[idx*per:(idx+1)*per]...)
		labels = append(labels, m.labels[idx])
	}
	images, err := tensor.NewTensor([]int{m.batchSize, m.shape[0], m.shape[1], m.shape[2]}, data)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Images: images, Labels: labels}, nil
}

// Rewind restarts from the first example of the current order.
func (m *Memory) Rewind() {
	m.cursor = 0
}
