package nn

import (
	"fmt"

	"advtorch/tensor"
)

// Sequential is a container for layers arranged in a sequential order.
type Sequential struct {
	layers []Layer
}

func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{
		layers: append(make([]Layer, 0, len(layers)), layers...),
	}
}

// Add adds a new layer to the sequential model.
func (s *Sequential) Add(layer Layer) {
	s.layers = append(s.layers, layer)
}

// Forward performs the forward pass for the entire sequence of layers.
func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i, layer := range s.layers {
		x, err = layer.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, layer.Name(), err)
		}
	}
	return x, nil
}

// Parameters returns a slice of all parameters from all layers in the model.
func (s *Sequential) Parameters() []*Parameter {
	params := []*Parameter{}
	for _, layer := range s.layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}

// ZeroGrad calls ZeroGrad on all layers in the model.
func (s *Sequential) ZeroGrad() {
	for _, layer := range s.layers {
		layer.ZeroGrad()
	}
}

func (s *Sequential) Layers() []Layer {
	return s.layers
}

func (s *Sequential) Name() string {
	return fmt.Sprintf("Sequential(%d)", len(s.layers))
}
