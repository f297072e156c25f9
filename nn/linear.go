package nn

import (
	"fmt"
	"math/rand"

	"advtorch/tensor"
)

// linear dense layer: output = input @ weight + bias
type Linear struct {
	name   string
	weight *Parameter // Shape: [inputDimensions, outputDimensions]
	bias   *Parameter // Shape: [outputDimensions]
}

// NewLinear creates a new Linear layer with Glorot-uniform weights and zero biases.
// Parameter names are prefixed with name, e.g. "d/fc1/kernel".
func NewLinear(name string, inputDimensions, outputDimensions int, rng *rand.Rand) (*Linear, error) {
	if inputDimensions <= 0 || outputDimensions <= 0 {
		return nil, fmt.Errorf("linear layer dimensions must be positive, got input %d, output %d", inputDimensions, outputDimensions)
	}

	weightData := glorotUniform(inputDimensions*outputDimensions, inputDimensions, outputDimensions, rng)
	weight, err := newParameter(name+"/kernel", []int{inputDimensions, outputDimensions}, weightData, true)
	if err != nil {
		return nil, fmt.Errorf("linear layer failed to create weight tensor: %w", err)
	}

	bias, err := newParameter(name+"/bias", []int{outputDimensions}, nil, false)
	if err != nil {
		return nil, fmt.Errorf("linear layer failed to create bias tensor: %w", err)
	}

	return &Linear{name: name, weight: weight, bias: bias}, nil
}

// Forward performs the forward pass of the Linear layer, with input and output tensor of shape [batch_size, input_dimensions].
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	inputShape := input.GetShape()
	if len(inputShape) != 2 {
		// early return, invalid shape.
		return nil, fmt.Errorf("linear layer expects 2D input tensor [batch_size, input_dimensions], got shape %v", inputShape)
	}

	weightShape := l.weight.Value.GetShape()
	if inputShape[1] != weightShape[0] {
		return nil, fmt.Errorf("linear layer input dimension mismatch: input %d, weight expected %d", inputShape[1], weightShape[0])
	}

	// input: [batch_size, input_dimensions] @ weight: [input_dimensions, output_dimensions]
	step, err := tensor.MatMulTensor(input, l.weight.Value)
	if err != nil {
		return nil, fmt.Errorf("linear layer matmul failed: %w", err)
	}

	output, err := tensor.AddTensorBroadcast(step, l.bias.Value, 1)
	if err != nil {
		return nil, fmt.Errorf("linear layer bias addition failed: %w", err)
	}
	return output, nil
}

// Parameters() returns the layer's parameters, kernel first. i feed this for optimizers.
func (l *Linear) Parameters() []*Parameter {
	return []*Parameter{l.weight, l.bias}
}

func (l *Linear) ZeroGrad() { zeroGrad(l.Parameters()) }

func (l *Linear) Name() string { return "Linear(" + l.name + ")" }
