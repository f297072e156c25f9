package nn

import (
	"fmt"
	"math/rand"

	"advtorch/tensor"
)

// Conv2D Struct implements a 2D convolutional layer fully integrated with the autograd system.
// input and output are NCHW.
type Conv2D struct {
	name    string
	Weight  *Parameter // Shape: [OutChannels, InChannels, KernelHeight, KernelWidth]
	Bias    *Parameter // Shape: [OutChannels]
	Stride  int
	Padding int
}

// creates a new Conv2D layer with Glorot-uniform kernels and zero biases.
func NewConv2D(name string, inChannels, outChannels, kernelSize, stride, padding int, rng *rand.Rand) (*Conv2D, error) {
	if inChannels <= 0 || outChannels <= 0 || kernelSize <= 0 || stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("conv2d %s: invalid geometry in=%d out=%d k=%d s=%d p=%d", name, inChannels, outChannels, kernelSize, stride, padding)
	}
	receptive := kernelSize * kernelSize
	weightShape := []int{outChannels, inChannels, kernelSize, kernelSize}
	weightData := glorotUniform(outChannels*inChannels*receptive, inChannels*receptive, outChannels*receptive, rng)
	weight, err := newParameter(name+"/kernel", weightShape, weightData, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}

	bias, err := newParameter(name+"/bias", []int{outChannels}, nil, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create bias tensor: %w", err)
	}

	return &Conv2D{
		name:    name,
		Weight:  weight,
		Bias:    bias,
		Stride:  stride,
		Padding: padding,
	}, nil
}

// Forward performs the forward pass and builds the autograd graph: im2col, one matmul against the
// flattened kernel, then back to NCHW plus bias. every step is a differentiable tensor op, so input
// gradients flow even when the kernel is frozen.
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	wShape := c.Weight.Value.GetShape()
	outChannels, inChannels, kernelHeight, kernelWidth := wShape[0], wShape[1], wShape[2], wShape[3]

	inShape := input.GetShape()
	if len(inShape) != 4 || inShape[1] != inChannels {
		return nil, fmt.Errorf("conv %s expects [B, %d, H, W], got %v", c.name, inChannels, inShape)
	}

	inputCols, err := tensor.Im2Col(input, kernelHeight, kernelWidth, c.Stride, c.Padding)
	if err != nil {
		return nil, fmt.Errorf("conv forward failed during im2col: %w", err)
	}

	// reshape kernel weights into a 2D matrix
	kernelMatrix, err := tensor.Reshape(c.Weight.Value, []int{outChannels, inChannels * kernelHeight * kernelWidth})
	if err != nil {
		return nil, fmt.Errorf("conv forward failed reshaping kernel: %w", err)
	}

	// [outC, C*kh*kw] @ [C*kh*kw, B*outH*outW]
	outputMatMul, err := tensor.MatMulTensor(kernelMatrix, inputCols)
	if err != nil {
		return nil, fmt.Errorf("conv forward failed during matmul: %w", err)
	}

	// reshape the output back into an image-like format
	batchSize := inShape[0]
	outHeight := tensor.ConvOutputSize(inShape[2], kernelHeight, c.Stride, c.Padding)
	outWidth := tensor.ConvOutputSize(inShape[3], kernelWidth, c.Stride, c.Padding)
	outputReshaped, err := tensor.Reshape(outputMatMul, []int{outChannels, batchSize, outHeight, outWidth})
	if err != nil {
		return nil, fmt.Errorf("conv forward failed reshaping output: %w", err)
	}

	outputPermuted, err := tensor.Permute(outputReshaped, []int{1, 0, 2, 3})
	if err != nil {
		return nil, fmt.Errorf("conv forward failed during permute: %w", err)
	}

	finalOutput, err := tensor.AddTensorBroadcast(outputPermuted, c.Bias.Value, 1)
	if err != nil {
		return nil, fmt.Errorf("conv forward failed during bias add: %w", err)
	}
	return finalOutput, nil
}

func (c *Conv2D) Parameters() []*Parameter {
	return []*Parameter{c.Weight, c.Bias}
}

func (c *Conv2D) ZeroGrad() { zeroGrad(c.Parameters()) }

func (c *Conv2D) Name() string { return "Conv2D(" + c.name + ")" }
