package nn

import (
	"fmt"
	"math"

	"advtorch/tensor"
)

// unary builds an element-wise op whose local derivative is computed from the input x and output y.
func unary(t *tensor.Tensor, op string, f func(x float64) float64, df func(x, y float64) float64) (*tensor.Tensor, error) {
	tData := t.GetData()
	outData := make([]float64, len(tData))
	for i, v := range tData {
		outData[i] = f(v)
	}

	r, err := tensor.NewTensor(t.GetShape(), outData)
	if err != nil {
		return nil, fmt.Errorf("%s failed to create output tensor: %w", op, err)
	}

	if t.RequiresGrad {
		r.RequiresGrad = true
		r.Parents = []*tensor.Tensor{t}
		r.Operation = op

		// backward function receives the gradient to the output tensor (r).
		// dL/dx_i = dL/dy_i * dy_i/dx_i
		r.BackwardFunc = func(grad *tensor.Tensor) {
			gradData := grad.GetData()
			g := make([]float64, len(gradData))
			for i := range g {
				g[i] = gradData[i] * df(tData[i], outData[i])
			}
			gradTensorForT, err := tensor.NewTensor(t.GetShape(), g)
			if err != nil {
				panic(fmt.Sprintf("%s backward: %v", op, err))
			}
			t.AccumulateGrad(gradTensorForT)
		}
	}
	return r, nil
}

// you definitely know RELU if you're reading this: out = max(0, t)
func RELU(t *tensor.Tensor) (*tensor.Tensor, error) {
	return unary(t, "relu",
		func(x float64) float64 { return math.Max(0, x) },
		func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		})
}

// we apply element wise sigmoid : out = 1 / (1 + exp(-t))
func Sigmoid(t *tensor.Tensor) (*tensor.Tensor, error) {
	return unary(t, "sigmoid",
		func(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) },
		func(_, y float64) float64 { return y * (1 - y) })
}

// element wise hyperbolic tangent : out = tanh(t), derivative 1 - y^2
func Tanh(t *tensor.Tensor) (*tensor.Tensor, error) {
	return unary(t, "tanh", math.Tanh,
		func(_, y float64) float64 { return 1 - y*y })
}

// Softmax applies a row-wise softmax to a [batch, classes] tensor. It is not differentiable;
// training goes through CrossEntropyLoss, which fuses softmax with the loss.
func Softmax(t *tensor.Tensor) (*tensor.Tensor, error) {
	shape := t.GetShape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("softmax expects [batch, classes], got %v", shape)
	}
	rows, cols := shape[0], shape[1]
	out := make([]float64, rows*cols)
	data := t.GetData()
	for r := 0; r < rows; r++ {
		softmaxRow(data[r*cols:(r+1)*cols], out[r*cols:(r+1)*cols])
	}
	return tensor.NewTensor(shape, out)
}

// softmaxRow writes softmax(logits) into probs using the max-shift for numerical stability.
func softmaxRow(logits, probs []float64) {
	maxv := logits[0]
	for _, v := range logits {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for k, v := range logits {
		e := math.Exp(v - maxv)
		probs[k] = e
		sum += e
	}
	for k := range probs {
		probs[k] /= sum
	}
}
