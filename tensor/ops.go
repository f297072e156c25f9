package tensor

import (
	"fmt"
	"math/rand"
)

// subtracts t2 from t1
func SubTensor(t1 *Tensor, t2 *Tensor) (*Tensor, error) {
	if !IsSameSize(t1, t2) {
		return nil, fmt.Errorf("tensors %v and %v have different sizes for subtraction", t1.shape, t2.shape)
	}

	outData := make([]float64, len(t1.data))
	for i := range t1.data {
		outData[i] = t1.data[i] - t2.data[i]
	}
	out := wrap(t1.shape, outData)

	if t1.RequiresGrad || t2.RequiresGrad {
		out.RequiresGrad = true
		out.Parents = []*Tensor{t1, t2}
		out.Operation = "sub"
		out.BackwardFunc = func(grad *Tensor) {
			if t1.RequiresGrad {
				t1.AccumulateGrad(grad)
			}
			if t2.RequiresGrad {
				neg := make([]float64, len(grad.data))
				for i, g := range grad.data {
					neg[i] = -g
				}
				t2.AccumulateGrad(wrap(t2.shape, neg))
			}
		}
	}
	return out, nil
}

// multiplies every element by a constant
func ScaleTensor(t *Tensor, s float64) *Tensor {
	outData := make([]float64, len(t.data))
	for i, v := range t.data {
		outData[i] = v * s
	}
	out := wrap(t.shape, outData)

	if t.RequiresGrad {
		out.RequiresGrad = true
		out.Parents = []*Tensor{t}
		out.Operation = "scale"
		out.BackwardFunc = func(grad *Tensor) {
			g := make([]float64, len(grad.data))
			for i, v := range grad.data {
				g[i] = v * s
			}
			t.AccumulateGrad(wrap(t.shape, g))
		}
	}
	return out
}

// strides for a row-major shape
func strides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}

// permuteData moves axis perm[i] of src to position i of the result.
func permuteData(src []float64, shape []int, perm []int) ([]float64, []int) {
	outShape := make([]int, len(shape))
	for i, p := range perm {
		outShape[i] = shape[p]
	}
	inStrides := strides(shape)
	out := make([]float64, len(src))
	idx := make([]int, len(shape))
	for flat := range out {
		// decode flat into an output multi-index, then gather
		rem := flat
		for i := len(outShape) - 1; i >= 0; i-- {
			idx[i] = rem % outShape[i]
			rem /= outShape[i]
		}
		srcFlat := 0
		for i, p := range perm {
			srcFlat += idx[i] * inStrides[p]
		}
		out[flat] = src[srcFlat]
	}
	return out, outShape
}

// Permute reorders the axes of t. perm must be a permutation of 0..rank-1.
func Permute(t *Tensor, perm []int) (*Tensor, error) {
	if len(perm) != len(t.shape) {
		return nil, fmt.Errorf("permute: perm %v does not match rank %d", perm, len(t.shape))
	}
	seen := make([]bool, len(perm))
	for _, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, fmt.Errorf("permute: %v is not a permutation", perm)
		}
		seen[p] = true
	}

	outData, outShape := permuteData(t.data, t.shape, perm)
	out := wrap(outShape, outData)

	if t.RequiresGrad {
		inverse := make([]int, len(perm))
		for i, p := range perm {
			inverse[p] = i
		}
		out.RequiresGrad = true
		out.Parents = []*Tensor{t}
		out.Operation = "permute"
		out.BackwardFunc = func(grad *Tensor) {
			g, _ := permuteData(grad.data, outShape, inverse)
			t.AccumulateGrad(wrap(t.shape, g))
		}
	}
	return out, nil
}

// AddTensorBroadcast adds a 1D bias along the given axis of t, e.g. axis 1 for [B, C, H, W] feature maps
// or axis 1 for [B, O] linear outputs.
func AddTensorBroadcast(t *Tensor, bias *Tensor, axis int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, fmt.Errorf("broadcast add: axis %d out of range for shape %v", axis, t.shape)
	}
	if len(bias.shape) != 1 || bias.shape[0] != t.shape[axis] {
		return nil, fmt.Errorf("broadcast add: bias shape %v does not match axis %d of %v", bias.shape, axis, t.shape)
	}

	inner := 1
	for _, d := range t.shape[axis+1:] {
		inner *= d
	}
	width := t.shape[axis]

	outData := make([]float64, len(t.data))
	for i, v := range t.data {
		outData[i] = v + bias.data[(i/inner)%width]
	}
	out := wrap(t.shape, outData)

	if t.RequiresGrad || bias.RequiresGrad {
		out.RequiresGrad = true
		out.Parents = []*Tensor{t, bias}
		out.Operation = "broadcast_add"
		out.BackwardFunc = func(grad *Tensor) {
			if t.RequiresGrad {
				t.AccumulateGrad(grad)
			}
			if bias.RequiresGrad {
				g := make([]float64, width)
				for i, v := range grad.data {
					g[(i/inner)%width] += v
				}
				bias.AccumulateGrad(wrap(bias.shape, g))
			}
		}
	}
	return out, nil
}

// --- non-differentiable helpers ---

// Sign returns a detached tensor holding sign(t) with sign(0) = 0.
func Sign(t *Tensor) *Tensor {
	out := make([]float64, len(t.data))
	for i, v := range t.data {
		switch {
		case v > 0:
			out[i] = 1
		case v < 0:
			out[i] = -1
		}
	}
	return wrap(t.shape, out)
}

// Clip clamps every value of t into [lo, hi] in place.
func Clip(t *Tensor, lo, hi float64) {
	for i, v := range t.data {
		if v < lo {
			t.data[i] = lo
		} else if v > hi {
			t.data[i] = hi
		}
	}
}

// ClipAround clamps t element-wise into [center-radius, center+radius] in place.
func ClipAround(t *Tensor, center *Tensor, radius float64) error {
	if !IsSameSize(t, center) {
		return fmt.Errorf("clip around: shape %v does not match center %v", t.shape, center.shape)
	}
	for i, v := range t.data {
		lo, hi := center.data[i]-radius, center.data[i]+radius
		if v < lo {
			t.data[i] = lo
		} else if v > hi {
			t.data[i] = hi
		}
	}
	return nil
}

// Uniform returns a tensor of the given shape filled from U(lo, hi).
func Uniform(shape []int, lo, hi float64, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.data {
		t.data[i] = lo + (hi-lo)*rng.Float64()
	}
	return t, nil
}

// ArgMaxRows returns the index of the largest value in every row of a 2D tensor.
func ArgMaxRows(t *Tensor) ([]int, error) {
	if len(t.shape) != 2 {
		return nil, fmt.Errorf("argmax expects a 2D tensor, got %v", t.shape)
	}
	rows, cols := t.shape[0], t.shape[1]
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		best := 0
		for c := 1; c < cols; c++ {
			if t.data[r*cols+c] > t.data[r*cols+best] {
				best = c
			}
		}
		out[r] = best
	}
	return out, nil
}
