package tensor

import (
	"fmt"
)

// NOTE: most of the functions are self-explanatory. The autograd contract is the only part worth reading twice:
// an op that produces a tensor requiring grad records its Parents and a BackwardFunc. BackwardFunc receives the
// gradient of the output and hands each parent its share through AccumulateGrad. Ordering of those calls across
// the whole graph is the job of the autograd package.

// simple Tensor struct
type Tensor struct {
	shape        []int
	data         []float64
	Grad         *Tensor
	RequiresGrad bool
	Parents      []*Tensor
	Operation    string
	BackwardFunc func(*Tensor)
}

// utility function to check if two tensors have the same shape
func IsSameSize(a, b *Tensor) bool {
	return SameShape(a.shape, b.shape)
}

// SameShape compares two shapes dimension by dimension.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// builds a new tensor with the given shape and data
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	total := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("shape %v contains non-positive dimension", shape)
		}
		total *= dim
	}
	if len(data) > 0 && total != len(data) {
		return nil, fmt.Errorf("shape %v implies %d elements but data has length %d", shape, total, len(data))
	}
	if len(data) == 0 && total > 0 {
		data = make([]float64, total)
	}

	return &Tensor{
		shape: append([]int{}, shape...),
		data:  append([]float64{}, data...),
	}, nil
}

// Zeros returns a zero-filled tensor of the given shape.
func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

// wrap builds a tensor around data without copying it. Callers hand over ownership of data.
func wrap(shape []int, data []float64) *Tensor {
	return &Tensor{shape: append([]int{}, shape...), data: data}
}

// clones a tensor. the clone is a fresh leaf: no grad, no parents.
func CloneTensor(t *Tensor) *Tensor {
	clonedData := make([]float64, len(t.data))
	copy(clonedData, t.data)

	return &Tensor{
		data:         clonedData,
		shape:        append([]int{}, t.shape...),
		RequiresGrad: t.RequiresGrad,
	}
}

// Detach returns a leaf tensor holding a copy of t's values that does not require grad.
func Detach(t *Tensor) *Tensor {
	d := CloneTensor(t)
	d.RequiresGrad = false
	return d
}

// adds two tensors
func AddTensor(t1 *Tensor, t2 *Tensor) (*Tensor, error) {
	if !IsSameSize(t1, t2) {
		return nil, fmt.Errorf("tensors %v and %v have different sizes for addition", t1.shape, t2.shape)
	}

	outData := make([]float64, len(t1.data))
	for i := range t1.data {
		outData[i] = t1.data[i] + t2.data[i]
	}
	out := wrap(t1.shape, outData)

	if t1.RequiresGrad || t2.RequiresGrad {
		out.RequiresGrad = true
		out.Parents = []*Tensor{t1, t2}
		out.Operation = "add"

		out.BackwardFunc = func(grad *Tensor) {
			if t1.RequiresGrad {
				t1.AccumulateGrad(grad)
			}
			if t2.RequiresGrad {
				t2.AccumulateGrad(grad)
			}
		}
	}
	return out, nil
}

// multiplies two tensors element-wise
func MulTensor(t1 *Tensor, t2 *Tensor) (*Tensor, error) {
	if !IsSameSize(t1, t2) {
		return nil, fmt.Errorf("tensors %v and %v have different sizes for multiplication", t1.shape, t2.shape)
	}

	outData := make([]float64, len(t1.data))
	for i := range t1.data {
		outData[i] = t1.data[i] * t2.data[i]
	}
	out := wrap(t1.shape, outData)

	if t1.RequiresGrad || t2.RequiresGrad {
		out.RequiresGrad = true
		out.Parents = []*Tensor{t1, t2}
		out.Operation = "mul"

		out.BackwardFunc = func(grad *Tensor) {
			if t1.RequiresGrad {
				g := make([]float64, len(grad.data))
				for i := range g {
					g[i] = grad.data[i] * t2.data[i]
				}
				t1.AccumulateGrad(wrap(t1.shape, g))
			}
			if t2.RequiresGrad {
				g := make([]float64, len(grad.data))
				for i := range g {
					g[i] = grad.data[i] * t1.data[i]
				}
				t2.AccumulateGrad(wrap(t2.shape, g))
			}
		}
	}
	return out, nil
}

// returns the number of elements in a tensor
func Numel(t *Tensor) int {
	if t == nil {
		return 0
	}
	if len(t.shape) == 0 {
		if len(t.data) == 1 {
			return 1
		}
		return 0
	}
	n := 1
	for _, s := range t.shape {
		if s <= 0 {
			return 0
		}
		n *= s
	}
	return n
}

// reshapes the given tensor to the given shape
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	originalNumel := Numel(t)
	reshapedNumel := 1
	for _, dim := range newShape {
		if dim <= 0 {
			return nil, fmt.Errorf("newShape %v contains non-positive dimension", newShape)
		}
		reshapedNumel *= dim
	}
	if originalNumel != reshapedNumel {
		return nil, fmt.Errorf("cannot reshape tensor with %d elements to shape %v (requires %d elements)", originalNumel, newShape, reshapedNumel)
	}

	outData := make([]float64, len(t.data))
	copy(outData, t.data)
	out := wrap(newShape, outData)

	if t.RequiresGrad {
		out.RequiresGrad = true
		out.Parents = []*Tensor{t}
		out.Operation = "reshape"
		out.BackwardFunc = func(grad *Tensor) {
			g := make([]float64, len(grad.data))
			copy(g, grad.data)
			t.AccumulateGrad(wrap(t.shape, g))
		}
	}
	return out, nil
}

// this defines the GetData() and GetShape() accessors
func (t *Tensor) GetData() []float64 {
	return t.data
}

func (t *Tensor) GetShape() []int {
	return t.shape
}

// returns a tensor with all elements set to 1
func OnesLike(t *Tensor) (*Tensor, error) {
	data := make([]float64, Numel(t))
	for i := range data {
		data[i] = 1
	}
	return NewTensor(t.shape, data)
}

// sets the gradient of a tensor to zero
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil {
		for i := range t.Grad.data {
			t.Grad.data[i] = 0
		}
	} else if t.RequiresGrad {
		t.Grad = wrap(t.shape, make([]float64, Numel(t)))
	}
}

// AccumulateGrad adds grad into t.Grad, allocating it on first use.
// a shape mismatch here is a bug in an op's BackwardFunc, so it panics.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !t.RequiresGrad {
		return
	}
	if !IsSameSize(t, grad) {
		panic(fmt.Sprintf("tensor: gradient shape %v does not match tensor shape %v (op=%q)", grad.shape, t.shape, t.Operation))
	}
	if t.Grad == nil {
		g := make([]float64, len(grad.data))
		copy(g, grad.data)
		t.Grad = wrap(t.shape, g)
		return
	}
	for i := range t.Grad.data {
		t.Grad.data[i] += grad.data[i]
	}
}

// tranposes a 2D tensor [M, N] -> [N, M].
func Transpose(t *Tensor) (*Tensor, error) {
	shape := t.GetShape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("transpose only supports 2D tensors, got %v", shape)
	}

	M, N := shape[0], shape[1]
	outData := make([]float64, M*N)
	for r := 0; r < M; r++ {
		for c := 0; c < N; c++ {
			outData[c*M+r] = t.data[r*N+c]
		}
	}
	out := wrap([]int{N, M}, outData)

	if t.RequiresGrad {
		out.RequiresGrad = true
		out.Parents = []*Tensor{t}
		out.Operation = "transpose"
		out.BackwardFunc = func(grad *Tensor) {
			// grad(transpose) = transpose(grad)
			g := make([]float64, M*N)
			for r := 0; r < N; r++ {
				for c := 0; c < M; c++ {
					g[c*N+r] = grad.data[r*M+c]
				}
			}
			t.AccumulateGrad(wrap(shape, g))
		}
	}

	return out, nil
}

// matmul computes C[i][j] = sum_k(A[i][k] * B[k][j]) for plain 2D operands.
func matmul(a []float64, b []float64, M, K, N int) []float64 {
	out := make([]float64, M*N)
	for i := 0; i < M; i++ {
		row := out[i*N : (i+1)*N]
		for k := 0; k < K; k++ {
			av := a[i*K+k]
			if av == 0 {
				continue
			}
			bRow := b[k*N : (k+1)*N]
			for j := range row {
				row[j] += av * bRow[j]
			}
		}
	}
	return out
}

// MatMulTensor performs matrix multiplication between two 2D tensors: [M, K] @ [K, N] -> [M, N].
func MatMulTensor(t1 *Tensor, t2 *Tensor) (*Tensor, error) {
	shape1 := t1.GetShape()
	shape2 := t2.GetShape()

	if len(shape1) != 2 || len(shape2) != 2 {
		return nil, fmt.Errorf("matmul only supports 2D tensors ([M, K] @ [K, N]), got %v and %v", shape1, shape2)
	}
	M, K := shape1[0], shape1[1]
	if shape2[0] != K {
		return nil, fmt.Errorf("matmul incompatible shapes: inner dimensions mismatch %v and %v (%d != %d)", shape1, shape2, K, shape2[0])
	}
	N := shape2[1]

	out := wrap([]int{M, N}, matmul(t1.data, t2.data, M, K, N))

	if t1.RequiresGrad || t2.RequiresGrad {
		out.RequiresGrad = true
		out.Parents = []*Tensor{t1, t2}
		out.Operation = "matmul"

		out.BackwardFunc = func(grad *Tensor) {
			// chain rule: dL/dA = dL/dC @ B.T, dL/dB = A.T @ dL/dC
			if t1.RequiresGrad {
				bT := transposeData(t2.data, K, N)
				t1.AccumulateGrad(wrap(shape1, matmul(grad.data, bT, M, N, K)))
			}
			if t2.RequiresGrad {
				aT := transposeData(t1.data, M, K)
				t2.AccumulateGrad(wrap(shape2, matmul(aT, grad.data, K, M, N)))
			}
		}
	}

	return out, nil
}

func transposeData(d []float64, rows, cols int) []float64 {
	out := make([]float64, len(d))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = d[r*cols+c]
		}
	}
	return out
}

// prints the tensor in readable format
func PrintTensor(t *Tensor) {
	fmt.Println(t.String())
}

func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	s := fmt.Sprintf("Tensor(shape=%v, data=%v, requires_grad=%v", t.shape, t.data, t.RequiresGrad)
	if t.Grad != nil {
		s += fmt.Sprintf(", grad_data=%v", t.Grad.data)
	}
	if t.Operation != "" {
		s += fmt.Sprintf(", op=%s", t.Operation)
	}
	return s + ")"
}
