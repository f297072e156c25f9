package nn

import (
	"fmt"
	"math"
	"math/rand"

	"advtorch/tensor"
)

// Layer defines the interface that all neural network layers must implement.
type Layer interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
	ZeroGrad()
	Name() string
}

// glorotUniform fills a fan-in x fan-out weight with U(-limit, limit), limit = sqrt(6/(fanIn+fanOut)).
func glorotUniform(n, fanIn, fanOut int, rng *rand.Rand) []float64 {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	data := make([]float64, n)
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * limit
	}
	return data
}

func zeroGrad(params []*Parameter) {
	for _, p := range params {
		p.Value.Grad = nil
	}
}

// --- Activation Layers ---

type RELUActivation struct{}

func (r *RELUActivation) Forward(input *tensor.Tensor) (*tensor.Tensor, error) { return RELU(input) }
func (r *RELUActivation) Parameters() []*Parameter                             { return nil }
func (r *RELUActivation) ZeroGrad()                                            {}
func (r *RELUActivation) Name() string                                         { return "ReLU" }

func NewRELU() *RELUActivation {
	return &RELUActivation{}
}

type TanhActivation struct{}

func (t *TanhActivation) Forward(input *tensor.Tensor) (*tensor.Tensor, error) { return Tanh(input) }
func (t *TanhActivation) Parameters() []*Parameter                             { return nil }
func (t *TanhActivation) ZeroGrad()                                            {}
func (t *TanhActivation) Name() string                                         { return "Tanh" }

func NewTanh() *TanhActivation {
	return &TanhActivation{}
}

// PermuteLayer reorders axes, e.g. NHWC <-> NCHW around the convolution stack.
type PermuteLayer struct {
	Perm []int
}

func NewPermute(perm ...int) *PermuteLayer {
	return &PermuteLayer{Perm: perm}
}

func (p *PermuteLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Permute(input, p.Perm)
}
func (p *PermuteLayer) Parameters() []*Parameter { return nil }
func (p *PermuteLayer) ZeroGrad()                {}
func (p *PermuteLayer) Name() string             { return fmt.Sprintf("Permute%v", p.Perm) }
