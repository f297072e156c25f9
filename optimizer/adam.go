package optimizer

import (
	"fmt"
	"math"

	"advtorch/nn"
)

// Adam with the bias correction folded into the step size:
//
//	lr_t = lr * sqrt(1 - beta2^t) / (1 - beta1^t)
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g^2
//	parameter = parameter - lr_t * m / (sqrt(v) + epsilon)
type Adam struct {
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	parameters   *nn.ParamSet
	m, v         nn.GradVector
	t            int
}

func NewAdam(parameters *nn.ParamSet, learningRate, beta1, beta2, epsilon float64) (*Adam, error) {
	if learningRate <= 0 {
		return nil, fmt.Errorf("optimizer: learning rate must be positive, got %f", learningRate)
	}
	if beta1 < 0 || beta1 >= 1 || beta2 < 0 || beta2 >= 1 {
		return nil, fmt.Errorf("optimizer: betas must be in [0, 1), got %f, %f", beta1, beta2)
	}
	if parameters == nil || parameters.Len() == 0 {
		return nil, fmt.Errorf("optimizer: created with empty parameters list")
	}
	return &Adam{
		learningRate: learningRate,
		beta1:        beta1,
		beta2:        beta2,
		epsilon:      epsilon,
		parameters:   parameters,
		m:            zerosLike(parameters),
		v:            zerosLike(parameters),
	}, nil
}

func (a *Adam) Step(grads nn.GradVector) error {
	if err := a.parameters.Check(grads); err != nil {
		return fmt.Errorf("adam step: %w", err)
	}
	a.t++
	t := float64(a.t)
	lrT := a.learningRate * math.Sqrt(1-math.Pow(a.beta2, t)) / (1 - math.Pow(a.beta1, t))

	for i, p := range a.parameters.Params() {
		data := p.Value.GetData()
		m, v, g := a.m[i], a.v[i], grads[i]
		for j := range data {
			m[j] = a.beta1*m[j] + (1-a.beta1)*g[j]
			v[j] = a.beta2*v[j] + (1-a.beta2)*g[j]*g[j]
			data[j] -= lrT * m[j] / (math.Sqrt(v[j]) + a.epsilon)
		}
	}
	a.parameters.Commit()
	return nil
}

// Steps is the bias-correction time step t.
func (a *Adam) Steps() int { return a.t }

func (a *Adam) Parameters() *nn.ParamSet { return a.parameters }

func (a *Adam) Name() string {
	return fmt.Sprintf("adam(lr=%g, b1=%g, b2=%g)", a.learningRate, a.beta1, a.beta2)
}

func (a *Adam) State() map[string]nn.GradVector {
	return map[string]nn.GradVector{
		"m": a.m.Clone(),
		"v": a.v.Clone(),
		"t": {{float64(a.t)}},
	}
}

func (a *Adam) LoadState(state map[string]nn.GradVector) error {
	m, okM := state["m"]
	v, okV := state["v"]
	t, okT := state["t"]
	if !okM || !okV || !okT || len(t) != 1 || len(t[0]) != 1 {
		return fmt.Errorf("adam state: incomplete")
	}
	if err := a.parameters.Check(m); err != nil {
		return fmt.Errorf("adam state m: %w", err)
	}
	if err := a.parameters.Check(v); err != nil {
		return fmt.Errorf("adam state v: %w", err)
	}
	a.m, a.v, a.t = m.Clone(), v.Clone(), int(t[0][0])
	return nil
}
