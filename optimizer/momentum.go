package optimizer

import (
	"fmt"

	"advtorch/nn"
	"gonum.org/v1/gonum/floats"
)

// Momentum keeps one accumulator per parameter:
//
//	acc = momentum*acc + grad
//	parameter = parameter - learning_rate*acc
type Momentum struct {
	learningRate float64
	momentum     float64
	parameters   *nn.ParamSet
	acc          nn.GradVector
	steps        int
}

func NewMomentum(parameters *nn.ParamSet, learningRate, momentum float64) (*Momentum, error) {
	if learningRate <= 0 {
		return nil, fmt.Errorf("optimizer: learning rate must be positive, got %f", learningRate)
	}
	if momentum < 0 || momentum >= 1 {
		return nil, fmt.Errorf("optimizer: momentum must be in [0, 1), got %f", momentum)
	}
	if parameters == nil || parameters.Len() == 0 {
		return nil, fmt.Errorf("optimizer: created with empty parameters list")
	}
	return &Momentum{
		learningRate: learningRate,
		momentum:     momentum,
		parameters:   parameters,
		acc:          zerosLike(parameters),
	}, nil
}

func (m *Momentum) Step(grads nn.GradVector) error {
	if err := m.parameters.Check(grads); err != nil {
		return fmt.Errorf("momentum step: %w", err)
	}
	for i, p := range m.parameters.Params() {
		acc := m.acc[i]
		floats.Scale(m.momentum, acc)
		floats.Add(acc, grads[i])
		floats.AddScaled(p.Value.GetData(), -m.learningRate, acc)
	}
	m.steps++
	m.parameters.Commit()
	return nil
}

// Steps is how many updates this instance has applied.
func (m *Momentum) Steps() int { return m.steps }

func (m *Momentum) Parameters() *nn.ParamSet { return m.parameters }

func (m *Momentum) Name() string {
	return fmt.Sprintf("momentum(lr=%g, m=%g)", m.learningRate, m.momentum)
}

func (m *Momentum) State() map[string]nn.GradVector {
	return map[string]nn.GradVector{"acc": m.acc.Clone()}
}

func (m *Momentum) LoadState(state map[string]nn.GradVector) error {
	acc, ok := state["acc"]
	if !ok {
		return fmt.Errorf("momentum state: missing acc")
	}
	if err := m.parameters.Check(acc); err != nil {
		return fmt.Errorf("momentum state: %w", err)
	}
	m.acc = acc.Clone()
	return nil
}

func zerosLike(s *nn.ParamSet) nn.GradVector {
	out := make(nn.GradVector, s.Len())
	for i := range out {
		out[i] = make([]float64, len(s.Tensor(i).GetData()))
	}
	return out
}
