package optimizer

import (
	"fmt"

	"advtorch/nn"
)

// common method all optimizers must utilize. an optimizer is bound to one parameter set for its whole life;
// Step consumes an explicit gradient vector co-indexed with that set and commits it.
type Optimizer interface {
	Step(grads nn.GradVector) error
	Parameters() *nn.ParamSet // return the parameters managed by the optimizer
	Name() string
}

// Stateful optimizers carry accumulators that outlive a single step.
type Stateful interface {
	State() map[string]nn.GradVector
	LoadState(map[string]nn.GradVector) error
}

// SGD : plain gradient descent, parameter = parameter - learning_rate * gradient.
// stateless, so applying -g after g through the same instance restores the parameters.
type SGD struct {
	learningRate float64
	parameters   *nn.ParamSet
}

// creates a new SGD over a parameter set with the given learning rate.
func NewSGD(parameters *nn.ParamSet, learningRate float64) (*SGD, error) {
	if learningRate <= 0 {
		return nil, fmt.Errorf("optimizer: learning rate must be positive, got %f", learningRate)
	}
	if parameters == nil || parameters.Len() == 0 {
		return nil, fmt.Errorf("optimizer: created with empty parameters list")
	}
	return &SGD{
		learningRate: learningRate,
		parameters:   parameters,
	}, nil
}

func (s *SGD) Step(grads nn.GradVector) error {
	if err := s.parameters.Check(grads); err != nil {
		return fmt.Errorf("sgd step: %w", err)
	}
	if err := s.parameters.Apply(grads.Scale(-s.learningRate)); err != nil {
		return err
	}
	s.parameters.Commit()
	return nil
}

func (s *SGD) LearningRate() float64 { return s.learningRate }

// returns the params managed by this optimizer
func (s *SGD) Parameters() *nn.ParamSet { return s.parameters }

func (s *SGD) Name() string { return fmt.Sprintf("sgd(lr=%g)", s.learningRate) }
