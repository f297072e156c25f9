package nn

import (
	"errors"
	"fmt"
	"math"

	"advtorch/tensor"
	"gonum.org/v1/gonum/floats"
)

// ErrLengthMismatch is returned when two gradient vectors, or a vector and a parameter set, are not co-indexed.
var ErrLengthMismatch = errors.New("nn: gradient vector length mismatch")

// Parameter is a named trainable tensor. Decay marks tensors that take L2 weight decay (kernels and weight matrices).
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Decay bool
}

// newParameter wraps data as a leaf that requires grad.
func newParameter(name string, shape []int, data []float64, decay bool) (*Parameter, error) {
	t, err := tensor.NewTensor(shape, data)
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %w", name, err)
	}
	t.RequiresGrad = true
	return &Parameter{Name: name, Value: t, Decay: decay}, nil
}

// ParamSet is an ordered collection of parameters belonging to one network.
// Version is bumped by every optimizer commit and never goes backwards.
type ParamSet struct {
	name    string
	params  []*Parameter
	version uint64
}

func NewParamSet(name string, params []*Parameter) *ParamSet {
	return &ParamSet{name: name, params: params}
}

func (s *ParamSet) Name() string                { return s.name }
func (s *ParamSet) Params() []*Parameter        { return s.params }
func (s *ParamSet) Len() int                    { return len(s.params) }
func (s *ParamSet) Version() uint64             { return s.version }
func (s *ParamSet) Commit()                     { s.version++ }
func (s *ParamSet) At(i int) *Parameter         { return s.params[i] }
func (s *ParamSet) Tensor(i int) *tensor.Tensor { return s.params[i].Value }

// Tensors returns the parameter values in order, for autograd.Grad.
func (s *ParamSet) Tensors() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(s.params))
	for i, p := range s.params {
		out[i] = p.Value
	}
	return out
}

// NumParams is the total number of scalars in the set.
func (s *ParamSet) NumParams() int {
	n := 0
	for _, p := range s.params {
		n += tensor.Numel(p.Value)
	}
	return n
}

// Freeze marks every parameter as not requiring grad. Graphs built while frozen treat the parameters
// as constants. The returned func restores the previous flags.
func (s *ParamSet) Freeze() (restore func()) {
	prev := make([]bool, len(s.params))
	for i, p := range s.params {
		prev[i] = p.Value.RequiresGrad
		p.Value.RequiresGrad = false
	}
	return func() {
		for i, p := range s.params {
			p.Value.RequiresGrad = prev[i]
		}
	}
}

// Snapshot copies all parameter values.
func (s *ParamSet) Snapshot() [][]float64 {
	out := make([][]float64, len(s.params))
	for i, p := range s.params {
		out[i] = append([]float64(nil), p.Value.GetData()...)
	}
	return out
}

// Restore overwrites the parameter values from a Snapshot. It does not touch the version.
func (s *ParamSet) Restore(snap [][]float64) error {
	if err := s.checkShape(GradVector(snap)); err != nil {
		return err
	}
	for i, p := range s.params {
		copy(p.Value.GetData(), snap[i])
	}
	return nil
}

// Apply adds delta to the parameter values in place: theta += delta.
func (s *ParamSet) Apply(delta GradVector) error {
	if err := s.checkShape(delta); err != nil {
		return err
	}
	for i, p := range s.params {
		floats.Add(p.Value.GetData(), delta[i])
	}
	return nil
}

func (s *ParamSet) checkShape(g GradVector) error {
	if len(g) != len(s.params) {
		return fmt.Errorf("%w: %d entries for %d parameters of %s", ErrLengthMismatch, len(g), len(s.params), s.name)
	}
	for i, p := range s.params {
		if len(g[i]) != tensor.Numel(p.Value) {
			return fmt.Errorf("%w: entry %d (%s) has %d values, want %d", ErrLengthMismatch, i, p.Name, len(g[i]), tensor.Numel(p.Value))
		}
	}
	return nil
}

// Check reports whether g is co-indexed with the set.
func (s *ParamSet) Check(g GradVector) error { return s.checkShape(g) }

// WeightDecay returns wd*0.5*sum(w^2) over the decayed parameters as a graph node, so its gradient wd*w
// reaches the parameters through autograd. It returns nil when wd is zero or nothing decays.
func (s *ParamSet) WeightDecay(wd float64) (*tensor.Tensor, error) {
	if wd == 0 {
		return nil, nil
	}
	var total *tensor.Tensor
	for _, p := range s.params {
		if !p.Decay {
			continue
		}
		term, err := halfSquaredSum(p.Value, wd)
		if err != nil {
			return nil, fmt.Errorf("weight decay %s: %w", p.Name, err)
		}
		if total == nil {
			total = term
			continue
		}
		if total, err = tensor.AddTensor(total, term); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// halfSquaredSum computes scale*0.5*sum(t^2) as a scalar node.
func halfSquaredSum(t *tensor.Tensor, scale float64) (*tensor.Tensor, error) {
	data := t.GetData()
	out, err := tensor.NewTensor([]int{1}, []float64{scale * 0.5 * floats.Dot(data, data)})
	if err != nil {
		return nil, err
	}
	if t.RequiresGrad {
		out.RequiresGrad = true
		out.Parents = []*tensor.Tensor{t}
		out.Operation = "half_sq_sum"
		out.BackwardFunc = func(grad *tensor.Tensor) {
			g := make([]float64, len(data))
			floats.ScaleTo(g, scale*grad.GetData()[0], data)
			gt, err := tensor.NewTensor(t.GetShape(), g)
			if err != nil {
				panic(fmt.Sprintf("half_sq_sum backward: %v", err))
			}
			t.AccumulateGrad(gt)
		}
	}
	return out, nil
}

// Disjoint reports an error if a and b share any tensor.
func Disjoint(a, b *ParamSet) error {
	seen := make(map[*tensor.Tensor]string, len(a.params))
	for _, p := range a.params {
		seen[p.Value] = p.Name
	}
	for _, p := range b.params {
		if name, ok := seen[p.Value]; ok {
			return fmt.Errorf("parameter sets %s and %s share tensor %s/%s", a.name, b.name, name, p.Name)
		}
	}
	return nil
}

// AllFinite reports whether every value in the set is finite.
func (s *ParamSet) AllFinite() bool {
	for _, p := range s.params {
		for _, v := range p.Value.GetData() {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
