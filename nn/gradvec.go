package nn

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// GradVector holds one flat gradient per parameter of a ParamSet, in the set's order.
// Arithmetic never mutates its operands.
type GradVector [][]float64

func (g GradVector) match(o GradVector) error {
	if len(g) != len(o) {
		return fmt.Errorf("%w: %d vs %d entries", ErrLengthMismatch, len(g), len(o))
	}
	for i := range g {
		if len(g[i]) != len(o[i]) {
			return fmt.Errorf("%w: entry %d has %d vs %d values", ErrLengthMismatch, i, len(g[i]), len(o[i]))
		}
	}
	return nil
}

// Clone deep-copies g.
func (g GradVector) Clone() GradVector {
	out := make(GradVector, len(g))
	for i, v := range g {
		out[i] = append([]float64(nil), v...)
	}
	return out
}

// Add returns g + o.
func (g GradVector) Add(o GradVector) (GradVector, error) {
	if err := g.match(o); err != nil {
		return nil, err
	}
	out := make(GradVector, len(g))
	for i := range g {
		out[i] = make([]float64, len(g[i]))
		floats.AddTo(out[i], g[i], o[i])
	}
	return out, nil
}

// Sub returns g - o.
func (g GradVector) Sub(o GradVector) (GradVector, error) {
	if err := g.match(o); err != nil {
		return nil, err
	}
	out := make(GradVector, len(g))
	for i := range g {
		out[i] = make([]float64, len(g[i]))
		floats.SubTo(out[i], g[i], o[i])
	}
	return out, nil
}

// Scale returns s*g.
func (g GradVector) Scale(s float64) GradVector {
	out := make(GradVector, len(g))
	for i := range g {
		out[i] = make([]float64, len(g[i]))
		floats.ScaleTo(out[i], s, g[i])
	}
	return out
}

// Neg returns -g.
func (g GradVector) Neg() GradVector { return g.Scale(-1) }

// HalfSquaredNorm returns 0.5*sum(g^2).
func (g GradVector) HalfSquaredNorm() float64 {
	var s float64
	for _, v := range g {
		s += floats.Dot(v, v)
	}
	return 0.5 * s
}

// Sum adds up any number of co-indexed vectors.
func Sum(first GradVector, rest ...GradVector) (GradVector, error) {
	acc := first.Clone()
	for _, r := range rest {
		if err := acc.match(r); err != nil {
			return nil, err
		}
		for i := range acc {
			floats.Add(acc[i], r[i])
		}
	}
	return acc, nil
}
