package autograd

import (
	"errors"
	"fmt"

	"advtorch/tensor"
)

// ErrNoGrad is returned when a backward pass starts from a tensor that is not part of a graph.
var ErrNoGrad = errors.New("autograd: root does not require grad")

// Backward performs the backward pass starting from the root tensor.
// it computes gradients for all tensors in the computation graph that lead to the root
// and have RequiresGrad set to true.
// it uses a topological sort of the graph defined by tensor.Tensor.Parents, so every node's
// BackwardFunc runs exactly once, after all of its consumers have contributed to its gradient.
//
// leaf tensors accumulate into Grad across calls; interior nodes are reset on every call.
func Backward(root *tensor.Tensor) error {
	if root == nil || !root.RequiresGrad {
		return ErrNoGrad
	}

	topo := topoSort(root)
	for _, t := range topo {
		if t.BackwardFunc != nil {
			t.Grad = nil
		}
	}

	ones, err := tensor.OnesLike(root)
	if err != nil {
		return fmt.Errorf("autograd: seed gradient: %w", err)
	}
	root.AccumulateGrad(ones)

	for i := len(topo) - 1; i >= 0; i-- {
		t := topo[i]
		if t.BackwardFunc == nil || t.Grad == nil {
			// leaves, or nodes no path from root reached
			continue
		}
		t.BackwardFunc(t.Grad)
	}
	return nil
}

func topoSort(root *tensor.Tensor) []*tensor.Tensor {
	visited := make(map[*tensor.Tensor]bool)
	var topo []*tensor.Tensor

	var dfs func(*tensor.Tensor)
	dfs = func(t *tensor.Tensor) {
		if t == nil || visited[t] {
			return
		}
		visited[t] = true
		if t.RequiresGrad {
			for _, p := range t.Parents {
				dfs(p)
			}
		}
		topo = append(topo, t)
	}
	dfs(root)
	return topo
}

// Grad returns d(root)/d(wrt[i]) for every tensor in wrt, in order.
// existing gradients on wrt are discarded first, so the result reflects root alone.
// a tensor root does not depend on gets a zero gradient.
func Grad(root *tensor.Tensor, wrt []*tensor.Tensor) ([][]float64, error) {
	for i, w := range wrt {
		if !w.RequiresGrad {
			return nil, fmt.Errorf("autograd: wrt[%d] (shape %v) does not require grad", i, w.GetShape())
		}
		w.Grad = nil
	}
	if err := Backward(root); err != nil {
		return nil, err
	}

	out := make([][]float64, len(wrt))
	for i, w := range wrt {
		g := make([]float64, tensor.Numel(w))
		if w.Grad != nil {
			copy(g, w.Grad.GetData())
		}
		out[i] = g
		w.Grad = nil
	}
	return out, nil
}

// InputGrad returns the gradient of a scalar loss built by f with respect to a fresh copy of x.
// x itself is left untouched; the copy is a leaf of the graph f builds.
func InputGrad(x *tensor.Tensor, f func(*tensor.Tensor) (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	leaf := tensor.Detach(x)
	leaf.RequiresGrad = true
	loss, err := f(leaf)
	if err != nil {
		return nil, err
	}
	grads, err := Grad(loss, []*tensor.Tensor{leaf})
	if err != nil {
		return nil, err
	}
	return tensor.NewTensor(x.GetShape(), grads[0])
}
