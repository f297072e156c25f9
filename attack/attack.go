// Package attack measures discriminator accuracy on clean and perturbed test batches.
package attack

import (
	"context"
	"fmt"
	"math/rand"

	"advtorch/autograd"
	"advtorch/dataset"
	"advtorch/models"
	"advtorch/nn"
	"advtorch/tensor"
)

// Evaluator reports the discriminator's accuracy under one perturbation.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, src dataset.Rewinder) (float64, error)
}

// Options are shared by every evaluator.
type Options struct {
	TestSize  int
	BatchSize int
	ClassNum  int
	Epsilon   float64
}

// perturbFunc maps normalized inputs to the inputs the discriminator is scored on.
type perturbFunc func(x *tensor.Tensor, labels []int) (*tensor.Tensor, error)

// harness runs the evaluation loop shared by every evaluator.
type harness struct {
	name string
	d    models.Network
	opts Options
	acc  Accuracy
}

func (h *harness) Name() string { return h.name }

func (h *harness) run(ctx context.Context, src dataset.Rewinder, perturb perturbFunc) (float64, error) {
	// the discriminator is a constant for the whole pass
	restore := h.d.Params().Freeze()
	defer restore()

	h.acc.Reset()
	src.Rewind()
	steps := Steps(h.opts.TestSize, h.opts.BatchSize)
	for i := 0; i < steps; i++ {
		batch, err := src.Next(ctx)
		if err != nil {
			return 0, fmt.Errorf("%s: batch %d: %w", h.name, i, err)
		}
		if err := batch.Validate(h.opts.ClassNum); err != nil {
			return 0, fmt.Errorf("%s: batch %d: %w", h.name, i, err)
		}
		x, err := dataset.Normalize(batch.Images)
		if err != nil {
			return 0, err
		}
		if perturb != nil {
			if x, err = perturb(x, batch.Labels); err != nil {
				return 0, fmt.Errorf("%s: perturb: %w", h.name, err)
			}
		}
		logits, err := h.d.Forward(x)
		if err != nil {
			return 0, fmt.Errorf("%s: forward: %w", h.name, err)
		}
		preds, err := tensor.ArgMaxRows(logits)
		if err != nil {
			return 0, err
		}
		if err := h.acc.Update(preds, batch.Labels); err != nil {
			return 0, err
		}
	}
	return h.acc.Value(), nil
}

// lossGrad returns d CE(D(x), labels) / dx.
func (h *harness) lossGrad(x *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
	return autograd.InputGrad(x, func(leaf *tensor.Tensor) (*tensor.Tensor, error) {
		logits, err := h.d.Forward(leaf)
		if err != nil {
			return nil, err
		}
		return nn.CrossEntropyLoss(logits, labels)
	})
}

// Clean scores unperturbed inputs.
type Clean struct{ harness }

func NewClean(d models.Network, opts Options) *Clean {
	return &Clean{harness{name: "clean", d: d, opts: opts}}
}

func (c *Clean) Evaluate(ctx context.Context, src dataset.Rewinder) (float64, error) {
	return c.run(ctx, src, nil)
}

// Generator scores x + epsilon*G(x). The generator output is a constant and is not clipped.
type Generator struct {
	harness
	g models.Network
}

func NewGenerator(d, g models.Network, opts Options) *Generator {
	return &Generator{harness: harness{name: "g", d: d, opts: opts}, g: g}
}

func (e *Generator) Evaluate(ctx context.Context, src dataset.Rewinder) (float64, error) {
	restore := e.g.Params().Freeze()
	defer restore()
	return e.run(ctx, src, func(x *tensor.Tensor, _ []int) (*tensor.Tensor, error) {
		noise, err := e.g.Forward(x)
		if err != nil {
			return nil, err
		}
		return tensor.AddTensor(x, tensor.ScaleTensor(tensor.Detach(noise), e.opts.Epsilon))
	})
}

// FGS scores clip(x + epsilon*sign(grad_x loss), -1, 1).
type FGS struct{ harness }

func NewFGS(d models.Network, opts Options) *FGS {
	return &FGS{harness{name: "fgs", d: d, opts: opts}}
}

func (f *FGS) Evaluate(ctx context.Context, src dataset.Rewinder) (float64, error) {
	return f.run(ctx, src, func(x *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
		g, err := f.lossGrad(x, labels)
		if err != nil {
			return nil, err
		}
		adv, err := tensor.AddTensor(x, tensor.ScaleTensor(tensor.Sign(g), f.opts.Epsilon))
		if err != nil {
			return nil, err
		}
		tensor.Clip(adv, -1, 1)
		return adv, nil
	})
}

// PGD runs Iterations signed-gradient steps of size epsilon/4 from a uniform random start in the
// epsilon-ball, projecting onto the ball and then onto [-1,1] after every step.
type PGD struct {
	harness
	Iterations int
	rng        *rand.Rand
}

func NewPGD(d models.Network, opts Options, iterations int, rng *rand.Rand) *PGD {
	return &PGD{harness: harness{name: "pgd", d: d, opts: opts}, Iterations: iterations, rng: rng}
}

func (p *PGD) Evaluate(ctx context.Context, src dataset.Rewinder) (float64, error) {
	eps := p.opts.Epsilon
	step := 0.25 * eps
	return p.run(ctx, src, func(x0 *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
		start, err := tensor.Uniform(x0.GetShape(), -eps, eps, p.rng)
		if err != nil {
			return nil, err
		}
		// the random start is not clipped
		x, err := tensor.AddTensor(x0, start)
		if err != nil {
			return nil, err
		}
		for i := 0; i < p.Iterations; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			g, err := p.lossGrad(x, labels)
			if err != nil {
				return nil, err
			}
			if x, err = tensor.AddTensor(x, tensor.ScaleTensor(tensor.Sign(g), step)); err != nil {
				return nil, err
			}
			if err := tensor.ClipAround(x, x0, eps); err != nil {
				return nil, err
			}
			tensor.Clip(x, -1, 1)
		}
		return x, nil
	})
}
