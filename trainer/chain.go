package trainer

import (
	"context"
	"errors"
	"fmt"

	"advtorch/models"
	"advtorch/nn"
	"advtorch/optimizer"
	"advtorch/tensor"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ChainLength is the number of generator updates per training iteration.
const ChainLength = 5

// ErrChainOrder is returned when a chain step observes a generator version other than the one
// committed by the previous step.
var ErrChainOrder = errors.New("trainer: generator chain step out of order")

// ChainResult carries what the rest of the iteration needs from the chain.
type ChainResult struct {
	// Losses[k] is the generator loss -CE seen by step k+1 before its update.
	Losses [ChainLength]float64
	// Final is scored on the generator after the last update: its G gradient drives the
	// virtual step and its DNoise gradient is the "before" point of the correction.
	Final NoisePass
}

// chainStep produces the loss and gradient for one generator update.
type chainStep func() (loss float64, grads nn.GradVector, err error)

// Chain runs ChainLength dependent generator updates on one fixed batch. The discriminator is
// read-only throughout.
type Chain struct {
	g, d    models.Network
	opt     optimizer.Optimizer
	epsilon float64
	wd      float64
	tracer  trace.Tracer
}

func NewChain(g, d models.Network, opt optimizer.Optimizer, epsilon, weightDecay float64, tracer trace.Tracer) (*Chain, error) {
	if opt.Parameters() != g.Params() {
		return nil, fmt.Errorf("chain optimizer %s is not bound to the generator parameters", opt.Name())
	}
	return &Chain{g: g, d: d, opt: opt, epsilon: epsilon, wd: weightDecay, tracer: tracer}, nil
}

// Run executes the chain. first is the pre-chain noise pass on the current generator; it seeds step 1
// so that step does not recompute the same forward.
func (c *Chain) Run(ctx context.Context, x *tensor.Tensor, labels []int, first NoisePass) (ChainResult, error) {
	_, span := c.tracer.Start(ctx, "generator.chain")
	defer span.End()

	steps := make([]chainStep, ChainLength)
	steps[0] = func() (float64, nn.GradVector, error) { return -first.Loss, first.G, nil }
	for k := 1; k < ChainLength; k++ {
		steps[k] = func() (float64, nn.GradVector, error) {
			p, err := noisePass(c.g, c.d, x, labels, c.epsilon, c.wd, false)
			return -p.Loss, p.G, err
		}
	}

	var res ChainResult
	params := c.g.Params()
	committed := params.Version()
	for k, step := range steps {
		if v := params.Version(); v != committed {
			return res, fmt.Errorf("%w: step %d found version %d, expected %d", ErrChainOrder, k+1, v, committed)
		}
		loss, grads, err := step()
		if err != nil {
			return res, fmt.Errorf("chain step %d: %w", k+1, err)
		}
		res.Losses[k] = loss
		if err := c.opt.Step(grads); err != nil {
			return res, fmt.Errorf("chain step %d update: %w", k+1, err)
		}
		if v := params.Version(); v != committed+1 {
			return res, fmt.Errorf("%w: step %d committed version %d, expected %d", ErrChainOrder, k+1, v, committed+1)
		}
		committed = params.Version()
	}
	span.SetAttributes(
		attribute.Float64("loss.first", res.Losses[0]),
		attribute.Float64("loss.last", res.Losses[ChainLength-1]),
	)

	final, err := noisePass(c.g, c.d, x, labels, c.epsilon, c.wd, true)
	if err != nil {
		return res, fmt.Errorf("chain final pass: %w", err)
	}
	res.Final = final
	return res, nil
}
