package trainer

import (
	"context"
	"errors"
	"fmt"

	"advtorch/models"
	"advtorch/nn"
	"advtorch/optimizer"
	"advtorch/tensor"

	"go.opentelemetry.io/otel/trace"
)

var errCorrectionInputs = errors.New("trainer: correction needs the final noise pass and real discriminator gradients")

// Correction estimates the second-order term of the discriminator update with a finite difference:
// step the generator virtually along the final generator gradient, re-score the discriminator, and
// difference the two discriminator noise gradients.
type Correction struct {
	g, d    models.Network
	virtual *optimizer.SGD
	epsilon float64
	gamma   float64
	tracer  trace.Tracer
}

func NewCorrection(g, d models.Network, virtual *optimizer.SGD, epsilon, gamma float64, tracer trace.Tracer) (*Correction, error) {
	if virtual.Parameters() != g.Params() {
		return nil, fmt.Errorf("virtual optimizer is not bound to the generator parameters")
	}
	return &Correction{g: g, d: d, virtual: virtual, epsilon: epsilon, gamma: gamma, tracer: tracer}, nil
}

// H is the virtual step size.
func (c *Correction) H() float64 { return c.virtual.LearningRate() }

// Apply returns gamma*(dNoise - dNoiseB)/h, where dNoiseB is the discriminator noise gradient after
// the virtual generator step. The generator stays displaced until restore runs; whenever restore is
// non-nil, including alongside an error, the caller must run it exactly once.
func (c *Correction) Apply(ctx context.Context, x *tensor.Tensor, labels []int, final NoisePass, dReal nn.GradVector) (term nn.GradVector, restore func() error, err error) {
	if final.G == nil || final.DNoise == nil || dReal == nil {
		return nil, nil, errCorrectionInputs
	}
	_, span := c.tracer.Start(ctx, "generator.correction")
	defer span.End()

	if err := c.virtual.Step(final.G); err != nil {
		return nil, nil, fmt.Errorf("virtual step: %w", err)
	}
	inverse := final.G.Neg()
	restore = func() error {
		if err := c.virtual.Step(inverse); err != nil {
			return fmt.Errorf("undo virtual step: %w", err)
		}
		return nil
	}

	_, dNoiseB, err := detachedNoisePass(c.g, c.d, x, labels, c.epsilon)
	if err != nil {
		return nil, restore, err
	}
	diff, err := final.DNoise.Sub(dNoiseB)
	if err != nil {
		return nil, restore, err
	}
	return diff.Scale(c.gamma / c.H()), restore, nil
}
