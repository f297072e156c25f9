package trainer

import (
	"context"
	"fmt"

	"advtorch/models"
	"advtorch/nn"
	"advtorch/optimizer"
	"advtorch/tensor"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Hyper holds the numerical settings of one training iteration.
type Hyper struct {
	Epsilon      float64
	WeightDecay  float64
	LearningRate float64
	Gamma        float64
	DecayStep    int
}

// Generator optimizer settings.
const (
	GeneratorLR    = 0.002
	GeneratorBeta1 = 0.5
	GeneratorBeta2 = 0.999
	GeneratorEps   = 1e-8
	DMomentum      = 0.9
)

// StepResult is what one iteration reports.
type StepResult struct {
	LossG   float64 // generator loss at chain step 1
	GLoss3  float64
	GLoss5  float64
	LossD   float64 // clean + noise discriminator loss before the chain
	DReg    float64 // 0.5*sum(g^2) of the pre-chain discriminator gradient
	GReg    float64 // 0.5*sum(g^2) of the pre-chain generator gradient
	Variant Variant
}

// Trainer owns the four optimizers and runs one iteration at a time.
type Trainer struct {
	g, d       models.Network
	hp         Hyper
	adam       *optimizer.Adam
	dFull      *optimizer.Momentum
	dReduced   *optimizer.Momentum
	chain      *Chain
	correction *Correction
	tracer     trace.Tracer
}

func New(g, d models.Network, hp Hyper) (*Trainer, error) {
	if err := nn.Disjoint(g.Params(), d.Params()); err != nil {
		return nil, err
	}
	if hp.DecayStep <= 0 {
		hp.DecayStep = DefaultDecayStep
	}
	tracer := otel.Tracer("advtorch/trainer")

	adam, err := optimizer.NewAdam(g.Params(), GeneratorLR, GeneratorBeta1, GeneratorBeta2, GeneratorEps)
	if err != nil {
		return nil, err
	}
	virtual, err := optimizer.NewSGD(g.Params(), hp.LearningRate/10)
	if err != nil {
		return nil, err
	}
	dFull, err := optimizer.NewMomentum(d.Params(), hp.LearningRate, DMomentum)
	if err != nil {
		return nil, err
	}
	dReduced, err := optimizer.NewMomentum(d.Params(), hp.LearningRate/10, DMomentum)
	if err != nil {
		return nil, err
	}
	chain, err := NewChain(g, d, adam, hp.Epsilon, hp.WeightDecay, tracer)
	if err != nil {
		return nil, err
	}
	correction, err := NewCorrection(g, d, virtual, hp.Epsilon, hp.Gamma, tracer)
	if err != nil {
		return nil, err
	}
	return &Trainer{
		g: g, d: d, hp: hp,
		adam: adam, dFull: dFull, dReduced: dReduced,
		chain: chain, correction: correction,
		tracer: tracer,
	}, nil
}

// Optimizers returns the stateful optimizers keyed by name, grouped by the network they update.
func (t *Trainer) Optimizers() (g, d map[string]optimizer.Stateful) {
	return map[string]optimizer.Stateful{"adam": t.adam},
		map[string]optimizer.Stateful{FullRate.String(): t.dFull, ReducedRate.String(): t.dReduced}
}

func (t *Trainer) discriminatorOptimizer(v Variant) *optimizer.Momentum {
	if v == FullRate {
		return t.dFull
	}
	return t.dReduced
}

// Step runs one iteration on a normalized, augmented batch x [N,H,W,C]:
// the pre-chain pass, five generator updates, the second-order correction and one discriminator
// update. The generator leaves Step at its post-chain value.
func (t *Trainer) Step(ctx context.Context, iter int, x *tensor.Tensor, labels []int) (res StepResult, err error) {
	ctx, span := t.tracer.Start(ctx, "train.step", trace.WithAttributes(attribute.Int("iter", iter)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	realLoss, dReal, err := realPass(t.d, x, labels, t.hp.WeightDecay)
	if err != nil {
		return res, fmt.Errorf("real pass: %w", err)
	}
	pre, err := noisePass(t.g, t.d, x, labels, t.hp.Epsilon, t.hp.WeightDecay, true)
	if err != nil {
		return res, fmt.Errorf("noise pass: %w", err)
	}
	dGrads, err := dReal.Add(pre.DNoise)
	if err != nil {
		return res, err
	}
	res.LossD = realLoss + pre.Loss
	res.DReg = dGrads.HalfSquaredNorm()
	res.GReg = pre.G.HalfSquaredNorm()

	chain, err := t.chain.Run(ctx, x, labels, pre)
	if err != nil {
		return res, err
	}
	res.LossG, res.GLoss3, res.GLoss5 = chain.Losses[0], chain.Losses[2], chain.Losses[4]

	term, restore, err := t.correction.Apply(ctx, x, labels, chain.Final, dReal)
	if restore != nil {
		// runs after the discriminator update below, and on every error path
		defer func() {
			if rerr := restore(); rerr != nil && err == nil {
				err = rerr
			}
		}()
	}
	if err != nil {
		return res, fmt.Errorf("correction: %w", err)
	}

	full, err := nn.Sum(dReal, chain.Final.DNoise, term)
	if err != nil {
		return res, err
	}
	res.Variant = SelectVariant(iter, t.hp.DecayStep)
	_, dspan := t.tracer.Start(ctx, "discriminator.update", trace.WithAttributes(attribute.String("variant", res.Variant.String())))
	err = t.discriminatorOptimizer(res.Variant).Step(full)
	dspan.End()
	if err != nil {
		return res, fmt.Errorf("discriminator update: %w", err)
	}
	return res, nil
}
