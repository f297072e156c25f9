// Package models holds the two networks trained against each other: a generator that proposes
// input perturbations and a discriminator (the classifier being hardened).
package models

import (
	"fmt"
	"math/rand"

	"advtorch/nn"
	"advtorch/tensor"
)

// Network is what the trainer and the evaluators see: a differentiable forward pass and the
// parameters it reads. Images are NHWC.
type Network interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Params() *nn.ParamSet
}

// Generator maps a batch of images [N,H,W,C] to a perturbation direction of the same shape in [-1, 1].
type Generator struct {
	net    *nn.Sequential
	params *nn.ParamSet
}

func NewGenerator(channels, hidden int, rng *rand.Rand) (*Generator, error) {
	c1, err := nn.NewConv2D("g/conv1", channels, hidden, 3, 1, 1, rng)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	c2, err := nn.NewConv2D("g/conv2", hidden, channels, 3, 1, 1, rng)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	net := nn.NewSequential(
		nn.NewPermute(0, 3, 1, 2),
		c1, nn.NewRELU(),
		c2, nn.NewTanh(),
		nn.NewPermute(0, 2, 3, 1),
	)
	return &Generator{net: net, params: nn.NewParamSet("generator", net.Parameters())}, nil
}

func (g *Generator) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.GetShape()) != 4 {
		return nil, fmt.Errorf("generator expects [N,H,W,C], got %v", x.GetShape())
	}
	return g.net.Forward(x)
}

func (g *Generator) Params() *nn.ParamSet { return g.params }

func (g *Generator) Layers() []nn.Layer { return g.net.Layers() }

// Discriminator classifies images [N,H,W,C] into classNum logits.
type Discriminator struct {
	net    *nn.Sequential
	params *nn.ParamSet
}

// NewDiscriminator builds two conv/pool stages and a two-layer head. imageSize must be divisible by 4.
func NewDiscriminator(imageSize, channels, width, classNum int, rng *rand.Rand) (*Discriminator, error) {
	if imageSize <= 0 || imageSize%4 != 0 {
		return nil, fmt.Errorf("discriminator: image size %d must be a positive multiple of 4", imageSize)
	}
	c1, err := nn.NewConv2D("d/conv1", channels, width, 3, 1, 1, rng)
	if err != nil {
		return nil, fmt.Errorf("discriminator: %w", err)
	}
	c2, err := nn.NewConv2D("d/conv2", width, 2*width, 3, 1, 1, rng)
	if err != nil {
		return nil, fmt.Errorf("discriminator: %w", err)
	}
	side := imageSize / 4
	fc1, err := nn.NewLinear("d/fc1", 2*width*side*side, 4*width, rng)
	if err != nil {
		return nil, fmt.Errorf("discriminator: %w", err)
	}
	fc2, err := nn.NewLinear("d/fc2", 4*width, classNum, rng)
	if err != nil {
		return nil, fmt.Errorf("discriminator: %w", err)
	}
	net := nn.NewSequential(
		nn.NewPermute(0, 3, 1, 2),
		c1, nn.NewRELU(), nn.NewMaxPooling2D(2, 2),
		c2, nn.NewRELU(), nn.NewMaxPooling2D(2, 2),
		nn.NewFlatten(),
		fc1, nn.NewRELU(),
		fc2,
	)
	return &Discriminator{net: net, params: nn.NewParamSet("discriminator", net.Parameters())}, nil
}

func (d *Discriminator) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.GetShape()) != 4 {
		return nil, fmt.Errorf("discriminator expects [N,H,W,C], got %v", x.GetShape())
	}
	return d.net.Forward(x)
}

func (d *Discriminator) Params() *nn.ParamSet { return d.params }

func (d *Discriminator) Layers() []nn.Layer { return d.net.Layers() }
