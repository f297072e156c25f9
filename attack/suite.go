package attack

import (
	"context"
	"fmt"
	"math/rand"

	"advtorch/dataset"
	"advtorch/models"
)

// Report holds one evaluation round.
type Report struct {
	Clean float64
	FGS   float64
	PGD   float64
	G     float64
}

// Suite runs the four evaluators in the order clean, fgs, pgd, g.
type Suite struct {
	evaluators []Evaluator
}

func NewSuite(d, g models.Network, opts Options, pgdIterations int, rng *rand.Rand) *Suite {
	return &Suite{evaluators: []Evaluator{
		NewClean(d, opts),
		NewFGS(d, opts),
		NewPGD(d, opts, pgdIterations, rng),
		NewGenerator(d, g, opts),
	}}
}

func (s *Suite) Evaluators() []Evaluator { return s.evaluators }

// Run evaluates every attack against src, optionally reporting each result through observe.
func (s *Suite) Run(ctx context.Context, src dataset.Rewinder, observe func(name string, acc float64)) (Report, error) {
	var r Report
	for _, e := range s.evaluators {
		acc, err := e.Evaluate(ctx, src)
		if err != nil {
			return Report{}, fmt.Errorf("evaluate %s: %w", e.Name(), err)
		}
		switch e.Name() {
		case "clean":
			r.Clean = acc
		case "fgs":
			r.FGS = acc
		case "pgd":
			r.PGD = acc
		case "g":
			r.G = acc
		}
		if observe != nil {
			observe(e.Name(), acc)
		}
	}
	return r, nil
}
