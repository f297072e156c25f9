package metrics

import (
	"time"

	"advtorch/attack"
)

// StepSample is what one training iteration reports.
type StepSample struct {
	Iter      int
	BatchSize int
	LossG     float64
	GLoss3    float64
	GLoss5    float64
	LossD     float64
	DReg      float64
	GReg      float64
	Variant   string
	Elapsed   time.Duration
}

// Observer receives training progress. Implementations must be cheap; they run on the training goroutine.
type Observer interface {
	ObserveState(state string)
	ObserveStep(s StepSample)
	ObserveEval(iter int, r attack.Report)
	ObserveCheckpoint(step int)
	ObserveNonFinite(iter int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveState(string)            {}
func (Nop) ObserveStep(StepSample)         {}
func (Nop) ObserveEval(int, attack.Report) {}
func (Nop) ObserveCheckpoint(int)          {}
func (Nop) ObserveNonFinite(int)           {}

// Multi fans out to several observers in order.
type Multi []Observer

func (m Multi) ObserveState(state string) {
	for _, o := range m {
		o.ObserveState(state)
	}
}

func (m Multi) ObserveStep(s StepSample) {
	for _, o := range m {
		o.ObserveStep(s)
	}
}

func (m Multi) ObserveEval(iter int, r attack.Report) {
	for _, o := range m {
		o.ObserveEval(iter, r)
	}
}

func (m Multi) ObserveCheckpoint(step int) {
	for _, o := range m {
		o.ObserveCheckpoint(step)
	}
}

func (m Multi) ObserveNonFinite(iter int) {
	for _, o := range m {
		o.ObserveNonFinite(iter)
	}
}
