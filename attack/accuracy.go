package attack

import "fmt"

// Accuracy is a running correct/total counter.
type Accuracy struct {
	correct int
	total   int
}

func (a *Accuracy) Reset() { a.correct, a.total = 0, 0 }

func (a *Accuracy) Update(predictions, labels []int) error {
	if len(predictions) != len(labels) {
		return fmt.Errorf("accuracy: %d predictions for %d labels", len(predictions), len(labels))
	}
	for i, p := range predictions {
		if p == labels[i] {
			a.correct++
		}
	}
	a.total += len(labels)
	return nil
}

// Value is correct/total, or 0 before any update.
func (a *Accuracy) Value() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.total)
}

func (a *Accuracy) Total() int { return a.total }

// Steps is the number of evaluation batches for a test set: integer division, trailing examples dropped.
func Steps(testSize, batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return testSize / batchSize
}
