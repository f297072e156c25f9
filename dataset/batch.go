package dataset

import (
	"context"
	"errors"
	"fmt"

	"advtorch/tensor"
)

// ErrShape reports a malformed batch.
var ErrShape = errors.New("dataset: malformed batch")

// Batch is a set of images [N,H,W,C] with values in [0,1] and one label per image.
type Batch struct {
	Images *tensor.Tensor
	Labels []int
}

// Size is the number of examples in the batch.
func (b Batch) Size() int { return len(b.Labels) }

// Validate checks the image rank, the label count and the label range.
func (b Batch) Validate(classNum int) error {
	if b.Images == nil {
		return fmt.Errorf("%w: no images", ErrShape)
	}
	shape := b.Images.GetShape()
	if len(shape) != 4 {
		return fmt.Errorf("%w: images must be [N,H,W,C], got %v", ErrShape, shape)
	}
	if shape[0] != len(b.Labels) {
		return fmt.Errorf("%w: %d images but %d labels", ErrShape, shape[0], len(b.Labels))
	}
	for i, l := range b.Labels {
		if l < 0 || l >= classNum {
			return fmt.Errorf("%w: label %d at %d outside [0,%d)", ErrShape, l, i, classNum)
		}
	}
	return nil
}

// Source yields batches. Training sources never run dry.
type Source interface {
	Next(ctx context.Context) (Batch, error)
}

// Rewinder is a Source that can restart from its first batch, used for evaluation passes.
type Rewinder interface {
	Source
	Rewind()
}
