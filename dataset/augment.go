package dataset

import (
	"fmt"
	"math/rand"

	"advtorch/tensor"
)

// Augmenter applies the training-time image pipeline to NHWC batches in [0,1]:
// zero-pad Pad pixels on each side of H and W, crop a random HxW window, flip left-right with
// probability 1/2, then rescale to [-1,1]. The output never requires grad.
type Augmenter struct {
	Pad int
	rng *rand.Rand
}

func NewAugmenter(pad int, rng *rand.Rand) *Augmenter {
	return &Augmenter{Pad: pad, rng: rng}
}

func (a *Augmenter) Apply(images *tensor.Tensor) (*tensor.Tensor, error) {
	shape := images.GetShape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("%w: augment expects [N,H,W,C], got %v", ErrShape, shape)
	}
	n, h, w, c := shape[0], shape[1], shape[2], shape[3]
	src := images.GetData()
	out := make([]float64, len(src))

	for i := 0; i < n; i++ {
		// crop offset inside the padded image; dy-Pad is the shift of the window in source coordinates
		dy := a.rng.Intn(2*a.Pad + 1)
		dx := a.rng.Intn(2*a.Pad + 1)
		flip := a.rng.Float64() < 0.5
		base := i * h * w * c
		for y := 0; y < h; y++ {
			sy := y + dy - a.Pad
			for x := 0; x < w; x++ {
				ox := x
				if flip {
					ox = w - 1 - x
				}
				sx := x + dx - a.Pad
				dst := base + (y*w+ox)*c
				if sy < 0 || sy >= h || sx < 0 || sx >= w {
					for ch := 0; ch < c; ch++ {
						out[dst+ch] = -1
					}
					continue
				}
				s := base + (sy*w+sx)*c
				for ch := 0; ch < c; ch++ {
					out[dst+ch] = 2*src[s+ch] - 1
				}
			}
		}
	}
	return tensor.NewTensor(shape, out)
}

// Normalize rescales [0,1] images to [-1,1] without augmentation.
func Normalize(images *tensor.Tensor) (*tensor.Tensor, error) {
	src := images.GetData()
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = 2*v - 1
	}
	return tensor.NewTensor(images.GetShape(), out)
}
