package dataset

import (
	"math"
	"math/rand"
)

// SyntheticOptions configures a generated example set.
type SyntheticOptions struct {
	Examples  int
	Size      int
	Channels  int
	ClassNum  int
	BatchSize int
	Noise     float64
	Seed      int64
	Shuffle   bool
}

// Synthetic builds a learnable stand-in for an image set: every class has a fixed sinusoidal
// template and each example is its template plus uniform noise, clipped to [0,1].
func Synthetic(opts SyntheticOptions) (*Memory, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	size, channels := opts.Size, opts.Channels
	per := size * size * channels
	templates := make([][]float64, opts.ClassNum)
	for c := range templates {
		t := make([]float64, per)
		fx := 1 + float64(c%4)
		fy := 1 + float64(c/4)
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				for ch := 0; ch < channels; ch++ {
					phase := float64(ch) * math.Pi / 3
					v := math.Sin(2*math.Pi*fx*float64(x)/float64(size)+phase) * math.Cos(2*math.Pi*fy*float64(y)/float64(size))
					t[(y*size+x)*channels+ch] = 0.5 + 0.4*v
				}
			}
		}
		templates[c] = t
	}

	pixels := make([]float64, opts.Examples*per)
	labels := make([]int, opts.Examples)
	for i := range labels {
		label := rng.Intn(opts.ClassNum)
		labels[i] = label
		dst := pixels[i*per : (i+1)*per]
		for j, v := range templates[label] {
			dst[j] = math.Min(1, math.Max(0, v+opts.Noise*(2*rng.Float64()-1)))
		}
	}

	var order *rand.Rand
	if opts.Shuffle {
		order = rng
	}
	return NewMemory(pixels, labels, size, size, channels, opts.BatchSize, order)
}
