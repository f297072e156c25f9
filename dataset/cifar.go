package dataset

import (
	"context"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"golang.org/x/sync/errgroup"
)

// CIFAR-10 binary layout: one label byte followed by 32*32 red, then green, then blue bytes.
const (
	cifarSide     = 32
	cifarChannels = 3
	cifarRecord   = 1 + cifarSide*cifarSide*cifarChannels
	CIFARClasses  = 10
)

var (
	cifarTrainRegexp = regexp.MustCompile(`^data_batch_[0-9]+\.bin$`)
	cifarTestRegexp  = regexp.MustCompile(`^test_batch\.bin$`)
)

// DiscoverCIFAR returns the sorted CIFAR-10 binary batch files beneath root.
func DiscoverCIFAR(root string, train bool) ([]string, error) {
	re := cifarTestRegexp
	if train {
		re = cifarTrainRegexp
	}
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && re.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover cifar: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// CIFAROptions selects a split and how it is served.
type CIFAROptions struct {
	Dir       string
	Train     bool
	BatchSize int
	Limit     int        // keep at most Limit examples; 0 keeps all
	Rng       *rand.Rand // shuffles per epoch when set
}

// LoadCIFAR10 reads every batch file of a split concurrently and serves it from memory as NHWC in [0,1].
func LoadCIFAR10(ctx context.Context, opts CIFAROptions) (*Memory, error) {
	files, err := DiscoverCIFAR(opts.Dir, opts.Train)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no cifar-10 batch files under %s (train=%v)", opts.Dir, opts.Train)
	}

	type part struct {
		pixels []float64
		labels []int
	}
	parts := make([]part, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			pixels, labels, err := decodeCIFAR(raw)
			if err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
			parts[i] = part{pixels: pixels, labels: labels}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var pixels []float64
	var labels []int
	for _, p := range parts {
		pixels = append(pixels, p.pixels...)
		labels = append(labels, p.labels...)
	}
	if opts.Limit > 0 && opts.Limit < len(labels) {
		labels = labels[:opts.Limit]
		pixels = pixels[:opts.Limit*cifarSide*cifarSide*cifarChannels]
	}
	return NewMemory(pixels, labels, cifarSide, cifarSide, cifarChannels, opts.BatchSize, opts.Rng)
}

// decodeCIFAR converts planar CHW records into interleaved HWC floats in [0,1].
func decodeCIFAR(raw []byte) ([]float64, []int, error) {
	if len(raw) == 0 || len(raw)%cifarRecord != 0 {
		return nil, nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte records", ErrShape, len(raw), cifarRecord)
	}
	n := len(raw) / cifarRecord
	plane := cifarSide * cifarSide
	pixels := make([]float64, n*plane*cifarChannels)
	labels := make([]int, n)
	for r := 0; r < n; r++ {
		rec := raw[r*cifarRecord : (r+1)*cifarRecord]
		if int(rec[0]) >= CIFARClasses {
			return nil, nil, fmt.Errorf("%w: record %d has label %d", ErrShape, r, rec[0])
		}
		labels[r] = int(rec[0])
		dst := pixels[r*plane*cifarChannels:]
		for c := 0; c < cifarChannels; c++ {
			src := rec[1+c*plane : 1+(c+1)*plane]
			for p, v := range src {
				dst[p*cifarChannels+c] = float64(v) / 255
			}
		}
	}
	return pixels, labels, nil
}
