// Package checkpoint persists network parameters, optimizer accumulators and the global step.
// Each network is written to its own gob file so either can be restored independently.
package checkpoint

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"advtorch/nn"
	"advtorch/optimizer"
	"advtorch/tensor"
)

// ErrMismatch is returned when a checkpoint does not fit the network it is restored into.
var ErrMismatch = errors.New("checkpoint: does not match network")

// Record is one saved parameter.
type Record struct {
	Name  string
	Shape []int
	Data  []float64
}

// File is the on-disk content of one network checkpoint.
type File struct {
	RunID      string
	Name       string // parameter set name
	Step       int    // completed iterations
	Params     []Record
	Optimizers map[string]map[string][][]float64
}

// FromParamSet captures the current values of set.
func FromParamSet(set *nn.ParamSet, step int, runID string) *File {
	f := &File{RunID: runID, Name: set.Name(), Step: step, Params: make([]Record, set.Len())}
	for i, p := range set.Params() {
		f.Params[i] = Record{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.GetShape()...),
			Data:  append([]float64(nil), p.Value.GetData()...),
		}
	}
	return f
}

// AddOptimizers stores the accumulators of each optimizer under its key.
func (f *File) AddOptimizers(opts map[string]optimizer.Stateful) {
	if len(opts) == 0 {
		return
	}
	if f.Optimizers == nil {
		f.Optimizers = make(map[string]map[string][][]float64, len(opts))
	}
	for key, o := range opts {
		state := make(map[string][][]float64)
		for name, v := range o.State() {
			state[name] = v.Clone()
		}
		f.Optimizers[key] = state
	}
}

// Restore copies the saved values into set. Names, count and shapes must all agree.
func (f *File) Restore(set *nn.ParamSet) error {
	if f.Name != set.Name() {
		return fmt.Errorf("%w: file holds %q, restoring into %q", ErrMismatch, f.Name, set.Name())
	}
	if len(f.Params) != set.Len() {
		return fmt.Errorf("%w: parameter count mismatch: saved %d, network %d", ErrMismatch, len(f.Params), set.Len())
	}
	for i, p := range set.Params() {
		rec := f.Params[i]
		if rec.Name != p.Name {
			return fmt.Errorf("%w: parameter %d is %q, network has %q", ErrMismatch, i, rec.Name, p.Name)
		}
		if !tensor.SameShape(rec.Shape, p.Value.GetShape()) || len(rec.Data) != tensor.Numel(p.Value) {
			return fmt.Errorf("%w: shape mismatch for %s: saved %v, network %v", ErrMismatch, p.Name, rec.Shape, p.Value.GetShape())
		}
	}
	snap := make([][]float64, len(f.Params))
	for i, rec := range f.Params {
		snap[i] = rec.Data
	}
	return set.Restore(snap)
}

// RestoreOptimizers loads every saved accumulator whose key is present in opts.
// Optimizers missing from the file keep their fresh state.
func (f *File) RestoreOptimizers(opts map[string]optimizer.Stateful) error {
	for key, o := range opts {
		saved, ok := f.Optimizers[key]
		if !ok {
			continue
		}
		state := make(map[string]nn.GradVector, len(saved))
		for name, v := range saved {
			state[name] = nn.GradVector(v)
		}
		if err := o.LoadState(state); err != nil {
			return fmt.Errorf("%w: optimizer %s: %v", ErrMismatch, key, err)
		}
	}
	return nil
}

// Write gob-encodes f to path through a temporary file and a rename, so a crash never leaves a
// half-written checkpoint behind.
func Write(path string, f *File) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create directory %s: %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("could not create file %s: %w", tmp, err)
	}
	if err := gob.NewEncoder(file).Encode(f); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("could not encode checkpoint to %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("could not sync %s: %w", tmp, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Read decodes the checkpoint at path.
func Read(path string) (*File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open file %s: %w", path, err)
	}
	defer file.Close()

	var f File
	if err := gob.NewDecoder(file).Decode(&f); err != nil {
		return nil, fmt.Errorf("could not decode checkpoint from %s: %w", path, err)
	}
	return &f, nil
}
