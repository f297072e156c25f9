package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"

	"advtorch/nn"
	"advtorch/optimizer"
)

// Store saves and restores the discriminator and generator pair.
type Store struct {
	DPath string
	GPath string
	RunID string

	d, g         *nn.ParamSet
	dOpts, gOpts map[string]optimizer.Stateful
}

// NewStore binds the two parameter sets and their optimizers to their files. The optimizer maps may be nil.
func NewStore(dPath, gPath, runID string, d, g *nn.ParamSet, dOpts, gOpts map[string]optimizer.Stateful) (*Store, error) {
	if dPath == "" || gPath == "" {
		return nil, errors.New("checkpoint: both model paths are required")
	}
	if dPath == gPath {
		return nil, fmt.Errorf("checkpoint: discriminator and generator share path %s", dPath)
	}
	return &Store{DPath: dPath, GPath: gPath, RunID: runID, d: d, g: g, dOpts: dOpts, gOpts: gOpts}, nil
}

// Save writes the discriminator file and then the generator file, both tagged with step.
func (s *Store) Save(ctx context.Context, step int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	df := FromParamSet(s.d, step, s.RunID)
	df.AddOptimizers(s.dOpts)
	if err := Write(s.DPath, df); err != nil {
		return fmt.Errorf("discriminator: %w", err)
	}
	gf := FromParamSet(s.g, step, s.RunID)
	gf.AddOptimizers(s.gOpts)
	if err := Write(s.GPath, gf); err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	return nil
}

// Exists reports whether both checkpoint files are present.
func (s *Store) Exists() bool {
	return fileExists(s.DPath) && fileExists(s.GPath)
}

// HasDiscriminator reports whether the discriminator file is present.
func (s *Store) HasDiscriminator() bool { return fileExists(s.DPath) }

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Restore loads both networks and their optimizers and returns the saved global step.
// Files written at different steps are rejected.
func (s *Store) Restore() (int, error) {
	df, err := Read(s.DPath)
	if err != nil {
		return 0, err
	}
	gf, err := Read(s.GPath)
	if err != nil {
		return 0, err
	}
	if df.Step != gf.Step {
		return 0, fmt.Errorf("%w: discriminator at step %d, generator at step %d", ErrMismatch, df.Step, gf.Step)
	}
	if err := df.Restore(s.d); err != nil {
		return 0, fmt.Errorf("discriminator: %w", err)
	}
	if err := df.RestoreOptimizers(s.dOpts); err != nil {
		return 0, fmt.Errorf("discriminator: %w", err)
	}
	if err := gf.Restore(s.g); err != nil {
		return 0, fmt.Errorf("generator: %w", err)
	}
	if err := gf.RestoreOptimizers(s.gOpts); err != nil {
		return 0, fmt.Errorf("generator: %w", err)
	}
	return df.Step, nil
}

// RestoreDiscriminator loads only the discriminator parameters, for evaluation runs.
func (s *Store) RestoreDiscriminator() (int, error) {
	df, err := Read(s.DPath)
	if err != nil {
		return 0, err
	}
	if err := df.Restore(s.d); err != nil {
		return 0, fmt.Errorf("discriminator: %w", err)
	}
	return df.Step, nil
}
