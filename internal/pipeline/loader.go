package pipeline

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/leadflow/model"
)

// Seed is a pipeline definition parsed from a YAML file.
type Seed struct {
	Definition *model.PipelineDefinition
	Checksum   string
	SourceFile string
}

// Loader scans directories for YAML pipeline files.
type Loader struct{}

// NewLoader creates a new seed Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a Seed.
func (l *Loader) LoadAll(directories []string) ([]Seed, error) {
	var seeds []Seed

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			seed, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			seeds = append(seeds, seed)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return seeds, nil
}

// LoadFile parses a single YAML pipeline file. Seeds must carry an id so
// that repeated startups recognise them.
func (l *Loader) LoadFile(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var def model.PipelineDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Seed{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if def.ID == "" {
		return Seed{}, fmt.Errorf("parsing %s: id is required", path)
	}

	return Seed{
		Definition: &def,
		Checksum:   fmt.Sprintf("%x", sha256.Sum256(data)),
		SourceFile: path,
	}, nil
}

// Apply creates every seed that does not exist yet, optionally activating
// it. Existing and deprecated definitions are left alone. It returns the
// number of definitions created.
func (r *Repository) Apply(ctx context.Context, seeds []Seed, activate bool) (int, error) {
	created := 0
	for _, seed := range seeds {
		id := seed.Definition.ID
		if _, err := r.store.Get(ctx, id); err == nil {
			r.logger.Debug("pipeline seed already present", zap.String("pipeline_id", id))
			continue
		} else if !model.IsNotFound(err) {
			return created, fmt.Errorf("seed %s: %w", seed.SourceFile, err)
		}

		if _, err := r.Create(ctx, seed.Definition, "seed"); err != nil {
			if model.CodeOf(err) == model.ErrConflict {
				continue
			}
			return created, fmt.Errorf("seed %s: %w", seed.SourceFile, err)
		}
		created++

		if activate {
			if _, err := r.Activate(ctx, id, "seed"); err != nil {
				return created, fmt.Errorf("seed %s: activate: %w", seed.SourceFile, err)
			}
		}
		r.logger.Info("pipeline seeded",
			zap.String("pipeline_id", id),
			zap.String("source", seed.SourceFile),
			zap.String("checksum", seed.Checksum),
		)
	}
	return created, nil
}
