package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/leadflow/model"
)

// MemoryStore is an in-memory DefinitionStore for tests and single-node use.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]*model.PipelineDefinition // key: definition ID, ascending versions
}

// NewMemoryStore creates a new in-memory definition store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string][]*model.PipelineDefinition)}
}

// Create persists version 1 of a new definition.
func (s *MemoryStore) Create(_ context.Context, def *model.PipelineDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.versions[def.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("pipeline %q already exists", def.ID))
	}
	s.versions[def.ID] = []*model.PipelineDefinition{def.Clone()}
	return nil
}

// Append persists the next version of a definition.
func (s *MemoryStore) Append(_ context.Context, def *model.PipelineDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, exists := s.versions[def.ID]
	if !exists {
		return model.NewPipelineNotFoundError(def.ID)
	}
	latest := history[len(history)-1]
	if def.Version != latest.Version+1 {
		return model.NewVersionConflictError("pipeline", def.ID, def.Version-1)
	}
	s.versions[def.ID] = append(history, def.Clone())
	return nil
}

// Get returns the latest non-deprecated version.
func (s *MemoryStore) Get(_ context.Context, id string) (*model.PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, exists := s.versions[id]
	if !exists {
		return nil, model.NewPipelineNotFoundError(id)
	}
	latest := history[len(history)-1]
	if latest.Status == model.PipelineDeprecated {
		return nil, model.NewPipelineNotFoundError(id)
	}
	return latest.Clone(), nil
}

// GetVersion returns a specific snapshot.
func (s *MemoryStore) GetVersion(_ context.Context, id string, version int) (*model.PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, def := range s.versions[id] {
		if def.Version == version {
			return def.Clone(), nil
		}
	}
	return nil, model.NewNotFoundError(fmt.Sprintf("pipeline %q version %d not found", id, version))
}

// Versions returns all snapshots of a definition.
func (s *MemoryStore) Versions(_ context.Context, id string) ([]*model.PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, exists := s.versions[id]
	if !exists {
		return nil, model.NewPipelineNotFoundError(id)
	}
	out := make([]*model.PipelineDefinition, len(history))
	for i, def := range history {
		out[i] = def.Clone()
	}
	return out, nil
}

// List returns the latest version of each matching definition.
func (s *MemoryStore) List(_ context.Context, filters model.PipelineFilters) ([]*model.PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.PipelineDefinition
	for _, history := range s.versions {
		latest := history[len(history)-1]
		if !matches(latest, filters) {
			continue
		}
		result = append(result, latest.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []*model.PipelineDefinition{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of distinct definitions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.versions)
}
