package instance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/leadflow/model"
)

// MemoryStore is an in-memory Store for tests and single-node use.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*model.PipelineInstance // key: instance ID
	open      map[string]string                  // key: entity ID, value: non-terminal instance ID
}

// NewMemoryStore creates a new in-memory instance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*model.PipelineInstance),
		open:      make(map[string]string),
	}
}

// Create persists a new instance.
func (s *MemoryStore) Create(_ context.Context, inst *model.PipelineInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("instance %q already exists", inst.ID))
	}
	if !inst.Status.Terminal() {
		if other, busy := s.open[inst.EntityID]; busy {
			return model.NewConflictError(
				fmt.Sprintf("entity %q already has active instance %q", inst.EntityID, other),
			)
		}
		s.open[inst.EntityID] = inst.ID
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// Get retrieves an instance by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*model.PipelineInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists {
		return nil, model.NewInstanceNotFoundError(id)
	}
	return inst.Clone(), nil
}

// Replace persists an updated instance with optimistic locking.
func (s *MemoryStore) Replace(_ context.Context, inst *model.PipelineInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewInstanceNotFoundError(inst.ID)
	}
	if existing.Version != inst.Version {
		return model.NewVersionConflictError("instance", inst.ID, inst.Version)
	}

	inst.Version++
	s.instances[inst.ID] = inst.Clone()
	if inst.Status.Terminal() && s.open[inst.EntityID] == inst.ID {
		delete(s.open, inst.EntityID)
	}
	return nil
}

// FindActiveByEntity returns the entity's non-terminal instance.
func (s *MemoryStore) FindActiveByEntity(_ context.Context, entityID string) (*model.PipelineInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.open[entityID]
	if !ok {
		return nil, model.NewInstanceNotFoundError("entity:" + entityID)
	}
	return s.instances[id].Clone(), nil
}

// List returns instances matching filters, newest first.
func (s *MemoryStore) List(_ context.Context, filters model.InstanceFilters) ([]*model.PipelineInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.PipelineInstance
	for _, inst := range s.instances {
		if matches(inst, filters) {
			result = append(result, inst.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []*model.PipelineInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// FindWaitingExpired returns waiting instances past their deadline.
func (s *MemoryStore) FindWaitingExpired(_ context.Context, cutoff time.Time, limit int) ([]*model.PipelineInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.PipelineInstance
	for _, inst := range s.instances {
		if inst.Status != model.InstanceWaitingEvent {
			continue
		}
		if inst.WaitingUntil == nil || inst.WaitingUntil.After(cutoff) {
			continue
		}
		result = append(result, inst.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].WaitingUntil.Before(*result[j].WaitingUntil)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
