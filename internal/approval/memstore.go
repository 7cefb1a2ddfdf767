package approval

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
	approvals map[string]*model.ApprovalRequest // key: approval ID
	pending   map[string]string                 // key: instance ID, value: pending approval ID
}

// NewMemoryStore creates a new in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		approvals: make(map[string]*model.ApprovalRequest),
		pending:   make(map[string]string),
	}
}

// Create persists a new request.
func (s *MemoryStore) Create(_ context.Context, a *model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.approvals[a.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("approval %q already exists", a.ID))
	}
	if a.Status == model.ApprovalPending {
		if other, busy := s.pending[a.InstanceID]; busy {
			return model.NewConflictError(
				fmt.Sprintf("instance %q already has pending approval %q", a.InstanceID, other),
			)
		}
		s.pending[a.InstanceID] = a.ID
	}
	s.approvals[a.ID] = a.Clone()
	return nil
}

// Get retrieves a request by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.approvals[id]
	if !exists {
		return nil, model.NewApprovalNotFoundError(id)
	}
	return a.Clone(), nil
}

// Replace persists an updated request with optimistic locking.
func (s *MemoryStore) Replace(_ context.Context, a *model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.approvals[a.ID]
	if !exists {
		return model.NewApprovalNotFoundError(a.ID)
	}
	if existing.Version != a.Version {
		return model.NewVersionConflictError("approval", a.ID, a.Version)
	}

	a.Version++
	s.approvals[a.ID] = a.Clone()
	if a.Status != model.ApprovalPending && s.pending[a.InstanceID] == a.ID {
		delete(s.pending, a.InstanceID)
	}
	return nil
}

// List returns requests matching filters.
func (s *MemoryStore) List(_ context.Context, filters model.ApprovalFilters) ([]*model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.ApprovalRequest
	for _, a := range s.approvals {
		if matches(a, filters) {
			result = append(result, a.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].RequestedAt.Equal(result[j].RequestedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].RequestedAt.After(result[j].RequestedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []*model.ApprovalRequest{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// FindPendingByInstance returns the instance's pending request.
func (s *MemoryStore) FindPendingByInstance(_ context.Context, instanceID string) (*model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.pending[instanceID]
	if !ok {
		return nil, model.NewApprovalNotFoundError("instance:" + instanceID)
	}
	return s.approvals[id].Clone(), nil
}

// FindExpiredPending returns pending requests past their deadline.
func (s *MemoryStore) FindExpiredPending(_ context.Context, cutoff time.Time, limit int) ([]*model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.ApprovalRequest
	for _, a := range s.approvals {
		if a.Expired(cutoff) {
			result = append(result, a.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(*result[j].ExpiresAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }
