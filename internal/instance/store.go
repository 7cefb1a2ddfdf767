// Package instance persists per-entity pipeline instances and exposes the
// instance state machine operations.
package instance

import (
	"context"
	"time"

	"github.com/pitabwire/leadflow/model"
)

// Store persists pipeline instances.
type Store interface {
	// Create persists a new instance. Returns CONFLICT if the id exists or
	// the entity already has a non-terminal instance.
	Create(ctx context.Context, inst *model.PipelineInstance) error

	// Get retrieves an instance by id. Returns INSTANCE_NOT_FOUND.
	Get(ctx context.Context, id string) (*model.PipelineInstance, error)

	// Replace persists inst with optimistic locking. inst.Version must equal
	// the stored version; on success the stored and in-memory versions are
	// both incremented. Returns VERSION_CONFLICT on a mismatch.
	Replace(ctx context.Context, inst *model.PipelineInstance) error

	// FindActiveByEntity returns the entity's non-terminal instance, or
	// INSTANCE_NOT_FOUND.
	FindActiveByEntity(ctx context.Context, entityID string) (*model.PipelineInstance, error)

	// List returns instances matching filters, newest first.
	List(ctx context.Context, filters model.InstanceFilters) ([]*model.PipelineInstance, error)

	// FindWaitingExpired returns instances waiting for an event whose
	// deadline is at or before cutoff, oldest deadline first.
	FindWaitingExpired(ctx context.Context, cutoff time.Time, limit int) ([]*model.PipelineInstance, error)
}

func matches(inst *model.PipelineInstance, f model.InstanceFilters) bool {
	if f.PipelineID != "" && inst.PipelineID != f.PipelineID {
		return false
	}
	if f.EntityID != "" && inst.EntityID != f.EntityID {
		return false
	}
	if f.LineOfBusiness != "" && inst.LineOfBusiness != f.LineOfBusiness {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.NonTerminal && inst.Status.Terminal() {
		return false
	}
	return true
}
