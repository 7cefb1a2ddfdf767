// Package pipeline manages versioned pipeline definitions: persistence,
// step-graph validation, lifecycle transitions and YAML seeding.
package pipeline

import (
	"context"

	"github.com/pitabwire/leadflow/model"
)

// DefinitionStore persists immutable definition snapshots. Every mutation
// of a definition is stored as a new version; the highest version is the
// current one.
type DefinitionStore interface {
	// Create persists version 1 of a new definition. Returns CONFLICT if the
	// id already exists.
	Create(ctx context.Context, def *model.PipelineDefinition) error

	// Append persists def as a new version. def.Version must be exactly one
	// greater than the stored latest version; otherwise VERSION_CONFLICT.
	Append(ctx context.Context, def *model.PipelineDefinition) error

	// Get returns the latest version of a definition. Returns
	// PIPELINE_NOT_FOUND when the id is unknown or the latest version is
	// deprecated.
	Get(ctx context.Context, id string) (*model.PipelineDefinition, error)

	// GetVersion returns a specific snapshot, including deprecated ones.
	GetVersion(ctx context.Context, id string, version int) (*model.PipelineDefinition, error)

	// Versions returns every snapshot of a definition in ascending order.
	Versions(ctx context.Context, id string) ([]*model.PipelineDefinition, error)

	// List returns the latest version of each definition matching filters,
	// most recently updated first.
	List(ctx context.Context, filters model.PipelineFilters) ([]*model.PipelineDefinition, error)
}

// matches applies filters to the latest snapshot of a definition.
func matches(def *model.PipelineDefinition, f model.PipelineFilters) bool {
	if def.Status == model.PipelineDeprecated && !f.IncludeDeprecated && f.Status != model.PipelineDeprecated {
		return false
	}
	if f.LineOfBusiness != "" && def.LineOfBusiness != f.LineOfBusiness {
		return false
	}
	if f.BusinessType != "" && def.BusinessType != f.BusinessType {
		return false
	}
	if f.OrganizationID != "" && def.OrganizationID != f.OrganizationID {
		return false
	}
	if f.Status != "" && def.Status != f.Status {
		return false
	}
	if f.IsDefault != nil && def.IsDefault != *f.IsDefault {
		return false
	}
	return true
}
