package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/leadflow/model"
)

// UpdateRequest carries the mutable metadata of a definition. Nil fields
// are left unchanged; a non-nil Steps replaces the whole step list.
type UpdateRequest struct {
	Name           *string         `json:"name,omitempty"`
	Description    *string         `json:"description,omitempty"`
	BusinessType   *string         `json:"business_type,omitempty"`
	OrganizationID *string         `json:"organization_id,omitempty"`
	IsDefault      *bool           `json:"is_default,omitempty"`
	Steps          *model.StepList `json:"steps,omitempty"`
}

// Repository implements the definition lifecycle on top of a
// DefinitionStore. Every mutation writes a new version.
type Repository struct {
	store  DefinitionStore
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithClock overrides the time source.
func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) { r.now = now }
}

// WithIDGenerator overrides id generation for definitions and steps.
func WithIDGenerator(newID func() string) RepositoryOption {
	return func(r *Repository) { r.newID = newID }
}

// NewRepository creates a Repository.
func NewRepository(store DefinitionStore, logger *zap.Logger, opts ...RepositoryOption) *Repository {
	r := &Repository{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create stores a new draft definition. Steps without an id get one, steps
// without an order take their array position, and the entry step is
// computed from the normalized list.
func (r *Repository) Create(ctx context.Context, def *model.PipelineDefinition, actor string) (*model.PipelineDefinition, error) {
	d := def.Clone()
	if d.ID == "" {
		d.ID = r.newID()
	}
	for i, s := range d.Steps {
		b := s.Base()
		if b.ID == "" {
			b.ID = r.newID()
		}
		if b.Order == 0 {
			b.Order = i + 1
		}
	}
	d.Normalize()

	if errs := validateMetadata(d); len(errs) > 0 {
		return nil, toEnvelope(errs)
	}

	now := r.now()
	d.Version = 1
	d.Status = model.PipelineDraft
	d.CreatedBy = actor
	d.UpdatedBy = actor
	d.CreatedAt = now
	d.UpdatedAt = now
	d.ActivatedAt = nil

	if err := r.store.Create(ctx, d); err != nil {
		return nil, err
	}
	r.logger.Info("pipeline created",
		zap.String("pipeline_id", d.ID),
		zap.String("line_of_business", d.LineOfBusiness),
		zap.Int("steps", len(d.Steps)),
	)
	return d, nil
}

// Get returns the latest version of a non-deprecated definition.
func (r *Repository) Get(ctx context.Context, id string) (*model.PipelineDefinition, error) {
	return r.store.Get(ctx, id)
}

// GetVersion returns a specific snapshot.
func (r *Repository) GetVersion(ctx context.Context, id string, version int) (*model.PipelineDefinition, error) {
	return r.store.GetVersion(ctx, id, version)
}

// Versions returns the full version history of a definition.
func (r *Repository) Versions(ctx context.Context, id string) ([]*model.PipelineDefinition, error) {
	return r.store.Versions(ctx, id)
}

// List returns the latest version of each matching definition.
func (r *Repository) List(ctx context.Context, filters model.PipelineFilters) ([]*model.PipelineDefinition, error) {
	return r.store.List(ctx, filters)
}

// Update applies metadata changes and optionally replaces the step list.
// An active definition must remain valid after the change.
func (r *Repository) Update(ctx context.Context, id string, req UpdateRequest, actor string) (*model.PipelineDefinition, error) {
	return r.mutate(ctx, id, actor, func(d *model.PipelineDefinition) error {
		if req.Name != nil {
			d.Name = *req.Name
		}
		if req.Description != nil {
			d.Description = *req.Description
		}
		if req.BusinessType != nil {
			d.BusinessType = *req.BusinessType
		}
		if req.OrganizationID != nil {
			d.OrganizationID = *req.OrganizationID
		}
		if req.IsDefault != nil {
			d.IsDefault = *req.IsDefault
		}
		if req.Steps != nil {
			d.Steps = req.Steps.Clone()
			for i, s := range d.Steps {
				b := s.Base()
				if b.ID == "" {
					b.ID = r.newID()
				}
				if b.Order == 0 {
					b.Order = i + 1
				}
			}
		}
		return nil
	})
}

// Activate validates the step graph and marks the definition active. When
// the definition is a default, other active defaults for the same scope are
// deactivated first.
func (r *Repository) Activate(ctx context.Context, id, actor string) (*model.PipelineDefinition, error) {
	current, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if errs := Validate(current); len(errs) > 0 {
		return nil, toEnvelope(errs)
	}

	def, err := r.mutate(ctx, id, actor, func(d *model.PipelineDefinition) error {
		now := r.now()
		d.Status = model.PipelineActive
		d.ActivatedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("pipeline activated",
		zap.String("pipeline_id", def.ID),
		zap.Int("version", def.Version),
		zap.Bool("is_default", def.IsDefault),
	)
	return def, nil
}

func (r *Repository) deactivateOtherDefaults(ctx context.Context, def *model.PipelineDefinition, actor string) error {
	isDefault := true
	others, err := r.store.List(ctx, model.PipelineFilters{
		LineOfBusiness: def.LineOfBusiness,
		Status:         model.PipelineActive,
		IsDefault:      &isDefault,
	})
	if err != nil {
		return err
	}
	for _, other := range others {
		if other.ID == def.ID || other.Scope() != def.Scope() {
			continue
		}
		if _, err := r.Deactivate(ctx, other.ID, actor); err != nil {
			return fmt.Errorf("deactivate previous default %s: %w", other.ID, err)
		}
		r.logger.Info("previous default pipeline deactivated",
			zap.String("pipeline_id", other.ID),
			zap.String("replaced_by", def.ID),
		)
	}
	return nil
}

// Deactivate marks a definition inactive. Running instances keep their
// pinned version.
func (r *Repository) Deactivate(ctx context.Context, id, actor string) (*model.PipelineDefinition, error) {
	return r.mutate(ctx, id, actor, func(d *model.PipelineDefinition) error {
		d.Status = model.PipelineInactive
		return nil
	})
}

// Delete soft-retires a definition to deprecated. Subsequent Get calls
// return PIPELINE_NOT_FOUND.
func (r *Repository) Delete(ctx context.Context, id, actor string) error {
	_, err := r.mutate(ctx, id, actor, func(d *model.PipelineDefinition) error {
		d.Status = model.PipelineDeprecated
		d.IsDefault = false
		return nil
	})
	if err == nil {
		r.logger.Info("pipeline deprecated", zap.String("pipeline_id", id))
	}
	return err
}

// AddStep inserts a step after afterStepID, or at the end when afterStepID
// is empty.
func (r *Repository) AddStep(ctx context.Context, id string, step model.Step, afterStepID, actor string) (*model.PipelineDefinition, error) {
	return r.mutate(ctx, id, actor, func(d *model.PipelineDefinition) error {
		s := model.CloneStep(step)
		b := s.Base()
		if b.ID == "" {
			b.ID = r.newID()
		}
		if existing, _ := d.FindStep(b.ID); existing != nil {
			return model.NewConflictError(fmt.Sprintf("step %q already exists in pipeline %q", b.ID, d.ID))
		}

		pos := len(d.Steps)
		if afterStepID != "" {
			_, idx := d.FindStep(afterStepID)
			if idx < 0 {
				return model.NewStepNotFoundError(d.ID, afterStepID)
			}
			pos = idx + 1
		}
		d.Steps = append(d.Steps, nil)
		copy(d.Steps[pos+1:], d.Steps[pos:])
		d.Steps[pos] = s
		renumberByPosition(d.Steps)
		return nil
	})
}

// UpdateStep replaces a step in place. The step keeps its id and position;
// its variant may change.
func (r *Repository) UpdateStep(ctx context.Context, id, stepID string, step model.Step, actor string) (*model.PipelineDefinition, error) {
	return r.mutate(ctx, id, actor, func(d *model.PipelineDefinition) error {
		existing, idx := d.FindStep(stepID)
		if idx < 0 {
			return model.NewStepNotFoundError(d.ID, stepID)
		}
		s := model.CloneStep(step)
		b := s.Base()
		b.ID = stepID
		b.Order = existing.Base().Order
		d.Steps[idx] = s
		return nil
	})
}

// DeleteStep removes a step and renumbers the rest.
func (r *Repository) DeleteStep(ctx context.Context, id, stepID, actor string) (*model.PipelineDefinition, error) {
	return r.mutate(ctx, id, actor, func(d *model.PipelineDefinition) error {
		_, idx := d.FindStep(stepID)
		if idx < 0 {
			return model.NewStepNotFoundError(d.ID, stepID)
		}
		d.Steps = append(d.Steps[:idx], d.Steps[idx+1:]...)
		renumberByPosition(d.Steps)
		return nil
	})
}

// ReorderSteps assigns explicit orders by step id. Steps missing from the
// map keep their current order; ties keep their current relative position.
func (r *Repository) ReorderSteps(ctx context.Context, id string, orders map[string]int, actor string) (*model.PipelineDefinition, error) {
	return r.mutate(ctx, id, actor, func(d *model.PipelineDefinition) error {
		for stepID := range orders {
			if s, _ := d.FindStep(stepID); s == nil {
				return model.NewStepNotFoundError(d.ID, stepID)
			}
		}
		for stepID, order := range orders {
			s, _ := d.FindStep(stepID)
			s.Base().Order = order
		}
		return nil
	})
}

// mutate loads the latest version, applies fn to a copy, normalizes it and
// appends it as the next version. Active definitions are re-validated, and
// an active default demotes the other active defaults of its scope.
func (r *Repository) mutate(ctx context.Context, id, actor string, fn func(*model.PipelineDefinition) error) (*model.PipelineDefinition, error) {
	current, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Normalize()

	if next.Status == model.PipelineActive {
		if errs := Validate(next); len(errs) > 0 {
			return nil, toEnvelope(errs)
		}
	} else if errs := validateMetadata(next); len(errs) > 0 {
		return nil, toEnvelope(errs)
	}

	if next.Status == model.PipelineActive && next.IsDefault {
		if err := r.deactivateOtherDefaults(ctx, next, actor); err != nil {
			return nil, err
		}
	}

	next.Version = current.Version + 1
	next.UpdatedBy = actor
	next.UpdatedAt = r.now()

	if err := r.store.Append(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// validateMetadata checks what a draft must satisfy: required metadata and
// well-formed step ids. Full graph checks run on activation.
func validateMetadata(d *model.PipelineDefinition) []VError {
	var errs []VError
	if d.Name == "" {
		errs = append(errs, VError{Path: "name", Code: CodeRequired, Message: "name is required"})
	}
	if d.LineOfBusiness == "" {
		errs = append(errs, VError{Path: "line_of_business", Code: CodeRequired, Message: "line_of_business is required"})
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		id := s.Base().ID
		p := fmt.Sprintf("steps[%d].id", i)
		switch {
		case model.IsReservedStepID(id):
			errs = append(errs, VError{Path: p, Code: CodeReserved, Message: fmt.Sprintf("%q is a reserved decision target", id)})
		case seen[id]:
			errs = append(errs, VError{Path: p, Code: CodeDuplicate, Message: fmt.Sprintf("step id %q is used more than once", id)})
		}
		seen[id] = true
	}
	return errs
}

func renumberByPosition(steps model.StepList) {
	for i, s := range steps {
		s.Base().Order = i + 1
	}
}

func toEnvelope(errs []VError) *model.ErrorEnvelope {
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return model.NewValidationError(details)
}
