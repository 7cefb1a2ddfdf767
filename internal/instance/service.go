package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/leadflow/model"
)

// StatusChange carries the optional audit fields of a status transition.
type StatusChange struct {
	Actor  string
	Reason string
}

// Service owns instance persistence. Step transitions are applied in memory
// with the model.PipelineInstance methods and written once with Save;
// administrative status changes use UpdateStatus. Writes surface
// VERSION_CONFLICT to the caller.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides instance id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService creates a Service.
func NewService(store Store, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

// New builds an instance of def at its entry step without persisting it.
// The caller executes steps against it in memory and persists it with
// Insert.
func (s *Service) New(def *model.PipelineDefinition, entityID, triggeredBy string) (*model.PipelineInstance, error) {
	inst := model.NewInstance(s.newID(), def, entityID, triggeredBy, s.now())
	if inst == nil {
		return nil, model.NewValidationError([]model.FieldError{{
			Field:   "steps",
			Code:    "NO_ENABLED_STEPS",
			Message: fmt.Sprintf("pipeline %q has no enabled steps", def.ID),
		}})
	}
	inst.Version = 1
	return inst, nil
}

// Insert persists an instance built by New. Returns CONFLICT if the entity
// already has a non-terminal instance.
func (s *Service) Insert(ctx context.Context, inst *model.PipelineInstance) error {
	if err := s.store.Create(ctx, inst); err != nil {
		return err
	}
	s.logger.Info("instance created",
		zap.String("instance_id", inst.ID),
		zap.String("entity_id", inst.EntityID),
		zap.String("pipeline_id", inst.PipelineID),
		zap.Int("pipeline_version", inst.PipelineVersion),
		zap.String("status", string(inst.Status)),
		zap.String("current_step_id", inst.CurrentStepID),
	)
	return nil
}

// Get returns an instance by id.
func (s *Service) Get(ctx context.Context, id string) (*model.PipelineInstance, error) {
	return s.store.Get(ctx, id)
}

// FindActiveByEntity returns the entity's non-terminal instance.
func (s *Service) FindActiveByEntity(ctx context.Context, entityID string) (*model.PipelineInstance, error) {
	return s.store.FindActiveByEntity(ctx, entityID)
}

// List returns instances matching filters.
func (s *Service) List(ctx context.Context, filters model.InstanceFilters) ([]*model.PipelineInstance, error) {
	return s.store.List(ctx, filters)
}

// FindWaitingExpired returns event waits whose deadline has passed.
func (s *Service) FindWaitingExpired(ctx context.Context, cutoff time.Time, limit int) ([]*model.PipelineInstance, error) {
	return s.store.FindWaitingExpired(ctx, cutoff, limit)
}

// Save persists an instance mutated in memory by the caller.
func (s *Service) Save(ctx context.Context, inst *model.PipelineInstance) error {
	return s.store.Replace(ctx, inst)
}

// UpdateStatus applies an administrative or terminal status. Cancelling
// records the actor and reason.
func (s *Service) UpdateStatus(ctx context.Context, id string, status model.InstanceStatus, change StatusChange) (*model.PipelineInstance, error) {
	if !status.Valid() {
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown instance status %q", status))
	}
	inst, err := s.update(ctx, id, func(inst *model.PipelineInstance) {
		if status == model.InstanceCancelled {
			inst.CancelledBy = change.Actor
			inst.CancelReason = change.Reason
		}
		inst.SetStatus(status, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("instance status changed",
		zap.String("instance_id", id),
		zap.String("status", string(status)),
		zap.String("actor", change.Actor),
	)
	return inst, nil
}

// update loads a non-terminal instance, applies fn and replaces it.
func (s *Service) update(ctx context.Context, id string, fn func(*model.PipelineInstance)) (*model.PipelineInstance, error) {
	inst, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, model.NewInstanceNotActiveError(id, string(inst.Status))
	}
	fn(inst)
	if err := s.store.Replace(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}
