// Package orchestrator drives pipeline instances in reaction to domain
// events. Each event is evaluated against the instance's current step and,
// when it satisfies the step's advancement condition, the instance moves
// forward through every step that does not need to wait before the result
// is persisted in a single versioned write.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/leadflow/internal/approval"
	"github.com/pitabwire/leadflow/internal/config"
	"github.com/pitabwire/leadflow/internal/instance"
	"github.com/pitabwire/leadflow/internal/observability"
	"github.com/pitabwire/leadflow/model"
)

const (
	defaultChainLimit      = 50
	defaultConflictRetries = 3
	defaultCreatedEvent    = "lead.created"
	systemActor            = "system"
)

// Definitions reads pipeline definitions. *pipeline.Repository satisfies it.
type Definitions interface {
	List(ctx context.Context, filters model.PipelineFilters) ([]*model.PipelineDefinition, error)
	GetVersion(ctx context.Context, id string, version int) (*model.PipelineDefinition, error)
}

// StageUpdater pushes stage changes to the service owning the entity.
type StageUpdater interface {
	UpdateStage(ctx context.Context, entityID string, scope model.Scope, update model.StageUpdate) error
}

// ConditionEvaluator answers Decision step conditions for an entity.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, entityID string, scope model.Scope, conditionType, conditionValue string) (bool, error)
}

// Publisher emits outbound pipeline events.
type Publisher interface {
	Publish(ctx context.Context, evt model.Event) error
}

// WaitTimeouts supplies the default deadline, in hours, for a Wait step's
// event. config.WaitsConfig satisfies it.
type WaitTimeouts interface {
	TimeoutFor(eventType string) int
}

// Orchestrator executes pipeline instances.
type Orchestrator struct {
	definitions Definitions
	instances   *instance.Service
	approvals   *approval.Service
	stages      StageUpdater
	conditions  ConditionEvaluator
	publisher   Publisher
	waits       WaitTimeouts
	cfg         config.OrchestratorConfig
	logger      *zap.Logger
	metrics     *observability.Metrics
	newID       func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStageUpdater sets the stage-update collaborator.
func WithStageUpdater(u StageUpdater) Option {
	return func(o *Orchestrator) { o.stages = u }
}

// WithConditionEvaluator sets the decision collaborator.
func WithConditionEvaluator(e ConditionEvaluator) Option {
	return func(o *Orchestrator) { o.conditions = e }
}

// WithPublisher sets the outbound event publisher.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithWaitTimeouts sets the per-event Wait step defaults.
func WithWaitTimeouts(w WaitTimeouts) Option {
	return func(o *Orchestrator) { o.waits = w }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithIDGenerator overrides outbound event id generation.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// New creates an Orchestrator. Collaborators not supplied through options
// default to no-ops, except the condition evaluator, which fails every
// evaluation.
func New(
	definitions Definitions,
	instances *instance.Service,
	approvals *approval.Service,
	cfg config.OrchestratorConfig,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		definitions: definitions,
		instances:   instances,
		approvals:   approvals,
		stages:      noopStages{},
		conditions:  unconfiguredConditions{},
		publisher:   noopPublisher{},
		waits:       config.WaitsConfig{},
		cfg:         cfg,
		logger:      logger,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.MaxChainSteps <= 0 {
		o.cfg.MaxChainSteps = defaultChainLimit
	}
	if o.cfg.MaxConflictRetries < 0 {
		o.cfg.MaxConflictRetries = defaultConflictRetries
	}
	if o.cfg.EntityCreatedEvent == "" {
		o.cfg.EntityCreatedEvent = defaultCreatedEvent
	}
	return o
}

// ProcessEvent applies one inbound domain event. Domain outcomes, including
// rejected events, are reported in the result. A Go error is returned only
// for infrastructure failures and for optimistic concurrency conflicts that
// outlast the configured retries; the caller should redeliver in that case.
func (o *Orchestrator) ProcessEvent(ctx context.Context, evt model.Event) (model.ProcessResult, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "orchestrator.process_event",
		observability.AttrEventType.String(evt.Type),
		observability.AttrEntityID.String(evt.EntityID),
	)

	var res model.ProcessResult
	var err error
	if evt.Type == "" || evt.EntityID == "" {
		res = rejected(model.NewBadRequestError("event type and entity id are required"))
	} else {
		res, err = o.withRetry(ctx, evt.Type, func() (model.ProcessResult, error) {
			if evt.Type == o.cfg.EntityCreatedEvent {
				return o.start(ctx, evt)
			}
			return o.advance(ctx, evt)
		})
	}

	span.SetAttributes(
		observability.AttrAction.String(res.Action),
		observability.AttrInstanceID.String(res.InstanceID),
	)
	observability.EndSpanWithError(span, err)
	o.metrics.RecordEvent(evt.Type, res.Action, time.Since(start))
	return res, err
}

// start handles an entity-creation event.
func (o *Orchestrator) start(ctx context.Context, evt model.Event) (model.ProcessResult, error) {
	// 1. One non-terminal instance per entity.
	existing, err := o.instances.FindActiveByEntity(ctx, evt.EntityID)
	if err == nil {
		o.logger.Debug("entity already has an open instance",
			zap.String("entity_id", evt.EntityID),
			zap.String("instance_id", existing.ID),
		)
		return model.ProcessResult{InstanceID: existing.ID, Action: model.ActionDuplicate}, nil
	}
	if !model.IsNotFound(err) {
		return model.ProcessResult{}, err
	}

	// 2. Resolve the definition for the entity's scope.
	def, err := o.resolveDefinition(ctx, evt.Scope())
	if err != nil {
		return model.ProcessResult{}, err
	}
	if def == nil {
		o.logger.Info("no pipeline for scope",
			zap.String("entity_id", evt.EntityID),
			zap.String("line_of_business", evt.LineOfBusiness),
			zap.String("business_type", evt.BusinessType),
			zap.String("organization_id", evt.OrganizationID),
		)
		return model.ProcessResult{Action: model.ActionNoPipeline}, nil
	}

	// 3. Build the instance at its entry step.
	inst, err := o.instances.New(def, evt.EntityID, triggeredBy(evt))
	if err != nil {
		if model.IsEnvelope(err) {
			return rejected(err), nil
		}
		return model.ProcessResult{}, err
	}
	inst.BusinessType = firstNonEmpty(inst.BusinessType, evt.BusinessType)
	inst.OrganizationID = firstNonEmpty(inst.OrganizationID, evt.OrganizationID)

	r := o.newRun(def, inst, triggeredBy(evt))
	r.emit(model.EventInstanceCreated, map[string]any{
		"pipeline_version": def.Version,
		"entry_step_id":    inst.CurrentStepID,
	})

	// 4. Execute the entry step and everything it chains into.
	entry, _ := def.FindStep(inst.CurrentStepID)
	if res, stop, err := o.executeOrAbort(ctx, r, entry); stop {
		return res, err
	}

	// 5. Persist. A concurrent creation for the same entity wins.
	if err := o.instances.Insert(ctx, r.inst); err != nil {
		o.compensate(ctx, r)
		if model.CodeOf(err) == model.ErrConflict {
			return model.ProcessResult{Action: model.ActionDuplicate}, nil
		}
		return model.ProcessResult{}, err
	}
	o.metrics.RecordInstanceStart(def.ID)

	// 6. Side effects.
	o.finish(ctx, r)
	res := r.result()
	res.Action = model.ActionInstanceCreated
	return res, nil
}

// advance handles every event other than entity creation.
func (o *Orchestrator) advance(ctx context.Context, evt model.Event) (model.ProcessResult, error) {
	// 1. Locate the entity's open instance.
	inst, err := o.instances.FindActiveByEntity(ctx, evt.EntityID)
	if model.IsNotFound(err) {
		o.logger.Debug("event for entity without open instance",
			zap.String("entity_id", evt.EntityID),
			zap.String("event_type", evt.Type),
		)
		return model.ProcessResult{Action: model.ActionNoInstance}, nil
	}
	if err != nil {
		return model.ProcessResult{}, err
	}

	// 2. Load the pinned definition version and the current step.
	def, step, res, err := o.load(ctx, inst)
	if def == nil {
		return res, err
	}

	// 3. Approval outcomes are read from the approval store.
	if evt.Type == model.EventApprovalDecided && evt.ApprovalID != "" && evt.ApprovalID == inst.WaitingForApprovalID {
		decision, res, err := o.storedDecision(ctx, inst, evt.ApprovalID)
		if decision == "" {
			return res, err
		}
		evt.Decision = decision
	}

	// 4. Check the step's advancement condition.
	adv, ok := advancement(def, inst, step, evt)
	if !ok {
		o.logger.Debug("event does not advance instance",
			zap.String("instance_id", inst.ID),
			zap.String("step_id", step.Base().ID),
			zap.String("status", string(inst.Status)),
			zap.String("event_type", evt.Type),
		)
		return model.ProcessResult{InstanceID: inst.ID, Action: model.ActionNoAdvancement}, nil
	}

	// 5. Move and execute.
	r := o.newRun(def, inst, triggeredBy(evt))
	r.persisted = true
	next := step
	if !adv.rerun {
		next = r.apply(adv)
	}
	if next != nil {
		if res, stop, err := o.executeOrAbort(ctx, r, next); stop {
			return res, err
		}
	}

	// 6. Persist with optimistic locking and apply side effects.
	return o.commit(ctx, r, step, evt.Type)
}

// storedDecision returns the recorded verdict of the approval inst is
// waiting on. An empty decision means the event must not advance the
// instance and the caller returns res and err.
func (o *Orchestrator) storedDecision(ctx context.Context, inst *model.PipelineInstance, approvalID string) (model.Decision, model.ProcessResult, error) {
	a, err := o.approvals.Get(ctx, approvalID)
	if err != nil {
		if model.IsNotFound(err) {
			res := rejected(err)
			res.InstanceID = inst.ID
			return "", res, nil
		}
		return "", model.ProcessResult{}, err
	}
	if a.InstanceID != inst.ID {
		return "", model.ProcessResult{InstanceID: inst.ID, Action: model.ActionNoAdvancement}, nil
	}

	switch a.Status {
	case model.ApprovalApproved:
		return model.DecisionApproved, model.ProcessResult{}, nil
	case model.ApprovalRejected:
		return model.DecisionRejected, model.ProcessResult{}, nil
	case model.ApprovalExpired:
		return model.DecisionExpired, model.ProcessResult{}, nil
	}
	o.logger.Warn("decided event for undecided approval",
		zap.String("instance_id", inst.ID),
		zap.String("approval_id", a.ID),
		zap.String("status", string(a.Status)),
	)
	res := rejected(model.NewStateConflictError(fmt.Sprintf("approval %q is %s, not decided", a.ID, a.Status)))
	res.InstanceID = inst.ID
	return "", res, nil
}

// commit saves a run against an existing instance and applies its side
// effects. Approvals opened by the run are withdrawn when the write fails.
func (o *Orchestrator) commit(ctx context.Context, r *run, from model.Step, cause string) (model.ProcessResult, error) {
	if err := o.instances.Save(ctx, r.inst); err != nil {
		o.compensate(ctx, r)
		return model.ProcessResult{}, err
	}

	o.finish(ctx, r)
	o.logger.Info("instance advanced",
		zap.String("instance_id", r.inst.ID),
		zap.String("cause", cause),
		zap.String("from_step_id", from.Base().ID),
		zap.String("current_step_id", r.inst.CurrentStepID),
		zap.String("status", string(r.inst.Status)),
		zap.Int("progress_percent", r.inst.ProgressPercent),
	)
	return r.result(), nil
}

// load returns the definition version and current step of inst. When the
// definition is nil the caller returns res and err unchanged.
func (o *Orchestrator) load(ctx context.Context, inst *model.PipelineInstance) (*model.PipelineDefinition, model.Step, model.ProcessResult, error) {
	def, err := o.definitions.GetVersion(ctx, inst.PipelineID, inst.PipelineVersion)
	if err != nil {
		if model.IsNotFound(err) {
			res := rejected(err)
			res.InstanceID = inst.ID
			return nil, nil, res, nil
		}
		return nil, nil, model.ProcessResult{}, err
	}
	step, _ := def.FindStep(inst.CurrentStepID)
	if step == nil {
		res := rejected(model.NewStepNotFoundError(def.ID, inst.CurrentStepID))
		res.InstanceID = inst.ID
		return nil, nil, res, nil
	}
	return def, step, model.ProcessResult{}, nil
}

// executeOrAbort runs the chain from step. When stop is true the run was
// abandoned without persisting and the caller returns res and err.
func (o *Orchestrator) executeOrAbort(ctx context.Context, r *run, step model.Step) (model.ProcessResult, bool, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.execute",
		observability.AttrInstanceID.String(r.inst.ID),
		observability.AttrStepID.String(step.Base().ID),
	)
	err := o.execute(ctx, r, step)
	observability.EndSpanWithError(span, err)
	if err == nil {
		return model.ProcessResult{}, false, nil
	}

	o.compensate(ctx, r)
	if model.CodeOf(err) == model.ErrExternalFailure {
		o.logger.Warn("step execution deferred, collaborator failed",
			zap.String("instance_id", r.inst.ID),
			zap.String("step_id", r.inst.CurrentStepID),
			zap.Error(err),
		)
		res := rejected(err)
		if r.persisted {
			res.InstanceID = r.inst.ID
		}
		return res, true, nil
	}
	return model.ProcessResult{}, true, err
}

// withRetry re-runs fn while it fails with VERSION_CONFLICT, up to the
// configured number of retries.
func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func() (model.ProcessResult, error)) (model.ProcessResult, error) {
	var res model.ProcessResult
	err := o.retry(ctx, op, func() error {
		var err error
		res, err = fn()
		return err
	})
	return res, err
}

func (o *Orchestrator) retry(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !model.IsVersionConflict(err) {
			return err
		}
		if attempt >= o.cfg.MaxConflictRetries {
			o.logger.Error("concurrent updates exhausted retries",
				zap.String("operation", op),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.metrics.RecordConflictRetry()
		o.logger.Debug("retrying after version conflict",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
		)
	}
}

// compensate expires approvals created by a run that was not persisted.
func (o *Orchestrator) compensate(ctx context.Context, r *run) {
	for _, id := range r.approvals {
		if _, err := o.approvals.Expire(ctx, id); err != nil {
			o.logger.Error("failed to withdraw orphaned approval",
				zap.String("approval_id", id),
				zap.String("instance_id", r.inst.ID),
				zap.Error(err),
			)
		}
	}
	r.approvals = nil
}

// finish applies the deferred side effects of a persisted run.
func (o *Orchestrator) finish(ctx context.Context, r *run) {
	for _, u := range r.stageUpdates {
		if err := o.stages.UpdateStage(ctx, r.inst.EntityID, r.inst.Scope(), u); err != nil {
			o.logger.Warn("stage update failed",
				zap.String("instance_id", r.inst.ID),
				zap.String("entity_id", r.inst.EntityID),
				zap.String("stage_id", u.StageID),
				zap.Error(err),
			)
		}
	}
	o.publish(ctx, r.outbound...)

	for _, t := range r.transitions {
		o.metrics.RecordStepTransition(r.def.ID, string(t.stepType), t.outcome)
	}
	for _, role := range r.approvalRoles {
		o.metrics.RecordApprovalRequested(role)
	}
	o.metrics.RecordChain(r.steps)
	if r.inst.Status.Terminal() {
		o.metrics.RecordInstanceFinish(r.def.ID, string(r.inst.Status))
	}
}

func (o *Orchestrator) publish(ctx context.Context, events ...model.Event) {
	for _, evt := range events {
		if err := o.publisher.Publish(ctx, evt); err != nil {
			o.metrics.RecordPublishFailure(evt.Type)
			o.logger.Error("failed to publish event",
				zap.String("event_type", evt.Type),
				zap.String("event_id", evt.ID),
				zap.String("entity_id", evt.EntityID),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) now() time.Time { return o.instances.Now() }

func triggeredBy(evt model.Event) string {
	if evt.Actor != "" {
		return evt.Actor
	}
	return evt.Type
}

func rejected(err error) model.ProcessResult {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		env = model.NewInternalError()
	}
	return model.ProcessResult{Error: env}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type noopStages struct{}

func (noopStages) UpdateStage(context.Context, string, model.Scope, model.StageUpdate) error {
	return nil
}

type unconfiguredConditions struct{}

func (unconfiguredConditions) Evaluate(_ context.Context, _ string, _ model.Scope, conditionType, _ string) (bool, error) {
	return false, fmt.Errorf("no condition evaluator configured for %q", conditionType)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, model.Event) error { return nil }
