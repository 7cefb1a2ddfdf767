package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/leadflow/internal/approval"
	"github.com/pitabwire/leadflow/model"
)

// advance describes where an instance goes next. A nil target with an empty
// fail message completes the instance. rerun re-executes the current step
// in place.
type advance struct {
	target  model.Step
	outcome string
	fail    string
	rerun   bool
}

type transition struct {
	stepType model.StepType
	outcome  string
}

// run accumulates the in-memory changes of one event so they are persisted
// in one write and their side effects applied only after it succeeds.
type run struct {
	def         *model.PipelineDefinition
	inst        *model.PipelineInstance
	triggeredBy string
	now         time.Time
	newID       func() string
	persisted   bool

	steps         int
	outbound      []model.Event
	stageUpdates  []model.StageUpdate
	approvals     []string
	approvalRoles []string
	transitions   []transition
	failure       *model.ErrorEnvelope
}

func (o *Orchestrator) newRun(def *model.PipelineDefinition, inst *model.PipelineInstance, triggeredBy string) *run {
	return &run{
		def:         def,
		inst:        inst,
		triggeredBy: triggeredBy,
		now:         o.now(),
		newID:       o.newID,
	}
}

// execute runs step and every step it chains into until one parks, the
// instance terminates or the chain limit is hit.
func (o *Orchestrator) execute(ctx context.Context, r *run, step model.Step) error {
	for step != nil && !r.inst.Status.Terminal() {
		r.steps++
		if r.steps > o.cfg.MaxChainSteps {
			r.failure = model.NewChainLimitError(o.cfg.MaxChainSteps)
			o.logger.Error("step chain limit reached",
				zap.String("instance_id", r.inst.ID),
				zap.String("pipeline_id", r.def.ID),
				zap.String("step_id", step.Base().ID),
				zap.Int("limit", o.cfg.MaxChainSteps),
			)
			r.fail(r.failure.Message)
			return nil
		}

		adv, park, err := o.executeStep(ctx, r, step)
		if err != nil {
			return err
		}
		if park {
			return nil
		}
		step = r.apply(adv)
	}
	return nil
}

// executeStep performs the entry actions of step. park reports that the
// instance now waits for something external.
func (o *Orchestrator) executeStep(ctx context.Context, r *run, step model.Step) (adv advance, park bool, err error) {
	switch s := step.(type) {
	case *model.StageStep:
		r.stageUpdates = append(r.stageUpdates, model.StageUpdate{
			StageID:   s.StageID,
			StageName: s.StageName,
			Remark:    fmt.Sprintf("pipeline %s moved to %s", r.def.Name, model.StageLabel(s)),
			ChangedBy: r.triggeredBy,
		})
		r.emit(model.EventStepChanged, r.stepData(s))

		next := r.def.NextEnabledAfter(s.ID)
		switch {
		case next == nil:
			return advance{outcome: model.OutcomeCompleted}, false, nil
		case model.IsAutoStep(next):
			return advance{target: next, outcome: model.OutcomeAdvanced}, false, nil
		}
		return advance{}, true, nil

	case *model.ApprovalStep:
		req := approval.CreateRequest{
			InstanceID:     r.inst.ID,
			PipelineID:     r.def.ID,
			EntityID:       r.inst.EntityID,
			StepID:         s.ID,
			StepName:       s.Name,
			ApproverRole:   s.ApproverRole,
			EscalationRole: s.EscalationRole,
			Context: map[string]any{
				"pipeline_name": r.def.Name,
				"current_stage": r.inst.CurrentStage,
			},
		}
		if s.TimeoutHours > 0 {
			hours := s.TimeoutHours
			req.TimeoutHours = &hours
		}
		a, err := o.approvals.Create(ctx, req)
		if err != nil {
			if model.CodeOf(err) == model.ErrConflict {
				// Another writer opened the approval first; reload and re-evaluate.
				return advance{}, false, model.NewVersionConflictError("instance", r.inst.ID, r.inst.Version)
			}
			return advance{}, false, err
		}
		r.approvals = append(r.approvals, a.ID)
		r.approvalRoles = append(r.approvalRoles, a.ApproverRole)
		r.inst.SetWaitingForApproval(a.ID, a.ExpiresAt, r.now)
		r.emit(model.EventApprovalRequired, approvalData(r.inst, a))
		return advance{}, true, nil

	case *model.DecisionStep:
		ok, err := o.conditions.Evaluate(ctx, r.inst.EntityID, r.inst.Scope(), s.ConditionType, s.ConditionValue)
		if err != nil {
			if ctx.Err() != nil {
				return advance{}, false, ctx.Err()
			}
			return advance{}, false, model.NewExternalFailureError(
				fmt.Sprintf("evaluating %s condition of step %q: %v", s.ConditionType, s.ID, err))
		}
		o.logger.Debug("decision evaluated",
			zap.String("instance_id", r.inst.ID),
			zap.String("step_id", s.ID),
			zap.String("condition_type", s.ConditionType),
			zap.Bool("result", ok),
		)
		target := s.FalseNextStepID
		if ok {
			target = s.TrueNextStepID
		}
		return resolveTarget(r.def, s.ID, target, model.OutcomeBranched), false, nil

	case *model.NotificationStep:
		r.emit(model.EventNotificationRequired, map[string]any{
			"step_id":           s.ID,
			"notification_type": s.NotificationType,
			"custom_message":    s.CustomMessage,
		})
		return advance{target: r.def.NextEnabledAfter(s.ID), outcome: model.OutcomeNotified}, false, nil

	case *model.WaitStep:
		hours := s.TimeoutHours
		if hours <= 0 {
			hours = o.waits.TimeoutFor(s.WaitForEvent)
		}
		var until *time.Time
		if hours > 0 {
			t := r.now.Add(time.Duration(hours) * time.Hour)
			until = &t
		}
		r.inst.SetWaitingForEvent(s.WaitForEvent, until, r.now)
		return advance{}, true, nil
	}
	return advance{}, false, fmt.Errorf("unsupported step type %T", step)
}

// advancement reports whether evt satisfies the exit condition of the
// instance's current step, and where it leads.
func advancement(def *model.PipelineDefinition, inst *model.PipelineInstance, step model.Step, evt model.Event) (advance, bool) {
	manual := evt.Type == model.EventManualAdvance

	switch s := step.(type) {
	case *model.StageStep:
		if inst.Status != model.InstanceActive || evt.Type == model.EventApprovalDecided {
			return advance{}, false
		}
		next := def.NextEnabledAfter(s.ID)
		if next == nil {
			return advance{outcome: model.OutcomeCompleted}, manual
		}
		adv := advance{target: next, outcome: model.OutcomeAdvanced}
		if ns, ok := next.(*model.StageStep); ok {
			return adv, manual || (ns.TriggerEvent != "" && ns.TriggerEvent == evt.Type)
		}
		return adv, true

	case *model.WaitStep:
		if inst.Status != model.InstanceWaitingEvent {
			return advance{}, false
		}
		if evt.Type != s.WaitForEvent && !manual {
			return advance{}, false
		}
		return advance{target: def.NextEnabledAfter(s.ID), outcome: model.OutcomeAdvanced}, true

	case *model.ApprovalStep:
		if inst.Status != model.InstanceWaitingApproval ||
			evt.Type != model.EventApprovalDecided ||
			evt.ApprovalID != inst.WaitingForApprovalID {
			return advance{}, false
		}
		switch evt.Decision {
		case model.DecisionApproved:
			return advance{target: def.NextEnabledAfter(s.ID), outcome: model.OutcomeApproved}, true
		case model.DecisionRejected:
			if s.OnRejectStepID != "" {
				return resolveTarget(def, s.ID, s.OnRejectStepID, model.OutcomeRejected), true
			}
			return advance{target: def.NextEnabledAfter(s.ID), outcome: model.OutcomeRejected}, true
		case model.DecisionExpired:
			return advance{
				outcome: model.OutcomeExpired,
				fail:    fmt.Sprintf("approval %q expired without a decision", evt.ApprovalID),
			}, true
		}
		return advance{}, false

	case *model.DecisionStep, *model.NotificationStep:
		if inst.Status != model.InstanceActive {
			return advance{}, false
		}
		return advance{rerun: true}, true
	}
	return advance{}, false
}

// resolveTarget maps a branch target to the step it lands on. "end"
// completes the instance, "next" or empty falls through to the following
// enabled step and a disabled step id lands on the first enabled step
// after it.
func resolveTarget(def *model.PipelineDefinition, fromID, target, outcome string) advance {
	switch target {
	case model.TargetEnd:
		return advance{outcome: outcome}
	case model.TargetNext, "":
		return advance{target: def.NextEnabledAfter(fromID), outcome: outcome}
	}
	return advance{target: def.EnabledFrom(target), outcome: outcome}
}

// apply moves the instance as described by adv and returns the step to
// execute next, or nil when the instance terminated.
func (r *run) apply(adv advance) model.Step {
	switch {
	case adv.fail != "":
		r.fail(adv.fail)
		return nil
	case adv.target == nil:
		r.complete()
		return nil
	}
	r.transitions = append(r.transitions, transition{r.inst.CurrentStepType, adv.outcome})
	r.inst.MoveToStep(adv.target, r.triggeredBy, adv.outcome, r.now)
	r.inst.SetNextPreview(r.def)
	return adv.target
}

func (r *run) complete() {
	r.transitions = append(r.transitions, transition{r.inst.CurrentStepType, model.OutcomeCompleted})
	r.inst.Complete(r.now)
	r.emit(model.EventInstanceCompleted, map[string]any{
		"status":           string(r.inst.Status),
		"progress_percent": r.inst.ProgressPercent,
	})
}

func (r *run) fail(msg string) {
	r.transitions = append(r.transitions, transition{r.inst.CurrentStepType, model.OutcomeFailed})
	r.inst.Fail(r.inst.CurrentStepID, msg, r.now)
	r.emit(model.EventInstanceCompleted, map[string]any{
		"status":           string(r.inst.Status),
		"progress_percent": r.inst.ProgressPercent,
		"error":            msg,
	})
}

// emit queues an outbound event carrying the instance's identity.
func (r *run) emit(eventType string, data map[string]any) {
	r.outbound = append(r.outbound, outboundEvent(r.newID(), eventType, r.inst, r.triggeredBy, r.now, data))
}

func (r *run) stepData(s model.Step) map[string]any {
	data := map[string]any{
		"step_id":          s.Base().ID,
		"step_type":        string(s.Type()),
		"step_name":        s.Base().Name,
		"progress_percent": r.inst.ProgressPercent,
		"next_step_id":     r.inst.NextStepID,
	}
	if st, ok := s.(*model.StageStep); ok {
		data["stage_id"] = st.StageID
		data["stage_name"] = st.StageName
	}
	return data
}

func (r *run) result() model.ProcessResult {
	res := model.ProcessResult{Processed: true, InstanceID: r.inst.ID, Action: model.ActionAdvanced}
	switch r.inst.Status {
	case model.InstanceCompleted:
		res.Action = model.ActionCompleted
	case model.InstanceFailed:
		res.Action = model.ActionFailed
		res.Error = r.failure
	}
	return res
}

func outboundEvent(id, eventType string, inst *model.PipelineInstance, actor string, now time.Time, data map[string]any) model.Event {
	if data == nil {
		data = make(map[string]any)
	}
	data["instance_id"] = inst.ID
	data["pipeline_id"] = inst.PipelineID
	return model.Event{
		ID:             id,
		Type:           eventType,
		EntityID:       inst.EntityID,
		LineOfBusiness: inst.LineOfBusiness,
		BusinessType:   inst.BusinessType,
		OrganizationID: inst.OrganizationID,
		Actor:          actor,
		Data:           data,
		OccurredAt:     now,
	}
}

func approvalData(inst *model.PipelineInstance, a *model.ApprovalRequest) map[string]any {
	data := map[string]any{
		"approval_id":   a.ID,
		"approver_role": a.ApproverRole,
		"step_id":       a.StepID,
		"current_stage": inst.CurrentStage,
	}
	if a.EscalatedFrom != "" {
		data["escalated_from"] = a.EscalatedFrom
	}
	if a.ExpiresAt != nil {
		data["expires_at"] = a.ExpiresAt.Format(time.RFC3339)
	}
	return data
}
