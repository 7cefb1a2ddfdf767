package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/leadflow/internal/instance"
	"github.com/pitabwire/leadflow/internal/observability"
	"github.com/pitabwire/leadflow/model"
)

// TimeoutReport summarises one ProcessTimeouts pass.
type TimeoutReport struct {
	ApprovalsExpired   int `json:"approvals_expired"`
	ApprovalsEscalated int `json:"approvals_escalated"`
	WaitsExpired       int `json:"waits_expired"`
	Errors             int `json:"errors"`
}

// HandleApprovalDecision records a verdict on a pending approval and feeds
// it to the owning instance as an approval-decided event. Errors from the
// decision itself, such as STATE_CONFLICT for an approval that is no longer
// pending, are returned to the caller.
func (o *Orchestrator) HandleApprovalDecision(ctx context.Context, approvalID string, decision model.Decision, actor, comment string) (model.ProcessResult, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.approval_decision",
		observability.AttrApprovalID.String(approvalID),
	)
	a, err := o.approvals.SubmitDecision(ctx, approvalID, decision, actor, comment)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return model.ProcessResult{}, err
	}
	o.metrics.RecordApprovalDecided(string(decision))

	res, err := o.resume(ctx, a, actor)
	observability.EndSpanWithError(span, err)
	return res, err
}

// resume re-enters the event path with the outcome of a decided approval
// and announces the decision.
func (o *Orchestrator) resume(ctx context.Context, a *model.ApprovalRequest, actor string) (model.ProcessResult, error) {
	res, err := o.ProcessEvent(ctx, model.Event{
		ID:         o.newID(),
		Type:       model.EventApprovalDecided,
		EntityID:   a.EntityID,
		Actor:      actor,
		ApprovalID: a.ID,
		Decision:   a.Decision,
		Comment:    a.Comment,
		OccurredAt: o.now(),
	})

	owner := &model.PipelineInstance{ID: a.InstanceID, PipelineID: a.PipelineID, EntityID: a.EntityID}
	if inst, getErr := o.instances.Get(ctx, a.InstanceID); getErr == nil {
		owner = inst
	}
	o.publish(ctx, outboundEvent(o.newID(), model.EventApprovalDecided, owner, actor, o.now(), map[string]any{
		"approval_id": a.ID,
		"decision":    string(a.Decision),
		"decided_by":  a.DecidedBy,
		"comment":     a.Comment,
	}))
	return res, err
}

// Cancel terminates a non-terminal instance. A pending approval owned by
// the instance is left open.
func (o *Orchestrator) Cancel(ctx context.Context, instanceID, actor, reason string) (*model.PipelineInstance, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.cancel",
		observability.AttrInstanceID.String(instanceID),
	)
	var inst *model.PipelineInstance
	err := o.retry(ctx, "cancel", func() error {
		var err error
		inst, err = o.instances.UpdateStatus(ctx, instanceID, model.InstanceCancelled, instance.StatusChange{
			Actor:  actor,
			Reason: reason,
		})
		return err
	})
	observability.EndSpanWithError(span, err)
	if err != nil {
		return nil, err
	}

	o.metrics.RecordInstanceFinish(inst.PipelineID, string(inst.Status))
	o.publish(ctx, outboundEvent(o.newID(), model.EventInstanceCompleted, inst, actor, o.now(), map[string]any{
		"status":           string(inst.Status),
		"progress_percent": inst.ProgressPercent,
		"reason":           reason,
	}))
	if a, err := o.approvals.FindPendingByInstance(ctx, inst.ID); err == nil {
		o.logger.Info("cancelled instance leaves approval pending",
			zap.String("instance_id", inst.ID),
			zap.String("approval_id", a.ID),
		)
	}
	return inst, nil
}

// ManualAdvance pushes an entity's instance past its current step as if
// the awaited event had arrived.
func (o *Orchestrator) ManualAdvance(ctx context.Context, entityID, actor string) (model.ProcessResult, error) {
	return o.ProcessEvent(ctx, model.Event{
		ID:         o.newID(),
		Type:       model.EventManualAdvance,
		EntityID:   entityID,
		Actor:      actor,
		OccurredAt: o.now(),
	})
}

// ExpireApproval handles an approval whose deadline passed. The first
// expiry of a request with an escalation role reassigns it; otherwise the
// request expires and the owning instance fails.
func (o *Orchestrator) ExpireApproval(ctx context.Context, a *model.ApprovalRequest) (model.ProcessResult, error) {
	if a.EscalationRole != "" && a.EscalatedAt == nil {
		return o.escalate(ctx, a)
	}

	expired, err := o.approvals.Expire(ctx, a.ID)
	if err != nil {
		if model.IsStateConflict(err) {
			return rejected(err), nil
		}
		return model.ProcessResult{}, err
	}
	o.metrics.RecordApprovalDecided(string(model.DecisionExpired))
	return o.resume(ctx, expired, systemActor)
}

func (o *Orchestrator) escalate(ctx context.Context, a *model.ApprovalRequest) (model.ProcessResult, error) {
	escalated, err := o.approvals.Escalate(ctx, a.ID, "")
	if err != nil {
		if model.IsStateConflict(err) {
			return rejected(err), nil
		}
		return model.ProcessResult{}, err
	}
	if err := o.escalated(ctx, escalated, systemActor); err != nil {
		return model.ProcessResult{}, err
	}
	return model.ProcessResult{Processed: true, InstanceID: escalated.InstanceID, Action: model.ActionEscalated}, nil
}

// EscalateApproval reassigns a pending approval to role, or to its
// configured escalation role when role is empty.
func (o *Orchestrator) EscalateApproval(ctx context.Context, approvalID, role, actor string) (*model.ApprovalRequest, error) {
	escalated, err := o.approvals.Escalate(ctx, approvalID, role)
	if err != nil {
		return nil, err
	}
	if err := o.escalated(ctx, escalated, actor); err != nil {
		return nil, err
	}
	return escalated, nil
}

// escalated mirrors the new approval deadline onto the waiting instance and
// announces the reassignment.
func (o *Orchestrator) escalated(ctx context.Context, a *model.ApprovalRequest, actor string) error {
	o.metrics.RecordApprovalEscalated(a.ApproverRole)

	var inst *model.PipelineInstance
	err := o.retry(ctx, "escalate", func() error {
		current, err := o.instances.Get(ctx, a.InstanceID)
		if err != nil {
			return err
		}
		if current.WaitingForApprovalID != a.ID {
			return nil
		}
		current.WaitingUntil = a.ExpiresAt
		current.UpdatedAt = o.now()
		if err := o.instances.Save(ctx, current); err != nil {
			return err
		}
		inst = current
		return nil
	})
	if err != nil && !model.IsNotFound(err) {
		return err
	}

	if inst != nil {
		o.publish(ctx, outboundEvent(o.newID(), model.EventApprovalRequired, inst, actor, o.now(), approvalData(inst, a)))
	}
	return nil
}

// ExpireWait handles a Wait step whose deadline passed. The instance moves
// to the step's timeout target, or fails when the step has none.
func (o *Orchestrator) ExpireWait(ctx context.Context, instanceID string) (model.ProcessResult, error) {
	return o.withRetry(ctx, "expire_wait", func() (model.ProcessResult, error) {
		inst, err := o.instances.Get(ctx, instanceID)
		if err != nil {
			if model.IsNotFound(err) {
				return rejected(err), nil
			}
			return model.ProcessResult{}, err
		}
		if inst.Status != model.InstanceWaitingEvent || inst.WaitingUntil == nil || inst.WaitingUntil.After(o.now()) {
			return model.ProcessResult{InstanceID: inst.ID, Action: model.ActionNoAdvancement}, nil
		}

		def, step, res, err := o.load(ctx, inst)
		if def == nil {
			return res, err
		}
		wait, ok := step.(*model.WaitStep)
		if !ok {
			return model.ProcessResult{InstanceID: inst.ID, Action: model.ActionNoAdvancement}, nil
		}

		r := o.newRun(def, inst, systemActor)
		r.persisted = true
		adv := advance{outcome: model.OutcomeTimeout, fail: fmt.Sprintf("wait for %q timed out", wait.WaitForEvent)}
		if wait.OnTimeoutStepID != "" {
			adv = resolveTarget(def, wait.ID, wait.OnTimeoutStepID, model.OutcomeTimeout)
		}
		if next := r.apply(adv); next != nil {
			if res, stop, err := o.executeOrAbort(ctx, r, next); stop {
				return res, err
			}
		}
		return o.commit(ctx, r, wait, "wait_timeout")
	})
}

// ProcessTimeouts expires or escalates overdue approvals and times out
// overdue waits, up to limit of each. Failures on one record are logged and
// counted without stopping the pass.
func (o *Orchestrator) ProcessTimeouts(ctx context.Context, limit int) (TimeoutReport, error) {
	var report TimeoutReport

	approvals, err := o.approvals.FindExpiredPending(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("find expired approvals: %w", err)
	}
	for _, a := range approvals {
		res, err := o.ExpireApproval(ctx, a)
		if err != nil {
			report.Errors++
			o.logger.Error("approval timeout failed", zap.String("approval_id", a.ID), zap.Error(err))
			continue
		}
		o.metrics.RecordSweepTimeout("approval", res.Action)
		switch {
		case res.Action == model.ActionEscalated:
			report.ApprovalsEscalated++
		case res.Error == nil:
			report.ApprovalsExpired++
		}
	}

	waits, err := o.instances.FindWaitingExpired(ctx, o.now(), limit)
	if err != nil {
		return report, fmt.Errorf("find expired waits: %w", err)
	}
	for _, inst := range waits {
		res, err := o.ExpireWait(ctx, inst.ID)
		if err != nil {
			report.Errors++
			o.logger.Error("wait timeout failed", zap.String("instance_id", inst.ID), zap.Error(err))
			continue
		}
		o.metrics.RecordSweepTimeout("wait", res.Action)
		if res.Processed {
			report.WaitsExpired++
		}
	}

	if report != (TimeoutReport{}) {
		o.logger.Info("timeouts processed",
			zap.Int("approvals_expired", report.ApprovalsExpired),
			zap.Int("approvals_escalated", report.ApprovalsEscalated),
			zap.Int("waits_expired", report.WaitsExpired),
			zap.Int("errors", report.Errors),
		)
	}
	return report, nil
}
