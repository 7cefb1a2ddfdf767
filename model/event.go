package model

import "time"

// Inbound event types the engine reacts to without configuration.
const (
	EventManualAdvance   = "pipeline.manual_advance"
	EventApprovalDecided = "pipeline.approval_decided"
)

// Outbound event types.
const (
	EventInstanceCreated      = "pipeline.instance_created"
	EventStepChanged          = "pipeline.step_changed"
	EventInstanceCompleted    = "pipeline.instance_completed"
	EventApprovalRequired     = "pipeline.approval_required"
	EventNotificationRequired = "pipeline.notification_required"
)

// Event is a domain event entering or leaving the engine.
type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	EntityID       string         `json:"entity_id"`
	LineOfBusiness string         `json:"line_of_business,omitempty"`
	BusinessType   string         `json:"business_type,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Actor          string         `json:"actor,omitempty"`
	ApprovalID     string         `json:"approval_id,omitempty"`
	Decision       Decision       `json:"decision,omitempty"`
	Comment        string         `json:"comment,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// Scope returns the event's selection scope.
func (e *Event) Scope() Scope {
	return Scope{
		LineOfBusiness: e.LineOfBusiness,
		BusinessType:   e.BusinessType,
		OrganizationID: e.OrganizationID,
	}
}

// StageUpdate is the change pushed to the lead service when a Stage step
// executes.
type StageUpdate struct {
	StageID   string `json:"stage_id"`
	StageName string `json:"stage_name"`
	Remark    string `json:"remark,omitempty"`
	ChangedBy string `json:"changed_by"`
}

// Event processing actions reported in ProcessResult.
const (
	ActionInstanceCreated = "instance_created"
	ActionAdvanced        = "advanced"
	ActionCompleted       = "completed"
	ActionFailed          = "failed"
	ActionNoAdvancement   = "no_advancement"
	ActionNoInstance      = "no_instance"
	ActionNoPipeline      = "no_pipeline"
	ActionDuplicate       = "duplicate_instance"
	ActionRejected        = "rejected"
	ActionEscalated       = "escalated"
)

// ProcessResult is the outcome of processing one event. Domain failures are
// reported through Error rather than as a Go error so a bad event never
// aborts a batch.
type ProcessResult struct {
	Processed  bool           `json:"processed"`
	InstanceID string         `json:"instance_id,omitempty"`
	Action     string         `json:"action,omitempty"`
	Error      *ErrorEnvelope `json:"error,omitempty"`
}
