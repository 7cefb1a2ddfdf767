package model

import (
	"math"
	"time"
)

// InstanceStatus is the execution status of a pipeline instance.
type InstanceStatus string

// Instance statuses.
const (
	InstanceActive          InstanceStatus = "active"
	InstanceWaitingApproval InstanceStatus = "waiting_approval"
	InstanceWaitingEvent    InstanceStatus = "waiting_event"
	InstanceCompleted       InstanceStatus = "completed"
	InstanceFailed          InstanceStatus = "failed"
	InstanceCancelled       InstanceStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// Valid reports whether s is a known status.
func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceActive, InstanceWaitingApproval, InstanceWaitingEvent,
		InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	}
	return false
}

// Step outcomes recorded on history entries.
const (
	OutcomeAdvanced  = "advanced"
	OutcomeBranched  = "branched"
	OutcomeApproved  = "approved"
	OutcomeRejected  = "rejected"
	OutcomeExpired   = "expired"
	OutcomeTimeout   = "timeout"
	OutcomeNotified  = "notified"
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// HistoryEntry records one visit of an instance to a step.
type HistoryEntry struct {
	StepID      string     `json:"step_id"`
	StepType    StepType   `json:"step_type"`
	StepName    string     `json:"step_name,omitempty"`
	EnteredAt   time.Time  `json:"entered_at"`
	ExitedAt    *time.Time `json:"exited_at,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
	TriggeredBy string     `json:"triggered_by"`
}

// InstanceError records the failure that terminated an instance.
type InstanceError struct {
	StepID     string    `json:"step_id"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PipelineInstance is one live execution of a definition against an entity.
type PipelineInstance struct {
	ID              string `json:"id"`
	PipelineID      string `json:"pipeline_id"`
	PipelineVersion int    `json:"pipeline_version"`
	PipelineName    string `json:"pipeline_name"`
	EntityID        string `json:"entity_id"`
	LineOfBusiness  string `json:"line_of_business"`
	BusinessType    string `json:"business_type,omitempty"`
	OrganizationID  string `json:"organization_id,omitempty"`

	Status          InstanceStatus `json:"status"`
	CurrentStepID   string         `json:"current_step_id"`
	CurrentStepType StepType       `json:"current_step_type"`
	CurrentStage    string         `json:"current_stage,omitempty"`
	ProgressPercent int            `json:"progress_percent"`
	CompletedSteps  int            `json:"completed_steps_count"`
	TotalSteps      int            `json:"total_steps_count"`
	NextStepID      string         `json:"next_step_id,omitempty"`

	WaitingForEvent      string     `json:"waiting_for_event,omitempty"`
	WaitingForApprovalID string     `json:"waiting_for_approval_id,omitempty"`
	WaitingUntil         *time.Time `json:"waiting_until,omitempty"`

	History   []HistoryEntry `json:"step_history"`
	LastError *InstanceError `json:"last_error,omitempty"`

	StartedBy    string     `json:"started_by"`
	CancelledBy  string     `json:"cancelled_by,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Version      int        `json:"version"`
}

// NewInstance seeds an instance at the definition's entry step. It returns
// nil when the definition has no enabled step.
func NewInstance(id string, def *PipelineDefinition, entityID, triggeredBy string, now time.Time) *PipelineInstance {
	entry := def.EntryStep()
	if entry == nil {
		return nil
	}
	inst := &PipelineInstance{
		ID:              id,
		PipelineID:      def.ID,
		PipelineVersion: def.Version,
		PipelineName:    def.Name,
		EntityID:        entityID,
		LineOfBusiness:  def.LineOfBusiness,
		BusinessType:    def.BusinessType,
		OrganizationID:  def.OrganizationID,
		Status:          InstanceActive,
		TotalSteps:      def.CountEnabled(),
		StartedBy:       triggeredBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	inst.enter(entry, triggeredBy, now)
	inst.SetNextPreview(def)
	return inst
}

// Scope returns the selection scope the instance was started in.
func (i *PipelineInstance) Scope() Scope {
	return Scope{
		LineOfBusiness: i.LineOfBusiness,
		BusinessType:   i.BusinessType,
		OrganizationID: i.OrganizationID,
	}
}

// Clone returns a deep copy of the instance.
func (i *PipelineInstance) Clone() *PipelineInstance {
	c := *i
	c.History = make([]HistoryEntry, len(i.History))
	for k, h := range i.History {
		if h.ExitedAt != nil {
			t := *h.ExitedAt
			h.ExitedAt = &t
		}
		c.History[k] = h
	}
	if i.WaitingUntil != nil {
		t := *i.WaitingUntil
		c.WaitingUntil = &t
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	if i.LastError != nil {
		e := *i.LastError
		c.LastError = &e
	}
	return &c
}

// Waiting reports whether the instance is parked on an external condition.
func (i *PipelineInstance) Waiting() bool {
	return i.Status == InstanceWaitingApproval || i.Status == InstanceWaitingEvent
}

// MoveToStep closes the open history entry with outcome, opens one for
// target, counts the completed step and clears the waiting condition.
func (i *PipelineInstance) MoveToStep(target Step, triggeredBy, outcome string, now time.Time) {
	i.closeOpen(outcome, now)
	i.CompletedSteps++
	i.recomputeProgress()
	i.enter(target, triggeredBy, now)
	i.Status = InstanceActive
	i.ClearWaiting()
	i.UpdatedAt = now
}

// SetNextPreview records the first enabled step after the current one.
func (i *PipelineInstance) SetNextPreview(def *PipelineDefinition) {
	i.NextStepID = ""
	if next := def.NextEnabledAfter(i.CurrentStepID); next != nil {
		i.NextStepID = next.Base().ID
	}
}

// SetWaitingForEvent parks the instance until eventType arrives.
func (i *PipelineInstance) SetWaitingForEvent(eventType string, until *time.Time, now time.Time) {
	i.Status = InstanceWaitingEvent
	i.WaitingForEvent = eventType
	i.WaitingForApprovalID = ""
	i.WaitingUntil = until
	i.UpdatedAt = now
}

// SetWaitingForApproval parks the instance until approvalID is decided.
func (i *PipelineInstance) SetWaitingForApproval(approvalID string, until *time.Time, now time.Time) {
	i.Status = InstanceWaitingApproval
	i.WaitingForApprovalID = approvalID
	i.WaitingForEvent = ""
	i.WaitingUntil = until
	i.UpdatedAt = now
}

// ClearWaiting removes any waiting condition.
func (i *PipelineInstance) ClearWaiting() {
	i.WaitingForEvent = ""
	i.WaitingForApprovalID = ""
	i.WaitingUntil = nil
}

// Complete closes the open step, counts it and finishes the instance.
func (i *PipelineInstance) Complete(now time.Time) {
	i.closeOpen(OutcomeCompleted, now)
	i.CompletedSteps++
	i.recomputeProgress()
	i.ProgressPercent = 100
	i.NextStepID = ""
	i.SetStatus(InstanceCompleted, now)
}

// SetStatus applies a status and stamps CompletedAt on terminal statuses.
// Terminal statuses close the open history entry and clear the waiting
// condition.
func (i *PipelineInstance) SetStatus(status InstanceStatus, now time.Time) {
	i.Status = status
	i.UpdatedAt = now
	if status.Terminal() {
		switch status {
		case InstanceCancelled:
			i.closeOpen(OutcomeCancelled, now)
		case InstanceFailed:
			i.closeOpen(OutcomeFailed, now)
		}
		i.ClearWaiting()
		t := now
		i.CompletedAt = &t
	}
}

// Fail force-terminates the instance with an error record.
func (i *PipelineInstance) Fail(stepID, message string, now time.Time) {
	i.LastError = &InstanceError{StepID: stepID, Message: message, OccurredAt: now}
	i.SetStatus(InstanceFailed, now)
}

// OpenEntry returns the open history entry, or nil.
func (i *PipelineInstance) OpenEntry() *HistoryEntry {
	if n := len(i.History); n > 0 && i.History[n-1].ExitedAt == nil {
		return &i.History[n-1]
	}
	return nil
}

func (i *PipelineInstance) enter(s Step, triggeredBy string, now time.Time) {
	b := s.Base()
	i.CurrentStepID = b.ID
	i.CurrentStepType = s.Type()
	if st, ok := s.(*StageStep); ok {
		i.CurrentStage = st.StageName
	}
	i.History = append(i.History, HistoryEntry{
		StepID:      b.ID,
		StepType:    s.Type(),
		StepName:    b.Name,
		EnteredAt:   now,
		TriggeredBy: triggeredBy,
	})
}

func (i *PipelineInstance) closeOpen(outcome string, now time.Time) {
	if e := i.OpenEntry(); e != nil {
		t := now
		e.ExitedAt = &t
		e.Outcome = outcome
	}
}

func (i *PipelineInstance) recomputeProgress() {
	p := Progress(i.CompletedSteps, i.TotalSteps)
	if p > i.ProgressPercent {
		i.ProgressPercent = p
	}
}

// Progress returns round(completed / total * 100), capped at 100.
func Progress(completed, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(completed) / float64(total) * 100))
	if p > 100 {
		p = 100
	}
	return p
}

// InstanceFilters narrows an instance listing. Zero values match everything.
type InstanceFilters struct {
	PipelineID     string
	EntityID       string
	LineOfBusiness string
	Status         InstanceStatus
	// NonTerminal restricts to active and waiting instances.
	NonTerminal bool
	Limit       int
	Offset      int
}
