package model

import "time"

// ApprovalStatus is the lifecycle status of an approval request.
type ApprovalStatus string

// Approval statuses.
const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Decision is a human verdict on an approval request.
type Decision string

// Decisions. DecisionExpired is only produced by the timeout sweep.
const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionExpired  Decision = "expired"
)

// Valid reports whether d can be submitted by a user.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// ApprovalRequest is a pending or closed role decision gating an instance.
type ApprovalRequest struct {
	ID             string         `json:"id"`
	InstanceID     string         `json:"instance_id"`
	PipelineID     string         `json:"pipeline_id"`
	EntityID       string         `json:"entity_id"`
	StepID         string         `json:"step_id"`
	StepName       string         `json:"step_name,omitempty"`
	ApproverRole   string         `json:"approver_role"`
	EscalationRole string         `json:"escalation_role,omitempty"`
	Status         ApprovalStatus `json:"status"`
	Decision       Decision       `json:"decision,omitempty"`
	DecidedBy      string         `json:"decided_by,omitempty"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
	Comment        string         `json:"comment,omitempty"`
	RequestedAt    time.Time      `json:"requested_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	EscalatedAt    *time.Time     `json:"escalated_at,omitempty"`
	EscalatedFrom  string         `json:"escalated_from,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Version        int            `json:"version"`
}

// Clone returns a deep copy of the approval.
func (a *ApprovalRequest) Clone() *ApprovalRequest {
	c := *a
	c.DecidedAt = cloneTime(a.DecidedAt)
	c.ExpiresAt = cloneTime(a.ExpiresAt)
	c.EscalatedAt = cloneTime(a.EscalatedAt)
	if a.Context != nil {
		c.Context = make(map[string]any, len(a.Context))
		for k, v := range a.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// Expired reports whether a pending approval passed its deadline at now.
func (a *ApprovalRequest) Expired(now time.Time) bool {
	return a.Status == ApprovalPending && a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// ApprovalFilters narrows an approval listing. Zero values match everything.
type ApprovalFilters struct {
	ApproverRole string
	PipelineID   string
	EntityID     string
	InstanceID   string
	Status       ApprovalStatus
	Limit        int
	Offset       int
}
