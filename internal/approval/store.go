// Package approval manages approval requests: persistence, role-based
// deadlines, decisions, escalation and expiry.
package approval

import (
	"context"
	"time"

	"github.com/pitabwire/leadflow/model"
)

// Store persists approval requests.
type Store interface {
	// Create persists a new request. Returns CONFLICT if the instance
	// already has a pending request.
	Create(ctx context.Context, a *model.ApprovalRequest) error

	// Get retrieves a request by id. Returns APPROVAL_NOT_FOUND.
	Get(ctx context.Context, id string) (*model.ApprovalRequest, error)

	// Replace persists a with optimistic locking; see instance.Store.Replace.
	Replace(ctx context.Context, a *model.ApprovalRequest) error

	// List returns requests matching filters, most recently requested first.
	List(ctx context.Context, filters model.ApprovalFilters) ([]*model.ApprovalRequest, error)

	// FindPendingByInstance returns the instance's most recent pending
	// request, or APPROVAL_NOT_FOUND.
	FindPendingByInstance(ctx context.Context, instanceID string) (*model.ApprovalRequest, error)

	// FindExpiredPending returns pending requests whose deadline is at or
	// before cutoff, oldest deadline first.
	FindExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.ApprovalRequest, error)
}

func matches(a *model.ApprovalRequest, f model.ApprovalFilters) bool {
	if f.ApproverRole != "" && a.ApproverRole != f.ApproverRole {
		return false
	}
	if f.PipelineID != "" && a.PipelineID != f.PipelineID {
		return false
	}
	if f.EntityID != "" && a.EntityID != f.EntityID {
		return false
	}
	if f.InstanceID != "" && a.InstanceID != f.InstanceID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}
