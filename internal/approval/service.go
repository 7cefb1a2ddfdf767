package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/leadflow/model"
)

// RoleTimeouts supplies the default deadline, in hours, for an approver
// role. Zero means no deadline.
type RoleTimeouts interface {
	TimeoutFor(role string) int
}

// CreateRequest describes a new approval request.
type CreateRequest struct {
	InstanceID     string
	PipelineID     string
	EntityID       string
	StepID         string
	StepName       string
	ApproverRole   string
	EscalationRole string
	// TimeoutHours overrides the role default when non-nil. Zero disables
	// the deadline.
	TimeoutHours *int
	Context      map[string]any
}

// Service implements the approval lifecycle.
type Service struct {
	store    Store
	timeouts RoleTimeouts
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides approval id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService creates a Service.
func NewService(store Store, timeouts RoleTimeouts, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		timeouts: timeouts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists a pending approval request.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.ApprovalRequest, error) {
	if req.InstanceID == "" || req.ApproverRole == "" {
		return nil, model.NewBadRequestError("instance id and approver role are required")
	}

	now := s.now()
	hours := s.timeouts.TimeoutFor(req.ApproverRole)
	if req.TimeoutHours != nil {
		hours = *req.TimeoutHours
	}

	a := &model.ApprovalRequest{
		ID:             s.newID(),
		InstanceID:     req.InstanceID,
		PipelineID:     req.PipelineID,
		EntityID:       req.EntityID,
		StepID:         req.StepID,
		StepName:       req.StepName,
		ApproverRole:   req.ApproverRole,
		EscalationRole: req.EscalationRole,
		Status:         model.ApprovalPending,
		RequestedAt:    now,
		ExpiresAt:      deadline(now, hours),
		Context:        req.Context,
		UpdatedAt:      now,
		Version:        1,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}

	s.logger.Info("approval requested",
		zap.String("approval_id", a.ID),
		zap.String("instance_id", a.InstanceID),
		zap.String("approver_role", a.ApproverRole),
		zap.Int("timeout_hours", hours),
	)
	return a, nil
}

// SubmitDecision records a human verdict. Returns STATE_CONFLICT if the
// request is no longer pending.
func (s *Service) SubmitDecision(ctx context.Context, id string, decision model.Decision, actor, comment string) (*model.ApprovalRequest, error) {
	if !decision.Valid() {
		return nil, model.NewBadRequestError(fmt.Sprintf("decision must be %q or %q", model.DecisionApproved, model.DecisionRejected))
	}

	a, err := s.updatePending(ctx, id, func(a *model.ApprovalRequest, now time.Time) error {
		a.Status = model.ApprovalStatus(decision)
		a.Decision = decision
		a.DecidedBy = actor
		a.DecidedAt = &now
		a.Comment = comment
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("approval decided",
		zap.String("approval_id", id),
		zap.String("decision", string(decision)),
		zap.String("decided_by", actor),
	)
	return a, nil
}

// Escalate reassigns a pending request to newRole, or to its configured
// escalation role when newRole is empty. The deadline restarts from the new
// role's default.
func (s *Service) Escalate(ctx context.Context, id, newRole string) (*model.ApprovalRequest, error) {
	a, err := s.updatePending(ctx, id, func(a *model.ApprovalRequest, now time.Time) error {
		role := newRole
		if role == "" {
			role = a.EscalationRole
		}
		if role == "" {
			return model.NewBadRequestError(fmt.Sprintf("approval %q has no escalation role", id))
		}
		a.EscalatedFrom = a.ApproverRole
		a.ApproverRole = role
		a.EscalatedAt = &now
		a.ExpiresAt = deadline(now, s.timeouts.TimeoutFor(role))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("approval escalated",
		zap.String("approval_id", id),
		zap.String("from_role", a.EscalatedFrom),
		zap.String("to_role", a.ApproverRole),
	)
	return a, nil
}

// Expire forces a pending request to expired.
func (s *Service) Expire(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	a, err := s.updatePending(ctx, id, func(a *model.ApprovalRequest, now time.Time) error {
		a.Status = model.ApprovalExpired
		a.Decision = model.DecisionExpired
		a.DecidedBy = "system"
		a.DecidedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("approval expired", zap.String("approval_id", id))
	return a, nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	return s.store.Get(ctx, id)
}

// List returns requests matching filters.
func (s *Service) List(ctx context.Context, filters model.ApprovalFilters) ([]*model.ApprovalRequest, error) {
	return s.store.List(ctx, filters)
}

// FindPendingByInstance returns the instance's pending request.
func (s *Service) FindPendingByInstance(ctx context.Context, instanceID string) (*model.ApprovalRequest, error) {
	return s.store.FindPendingByInstance(ctx, instanceID)
}

// FindExpiredPending returns pending requests past their deadline at now.
func (s *Service) FindExpiredPending(ctx context.Context, limit int) ([]*model.ApprovalRequest, error) {
	return s.store.FindExpiredPending(ctx, s.now(), limit)
}

func (s *Service) updatePending(ctx context.Context, id string, fn func(*model.ApprovalRequest, time.Time) error) (*model.ApprovalRequest, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != model.ApprovalPending {
		return nil, model.NewStateConflictError(fmt.Sprintf("approval %q is %s, not pending", id, a.Status))
	}

	now := s.now()
	if err := fn(a, now); err != nil {
		return nil, err
	}
	a.UpdatedAt = now
	if err := s.store.Replace(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func deadline(from time.Time, hours int) *time.Time {
	if hours <= 0 {
		return nil
	}
	t := from.Add(time.Duration(hours) * time.Hour)
	return &t
}
