package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/leadflow/internal/storage"
	"github.com/pitabwire/leadflow/model"
)

const pendingInstanceIndex = "approval_requests_pending_instance_idx"

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL approval store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new request.
func (s *PgStore) Create(ctx context.Context, a *model.ApprovalRequest) error {
	state, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_requests (
			id, instance_id, pipeline_id, entity_id, approver_role,
			status, expires_at, state, version, requested_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.InstanceID, a.PipelineID, a.EntityID, a.ApproverRole,
		a.Status, a.ExpiresAt, state, a.Version, a.RequestedAt, a.UpdatedAt,
	)
	if storage.IsUniqueViolation(err, pendingInstanceIndex) {
		return model.NewConflictError(fmt.Sprintf("instance %q already has a pending approval", a.InstanceID))
	}
	if storage.IsUniqueViolation(err, "") {
		return model.NewConflictError(fmt.Sprintf("approval %q already exists", a.ID))
	}
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

// Get retrieves a request by id.
func (s *PgStore) Get(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	a, err := scanApproval(s.pool.QueryRow(ctx,
		`SELECT state, version FROM approval_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewApprovalNotFoundError(id)
	}
	return a, err
}

// Replace persists an updated request with optimistic locking.
func (s *PgStore) Replace(ctx context.Context, a *model.ApprovalRequest) error {
	next := a.Clone()
	next.Version = a.Version + 1
	state, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_requests SET
			approver_role = $1,
			status = $2,
			expires_at = $3,
			state = $4,
			version = $5,
			updated_at = $6
		WHERE id = $7 AND version = $8`,
		next.ApproverRole, next.Status, next.ExpiresAt, state, next.Version, next.UpdatedAt,
		a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, a.ID); err != nil {
			return err
		}
		return model.NewVersionConflictError("approval", a.ID, a.Version)
	}
	a.Version = next.Version
	return nil
}

// List returns requests matching filters.
func (s *PgStore) List(ctx context.Context, filters model.ApprovalFilters) ([]*model.ApprovalRequest, error) {
	query := `SELECT state, version FROM approval_requests WHERE 1 = 1`
	var args []any
	argIdx := 1

	add := func(clause string, v any) {
		query += fmt.Sprintf(" AND "+clause, argIdx)
		args = append(args, v)
		argIdx++
	}

	if filters.ApproverRole != "" {
		add("approver_role = $%d", filters.ApproverRole)
	}
	if filters.PipelineID != "" {
		add("pipeline_id = $%d", filters.PipelineID)
	}
	if filters.EntityID != "" {
		add("entity_id = $%d", filters.EntityID)
	}
	if filters.InstanceID != "" {
		add("instance_id = $%d", filters.InstanceID)
	}
	if filters.Status != "" {
		add("status = $%d", filters.Status)
	}

	query += " ORDER BY requested_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.query(ctx, query, args...)
}

// FindPendingByInstance returns the instance's pending request.
func (s *PgStore) FindPendingByInstance(ctx context.Context, instanceID string) (*model.ApprovalRequest, error) {
	a, err := scanApproval(s.pool.QueryRow(ctx, `
		SELECT state, version FROM approval_requests
		WHERE instance_id = $1 AND status = 'pending'
		ORDER BY requested_at DESC
		LIMIT 1`, instanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewApprovalNotFoundError("instance:" + instanceID)
	}
	return a, err
}

// FindExpiredPending returns pending requests past their deadline.
func (s *PgStore) FindExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.ApprovalRequest, error) {
	query := `SELECT state, version FROM approval_requests
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) query(ctx context.Context, query string, args ...any) ([]*model.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approval requests: %w", err)
	}
	defer rows.Close()

	var result []*model.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func scanApproval(row pgx.Row) (*model.ApprovalRequest, error) {
	var state []byte
	var version int
	if err := row.Scan(&state, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan approval request: %w", err)
	}
	var a model.ApprovalRequest
	if err := json.Unmarshal(state, &a); err != nil {
		return nil, fmt.Errorf("unmarshal approval: %w", err)
	}
	a.Version = version
	return &a, nil
}
