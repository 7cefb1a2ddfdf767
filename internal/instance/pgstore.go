package instance

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

const openEntityIndex = "pipeline_instances_open_entity_idx"

// PgStore is a PostgreSQL-backed Store using pgx/v5. The full instance is
// kept in a JSONB state column; the columns used for lookups are
// duplicated alongside it.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL instance store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new instance.
func (s *PgStore) Create(ctx context.Context, inst *model.PipelineInstance) error {
	state, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_instances (
			id, pipeline_id, pipeline_version, entity_id, line_of_business,
			status, waiting_until, state, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inst.ID, inst.PipelineID, inst.PipelineVersion, inst.EntityID, inst.LineOfBusiness,
		inst.Status, inst.WaitingUntil, state, inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if storage.IsUniqueViolation(err, openEntityIndex) {
		return model.NewConflictError(fmt.Sprintf("entity %q already has an active instance", inst.EntityID))
	}
	if storage.IsUniqueViolation(err, "") {
		return model.NewConflictError(fmt.Sprintf("instance %q already exists", inst.ID))
	}
	if err != nil {
		return fmt.Errorf("insert pipeline instance: %w", err)
	}
	return nil
}

// Get retrieves an instance by id.
func (s *PgStore) Get(ctx context.Context, id string) (*model.PipelineInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx,
		`SELECT state, version FROM pipeline_instances WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewInstanceNotFoundError(id)
	}
	return inst, err
}

// Replace persists an updated instance with optimistic locking.
func (s *PgStore) Replace(ctx context.Context, inst *model.PipelineInstance) error {
	next := inst.Clone()
	next.Version = inst.Version + 1
	state, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_instances SET
			status = $1,
			waiting_until = $2,
			state = $3,
			version = $4,
			updated_at = $5
		WHERE id = $6 AND version = $7`,
		next.Status, next.WaitingUntil, state, next.Version, next.UpdatedAt,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update pipeline instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pipeline_instances WHERE id = $1)`, inst.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check pipeline instance: %w", err)
		}
		if !exists {
			return model.NewInstanceNotFoundError(inst.ID)
		}
		return model.NewVersionConflictError("instance", inst.ID, inst.Version)
	}
	inst.Version = next.Version
	return nil
}

// FindActiveByEntity returns the entity's non-terminal instance.
func (s *PgStore) FindActiveByEntity(ctx context.Context, entityID string) (*model.PipelineInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `
		SELECT state, version FROM pipeline_instances
		WHERE entity_id = $1 AND status IN ('active', 'waiting_approval', 'waiting_event')`,
		entityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewInstanceNotFoundError("entity:" + entityID)
	}
	return inst, err
}

// List returns instances matching filters, newest first.
func (s *PgStore) List(ctx context.Context, filters model.InstanceFilters) ([]*model.PipelineInstance, error) {
	query := `SELECT state, version FROM pipeline_instances WHERE 1 = 1`
	var args []any
	argIdx := 1

	add := func(clause string, v any) {
		query += fmt.Sprintf(" AND "+clause, argIdx)
		args = append(args, v)
		argIdx++
	}

	if filters.PipelineID != "" {
		add("pipeline_id = $%d", filters.PipelineID)
	}
	if filters.EntityID != "" {
		add("entity_id = $%d", filters.EntityID)
	}
	if filters.LineOfBusiness != "" {
		add("line_of_business = $%d", filters.LineOfBusiness)
	}
	if filters.Status != "" {
		add("status = $%d", filters.Status)
	}
	if filters.NonTerminal {
		query += " AND status IN ('active', 'waiting_approval', 'waiting_event')"
	}

	query += " ORDER BY created_at DESC, id ASC"

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

// FindWaitingExpired returns waiting instances past their deadline.
func (s *PgStore) FindWaitingExpired(ctx context.Context, cutoff time.Time, limit int) ([]*model.PipelineInstance, error) {
	query := `SELECT state, version FROM pipeline_instances
		WHERE status = 'waiting_event' AND waiting_until IS NOT NULL AND waiting_until <= $1
		ORDER BY waiting_until ASC`
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

func (s *PgStore) query(ctx context.Context, query string, args ...any) ([]*model.PipelineInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pipeline instances: %w", err)
	}
	defer rows.Close()

	var result []*model.PipelineInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

func scanInstance(row pgx.Row) (*model.PipelineInstance, error) {
	var state []byte
	var version int
	if err := row.Scan(&state, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan pipeline instance: %w", err)
	}
	var inst model.PipelineInstance
	if err := json.Unmarshal(state, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal instance: %w", err)
	}
	inst.Version = version
	return &inst, nil
}
