package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/leadflow/internal/storage"
	"github.com/pitabwire/leadflow/model"
)

const definitionColumns = `id, version, name, description, line_of_business, business_type,
	organization_id, status, is_default, steps, entry_step_id, created_by, updated_by,
	created_at, updated_at, activated_at`

// PgStore is a PostgreSQL-backed DefinitionStore using pgx/v5. Each version
// is one row keyed by (id, version).
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL definition store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts version 1 of a new definition.
func (s *PgStore) Create(ctx context.Context, def *model.PipelineDefinition) error {
	err := s.insert(ctx, def)
	if storage.IsUniqueViolation(err, "") {
		return model.NewConflictError(fmt.Sprintf("pipeline %q already exists", def.ID))
	}
	return err
}

// Append inserts the next version. The primary key rejects a concurrent
// writer that appended the same version first.
func (s *PgStore) Append(ctx context.Context, def *model.PipelineDefinition) error {
	var latest int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM pipeline_definitions WHERE id = $1`, def.ID,
	).Scan(&latest)
	if err != nil {
		return fmt.Errorf("query latest pipeline version: %w", err)
	}
	if latest == 0 {
		return model.NewPipelineNotFoundError(def.ID)
	}
	if def.Version != latest+1 {
		return model.NewVersionConflictError("pipeline", def.ID, def.Version-1)
	}

	err = s.insert(ctx, def)
	if storage.IsUniqueViolation(err, "") {
		return model.NewVersionConflictError("pipeline", def.ID, def.Version-1)
	}
	return err
}

func (s *PgStore) insert(ctx context.Context, def *model.PipelineDefinition) error {
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_definitions (`+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		def.ID, def.Version, def.Name, def.Description, def.LineOfBusiness, def.BusinessType,
		def.OrganizationID, def.Status, def.IsDefault, stepsJSON, def.EntryStepID, def.CreatedBy, def.UpdatedBy,
		def.CreatedAt, def.UpdatedAt, def.ActivatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pipeline definition: %w", err)
	}
	return nil
}

// Get returns the latest non-deprecated version.
func (s *PgStore) Get(ctx context.Context, id string) (*model.PipelineDefinition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+definitionColumns+`
		FROM pipeline_definitions
		WHERE id = $1
		ORDER BY version DESC
		LIMIT 1`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewPipelineNotFoundError(id)
	}
	if err != nil {
		return nil, err
	}
	if def.Status == model.PipelineDeprecated {
		return nil, model.NewPipelineNotFoundError(id)
	}
	return def, nil
}

// GetVersion returns a specific snapshot.
func (s *PgStore) GetVersion(ctx context.Context, id string, version int) (*model.PipelineDefinition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+definitionColumns+`
		FROM pipeline_definitions
		WHERE id = $1 AND version = $2`, id, version)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("pipeline %q version %d not found", id, version))
	}
	return def, err
}

// Versions returns all snapshots of a definition.
func (s *PgStore) Versions(ctx context.Context, id string) ([]*model.PipelineDefinition, error) {
	defs, err := s.query(ctx, `
		SELECT `+definitionColumns+`
		FROM pipeline_definitions
		WHERE id = $1
		ORDER BY version ASC`, id)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, model.NewPipelineNotFoundError(id)
	}
	return defs, nil
}

// List returns the latest version of each matching definition.
func (s *PgStore) List(ctx context.Context, filters model.PipelineFilters) ([]*model.PipelineDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM (
		SELECT DISTINCT ON (id) ` + definitionColumns + `
		FROM pipeline_definitions
		ORDER BY id, version DESC
	) latest WHERE 1 = 1`
	var args []any
	argIdx := 1

	add := func(clause string, v any) {
		query += fmt.Sprintf(" AND "+clause, argIdx)
		args = append(args, v)
		argIdx++
	}

	if filters.Status != "" {
		add("status = $%d", filters.Status)
	} else if !filters.IncludeDeprecated {
		add("status <> $%d", model.PipelineDeprecated)
	}
	if filters.LineOfBusiness != "" {
		add("line_of_business = $%d", filters.LineOfBusiness)
	}
	if filters.BusinessType != "" {
		add("business_type = $%d", filters.BusinessType)
	}
	if filters.OrganizationID != "" {
		add("organization_id = $%d", filters.OrganizationID)
	}
	if filters.IsDefault != nil {
		add("is_default = $%d", *filters.IsDefault)
	}

	query += " ORDER BY updated_at DESC, id ASC"

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

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) query(ctx context.Context, query string, args ...any) ([]*model.PipelineDefinition, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pipeline definitions: %w", err)
	}
	defer rows.Close()

	var defs []*model.PipelineDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func scanDefinition(row pgx.Row) (*model.PipelineDefinition, error) {
	var def model.PipelineDefinition
	var stepsJSON []byte
	err := row.Scan(
		&def.ID, &def.Version, &def.Name, &def.Description, &def.LineOfBusiness, &def.BusinessType,
		&def.OrganizationID, &def.Status, &def.IsDefault, &stepsJSON, &def.EntryStepID, &def.CreatedBy, &def.UpdatedBy,
		&def.CreatedAt, &def.UpdatedAt, &def.ActivatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan pipeline definition: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return &def, nil
}
