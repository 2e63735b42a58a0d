package cases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/closing/model"
)

const pgUniqueViolation = "23505"

const caseColumns = `id, tenant_id, reference, template_version, completed, flags,
	status, created_by, version, created_at, updated_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL case store. Run Migrate first.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new case and its opening events in one transaction.
func (s *PgStore) Create(ctx context.Context, c model.Case, events []model.CaseEvent) error {
	flagsJSON, err := json.Marshal(nonNilFlags(c.Flags))
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO cases (`+caseColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			c.ID, c.TenantID, c.Reference, c.TemplateVersion, nonNilCodes(c.Completed), flagsJSON,
			c.Status, c.CreatedBy, c.Version, c.CreatedAt, c.UpdatedAt,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return model.NewConflictError(
				fmt.Sprintf("case with reference %q already exists", c.Reference),
			)
		}
		if err != nil {
			return fmt.Errorf("insert case: %w", err)
		}
		return insertEvents(ctx, tx, events)
	})
}

// Get retrieves a case by ID, scoped to tenant.
func (s *PgStore) Get(ctx context.Context, tenantID, caseID string) (model.Case, error) {
	if _, err := uuid.Parse(caseID); err != nil {
		return model.Case{}, notFound(caseID)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+caseColumns+`
		FROM cases
		WHERE id = $1 AND tenant_id = $2`,
		caseID, tenantID,
	)
	c, err := scanCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Case{}, notFound(caseID)
	}
	if err != nil {
		return model.Case{}, fmt.Errorf("query case: %w", err)
	}
	return c, nil
}

// Update persists a case with optimistic locking and appends events in one
// transaction.
func (s *PgStore) Update(ctx context.Context, c model.Case, events []model.CaseEvent) error {
	flagsJSON, err := json.Marshal(nonNilFlags(c.Flags))
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE cases SET
				completed = $1,
				flags = $2,
				status = $3,
				template_version = $4,
				version = $5,
				updated_at = $6
			WHERE id = $7 AND tenant_id = $8 AND version = $9`,
			nonNilCodes(c.Completed), flagsJSON, c.Status, c.TemplateVersion,
			c.Version+1, c.UpdatedAt,
			c.ID, c.TenantID, c.Version,
		)
		if err != nil {
			return fmt.Errorf("update case: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Distinguish a missing case from a stale version.
			var exists bool
			if _, perr := uuid.Parse(c.ID); perr == nil {
				if err := tx.QueryRow(ctx,
					`SELECT EXISTS (SELECT 1 FROM cases WHERE id = $1 AND tenant_id = $2)`,
					c.ID, c.TenantID,
				).Scan(&exists); err != nil {
					return fmt.Errorf("query case: %w", err)
				}
			}
			if !exists {
				return notFound(c.ID)
			}
			return model.NewConflictError(
				fmt.Sprintf("case %q version conflict (expected %d)", c.ID, c.Version),
			)
		}
		return insertEvents(ctx, tx, events)
	})
}

func insertEvents(ctx context.Context, tx pgx.Tx, events []model.CaseEvent) error {
	for _, event := range events {
		var dataJSON []byte
		if event.Data != nil {
			var err error
			if dataJSON, err = json.Marshal(event.Data); err != nil {
				return fmt.Errorf("marshal event data: %w", err)
			}
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO case_events (
				id, case_id, step_code, event, actor_id, data, comment, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			event.ID, event.CaseID, event.StepCode, event.Event,
			event.ActorID, dataJSON, event.Comment, event.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert %s event: %w", event.Event, err)
		}
	}
	return nil
}

// GetEvents returns the audit trail of a case ordered by timestamp.
func (s *PgStore) GetEvents(ctx context.Context, tenantID, caseID string) ([]model.CaseEvent, error) {
	if _, err := s.Get(ctx, tenantID, caseID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, case_id, step_code, event, actor_id, data, comment, created_at
		FROM case_events
		WHERE case_id = $1
		ORDER BY created_at ASC, id ASC`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query case events: %w", err)
	}
	defer rows.Close()

	events := make([]model.CaseEvent, 0)
	for rows.Next() {
		var evt model.CaseEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.CaseID, &evt.StepCode, &evt.Event,
			&evt.ActorID, &dataJSON, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan case event: %w", err)
		}
		if dataJSON != nil {
			if err := json.Unmarshal(dataJSON, &evt.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// List returns the cases of a tenant, newest first.
func (s *PgStore) List(ctx context.Context, tenantID string, filters model.CaseFilters) ([]model.Case, error) {
	query := `SELECT ` + caseColumns + `
	          FROM cases
	          WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.Reference != "" {
		query += fmt.Sprintf(" AND reference = $%d", argIdx)
		args = append(args, filters.Reference)
		argIdx++
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

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	result := make([]model.Case, 0)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanCase(row pgx.Row) (model.Case, error) {
	var c model.Case
	var flagsJSON []byte
	if err := row.Scan(
		&c.ID, &c.TenantID, &c.Reference, &c.TemplateVersion, &c.Completed, &flagsJSON,
		&c.Status, &c.CreatedBy, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return model.Case{}, err
	}
	c.Flags = model.Flags{}
	if len(flagsJSON) > 0 {
		if err := json.Unmarshal(flagsJSON, &c.Flags); err != nil {
			return model.Case{}, fmt.Errorf("unmarshal flags: %w", err)
		}
	}
	c.Completed = nonNilCodes(c.Completed)
	return c, nil
}

func nonNilCodes(codes []string) []string {
	if codes == nil {
		return []string{}
	}
	return codes
}

func nonNilFlags(flags model.Flags) model.Flags {
	if flags == nil {
		return model.Flags{}
	}
	return flags
}
