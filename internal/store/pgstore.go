package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/peerflow/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLSTATE codes that mean the transaction lost a race and may be redone.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

const instanceColumns = `id, workflow_type, state, version, hr_rep, reviewer, subject, created_at, updated_at`

const childColumns = `id, parent_id, state, assignee, guest_token, token_expires_at, content_hash, version, created_at, updated_at`

const eventColumns = `id, instance_id, workflow_type, child_id, kind, from_state, to_state, actor_id, actor_kind, derived, created_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies the embedded schema migrations that have not run yet.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (name, applied_at) VALUES ($1, $2)`,
				name, time.Now().UTC(),
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Begin opens a database transaction.
func (s *PgStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapPgError(fmt.Errorf("begin transaction: %w", err))
	}
	return &pgTx{tx: tx}, nil
}

// GetInstance retrieves a workflow instance.
func (s *PgStore) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id)
	return scanInstance(row, id)
}

// GetChild retrieves a feedback assignment.
func (s *PgStore) GetChild(ctx context.Context, id string) (model.ChildRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+childColumns+` FROM feedback_assignments WHERE id = $1`, id)
	return scanChild(row, id)
}

// ListChildren returns the assignments of an instance.
func (s *PgStore) ListChildren(ctx context.Context, parentID string) ([]model.ChildRecord, error) {
	return queryChildren(ctx, s.pool, `
		SELECT `+childColumns+` FROM feedback_assignments
		WHERE parent_id = $1
		ORDER BY created_at ASC, id ASC`, parentID)
}

// FindChildByToken returns every assignment carrying token.
func (s *PgStore) FindChildByToken(ctx context.Context, token string) ([]model.ChildRecord, error) {
	if token == "" {
		return nil, nil
	}
	return queryChildren(ctx, s.pool, `
		SELECT `+childColumns+` FROM feedback_assignments
		WHERE guest_token = $1
		ORDER BY created_at ASC, id ASC`, token)
}

// Events returns the history of an instance, oldest first.
func (s *PgStore) Events(ctx context.Context, instanceID string) ([]model.TransitionEvent, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM transition_events
		WHERE instance_id = $1
		ORDER BY seq ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query transition events: %w", err)
	}
	defer rows.Close()

	var events []model.TransitionEvent
	for rows.Next() {
		var ev model.TransitionEvent
		if err := rows.Scan(
			&ev.ID, &ev.InstanceID, &ev.WorkflowType, &ev.ChildID, &ev.Kind,
			&ev.From, &ev.To, &ev.ActorID, &ev.ActorKind, &ev.Derived, &ev.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan transition event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CreateInstance inserts a new workflow instance at version 1.
func (s *PgStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, 1, $4, $5, $6, $7, $8)`,
		inst.ID, inst.Type, inst.State, inst.HRRep, inst.Reviewer, inst.Subject,
		inst.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// CreateChild inserts a new assignment at version 1.
func (s *PgStore) CreateChild(ctx context.Context, child model.ChildRecord) error {
	now := time.Now().UTC()
	if child.CreatedAt.IsZero() {
		child.CreatedAt = now
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feedback_assignments (`+childColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)`,
		child.ID, child.ParentID, child.State, child.Assignee, nullString(child.GuestToken),
		child.TokenExpiresAt, child.ContentHash, child.CreatedAt, now,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return instanceNotFound(child.ParentID)
	}
	if err != nil {
		return fmt.Errorf("insert feedback assignment: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PgStore) Close() {
	s.pool.Close()
}

// pgTx wraps a pgx transaction. Loads take row locks with FOR UPDATE so
// concurrent attempts on the same instance serialize on the instance row.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LoadInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1 FOR UPDATE`, id)
	inst, err := scanInstance(row, id)
	return inst, mapPgError(err)
}

func (t *pgTx) SaveInstance(ctx context.Context, inst *model.WorkflowInstance) error {
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_instances SET
			state = $1,
			hr_rep = $2,
			reviewer = $3,
			subject = $4,
			version = $5,
			updated_at = $6
		WHERE id = $7 AND version = $8`,
		inst.State, inst.HRRep, inst.Reviewer, inst.Subject, inst.Version+1, now,
		inst.ID, inst.Version,
	)
	if err != nil {
		return mapPgError(fmt.Errorf("update workflow instance: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return instanceConflict(inst.ID, inst.Version)
	}
	inst.Version++
	inst.UpdatedAt = now
	return nil
}

func (t *pgTx) LoadChild(ctx context.Context, id string) (model.ChildRecord, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+childColumns+` FROM feedback_assignments WHERE id = $1 FOR UPDATE`, id)
	child, err := scanChild(row, id)
	return child, mapPgError(err)
}

func (t *pgTx) SaveChild(ctx context.Context, child *model.ChildRecord) error {
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE feedback_assignments SET
			state = $1,
			assignee = $2,
			content_hash = $3,
			version = $4,
			updated_at = $5
		WHERE id = $6 AND version = $7`,
		child.State, child.Assignee, child.ContentHash, child.Version+1, now,
		child.ID, child.Version,
	)
	if err != nil {
		return mapPgError(fmt.Errorf("update feedback assignment: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return childConflict(child.ID, child.Version)
	}
	child.Version++
	child.UpdatedAt = now
	return nil
}

func (t *pgTx) ListChildren(ctx context.Context, parentID string) ([]model.ChildRecord, error) {
	children, err := queryChildren(ctx, t.tx, `
		SELECT `+childColumns+` FROM feedback_assignments
		WHERE parent_id = $1
		ORDER BY created_at ASC, id ASC`, parentID)
	return children, mapPgError(err)
}

func (t *pgTx) AppendEvent(ctx context.Context, ev model.TransitionEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transition_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.InstanceID, ev.WorkflowType, ev.ChildID, ev.Kind,
		ev.From, ev.To, ev.ActorID, ev.ActorKind, ev.Derived, ev.Timestamp,
	)
	if err != nil {
		return mapPgError(fmt.Errorf("insert transition event: %w", err))
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryChildren(ctx context.Context, q querier, sql string, args ...any) ([]model.ChildRecord, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query feedback assignments: %w", err)
	}
	defer rows.Close()

	var children []model.ChildRecord
	for rows.Next() {
		c, err := scanChild(rows, "")
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	return children, rows.Err()
}

func scanInstance(row pgx.Row, id string) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	err := row.Scan(
		&inst.ID, &inst.Type, &inst.State, &inst.Version,
		&inst.HRRep, &inst.Reviewer, &inst.Subject,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, instanceNotFound(id)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("scan workflow instance: %w", err)
	}
	return inst, nil
}

func scanChild(row pgx.Row, id string) (model.ChildRecord, error) {
	var c model.ChildRecord
	var token *string
	err := row.Scan(
		&c.ID, &c.ParentID, &c.State, &c.Assignee, &token, &c.TokenExpiresAt,
		&c.ContentHash, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ChildRecord{}, childNotFound(id)
	}
	if err != nil {
		return model.ChildRecord{}, fmt.Errorf("scan feedback assignment: %w", err)
	}
	if token != nil {
		c.GuestToken = *token
	}
	return c, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// mapPgError turns serialization failures and deadlocks into
// CONFLICT_RETRYABLE. Other errors pass through unchanged.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected:
			return model.NewConflictRetryableError(pgErr.Message)
		}
	}
	return err
}
