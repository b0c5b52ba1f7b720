// Package postgres implements the persistence contracts on PostgreSQL via
// the pgx stdlib driver. It is the driver for multi-node deployments: the
// claim query uses FOR UPDATE SKIP LOCKED so any number of workers can poll
// one queue without serializing on each other.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"empirecore/pkg/domain"
)

// sqlOpen is swappable so tests can intercept connection setup.
var sqlOpen = sql.Open

// OverrideSQLOpen replaces the connector and returns a restore func.
func OverrideSQLOpen(fn func(driver, dsn string) (*sql.DB, error)) func() {
	prev := sqlOpen
	sqlOpen = fn
	return func() { sqlOpen = prev }
}

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db    *sql.DB
	retry domain.RetryPolicy
	nowFn func() time.Time
}

var _ domain.Store = (*Store)(nil)

// Option adjusts store construction.
type Option func(*Store)

// WithClock injects the clock used for record timestamps and insert-time
// defaults.
func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) { s.nowFn = nowFn }
}

// WithRetryPolicy overrides the failure backoff schedule.
func WithRetryPolicy(p domain.RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sqlOpen("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	s := &Store{db: db, retry: domain.DefaultRetryPolicy(), nowFn: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS modifier_definitions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	target TEXT NOT NULL,
	sub_target TEXT,
	magnitude DOUBLE PRECISION NOT NULL,
	kind TEXT NOT NULL,
	stacking_group TEXT NOT NULL DEFAULT '',
	stacking_behaviour TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS active_modifiers (
	id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	modifier_id TEXT NOT NULL REFERENCES modifier_definitions(id),
	started_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ,
	source_kind TEXT NOT NULL,
	source_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_active_modifiers_subject ON active_modifiers(subject_id);

CREATE TABLE IF NOT EXISTS modifier_history (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	subject_id TEXT NOT NULL,
	modifier_id TEXT NOT NULL,
	action TEXT NOT NULL,
	magnitude DOUBLE PRECISION NOT NULL,
	source_kind TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_modifier_history_subject ON modifier_history(subject_id);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	payload BYTEA,
	run_at TIMESTAMPTZ NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	timeout_ns BIGINT NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	locked_by TEXT NOT NULL DEFAULT '',
	locked_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_pending ON jobs(priority DESC, run_at ASC) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_jobs_in_progress ON jobs(locked_at) WHERE status = 'in_progress';

CREATE TABLE IF NOT EXISTS resource_balances (
	subject_id TEXT NOT NULL,
	resource TEXT NOT NULL,
	stored DOUBLE PRECISION NOT NULL DEFAULT 0,
	storage_cap DOUBLE PRECISION NOT NULL,
	accumulated DOUBLE PRECISION NOT NULL DEFAULT 0,
	accumulator_cap DOUBLE PRECISION NOT NULL,
	base_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (subject_id, resource)
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// wrapErr tags connectivity failures as transient.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if errors.Is(err, sql.ErrConnDone) ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") {
		return domain.Transient(fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

// --- modifiers ---

func (s *Store) PutDefinition(ctx context.Context, def domain.ModifierDefinition) (domain.ModifierDefinition, error) {
	if err := def.Validate(); err != nil {
		return domain.ModifierDefinition{}, err
	}
	now := s.nowFn()
	if def.ID == "" {
		var existing string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM modifier_definitions WHERE name = $1`, def.Name).Scan(&existing)
		switch {
		case err == nil:
			def.ID = existing
		case errors.Is(err, sql.ErrNoRows):
			def.ID = uuid.NewString()
		default:
			return domain.ModifierDefinition{}, wrapErr("postgres: resolve definition name", err)
		}
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	var subTarget *string
	if def.SubTarget != nil {
		v := string(*def.SubTarget)
		subTarget = &v
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO modifier_definitions
	(id, name, description, target, sub_target, magnitude, kind, stacking_group, stacking_behaviour, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	description = EXCLUDED.description,
	target = EXCLUDED.target,
	sub_target = EXCLUDED.sub_target,
	magnitude = EXCLUDED.magnitude,
	kind = EXCLUDED.kind,
	stacking_group = EXCLUDED.stacking_group,
	stacking_behaviour = EXCLUDED.stacking_behaviour,
	updated_at = EXCLUDED.updated_at`,
		def.ID, def.Name, def.Description, string(def.Target), subTarget, def.Magnitude,
		string(def.Kind), def.Group, string(def.Behaviour), def.CreatedAt, def.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "modifier_definitions_name_key") {
			return domain.ModifierDefinition{}, domain.ErrDuplicateName
		}
		return domain.ModifierDefinition{}, wrapErr("postgres: put definition", err)
	}
	return def, nil
}

const definitionColumns = `id, name, description, target, sub_target, magnitude, kind, stacking_group, stacking_behaviour, created_at, updated_at`

func scanDefinition(row interface{ Scan(...any) error }) (domain.ModifierDefinition, error) {
	var (
		def       domain.ModifierDefinition
		subTarget sql.NullString
		target    string
		kind      string
		behaviour string
	)
	err := row.Scan(&def.ID, &def.Name, &def.Description, &target, &subTarget, &def.Magnitude,
		&kind, &def.Group, &behaviour, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return domain.ModifierDefinition{}, err
	}
	def.Target = domain.ModifierTarget(target)
	def.Kind = domain.ModifierKind(kind)
	def.Behaviour = domain.StackingBehaviour(behaviour)
	if subTarget.Valid {
		res := domain.ResourceType(subTarget.String)
		def.SubTarget = &res
	}
	return def, nil
}

func (s *Store) GetDefinition(ctx context.Context, id string) (domain.ModifierDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM modifier_definitions WHERE id = $1`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ModifierDefinition{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ModifierDefinition{}, wrapErr("postgres: get definition", err)
	}
	return def, nil
}

func (s *Store) GetDefinitionByName(ctx context.Context, name string) (domain.ModifierDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM modifier_definitions WHERE name = $1`, name)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ModifierDefinition{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ModifierDefinition{}, wrapErr("postgres: get definition by name", err)
	}
	return def, nil
}

func (s *Store) ListDefinitions(ctx context.Context) ([]domain.ModifierDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+definitionColumns+` FROM modifier_definitions ORDER BY id`)
	if err != nil {
		return nil, wrapErr("postgres: list definitions", err)
	}
	defer rows.Close()
	var out []domain.ModifierDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, wrapErr("postgres: scan definition", err)
		}
		out = append(out, def)
	}
	return out, wrapErr("postgres: list definitions", rows.Err())
}

func (s *Store) ApplyModifier(ctx context.Context, mod domain.ActiveModifier) (domain.ActiveModifier, error) {
	if err := mod.Validate(); err != nil {
		return domain.ActiveModifier{}, err
	}
	now := s.nowFn()
	if mod.ID == "" {
		mod.ID = uuid.NewString()
	}
	if mod.CreatedAt.IsZero() {
		mod.CreatedAt = now
	}
	mod.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActiveModifier{}, wrapErr("postgres: begin apply", err)
	}
	defer tx.Rollback()

	var magnitude float64
	err = tx.QueryRowContext(ctx,
		`SELECT magnitude FROM modifier_definitions WHERE id = $1`, mod.ModifierID).Scan(&magnitude)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ActiveModifier{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ActiveModifier{}, wrapErr("postgres: resolve definition", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO active_modifiers
	(id, subject_id, modifier_id, started_at, expires_at, source_kind, source_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		mod.ID, mod.SubjectID, mod.ModifierID, mod.StartedAt, mod.ExpiresAt,
		string(mod.Source), mod.SourceID, mod.CreatedAt, mod.UpdatedAt)
	if err != nil {
		return domain.ActiveModifier{}, wrapErr("postgres: insert active modifier", err)
	}
	if err := insertEvent(ctx, tx, mod, magnitude, domain.ActionApplied, now); err != nil {
		return domain.ActiveModifier{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ActiveModifier{}, wrapErr("postgres: commit apply", err)
	}
	return mod, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, tx execer, mod domain.ActiveModifier, magnitude float64, action domain.ModifierAction, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO modifier_history (id, subject_id, modifier_id, action, magnitude, source_kind, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), mod.SubjectID, mod.ModifierID, string(action), magnitude,
		string(mod.Source), now)
	return wrapErr("postgres: insert history event", err)
}

const activeColumns = `id, subject_id, modifier_id, started_at, expires_at, source_kind, source_id, created_at, updated_at`

func scanActive(row interface{ Scan(...any) error }) (domain.ActiveModifier, error) {
	var (
		mod      domain.ActiveModifier
		expires  sql.NullTime
		source   string
		sourceID sql.NullString
	)
	err := row.Scan(&mod.ID, &mod.SubjectID, &mod.ModifierID, &mod.StartedAt, &expires,
		&source, &sourceID, &mod.CreatedAt, &mod.UpdatedAt)
	if err != nil {
		return domain.ActiveModifier{}, err
	}
	if expires.Valid {
		t := expires.Time
		mod.ExpiresAt = &t
	}
	mod.Source = domain.SourceKind(source)
	if sourceID.Valid {
		v := sourceID.String
		mod.SourceID = &v
	}
	return mod, nil
}

func (s *Store) RemoveModifier(ctx context.Context, id string, action domain.ModifierAction, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("postgres: begin remove", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`DELETE FROM active_modifiers WHERE id = $1 RETURNING `+activeColumns, id)
	mod, err := scanActive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return wrapErr("postgres: delete active modifier", err)
	}
	var magnitude float64
	if err := tx.QueryRowContext(ctx,
		`SELECT magnitude FROM modifier_definitions WHERE id = $1`, mod.ModifierID).Scan(&magnitude); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return wrapErr("postgres: resolve definition", err)
	}
	if err := insertEvent(ctx, tx, mod, magnitude, action, now); err != nil {
		return err
	}
	return wrapErr("postgres: commit remove", tx.Commit())
}

func (s *Store) ListActiveModifiers(ctx context.Context, subjectID string) ([]domain.ActiveModifier, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+activeColumns+` FROM active_modifiers WHERE subject_id = $1 ORDER BY id`, subjectID)
	if err != nil {
		return nil, wrapErr("postgres: list active modifiers", err)
	}
	defer rows.Close()
	var out []domain.ActiveModifier
	for rows.Next() {
		mod, err := scanActive(rows)
		if err != nil {
			return nil, wrapErr("postgres: scan active modifier", err)
		}
		out = append(out, mod)
	}
	return out, wrapErr("postgres: list active modifiers", rows.Err())
}

func (s *Store) SweepExpired(ctx context.Context, subjectID string, now time.Time) ([]domain.ActiveModifier, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("postgres: begin sweep", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
DELETE FROM active_modifiers
WHERE subject_id = $1 AND expires_at IS NOT NULL AND expires_at <= $2
RETURNING `+activeColumns, subjectID, now)
	if err != nil {
		return nil, wrapErr("postgres: delete expired", err)
	}
	var expired []domain.ActiveModifier
	for rows.Next() {
		mod, err := scanActive(rows)
		if err != nil {
			rows.Close()
			return nil, wrapErr("postgres: scan expired", err)
		}
		expired = append(expired, mod)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, wrapErr("postgres: delete expired", err)
	}
	rows.Close()

	for _, mod := range expired {
		var magnitude float64
		if err := tx.QueryRowContext(ctx,
			`SELECT magnitude FROM modifier_definitions WHERE id = $1`, mod.ModifierID).Scan(&magnitude); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, wrapErr("postgres: resolve definition", err)
		}
		if err := insertEvent(ctx, tx, mod, magnitude, domain.ActionExpired, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapErr("postgres: commit sweep", err)
	}
	return expired, nil
}

func (s *Store) History(ctx context.Context, subjectID string) ([]domain.ModifierEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, subject_id, modifier_id, action, magnitude, source_kind, occurred_at
FROM modifier_history WHERE subject_id = $1 ORDER BY seq`, subjectID)
	if err != nil {
		return nil, wrapErr("postgres: history", err)
	}
	defer rows.Close()
	var out []domain.ModifierEvent
	for rows.Next() {
		var (
			ev     domain.ModifierEvent
			action string
			source string
		)
		if err := rows.Scan(&ev.ID, &ev.SubjectID, &ev.ModifierID, &action, &ev.Magnitude, &source, &ev.OccurredAt); err != nil {
			return nil, wrapErr("postgres: scan history", err)
		}
		ev.Action = domain.ModifierAction(action)
		ev.Source = domain.SourceKind(source)
		out = append(out, ev)
	}
	return out, wrapErr("postgres: history", rows.Err())
}
