// Package sqlite implements the persistence contracts on an embedded
// SQLite database. It suits single-node deployments; the database file is
// the unit of durability.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"empirecore/pkg/domain"
)

// Store wraps a *sql.DB opened on a SQLite file. SQLite serializes writers,
// so every mutating statement is atomic on its own; multi-statement
// operations run in IMMEDIATE transactions.
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

// Open creates or opens the database at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY churn under concurrent claims.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, retry: domain.DefaultRetryPolicy(), nowFn: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS modifier_definitions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	target TEXT NOT NULL,
	sub_target TEXT,
	magnitude REAL NOT NULL,
	kind TEXT NOT NULL,
	stacking_group TEXT NOT NULL DEFAULT '',
	stacking_behaviour TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS active_modifiers (
	id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	modifier_id TEXT NOT NULL REFERENCES modifier_definitions(id),
	started_at INTEGER NOT NULL,
	expires_at INTEGER,
	source_kind TEXT NOT NULL,
	source_id TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_active_modifiers_subject ON active_modifiers(subject_id);

CREATE TABLE IF NOT EXISTS modifier_history (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	subject_id TEXT NOT NULL,
	modifier_id TEXT NOT NULL,
	action TEXT NOT NULL,
	magnitude REAL NOT NULL,
	source_kind TEXT NOT NULL,
	occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_modifier_history_subject ON modifier_history(subject_id);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	payload BLOB,
	run_at INTEGER NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	timeout_ns INTEGER NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	locked_by TEXT NOT NULL DEFAULT '',
	locked_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_pending ON jobs(priority DESC, run_at ASC) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_jobs_in_progress ON jobs(locked_at) WHERE status = 'in_progress';

CREATE TABLE IF NOT EXISTS resource_balances (
	subject_id TEXT NOT NULL,
	resource TEXT NOT NULL,
	stored REAL NOT NULL DEFAULT 0,
	storage_cap REAL NOT NULL,
	accumulated REAL NOT NULL DEFAULT 0,
	accumulator_cap REAL NOT NULL,
	base_rate REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (subject_id, resource)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Times are stored as unix nanoseconds so that lease arithmetic stays in
// SQL. Zero represents the zero time only for non-null columns that never
// hold it.
func toNS(t time.Time) int64 { return t.UnixNano() }

func fromNS(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func toNullNS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNS(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := fromNS(ns.Int64)
	return &t
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// wrapErr tags connectivity-shaped failures as transient so the dispatcher
// applies its bounded local retry.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
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
			`SELECT id FROM modifier_definitions WHERE name = ?`, def.Name).Scan(&existing)
		switch {
		case err == nil:
			def.ID = existing
		case errors.Is(err, sql.ErrNoRows):
			def.ID = uuid.NewString()
		default:
			return domain.ModifierDefinition{}, wrapErr("sqlite: resolve definition name", err)
		}
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	var subTarget sql.NullString
	if def.SubTarget != nil {
		subTarget = sql.NullString{String: string(*def.SubTarget), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO modifier_definitions
	(id, name, description, target, sub_target, magnitude, kind, stacking_group, stacking_behaviour, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	description = excluded.description,
	target = excluded.target,
	sub_target = excluded.sub_target,
	magnitude = excluded.magnitude,
	kind = excluded.kind,
	stacking_group = excluded.stacking_group,
	stacking_behaviour = excluded.stacking_behaviour,
	updated_at = excluded.updated_at`,
		def.ID, def.Name, def.Description, string(def.Target), subTarget, def.Magnitude,
		string(def.Kind), def.Group, string(def.Behaviour), toNS(def.CreatedAt), toNS(def.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: modifier_definitions.name") {
			return domain.ModifierDefinition{}, domain.ErrDuplicateName
		}
		return domain.ModifierDefinition{}, wrapErr("sqlite: put definition", err)
	}
	return def, nil
}

const definitionColumns = `id, name, description, target, sub_target, magnitude, kind, stacking_group, stacking_behaviour, created_at, updated_at`

func scanDefinition(row interface{ Scan(...any) error }) (domain.ModifierDefinition, error) {
	var (
		def       domain.ModifierDefinition
		subTarget sql.NullString
		createdNS int64
		updatedNS int64
		target    string
		kind      string
		behaviour string
	)
	err := row.Scan(&def.ID, &def.Name, &def.Description, &target, &subTarget, &def.Magnitude,
		&kind, &def.Group, &behaviour, &createdNS, &updatedNS)
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
	def.CreatedAt = fromNS(createdNS)
	def.UpdatedAt = fromNS(updatedNS)
	return def, nil
}

func (s *Store) GetDefinition(ctx context.Context, id string) (domain.ModifierDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM modifier_definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ModifierDefinition{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ModifierDefinition{}, wrapErr("sqlite: get definition", err)
	}
	return def, nil
}

func (s *Store) GetDefinitionByName(ctx context.Context, name string) (domain.ModifierDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM modifier_definitions WHERE name = ?`, name)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ModifierDefinition{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ModifierDefinition{}, wrapErr("sqlite: get definition by name", err)
	}
	return def, nil
}

func (s *Store) ListDefinitions(ctx context.Context) ([]domain.ModifierDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+definitionColumns+` FROM modifier_definitions ORDER BY id`)
	if err != nil {
		return nil, wrapErr("sqlite: list definitions", err)
	}
	defer rows.Close()
	var out []domain.ModifierDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, wrapErr("sqlite: scan definition", err)
		}
		out = append(out, def)
	}
	return out, wrapErr("sqlite: list definitions", rows.Err())
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
		return domain.ActiveModifier{}, wrapErr("sqlite: begin apply", err)
	}
	defer tx.Rollback()

	var magnitude float64
	err = tx.QueryRowContext(ctx,
		`SELECT magnitude FROM modifier_definitions WHERE id = ?`, mod.ModifierID).Scan(&magnitude)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ActiveModifier{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ActiveModifier{}, wrapErr("sqlite: resolve definition", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO active_modifiers
	(id, subject_id, modifier_id, started_at, expires_at, source_kind, source_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mod.ID, mod.SubjectID, mod.ModifierID, toNS(mod.StartedAt), toNullNS(mod.ExpiresAt),
		string(mod.Source), toNullString(mod.SourceID), toNS(mod.CreatedAt), toNS(mod.UpdatedAt))
	if err != nil {
		return domain.ActiveModifier{}, wrapErr("sqlite: insert active modifier", err)
	}
	if err := insertEvent(ctx, tx, mod, magnitude, domain.ActionApplied, now); err != nil {
		return domain.ActiveModifier{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ActiveModifier{}, wrapErr("sqlite: commit apply", err)
	}
	return mod, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, tx execer, mod domain.ActiveModifier, magnitude float64, action domain.ModifierAction, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO modifier_history (id, subject_id, modifier_id, action, magnitude, source_kind, occurred_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), mod.SubjectID, mod.ModifierID, string(action), magnitude,
		string(mod.Source), toNS(now))
	return wrapErr("sqlite: insert history event", err)
}

const activeColumns = `id, subject_id, modifier_id, started_at, expires_at, source_kind, source_id, created_at, updated_at`

func scanActive(row interface{ Scan(...any) error }) (domain.ActiveModifier, error) {
	var (
		mod       domain.ActiveModifier
		startedNS int64
		expiresNS sql.NullInt64
		source    string
		sourceID  sql.NullString
		createdNS int64
		updatedNS int64
	)
	err := row.Scan(&mod.ID, &mod.SubjectID, &mod.ModifierID, &startedNS, &expiresNS,
		&source, &sourceID, &createdNS, &updatedNS)
	if err != nil {
		return domain.ActiveModifier{}, err
	}
	mod.StartedAt = fromNS(startedNS)
	mod.ExpiresAt = fromNullNS(expiresNS)
	mod.Source = domain.SourceKind(source)
	mod.SourceID = fromNullString(sourceID)
	mod.CreatedAt = fromNS(createdNS)
	mod.UpdatedAt = fromNS(updatedNS)
	return mod, nil
}

func (s *Store) RemoveModifier(ctx context.Context, id string, action domain.ModifierAction, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("sqlite: begin remove", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+activeColumns+` FROM active_modifiers WHERE id = ?`, id)
	mod, err := scanActive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return wrapErr("sqlite: load active modifier", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM active_modifiers WHERE id = ?`, id); err != nil {
		return wrapErr("sqlite: delete active modifier", err)
	}
	var magnitude float64
	if err := tx.QueryRowContext(ctx,
		`SELECT magnitude FROM modifier_definitions WHERE id = ?`, mod.ModifierID).Scan(&magnitude); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return wrapErr("sqlite: resolve definition", err)
	}
	if err := insertEvent(ctx, tx, mod, magnitude, action, now); err != nil {
		return err
	}
	return wrapErr("sqlite: commit remove", tx.Commit())
}

func (s *Store) ListActiveModifiers(ctx context.Context, subjectID string) ([]domain.ActiveModifier, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+activeColumns+` FROM active_modifiers WHERE subject_id = ? ORDER BY id`, subjectID)
	if err != nil {
		return nil, wrapErr("sqlite: list active modifiers", err)
	}
	defer rows.Close()
	var out []domain.ActiveModifier
	for rows.Next() {
		mod, err := scanActive(rows)
		if err != nil {
			return nil, wrapErr("sqlite: scan active modifier", err)
		}
		out = append(out, mod)
	}
	return out, wrapErr("sqlite: list active modifiers", rows.Err())
}

func (s *Store) SweepExpired(ctx context.Context, subjectID string, now time.Time) ([]domain.ActiveModifier, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("sqlite: begin sweep", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT `+activeColumns+` FROM active_modifiers
WHERE subject_id = ? AND expires_at IS NOT NULL AND expires_at <= ?
ORDER BY id`, subjectID, toNS(now))
	if err != nil {
		return nil, wrapErr("sqlite: select expired", err)
	}
	var expired []domain.ActiveModifier
	for rows.Next() {
		mod, err := scanActive(rows)
		if err != nil {
			rows.Close()
			return nil, wrapErr("sqlite: scan expired", err)
		}
		expired = append(expired, mod)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, wrapErr("sqlite: select expired", err)
	}
	rows.Close()

	for _, mod := range expired {
		if _, err := tx.ExecContext(ctx, `DELETE FROM active_modifiers WHERE id = ?`, mod.ID); err != nil {
			return nil, wrapErr("sqlite: delete expired", err)
		}
		var magnitude float64
		if err := tx.QueryRowContext(ctx,
			`SELECT magnitude FROM modifier_definitions WHERE id = ?`, mod.ModifierID).Scan(&magnitude); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, wrapErr("sqlite: resolve definition", err)
		}
		if err := insertEvent(ctx, tx, mod, magnitude, domain.ActionExpired, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapErr("sqlite: commit sweep", err)
	}
	return expired, nil
}

func (s *Store) History(ctx context.Context, subjectID string) ([]domain.ModifierEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, subject_id, modifier_id, action, magnitude, source_kind, occurred_at
FROM modifier_history WHERE subject_id = ? ORDER BY seq`, subjectID)
	if err != nil {
		return nil, wrapErr("sqlite: history", err)
	}
	defer rows.Close()
	var out []domain.ModifierEvent
	for rows.Next() {
		var (
			ev         domain.ModifierEvent
			action     string
			source     string
			occurredNS int64
		)
		if err := rows.Scan(&ev.ID, &ev.SubjectID, &ev.ModifierID, &action, &ev.Magnitude, &source, &occurredNS); err != nil {
			return nil, wrapErr("sqlite: scan history", err)
		}
		ev.Action = domain.ModifierAction(action)
		ev.Source = domain.SourceKind(source)
		ev.OccurredAt = fromNS(occurredNS)
		out = append(out, ev)
	}
	return out, wrapErr("sqlite: history", rows.Err())
}
