package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"empirecore/pkg/domain"
)

const jobColumns = `id, kind, status, payload, run_at, priority, timeout_ns, retries, max_retries, last_error, locked_by, locked_at, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var (
		job       domain.Job
		status    string
		payload   []byte
		timeoutNS int64
		lockedAt  sql.NullTime
	)
	err := row.Scan(&job.ID, &job.Kind, &status, &payload, &job.RunAt, &job.Priority, &timeoutNS,
		&job.Retries, &job.MaxRetries, &job.LastError, &job.LockedBy, &lockedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.JobStatus(status)
	job.Payload = payload
	job.Timeout = time.Duration(timeoutNS)
	if lockedAt.Valid {
		t := lockedAt.Time
		job.LockedAt = &t
	}
	return job, nil
}

func (s *Store) InsertJob(ctx context.Context, job domain.Job) (domain.Job, error) {
	now := s.nowFn()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = domain.StatusPending
	if job.MaxRetries == 0 {
		job.MaxRetries = domain.DefaultMaxRetries
	}
	if job.Timeout == 0 {
		job.Timeout = domain.DefaultJobTimeout
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, kind, status, payload, run_at, priority, timeout_ns, retries, max_retries, last_error, locked_by, locked_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', '', NULL, $10, $11)`,
		job.ID, job.Kind, string(job.Status), []byte(job.Payload), job.RunAt,
		int(job.Priority), int64(job.Timeout), job.Retries, job.MaxRetries,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return domain.Job{}, wrapErr("postgres: insert job", err)
	}
	return job, nil
}

// ClaimNextJob takes one eligible row with FOR UPDATE SKIP LOCKED so racing
// workers never block on or double-claim the same job.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
WITH next AS (
	SELECT id FROM jobs
	WHERE status = 'pending' AND run_at <= $2
	ORDER BY priority DESC, run_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE jobs SET status = 'in_progress', locked_by = $1, locked_at = $2, updated_at = $2
FROM next WHERE jobs.id = next.id
RETURNING `+qualified(jobColumns), workerID, now)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, wrapErr("postgres: claim job", err)
	}
	return job, true, nil
}

// qualified prefixes the job columns with the table name for queries that
// join against a CTE.
func qualified(columns string) string {
	out := ""
	for i, c := range splitColumns(columns) {
		if i > 0 {
			out += ", "
		}
		out += "jobs." + c
	}
	return out
}

func splitColumns(columns string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(columns); i++ {
		if i == len(columns) || columns[i] == ',' {
			col := columns[start:i]
			for len(col) > 0 && col[0] == ' ' {
				col = col[1:]
			}
			if col != "" {
				out = append(out, col)
			}
			start = i + 1
		}
	}
	return out
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'completed', locked_by = '', locked_at = NULL, updated_at = $1
WHERE id = $2 AND status = 'in_progress'`, s.nowFn(), id)
	if err != nil {
		return wrapErr("postgres: complete job", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *Store) FailJob(ctx context.Context, id string, errMsg string, now time.Time) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, wrapErr("postgres: begin fail", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, wrapErr("postgres: load job", err)
	}
	if job.Status != domain.StatusInProgress {
		return domain.Job{}, domain.ErrInvalidTransition
	}

	job.Retries++
	job.LastError = errMsg
	job.LockedBy = ""
	job.LockedAt = nil
	job.UpdatedAt = now
	if job.Retries < job.MaxRetries {
		job.Status = domain.StatusPending
		job.RunAt = now.Add(s.retry.Backoff(job.Retries))
	} else {
		job.Status = domain.StatusFailed
	}

	_, err = tx.ExecContext(ctx, `
UPDATE jobs SET status = $1, run_at = $2, retries = $3, last_error = $4, locked_by = '', locked_at = NULL, updated_at = $5
WHERE id = $6`,
		string(job.Status), job.RunAt, job.Retries, job.LastError, now, id)
	if err != nil {
		return domain.Job{}, wrapErr("postgres: fail job", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, wrapErr("postgres: commit fail", err)
	}
	return job, nil
}

func (s *Store) CancelJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'cancelled', updated_at = $1
WHERE id = $2 AND status = 'pending'`, s.nowFn(), id)
	if err != nil {
		return wrapErr("postgres: cancel job", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapErr("postgres: rows affected", err)
	}
	if affected == 1 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return wrapErr("postgres: check job", err)
	}
	return domain.ErrInvalidTransition
}

// ReapExpiredLocks compares against the stored lock time plus the per-job
// timeout; the boundary is strict, a lease expires only once now is past
// locked_at + timeout.
func (s *Store) ReapExpiredLocks(ctx context.Context, now time.Time) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
UPDATE jobs SET status = 'pending', locked_by = '', locked_at = NULL, updated_at = $1
WHERE status = 'in_progress' AND locked_at + make_interval(secs => timeout_ns / 1e9) < $1
RETURNING `+jobColumns, now)
	if err != nil {
		return nil, wrapErr("postgres: reap locks", err)
	}
	defer rows.Close()
	var reaped []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrapErr("postgres: scan reaped job", err)
		}
		reaped = append(reaped, job)
	}
	return reaped, wrapErr("postgres: reap locks", rows.Err())
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, wrapErr("postgres: get job", err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY id`
	args := []any{}
	if status != "" {
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY id`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("postgres: list jobs", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrapErr("postgres: scan job", err)
		}
		out = append(out, job)
	}
	return out, wrapErr("postgres: list jobs", rows.Err())
}
