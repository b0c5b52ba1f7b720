package sqlite

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
		runNS     int64
		timeoutNS int64
		lockedNS  sql.NullInt64
		createdNS int64
		updatedNS int64
	)
	err := row.Scan(&job.ID, &job.Kind, &status, &payload, &runNS, &job.Priority, &timeoutNS,
		&job.Retries, &job.MaxRetries, &job.LastError, &job.LockedBy, &lockedNS, &createdNS, &updatedNS)
	if err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.JobStatus(status)
	job.Payload = payload
	job.RunAt = fromNS(runNS)
	job.Timeout = time.Duration(timeoutNS)
	job.LockedAt = fromNullNS(lockedNS)
	job.CreatedAt = fromNS(createdNS)
	job.UpdatedAt = fromNS(updatedNS)
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
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', NULL, ?, ?)`,
		job.ID, job.Kind, string(job.Status), []byte(job.Payload), toNS(job.RunAt),
		int(job.Priority), int64(job.Timeout), job.Retries, job.MaxRetries,
		toNS(job.CreatedAt), toNS(job.UpdatedAt))
	if err != nil {
		return domain.Job{}, wrapErr("sqlite: insert job", err)
	}
	return job, nil
}

// ClaimNextJob relies on SQLite's single-writer serialization: the UPDATE
// with an embedded subselect picks and locks the winning row in one atomic
// statement.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE jobs SET status = 'in_progress', locked_by = ?, locked_at = ?, updated_at = ?
WHERE id = (
	SELECT id FROM jobs
	WHERE status = 'pending' AND run_at <= ?
	ORDER BY priority DESC, run_at ASC, id ASC
	LIMIT 1
)
RETURNING `+jobColumns, workerID, toNS(now), toNS(now), toNS(now))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, wrapErr("sqlite: claim job", err)
	}
	return job, true, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'completed', locked_by = '', locked_at = NULL, updated_at = ?
WHERE id = ? AND status = 'in_progress'`, toNS(s.nowFn()), id)
	if err != nil {
		return wrapErr("sqlite: complete job", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *Store) FailJob(ctx context.Context, id string, errMsg string, now time.Time) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, wrapErr("sqlite: begin fail", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, wrapErr("sqlite: load job", err)
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
UPDATE jobs SET status = ?, run_at = ?, retries = ?, last_error = ?, locked_by = '', locked_at = NULL, updated_at = ?
WHERE id = ?`,
		string(job.Status), toNS(job.RunAt), job.Retries, job.LastError, toNS(now), id)
	if err != nil {
		return domain.Job{}, wrapErr("sqlite: fail job", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, wrapErr("sqlite: commit fail", err)
	}
	return job, nil
}

func (s *Store) CancelJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'cancelled', updated_at = ?
WHERE id = ? AND status = 'pending'`, toNS(s.nowFn()), id)
	if err != nil {
		return wrapErr("sqlite: cancel job", err)
	}
	return s.checkTransition(ctx, res, id)
}

// checkTransition distinguishes a missing row from a row in the wrong
// status when a guarded UPDATE matched nothing.
func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapErr("sqlite: rows affected", err)
	}
	if affected == 1 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return wrapErr("sqlite: check job", err)
	}
	return domain.ErrInvalidTransition
}

func (s *Store) ReapExpiredLocks(ctx context.Context, now time.Time) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
UPDATE jobs SET status = 'pending', locked_by = '', locked_at = NULL, updated_at = ?
WHERE status = 'in_progress' AND locked_at + timeout_ns < ?
RETURNING `+jobColumns, toNS(now), toNS(now))
	if err != nil {
		return nil, wrapErr("sqlite: reap locks", err)
	}
	defer rows.Close()
	var reaped []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrapErr("sqlite: scan reaped job", err)
		}
		reaped = append(reaped, job)
	}
	return reaped, wrapErr("sqlite: reap locks", rows.Err())
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, wrapErr("sqlite: get job", err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY id`
	args := []any{}
	if status != "" {
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY id`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("sqlite: list jobs", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrapErr("sqlite: scan job", err)
		}
		out = append(out, job)
	}
	return out, wrapErr("sqlite: list jobs", rows.Err())
}
