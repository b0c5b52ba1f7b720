package sqlite

import (
	"context"

	"empirecore/pkg/domain"
)

func (s *Store) PutBalance(ctx context.Context, b domain.ResourceBalance) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO resource_balances (subject_id, resource, stored, storage_cap, accumulated, accumulator_cap, base_rate)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(subject_id, resource) DO UPDATE SET
	stored = excluded.stored,
	storage_cap = excluded.storage_cap,
	accumulated = excluded.accumulated,
	accumulator_cap = excluded.accumulator_cap,
	base_rate = excluded.base_rate`,
		b.SubjectID, string(b.Resource), b.Stored, b.StorageCap, b.Accumulated, b.AccumulatorCap, b.BaseRate)
	return wrapErr("sqlite: put balance", err)
}

func (s *Store) Balances(ctx context.Context, subjectID string) ([]domain.ResourceBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT subject_id, resource, stored, storage_cap, accumulated, accumulator_cap, base_rate
FROM resource_balances WHERE subject_id = ?`, subjectID)
	if err != nil {
		return nil, wrapErr("sqlite: balances", err)
	}
	defer rows.Close()
	byRes := map[domain.ResourceType]domain.ResourceBalance{}
	for rows.Next() {
		var (
			b   domain.ResourceBalance
			res string
		)
		if err := rows.Scan(&b.SubjectID, &res, &b.Stored, &b.StorageCap, &b.Accumulated, &b.AccumulatorCap, &b.BaseRate); err != nil {
			return nil, wrapErr("sqlite: scan balance", err)
		}
		b.Resource = domain.ResourceType(res)
		byRes[b.Resource] = b
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("sqlite: balances", err)
	}
	var out []domain.ResourceBalance
	for _, res := range domain.ResourceTypes() {
		if b, ok := byRes[res]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Store) CreditAccumulators(ctx context.Context, subjectID string, amounts map[domain.ResourceType]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("sqlite: begin credit", err)
	}
	defer tx.Rollback()

	var subjectRows int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resource_balances WHERE subject_id = ?`, subjectID).Scan(&subjectRows); err != nil {
		return wrapErr("sqlite: count balances", err)
	}
	if subjectRows == 0 {
		return domain.ErrNotFound
	}
	for res, amount := range amounts {
		result, err := tx.ExecContext(ctx, `
UPDATE resource_balances
SET accumulated = MAX(0, MIN(accumulator_cap, accumulated + ?))
WHERE subject_id = ? AND resource = ?`, amount, subjectID, string(res))
		if err != nil {
			return wrapErr("sqlite: credit accumulator", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return wrapErr("sqlite: credit rows affected", err)
		}
		if affected == 0 {
			return domain.ErrNotFound
		}
	}
	return wrapErr("sqlite: commit credit", tx.Commit())
}

func (s *Store) CollectResources(ctx context.Context, subjectID string) (map[domain.ResourceType]float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("sqlite: begin collect", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT resource, stored, storage_cap, accumulated
FROM resource_balances WHERE subject_id = ?`, subjectID)
	if err != nil {
		return nil, wrapErr("sqlite: select balances", err)
	}
	type row struct {
		stored     float64
		storageCap float64
		acc        float64
	}
	balances := map[domain.ResourceType]row{}
	for rows.Next() {
		var (
			res string
			r   row
		)
		if err := rows.Scan(&res, &r.stored, &r.storageCap, &r.acc); err != nil {
			rows.Close()
			return nil, wrapErr("sqlite: scan balance", err)
		}
		balances[domain.ResourceType(res)] = r
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, wrapErr("sqlite: select balances", err)
	}
	rows.Close()
	if len(balances) == 0 {
		return nil, domain.ErrNotFound
	}

	banked := map[domain.ResourceType]float64{}
	for res, r := range balances {
		headroom := r.storageCap - r.stored
		if headroom < 0 {
			headroom = 0
		}
		moved := r.acc
		if moved > headroom {
			moved = headroom
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE resource_balances SET stored = ?, accumulated = 0
WHERE subject_id = ? AND resource = ?`, r.stored+moved, subjectID, string(res)); err != nil {
			return nil, wrapErr("sqlite: collect balance", err)
		}
		banked[res] = moved
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapErr("sqlite: commit collect", err)
	}
	return banked, nil
}
