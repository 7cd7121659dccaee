package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
)

const disputeColumns = `id,task_id,initiator,reason,status,COALESCE(resolution,''),favors_creator,resolved_by,compensation,created_at,resolved_at`

func scanDispute(row scannable) (domain.Dispute, error) {
	var (
		d            domain.Dispute
		favors       int
		resolvedBy   sql.NullString
		resolvedAt   sql.NullString
		compensation string
	)
	err := row.Scan(&d.ID, &d.TaskID, &d.Initiator, &d.Reason, &d.Status, &d.Resolution, &favors, &resolvedBy, &compensation, &d.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.FavorsCreator = favors != 0
	if resolvedBy.Valid {
		d.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.String
	}
	if d.Compensation, err = decimal.NewFromString(compensation); err != nil {
		return d, fmt.Errorf("dispute %d compensation: %w", d.ID, err)
	}
	return d, nil
}

func (r Repo) InsertDispute(ctx context.Context, q Querier, d domain.Dispute) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO disputes(task_id,initiator,reason,status,favors_creator,compensation,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.TaskID, d.Initiator, d.Reason, d.Status, boolInt(d.FavorsCreator), d.Compensation.String(), d.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert dispute: %w", err)
	}
	return res.LastInsertId()
}

// ResolveDispute writes the resolution fields; it only touches open disputes.
func (r Repo) ResolveDispute(ctx context.Context, q Querier, d domain.Dispute) error {
	res, err := q.ExecContext(ctx, `UPDATE disputes SET status=?, resolution=?, favors_creator=?, resolved_by=?, compensation=?, resolved_at=?
WHERE id=? AND task_id=? AND status=?`,
		d.Status, d.Resolution, boolInt(d.FavorsCreator), d.ResolvedBy, d.Compensation.String(), d.ResolvedAt, d.ID, d.TaskID, domain.DisputeOpen)
	if err != nil {
		return fmt.Errorf("resolve dispute %d: %w", d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDispute(ctx context.Context, q Querier, taskID, id int64) (domain.Dispute, error) {
	return scanDispute(q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=? AND task_id=?`, id, taskID))
}

func (r Repo) ListDisputes(ctx context.Context, q Querier, taskID int64) ([]domain.Dispute, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Dispute{}
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// HasOpenDispute reports whether taskID has an unresolved dispute.
func (r Repo) HasOpenDispute(ctx context.Context, q Querier, taskID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM disputes WHERE task_id=? AND status=? LIMIT 1`, taskID, domain.DisputeOpen).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
