package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"escrowline/internal/domain"
)

func (r Repo) InsertApplication(ctx context.Context, q Querier, a domain.Application) error {
	_, err := q.ExecContext(ctx, `INSERT INTO applications(task_id,applicant,proposal,created_at) VALUES (?,?,?,?)`,
		a.TaskID, a.Applicant, a.Proposal, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

// HasApplied reports whether applicant has an application on taskID.
func (r Repo) HasApplied(ctx context.Context, q Querier, taskID int64, applicant string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM applications WHERE task_id=? AND applicant=? LIMIT 1`, taskID, applicant).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ListApplications returns the applications of a task in submission order.
func (r Repo) ListApplications(ctx context.Context, q Querier, taskID int64) ([]domain.Application, error) {
	rows, err := q.QueryContext(ctx, `SELECT task_id,applicant,proposal,created_at FROM applications WHERE task_id=? ORDER BY created_at, rowid`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Application{}
	for rows.Next() {
		var a domain.Application
		if err := rows.Scan(&a.TaskID, &a.Applicant, &a.Proposal, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
