package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
)

const milestoneColumns = `id,task_id,title,COALESCE(description,''),reward,status,COALESCE(proof_hash,''),created_at,updated_at`

func scanMilestone(row scannable) (domain.Milestone, error) {
	var m domain.Milestone
	var reward string
	err := row.Scan(&m.ID, &m.TaskID, &m.Title, &m.Description, &reward, &m.Status, &m.ProofHash, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if m.Reward, err = decimal.NewFromString(reward); err != nil {
		return m, fmt.Errorf("milestone %d reward: %w", m.ID, err)
	}
	return m, nil
}

func (r Repo) InsertMilestone(ctx context.Context, q Querier, m domain.Milestone) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO milestones(task_id,title,description,reward,status,proof_hash,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.TaskID, m.Title, nullable(m.Description), m.Reward.String(), m.Status, nullable(m.ProofHash), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert milestone: %w", err)
	}
	return res.LastInsertId()
}

func (r Repo) UpdateMilestone(ctx context.Context, q Querier, m domain.Milestone) error {
	res, err := q.ExecContext(ctx, `UPDATE milestones SET status=?, proof_hash=?, updated_at=? WHERE id=? AND task_id=?`,
		m.Status, nullable(m.ProofHash), m.UpdatedAt, m.ID, m.TaskID)
	if err != nil {
		return fmt.Errorf("update milestone %d: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMilestone returns milestone id scoped to taskID.
func (r Repo) GetMilestone(ctx context.Context, q Querier, taskID, id int64) (domain.Milestone, error) {
	return scanMilestone(q.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=? AND task_id=?`, id, taskID))
}

func (r Repo) ListMilestones(ctx context.Context, q Querier, taskID int64) ([]domain.Milestone, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Milestone{}
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
