package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

const taskColumns = `id,creator,title,COALESCE(description,''),reward,token,deadline,has_insurance,COALESCE(category,''),COALESCE(tags_json,''),COALESCE(metadata_hash,''),status,assignee,created_at,updated_at,completed_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (domain.Task, error) {
	var (
		t         domain.Task
		reward    string
		insured   int
		tagsJSON  string
		assignee  sql.NullString
		completed sql.NullString
	)
	err := row.Scan(&t.ID, &t.Creator, &t.Title, &t.Description, &reward, &t.Token, &t.Deadline, &insured,
		&t.Category, &tagsJSON, &t.MetadataHash, &t.Status, &assignee, &t.CreatedAt, &t.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.Reward, err = decimal.NewFromString(reward); err != nil {
		return t, fmt.Errorf("task %d reward: %w", t.ID, err)
	}
	t.HasInsurance = insured != 0
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
			return t, fmt.Errorf("task %d tags: %w", t.ID, err)
		}
	}
	if assignee.Valid {
		t.Assignee = &assignee.String
	}
	if completed.Valid {
		t.CompletedAt = &completed.String
	}
	return t, nil
}

// InsertTask stores t and returns the assigned id.
func (r Repo) InsertTask(ctx context.Context, q Querier, t domain.Task) (int64, error) {
	tagsJSON, err := marshalTags(t.Tags)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, `INSERT INTO tasks(creator,title,description,reward,token,deadline,has_insurance,category,tags_json,metadata_hash,status,assignee,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.Creator, t.Title, nullable(t.Description), t.Reward.String(), t.Token, t.Deadline, boolInt(t.HasInsurance),
		nullable(t.Category), tagsJSON, nullable(t.MetadataHash), t.Status, t.Assignee, t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return res.LastInsertId()
}

// UpdateTaskState persists the mutable lifecycle fields of t.
func (r Repo) UpdateTaskState(ctx context.Context, q Querier, t domain.Task) error {
	res, err := q.ExecContext(ctx, `UPDATE tasks SET status=?, assignee=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Status, t.Assignee, t.UpdatedAt, t.CompletedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, q Querier, id int64) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	Status   string
	Creator  string
	Assignee string
	Category string
	Tag      string
	Limit    int
	// Cursor returns tasks with id strictly lower than it.
	Cursor int64
}

// ListTasks returns tasks newest first.
func (r Repo) ListTasks(ctx context.Context, q Querier, f TaskFilters) ([]domain.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Creator != "" {
		clauses = append(clauses, "creator=?")
		args = append(args, f.Creator)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Tag != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(tasks.tags_json) WHERE json_each.value=?)")
		args = append(args, f.Tag)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, f.Cursor)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTasksByStatus returns the number of tasks per status.
func (r Repo) CountTasksByStatus(ctx context.Context, q Querier) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// NormalizeTags trims, deduplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func marshalTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
