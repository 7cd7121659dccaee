package engine

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"sync"
	"time"

	"escrowline/internal/config"
	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/events"
	"escrowline/internal/ledger"
	"escrowline/internal/metrics"
	"escrowline/internal/repo"
	"escrowline/internal/stats"
)

// Engine runs marketplace operations. Every mutation holds the write lock and
// a single transaction, so status changes and fund movements commit together.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Ledger  ledger.Ledger
	Auth    auth.Service
	Stats   *stats.Tracker
	Metrics *metrics.Metrics
	Config  *config.Config
	Now     func() time.Time

	mu *sync.RWMutex
}

func New(db *sql.DB, cfg *config.Config, tracker *stats.Tracker) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if tracker == nil {
		tracker = &stats.Tracker{}
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{Now: time.Now},
		Ledger: ledger.Ledger{Now: time.Now},
		Auth:   auth.Service{Now: time.Now},
		Stats:  tracker,
		Config: cfg,
		Now:    time.Now,
		mu:     &sync.RWMutex{},
	}
}

// WithClock returns a copy of e whose components all read time from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Ledger.Now = now
	e.Auth.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// txn is a write transaction with hooks that run after a successful commit.
type txn struct {
	*sql.Tx
	onCommit []func()
}

func (t *txn) afterCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

func (e Engine) write(ctx context.Context, fn func(tx *txn) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sqlTx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()
	tx := &txn{Tx: sqlTx}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return err
	}
	// hooks run under the write lock so cache invalidation cannot race a reader
	for _, hook := range tx.onCommit {
		hook()
	}
	return nil
}

func (e Engine) read(ctx context.Context, fn func(q repo.Querier) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

func (e Engine) loadTask(ctx context.Context, q repo.Querier, op string, taskID int64) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, q, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return t, domain.Errorf(domain.ErrNotFound, domain.CodeTaskNotFound, op, taskID, "task not found")
	}
	return t, err
}

func (e Engine) loadMilestone(ctx context.Context, q repo.Querier, op string, taskID, milestoneID int64) (domain.Milestone, error) {
	m, err := e.Repo.GetMilestone(ctx, q, taskID, milestoneID)
	if errors.Is(err, repo.ErrNotFound) {
		return m, domain.Errorf(domain.ErrNotFound, domain.CodeMilestoneNotFound, op, taskID, "milestone %d not found", milestoneID)
	}
	return m, err
}

func (e Engine) loadDispute(ctx context.Context, q repo.Querier, op string, taskID, disputeID int64) (domain.Dispute, error) {
	d, err := e.Repo.GetDispute(ctx, q, taskID, disputeID)
	if errors.Is(err, repo.ErrNotFound) {
		return d, domain.Errorf(domain.ErrNotFound, domain.CodeDisputeNotFound, op, taskID, "dispute %d not found", disputeID)
	}
	return d, err
}

func requireCreator(op string, t domain.Task, caller string) error {
	if caller == "" || t.Creator != caller {
		return domain.Errorf(domain.ErrNotAuthorized, domain.CodeNotCreator, op, t.ID, "%s is not the task creator", caller)
	}
	return nil
}

func requireAssignee(op string, t domain.Task, caller string) error {
	if caller == "" || !t.IsAssignee(caller) {
		return domain.Errorf(domain.ErrNotAuthorized, domain.CodeNotAssignee, op, t.ID, "%s is not the task assignee", caller)
	}
	return nil
}

func requireInProgress(op string, t domain.Task) error {
	if t.Status != domain.TaskInProgress {
		return domain.Errorf(domain.ErrInvalidState, domain.CodeTaskNotInProgress, op, t.ID, "task is %s", t.Status)
	}
	return nil
}

func taskRef(id int64) string {
	return strconv.FormatInt(id, 10)
}
