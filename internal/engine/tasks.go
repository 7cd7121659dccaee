package engine

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/metrics"
	"escrowline/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Creator      string
	Title        string
	Description  string
	Reward       decimal.Decimal
	Token        string
	Deadline     time.Time
	HasInsurance bool
	Category     string
	Tags         []string
	MetadataHash string
}

// CreateTask records a task and locks its reward in escrow. The task exists
// iff the lock (and the premium of an insured task) succeeded.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	const op = "create_task"
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Creator == "" || opts.Title == "" {
		return domain.Task{}, domain.Errorf(domain.ErrInvalidInput, domain.CodeMissingField, op, 0, "creator and title are required")
	}
	if !domain.AmountInRange(opts.Reward) {
		return domain.Task{}, domain.Errorf(domain.ErrInvalidInput, domain.CodeInvalidReward, op, 0, "reward exceeds the amount precision")
	}
	if !opts.Reward.IsPositive() {
		return domain.Task{}, domain.Errorf(domain.ErrInvalidInput, domain.CodeInvalidReward, op, 0, "reward must be positive, got %s", opts.Reward)
	}
	now := e.now()
	if !opts.Deadline.After(now) {
		return domain.Task{}, domain.Errorf(domain.ErrInvalidInput, domain.CodeInvalidDeadline, op, 0, "deadline %s is not in the future", opts.Deadline.UTC().Format(time.RFC3339))
	}
	if opts.Token == "" {
		opts.Token = e.Config.Escrow.DefaultToken
	}
	if !e.Config.SupportsToken(opts.Token) {
		return domain.Task{}, domain.Errorf(domain.ErrInvalidInput, domain.CodeUnsupportedToken, op, 0, "token %s is not accepted", opts.Token)
	}
	ts := now.UTC().Format(time.RFC3339)
	t := domain.Task{
		Creator:      opts.Creator,
		Title:        opts.Title,
		Description:  opts.Description,
		Reward:       opts.Reward,
		Token:        opts.Token,
		Deadline:     opts.Deadline.UTC().Format(time.RFC3339),
		HasInsurance: opts.HasInsurance,
		Category:     strings.TrimSpace(opts.Category),
		Tags:         repo.NormalizeTags(opts.Tags),
		MetadataHash: opts.MetadataHash,
		Status:       domain.TaskCreated,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	premium := decimal.Zero
	if t.HasInsurance {
		premium = e.Config.Insurance.Premium(t.Reward)
	}
	err := e.write(ctx, func(tx *txn) error {
		id, err := e.Repo.InsertTask(ctx, tx, t)
		if err != nil {
			return err
		}
		t.ID = id
		if err := e.Ledger.Lock(ctx, tx.Tx, t.ID, t.Reward, t.Token, t.Creator); err != nil {
			return err
		}
		if t.HasInsurance {
			if err := e.Ledger.ChargePremium(ctx, tx.Tx, t.ID, t.Creator, t.Token, premium); err != nil {
				return err
			}
		}
		if err := e.Events.Append(ctx, tx.Tx, events.TaskCreated, "task", taskRef(t.ID), t.Creator, events.EventPayload{
			"title":         t.Title,
			"reward":        t.Reward.String(),
			"token":         t.Token,
			"deadline":      t.Deadline,
			"has_insurance": t.HasInsurance,
			"premium":       premium.String(),
		}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx.Tx, events.EscrowLocked, "task", taskRef(t.ID), t.Creator, events.EventPayload{
			"amount": t.Reward.String(),
			"token":  t.Token,
		}); err != nil {
			return err
		}
		tx.afterCommit(func() { e.Metrics.TaskCreated(ctx, t.Token, t.Reward, t.HasInsurance) })
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ApplyForTask records applicant's proposal on an open task.
func (e Engine) ApplyForTask(ctx context.Context, taskID int64, applicant, proposal string) (domain.Application, error) {
	const op = "apply_for_task"
	var app domain.Application
	if applicant == "" {
		return app, domain.Errorf(domain.ErrInvalidInput, domain.CodeMissingField, op, taskID, "applicant required")
	}
	err := e.write(ctx, func(tx *txn) error {
		t, err := e.loadTask(ctx, tx, op, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskCreated || t.IsAssigned() {
			return domain.Errorf(domain.ErrInvalidState, domain.CodeTaskNotOpen, op, taskID, "task is %s", t.Status)
		}
		if applicant == t.Creator {
			return domain.Errorf(domain.ErrInvalidState, domain.CodeCreatorCannotApply, op, taskID, "creator cannot apply to own task")
		}
		applied, err := e.Repo.HasApplied(ctx, tx, taskID, applicant)
		if err != nil {
			return err
		}
		if applied {
			return domain.Errorf(domain.ErrInvalidState, domain.CodeAlreadyApplied, op, taskID, "%s already applied", applicant)
		}
		app = domain.Application{TaskID: taskID, Applicant: applicant, Proposal: proposal, CreatedAt: e.timestamp()}
		if err := e.Repo.InsertApplication(ctx, tx, app); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx.Tx, events.TaskApplied, "task", taskRef(taskID), applicant, events.EventPayload{
			"proposal_len": len(proposal),
		})
	})
	return app, err
}

// AssignTask gives the task to an applicant and starts work.
func (e Engine) AssignTask(ctx context.Context, taskID int64, caller, assignee string) (domain.Task, error) {
	const op = "assign_task"
	var t domain.Task
	if assignee == "" {
		return t, domain.Errorf(domain.ErrInvalidInput, domain.CodeMissingField, op, taskID, "assignee required")
	}
	err := e.write(ctx, func(tx *txn) error {
		var err error
		t, err = e.loadTask(ctx, tx, op, taskID)
		if err != nil {
			return err
		}
		if err := requireCreator(op, t, caller); err != nil {
			return err
		}
		if t.IsAssigned() {
			return domain.Errorf(domain.ErrInvalidState, domain.CodeAlreadyAssigned, op, taskID, "task already assigned to %s", *t.Assignee)
		}
		if t.Status != domain.TaskCreated {
			return domain.Errorf(domain.ErrInvalidState, domain.CodeTaskNotOpen, op, taskID, "task is %s", t.Status)
		}
		applied, err := e.Repo.HasApplied(ctx, tx, taskID, assignee)
		if err != nil {
			return err
		}
		if !applied {
			return domain.Errorf(domain.ErrInvalidState, domain.CodeAssigneeNotApplied, op, taskID, "%s has not applied", assignee)
		}
		if err := ensureTaskTransition(op, taskID, t.Status, domain.TaskInProgress); err != nil {
			return err
		}
		t.Assignee = &assignee
		t.Status = domain.TaskInProgress
		t.UpdatedAt = e.timestamp()
		if err := e.Repo.UpdateTaskState(ctx, tx, t); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx.Tx, events.TaskAssigned, "task", taskRef(taskID), caller, events.EventPayload{
			"assignee": assignee,
		})
	})
	return t, err
}

// CompleteTask releases the escrow to the assignee. The creator may complete
// any in-progress task; the assignee only once every milestone is completed.
func (e Engine) CompleteTask(ctx context.Context, taskID int64, caller string) (domain.Task, error) {
	const op = "complete_task"
	var t domain.Task
	err := e.write(ctx, func(tx *txn) error {
		var err error
		t, err = e.loadTask(ctx, tx, op, taskID)
		if err != nil {
			return err
		}
		isCreator := caller != "" && caller == t.Creator
		if !isCreator && !t.IsAssignee(caller) {
			return domain.Errorf(domain.ErrNotAuthorized, domain.CodeNotParty, op, taskID, "%s is neither creator nor assignee", caller)
		}
		if t.Status == domain.TaskCompleted {
			return domain.Errorf(domain.ErrInvalidState, domain.CodeAlreadyCompleted, op, taskID, "task already completed")
		}
		if err := requireInProgress(op, t); err != nil {
			return err
		}
		disputed, err := e.Repo.HasOpenDispute(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if disputed {
			return domain.Errorf(domain.ErrInvalidState, domain.CodeDisputeOpen, op, taskID, "task has an open dispute")
		}
		if !isCreator {
			if err := e.ensureMilestonesCompleted(ctx, tx, op, taskID); err != nil {
				return err
			}
		}
		return e.settleToAssignee(ctx, tx, op, &t, caller)
	})
	return t, err
}

func (e Engine) ensureMilestonesCompleted(ctx context.Context, q repo.Querier, op string, taskID int64) error {
	ms, err := e.Repo.ListMilestones(ctx, q, taskID)
	if err != nil {
		return err
	}
	if len(ms) == 0 {
		return domain.Errorf(domain.ErrInvalidState, domain.CodeMilestonesIncomplete, op, taskID, "task has no milestones; the creator must complete it")
	}
	done := 0
	for _, m := range ms {
		if m.Status == domain.MilestoneCompleted {
			done++
		}
	}
	if done != len(ms) {
		return domain.Errorf(domain.ErrInvalidState, domain.CodeMilestonesIncomplete, op, taskID, "%d of %d milestones completed", done, len(ms))
	}
	return nil
}

// settleToAssignee completes t, releases its escrow and records the payout.
func (e Engine) settleToAssignee(ctx context.Context, tx *txn, op string, t *domain.Task, actor string) error {
	if !t.IsAssigned() {
		return domain.Errorf(domain.ErrInvalidState, domain.CodeTaskNotInProgress, op, t.ID, "task has no assignee")
	}
	if err := ensureTaskTransition(op, t.ID, t.Status, domain.TaskCompleted); err != nil {
		return err
	}
	assignee := *t.Assignee
	ts := e.timestamp()
	t.Status = domain.TaskCompleted
	t.UpdatedAt = ts
	t.CompletedAt = &ts
	if err := e.Repo.UpdateTaskState(ctx, tx, *t); err != nil {
		return err
	}
	h, err := e.Ledger.Release(ctx, tx.Tx, t.ID, assignee)
	if err != nil {
		return err
	}
	if err := e.Stats.RecordCompletion(ctx, tx.Tx, assignee, h.Token, h.Amount); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx.Tx, events.TaskCompleted, "task", taskRef(t.ID), actor, events.EventPayload{
		"assignee": assignee,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx.Tx, events.EscrowReleased, "task", taskRef(t.ID), actor, events.EventPayload{
		"to":     assignee,
		"amount": h.Amount.String(),
		"token":  h.Token,
	}); err != nil {
		return err
	}
	tx.afterCommit(func() {
		e.Stats.Invalidate(assignee)
		e.Metrics.Settled(ctx, metrics.SettleRelease, h.Token)
	})
	return nil
}

// ensureTaskTransition enforces the task lifecycle:
// created -> in_progress -> completed | cancelled.
func ensureTaskTransition(op string, taskID int64, from, to string) error {
	switch from {
	case domain.TaskCreated:
		if to == domain.TaskInProgress {
			return nil
		}
	case domain.TaskInProgress:
		if to == domain.TaskCompleted || to == domain.TaskCancelled {
			return nil
		}
	}
	return domain.Errorf(domain.ErrInvalidState, domain.CodeTaskNotInProgress, op, taskID, "invalid task status transition %s -> %s", from, to)
}

func (e Engine) GetTask(ctx context.Context, taskID int64) (domain.Task, error) {
	var t domain.Task
	err := e.read(ctx, func(q repo.Querier) error {
		var err error
		t, err = e.loadTask(ctx, q, "get_task", taskID)
		return err
	})
	return t, err
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	var res []domain.Task
	err := e.read(ctx, func(q repo.Querier) error {
		var err error
		res, err = e.Repo.ListTasks(ctx, q, f)
		return err
	})
	if res == nil {
		res = []domain.Task{}
	}
	return res, err
}

func (e Engine) GetApplications(ctx context.Context, taskID int64) ([]domain.Application, error) {
	var res []domain.Application
	err := e.read(ctx, func(q repo.Querier) error {
		if _, err := e.loadTask(ctx, q, "get_applications", taskID); err != nil {
			return err
		}
		var err error
		res, err = e.Repo.ListApplications(ctx, q, taskID)
		return err
	})
	return res, err
}

// TaskSummary counts tasks per status.
func (e Engine) TaskSummary(ctx context.Context) (map[string]int, error) {
	var counts map[string]int
	err := e.read(ctx, func(q repo.Querier) error {
		var err error
		counts, err = e.Repo.CountTasksByStatus(ctx, q)
		return err
	})
	return counts, err
}
