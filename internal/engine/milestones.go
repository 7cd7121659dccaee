package engine

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/repo"
)

// MilestoneCreateOptions are parameters for adding a milestone to a task.
type MilestoneCreateOptions struct {
	TaskID      int64
	Caller      string
	Title       string
	Description string
	Reward      decimal.Decimal
}

// CreateMilestone adds a pending milestone. Milestone rewards are bookkeeping
// only; the escrow is paid out once, when the task completes, and the rewards
// of non-rejected milestones may not exceed the task reward.
func (e Engine) CreateMilestone(ctx context.Context, opts MilestoneCreateOptions) (domain.Milestone, error) {
	const op = "create_milestone"
	var m domain.Milestone
	opts.Title = strings.TrimSpace(opts.Title)
	err := e.write(ctx, func(tx *txn) error {
		t, err := e.loadTask(ctx, tx, op, opts.TaskID)
		if err != nil {
			return err
		}
		if err := requireCreator(op, t, opts.Caller); err != nil {
			return err
		}
		if opts.Title == "" {
			return domain.Errorf(domain.ErrInvalidInput, domain.CodeMissingField, op, t.ID, "title required")
		}
		if !domain.AmountInRange(opts.Reward) {
			return domain.Errorf(domain.ErrInvalidInput, domain.CodeInvalidReward, op, t.ID, "milestone reward exceeds the amount precision")
		}
		if !opts.Reward.IsPositive() {
			return domain.Errorf(domain.ErrInvalidInput, domain.CodeInvalidReward, op, t.ID, "milestone reward must be positive, got %s", opts.Reward)
		}
		if err := requireInProgress(op, t); err != nil {
			return err
		}
		existing, err := e.Repo.ListMilestones(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		committed := decimal.Zero
		for _, ms := range existing {
			if ms.Status != domain.MilestoneRejected {
				committed = committed.Add(ms.Reward)
			}
		}
		if committed.Add(opts.Reward).GreaterThan(t.Reward) {
			return domain.Errorf(domain.ErrInvalidInput, domain.CodeMilestoneRewardExceedsTask, op, t.ID,
				"milestones would total %s, task reward is %s", committed.Add(opts.Reward), t.Reward)
		}
		ts := e.timestamp()
		m = domain.Milestone{
			TaskID:      t.ID,
			Title:       opts.Title,
			Description: opts.Description,
			Reward:      opts.Reward,
			Status:      domain.MilestonePending,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		if m.ID, err = e.Repo.InsertMilestone(ctx, tx, m); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx.Tx, events.MilestoneCreated, "task", taskRef(t.ID), opts.Caller, events.EventPayload{
			"milestone_id": m.ID,
			"title":        m.Title,
			"reward":       m.Reward.String(),
		})
	})
	return m, err
}

// CompleteMilestone marks a pending milestone done with the assignee's proof.
func (e Engine) CompleteMilestone(ctx context.Context, taskID, milestoneID int64, caller, proofHash string) (domain.Milestone, error) {
	const op = "complete_milestone"
	var m domain.Milestone
	err := e.write(ctx, func(tx *txn) error {
		t, err := e.loadTask(ctx, tx, op, taskID)
		if err != nil {
			return err
		}
		if m, err = e.loadMilestone(ctx, tx, op, taskID, milestoneID); err != nil {
			return err
		}
		if err := requireAssignee(op, t, caller); err != nil {
			return err
		}
		if err := requireInProgress(op, t); err != nil {
			return err
		}
		if err := ensureMilestoneTransition(op, m, domain.MilestoneCompleted); err != nil {
			return err
		}
		m.Status = domain.MilestoneCompleted
		m.ProofHash = proofHash
		m.UpdatedAt = e.timestamp()
		if err := e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx.Tx, events.MilestoneCompleted, "task", taskRef(taskID), caller, events.EventPayload{
			"milestone_id": m.ID,
			"proof_hash":   proofHash,
		})
	})
	return m, err
}

// RejectMilestone turns down a completed milestone. Rejection is final.
func (e Engine) RejectMilestone(ctx context.Context, taskID, milestoneID int64, caller string) (domain.Milestone, error) {
	const op = "reject_milestone"
	var m domain.Milestone
	err := e.write(ctx, func(tx *txn) error {
		t, err := e.loadTask(ctx, tx, op, taskID)
		if err != nil {
			return err
		}
		if m, err = e.loadMilestone(ctx, tx, op, taskID, milestoneID); err != nil {
			return err
		}
		if err := requireCreator(op, t, caller); err != nil {
			return err
		}
		if err := requireInProgress(op, t); err != nil {
			return err
		}
		if err := ensureMilestoneTransition(op, m, domain.MilestoneRejected); err != nil {
			return err
		}
		m.Status = domain.MilestoneRejected
		m.UpdatedAt = e.timestamp()
		if err := e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx.Tx, events.MilestoneRejected, "task", taskRef(taskID), caller, events.EventPayload{
			"milestone_id": m.ID,
		})
	})
	return m, err
}

func ensureMilestoneTransition(op string, m domain.Milestone, to string) error {
	switch {
	case m.Status == domain.MilestonePending && to == domain.MilestoneCompleted:
		return nil
	case m.Status == domain.MilestoneCompleted && to == domain.MilestoneRejected:
		return nil
	case to == domain.MilestoneCompleted:
		return domain.Errorf(domain.ErrInvalidState, domain.CodeMilestoneNotPending, op, m.TaskID, "milestone %d is %s", m.ID, m.Status)
	default:
		return domain.Errorf(domain.ErrInvalidState, domain.CodeMilestoneNotCompleted, op, m.TaskID, "milestone %d is %s", m.ID, m.Status)
	}
}

func (e Engine) GetMilestone(ctx context.Context, taskID, milestoneID int64) (domain.Milestone, error) {
	var m domain.Milestone
	err := e.read(ctx, func(q repo.Querier) error {
		if _, err := e.loadTask(ctx, q, "get_milestone", taskID); err != nil {
			return err
		}
		var err error
		m, err = e.loadMilestone(ctx, q, "get_milestone", taskID, milestoneID)
		return err
	})
	return m, err
}

func (e Engine) ListMilestones(ctx context.Context, taskID int64) ([]domain.Milestone, error) {
	var res []domain.Milestone
	err := e.read(ctx, func(q repo.Querier) error {
		if _, err := e.loadTask(ctx, q, "list_milestones", taskID); err != nil {
			return err
		}
		var err error
		res, err = e.Repo.ListMilestones(ctx, q, taskID)
		return err
	})
	if err == nil && res == nil {
		res = []domain.Milestone{}
	}
	return res, err
}
