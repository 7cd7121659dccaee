package engine

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/metrics"
	"escrowline/internal/repo"
)

// CreateDispute opens a dispute on behalf of the creator or the assignee.
func (e Engine) CreateDispute(ctx context.Context, taskID int64, initiator, reason string) (domain.Dispute, error) {
	const op = "create_dispute"
	var d domain.Dispute
	reason = strings.TrimSpace(reason)
	err := e.write(ctx, func(tx *txn) error {
		t, err := e.loadTask(ctx, tx, op, taskID)
		if err != nil {
			return err
		}
		if initiator == "" || (initiator != t.Creator && !t.IsAssignee(initiator)) {
			return domain.Errorf(domain.ErrNotAuthorized, domain.CodeNotParty, op, taskID, "%s is neither creator nor assignee", initiator)
		}
		if reason == "" {
			return domain.Errorf(domain.ErrInvalidInput, domain.CodeMissingField, op, taskID, "reason required")
		}
		if t.Status != domain.TaskInProgress && t.Status != domain.TaskCompleted {
			return domain.Errorf(domain.ErrInvalidState, domain.CodeTaskNotDisputable, op, taskID, "task is %s", t.Status)
		}
		open, err := e.Repo.HasOpenDispute(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if open {
			return domain.Errorf(domain.ErrInvalidState, domain.CodeDisputeAlreadyOpen, op, taskID, "task already has an open dispute")
		}
		d = domain.Dispute{
			TaskID:       taskID,
			Initiator:    initiator,
			Reason:       reason,
			Status:       domain.DisputeOpen,
			Compensation: decimal.Zero,
			CreatedAt:    e.timestamp(),
		}
		if d.ID, err = e.Repo.InsertDispute(ctx, tx, d); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx.Tx, events.DisputeCreated, "dispute", taskRef(d.ID), initiator, events.EventPayload{
			"task_id": taskID,
			"reason":  reason,
		}); err != nil {
			return err
		}
		tx.afterCommit(func() { e.Metrics.DisputeOpened(ctx) })
		return nil
	})
	return d, err
}

// ResolveDisputeOptions are the arbiter's ruling on a dispute.
type ResolveDisputeOptions struct {
	TaskID        int64
	DisputeID     int64
	Caller        string
	Resolution    string
	FavorsCreator bool
}

// ResolveDispute settles an open dispute exactly once. A ruling for the
// creator cancels the task and refunds the escrow, compensating the assignee
// from the insurance pool when the task is insured. A ruling for the assignee
// completes the task and releases the escrow, unless it was already released.
func (e Engine) ResolveDispute(ctx context.Context, opts ResolveDisputeOptions) (domain.Dispute, error) {
	const op = "resolve_dispute"
	var d domain.Dispute
	err := e.write(ctx, func(tx *txn) error {
		if err := e.Auth.RequireArbiter(ctx, tx, op, opts.TaskID, opts.Caller); err != nil {
			return err
		}
		t, err := e.loadTask(ctx, tx, op, opts.TaskID)
		if err != nil {
			return err
		}
		if d, err = e.loadDispute(ctx, tx, op, opts.TaskID, opts.DisputeID); err != nil {
			return err
		}
		if d.Status != domain.DisputeOpen {
			return domain.Errorf(domain.ErrInvalidState, domain.CodeAlreadyResolved, op, opts.TaskID, "dispute %d already resolved", d.ID)
		}
		h, err := e.Ledger.Holding(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		settled := h.State != domain.HoldingLocked
		if opts.FavorsCreator {
			if settled {
				return domain.Errorf(domain.ErrInvalidState, domain.CodeEscrowAlreadySettled, op, t.ID, "escrow already %s", h.State)
			}
			if d.Compensation, err = e.cancelForCreator(ctx, tx, op, &t, opts.Caller); err != nil {
				return err
			}
		} else if !settled {
			if err := e.settleToAssignee(ctx, tx, op, &t, opts.Caller); err != nil {
				return err
			}
		}
		ts := e.timestamp()
		d.Status = domain.DisputeResolved
		d.Resolution = opts.Resolution
		d.FavorsCreator = opts.FavorsCreator
		d.ResolvedBy = &opts.Caller
		d.ResolvedAt = &ts
		if err := e.Repo.ResolveDispute(ctx, tx, d); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx.Tx, events.DisputeResolved, "dispute", taskRef(d.ID), opts.Caller, events.EventPayload{
			"task_id":        t.ID,
			"favors_creator": d.FavorsCreator,
			"task_status":    t.Status,
			"compensation":   d.Compensation.String(),
		}); err != nil {
			return err
		}
		tx.afterCommit(func() { e.Metrics.DisputeResolved(ctx, opts.FavorsCreator) })
		return nil
	})
	return d, err
}

// cancelForCreator cancels t, refunds the creator and pays any insurance
// compensation. It returns the compensation actually paid.
func (e Engine) cancelForCreator(ctx context.Context, tx *txn, op string, t *domain.Task, actor string) (decimal.Decimal, error) {
	if err := ensureTaskTransition(op, t.ID, t.Status, domain.TaskCancelled); err != nil {
		return decimal.Zero, err
	}
	t.Status = domain.TaskCancelled
	t.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateTaskState(ctx, tx, *t); err != nil {
		return decimal.Zero, err
	}
	h, err := e.Ledger.Refund(ctx, tx.Tx, t.ID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := e.Events.Append(ctx, tx.Tx, events.TaskCancelled, "task", taskRef(t.ID), actor, events.EventPayload{}); err != nil {
		return decimal.Zero, err
	}
	if err := e.Events.Append(ctx, tx.Tx, events.EscrowRefunded, "task", taskRef(t.ID), actor, events.EventPayload{
		"to":     h.Depositor,
		"amount": h.Amount.String(),
		"token":  h.Token,
	}); err != nil {
		return decimal.Zero, err
	}
	tx.afterCommit(func() { e.Metrics.Settled(ctx, metrics.SettleRefund, h.Token) })

	paid := decimal.Zero
	if !t.HasInsurance || !t.IsAssigned() {
		return paid, nil
	}
	paid, err = e.Ledger.PayFromPool(ctx, tx.Tx, t.ID, t.Token, *t.Assignee, e.Config.Insurance.Compensation(t.Reward))
	if err != nil {
		return decimal.Zero, err
	}
	if paid.IsPositive() {
		if err := e.Events.Append(ctx, tx.Tx, events.InsurancePaid, "task", taskRef(t.ID), actor, events.EventPayload{
			"to":     *t.Assignee,
			"amount": paid.String(),
			"token":  t.Token,
		}); err != nil {
			return decimal.Zero, err
		}
		tx.afterCommit(func() { e.Metrics.Settled(ctx, metrics.SettlePayout, t.Token) })
	}
	return paid, nil
}

func (e Engine) GetDispute(ctx context.Context, taskID, disputeID int64) (domain.Dispute, error) {
	var d domain.Dispute
	err := e.read(ctx, func(q repo.Querier) error {
		var err error
		d, err = e.loadDispute(ctx, q, "get_dispute", taskID, disputeID)
		return err
	})
	return d, err
}

func (e Engine) ListDisputes(ctx context.Context, taskID int64) ([]domain.Dispute, error) {
	var res []domain.Dispute
	err := e.read(ctx, func(q repo.Querier) error {
		if _, err := e.loadTask(ctx, q, "list_disputes", taskID); err != nil {
			return err
		}
		var err error
		res, err = e.Repo.ListDisputes(ctx, q, taskID)
		return err
	})
	if err == nil && res == nil {
		res = []domain.Dispute{}
	}
	return res, err
}
