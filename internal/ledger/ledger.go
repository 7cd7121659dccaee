// Package ledger holds escrowed task rewards and the account balances they are
// drawn from. It never changes task status; the engine calls it inside the same
// transaction that mutates the task so status and funds commit together.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
	"escrowline/internal/repo"
)

// PoolAccount is the identity holding the insurance pool balance.
const PoolAccount = "insurance-pool"

type Ledger struct {
	Now func() time.Time
}

func (l Ledger) now() string {
	if l.Now != nil {
		return l.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Deposit credits identity with amount of token, returning the new balance.
func (l Ledger) Deposit(ctx context.Context, tx *sql.Tx, identity, token string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validAmount("deposit", 0, amount); err != nil {
		return decimal.Zero, err
	}
	if identity == "" || token == "" {
		return decimal.Zero, domain.Errorf(domain.ErrInvalidInput, domain.CodeMissingField, "deposit", 0, "identity and token are required")
	}
	return l.credit(ctx, tx, identity, token, amount, nil, domain.EntryDeposit)
}

// Approve sets the amount of token the escrow may pull from owner.
func (l Ledger) Approve(ctx context.Context, tx *sql.Tx, owner, token string, amount decimal.Decimal) error {
	if !domain.AmountInRange(amount) {
		return outOfRange("approve", 0)
	}
	if amount.IsNegative() {
		return domain.Errorf(domain.ErrInvalidInput, domain.CodeInvalidAmount, "approve", 0, "allowance must not be negative")
	}
	if owner == "" || token == "" {
		return domain.Errorf(domain.ErrInvalidInput, domain.CodeMissingField, "approve", 0, "owner and token are required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO allowances(owner,token,amount) VALUES (?,?,?)
ON CONFLICT(owner,token) DO UPDATE SET amount=excluded.amount`, owner, token, amount.String())
	return err
}

// Lock pulls amount of token from the depositor's balance into the task
// holding. The depositor must hold the balance and have approved the amount.
func (l Ledger) Lock(ctx context.Context, tx *sql.Tx, taskID int64, amount decimal.Decimal, token, from string) error {
	const op = "lock"
	if err := validAmount(op, taskID, amount); err != nil {
		return err
	}
	if _, err := l.Holding(ctx, tx, taskID); err == nil {
		return domain.Errorf(domain.ErrInvalidState, domain.CodeAlreadyLocked, op, taskID, "task already has escrowed funds")
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err := l.transferFrom(ctx, tx, op, taskID, from, token, amount, domain.EntryEscrowLock); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO holdings(task_id,token,amount,depositor,state,created_at) VALUES (?,?,?,?,?,?)`,
		taskID, token, amount.String(), from, domain.HoldingLocked, l.now())
	if err != nil {
		return fmt.Errorf("insert holding: %w", err)
	}
	return nil
}

// Release pays the whole holding of taskID to to.
func (l Ledger) Release(ctx context.Context, tx *sql.Tx, taskID int64, to string) (domain.Holding, error) {
	return l.settle(ctx, tx, "release", taskID, to, domain.HoldingReleased, domain.EntryEscrowRelease)
}

// Refund returns the whole holding of taskID to its depositor.
func (l Ledger) Refund(ctx context.Context, tx *sql.Tx, taskID int64) (domain.Holding, error) {
	h, err := l.Holding(ctx, tx, taskID)
	if err != nil {
		return h, err
	}
	return l.settle(ctx, tx, "refund", taskID, h.Depositor, domain.HoldingRefunded, domain.EntryRefund)
}

// settle moves the full holding to to. The holding row carries the single
// settled state, which makes release and refund mutually exclusive.
func (l Ledger) settle(ctx context.Context, tx *sql.Tx, op string, taskID int64, to, state, entryType string) (domain.Holding, error) {
	h, err := l.Holding(ctx, tx, taskID)
	if err != nil {
		return h, err
	}
	if h.State != domain.HoldingLocked {
		return h, domain.Errorf(domain.ErrInvalidState, domain.CodeNothingLocked, op, taskID, "escrow already %s", h.State)
	}
	if to == "" {
		return h, domain.Errorf(domain.ErrInvalidInput, domain.CodeMissingField, op, taskID, "recipient required")
	}
	settledAt := l.now()
	res, err := tx.ExecContext(ctx, `UPDATE holdings SET state=?, settled_to=?, settled_at=? WHERE task_id=? AND state=?`,
		state, to, settledAt, taskID, domain.HoldingLocked)
	if err != nil {
		return h, fmt.Errorf("settle holding: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return h, domain.Errorf(domain.ErrInvalidState, domain.CodeNothingLocked, op, taskID, "escrow already settled")
	}
	if _, err := l.credit(ctx, tx, to, h.Token, h.Amount, &taskID, entryType); err != nil {
		return h, err
	}
	h.State = state
	h.SettledTo = &to
	h.SettledAt = &settledAt
	return h, nil
}

// ChargePremium pulls an insurance premium from the creator into the pool.
func (l Ledger) ChargePremium(ctx context.Context, tx *sql.Tx, taskID int64, from, token string, amount decimal.Decimal) error {
	const op = "premium"
	if amount.IsZero() {
		return nil
	}
	if err := validAmount(op, taskID, amount); err != nil {
		return err
	}
	if err := l.transferFrom(ctx, tx, op, taskID, from, token, amount, domain.EntryInsurancePremium); err != nil {
		return err
	}
	_, err := l.credit(ctx, tx, PoolAccount, token, amount, &taskID, domain.EntryInsurancePremium)
	return err
}

// Contribute moves amount of token from an account into the insurance pool.
func (l Ledger) Contribute(ctx context.Context, tx *sql.Tx, from, token string, amount decimal.Decimal) error {
	const op = "contribute"
	if err := validAmount(op, 0, amount); err != nil {
		return err
	}
	if err := l.debit(ctx, tx, op, 0, from, token, amount, nil, domain.EntryInsuranceContribution); err != nil {
		return err
	}
	_, err := l.credit(ctx, tx, PoolAccount, token, amount, nil, domain.EntryInsuranceContribution)
	return err
}

// PayFromPool pays up to limit of token from the pool to to and returns the
// amount actually paid, which is capped by the pool balance.
func (l Ledger) PayFromPool(ctx context.Context, tx *sql.Tx, taskID int64, token, to string, limit decimal.Decimal) (decimal.Decimal, error) {
	const op = "insurance_payout"
	if !limit.IsPositive() {
		return decimal.Zero, nil
	}
	pool, err := l.Balance(ctx, tx, PoolAccount, token)
	if err != nil {
		return decimal.Zero, err
	}
	pay := decimal.Min(limit, pool)
	if !pay.IsPositive() {
		return decimal.Zero, nil
	}
	if err := l.debit(ctx, tx, op, taskID, PoolAccount, token, pay, &taskID, domain.EntryInsurancePayout); err != nil {
		return decimal.Zero, err
	}
	if _, err := l.credit(ctx, tx, to, token, pay, &taskID, domain.EntryInsurancePayout); err != nil {
		return decimal.Zero, err
	}
	return pay, nil
}

// transferFrom debits from after checking balance then allowance, and
// consumes the allowance.
func (l Ledger) transferFrom(ctx context.Context, tx *sql.Tx, op string, taskID int64, from, token string, amount decimal.Decimal, entryType string) error {
	if from == "" || token == "" {
		return domain.Errorf(domain.ErrInvalidInput, domain.CodeMissingField, op, taskID, "account and token are required")
	}
	balance, err := l.Balance(ctx, tx, from, token)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return domain.Errorf(domain.ErrInsufficientFunds, domain.CodeInsufficientFunds, op, taskID,
			"%s holds %s %s, needs %s", from, balance, token, amount)
	}
	allowance, err := l.Allowance(ctx, tx, from, token)
	if err != nil {
		return err
	}
	if allowance.LessThan(amount) {
		return domain.Errorf(domain.ErrTransferFailed, domain.CodeTransferFailed, op, taskID,
			"%s approved %s %s, needs %s", from, allowance, token, amount)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE allowances SET amount=? WHERE owner=? AND token=?`,
		allowance.Sub(amount).String(), from, token); err != nil {
		return fmt.Errorf("consume allowance: %w", err)
	}
	var taskRef *int64
	if taskID > 0 {
		taskRef = &taskID
	}
	return l.debit(ctx, tx, op, taskID, from, token, amount, taskRef, entryType)
}

func (l Ledger) debit(ctx context.Context, tx *sql.Tx, op string, taskID int64, account, token string, amount decimal.Decimal, taskRef *int64, entryType string) error {
	balance, err := l.Balance(ctx, tx, account, token)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return domain.Errorf(domain.ErrInsufficientFunds, domain.CodeInsufficientFunds, op, taskID,
			"%s holds %s %s, needs %s", account, balance, token, amount)
	}
	after := balance.Sub(amount)
	if err := setBalance(ctx, tx, account, token, after); err != nil {
		return err
	}
	return l.appendEntry(ctx, tx, account, token, taskRef, entryType, amount.Neg(), after)
}

func (l Ledger) credit(ctx context.Context, tx *sql.Tx, account, token string, amount decimal.Decimal, taskRef *int64, entryType string) (decimal.Decimal, error) {
	balance, err := l.Balance(ctx, tx, account, token)
	if err != nil {
		return decimal.Zero, err
	}
	after := balance.Add(amount)
	if err := setBalance(ctx, tx, account, token, after); err != nil {
		return decimal.Zero, err
	}
	return after, l.appendEntry(ctx, tx, account, token, taskRef, entryType, amount, after)
}

func (l Ledger) appendEntry(ctx context.Context, tx *sql.Tx, account, token string, taskRef *int64, entryType string, amount, after decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(id,account,token,task_id,entry_type,amount,balance_after,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		uuid.NewString(), account, token, taskRef, entryType, amount.String(), after.String(), l.now())
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func setBalance(ctx context.Context, tx *sql.Tx, account, token string, balance decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(identity,token,balance) VALUES (?,?,?)
ON CONFLICT(identity,token) DO UPDATE SET balance=excluded.balance`, account, token, balance.String())
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

func validAmount(op string, taskID int64, amount decimal.Decimal) error {
	if !domain.AmountInRange(amount) {
		return outOfRange(op, taskID)
	}
	if !amount.IsPositive() {
		return domain.Errorf(domain.ErrInvalidInput, domain.CodeInvalidAmount, op, taskID, "amount must be positive, got %s", amount)
	}
	return nil
}

func outOfRange(op string, taskID int64) error {
	return domain.Errorf(domain.ErrInvalidInput, domain.CodeInvalidAmount, op, taskID,
		"amount exceeds %d digits or %d decimal places", domain.MaxAmountDigits, domain.MaxAmountScale)
}

// Balance returns the balance of identity in token, zero for unknown accounts.
func (l Ledger) Balance(ctx context.Context, q repo.Querier, identity, token string) (decimal.Decimal, error) {
	return readAmount(ctx, q, `SELECT balance FROM accounts WHERE identity=? AND token=?`, identity, token)
}

// Allowance returns how much of token the escrow may pull from owner.
func (l Ledger) Allowance(ctx context.Context, q repo.Querier, owner, token string) (decimal.Decimal, error) {
	return readAmount(ctx, q, `SELECT amount FROM allowances WHERE owner=? AND token=?`, owner, token)
}

func readAmount(ctx context.Context, q repo.Querier, query string, args ...any) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// Holding returns the escrow record of taskID.
func (l Ledger) Holding(ctx context.Context, q repo.Querier, taskID int64) (domain.Holding, error) {
	var (
		h         domain.Holding
		amount    string
		settledTo sql.NullString
		settledAt sql.NullString
	)
	err := q.QueryRowContext(ctx, `SELECT task_id,token,amount,depositor,state,settled_to,settled_at,created_at FROM holdings WHERE task_id=?`, taskID).
		Scan(&h.TaskID, &h.Token, &amount, &h.Depositor, &h.State, &settledTo, &settledAt, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return h, domain.Errorf(domain.ErrNotFound, domain.CodeHoldingNotFound, "holding", taskID, "no escrow for task")
	}
	if err != nil {
		return h, err
	}
	if h.Amount, err = decimal.NewFromString(amount); err != nil {
		return h, fmt.Errorf("holding %d amount: %w", taskID, err)
	}
	if settledTo.Valid {
		h.SettledTo = &settledTo.String
	}
	if settledAt.Valid {
		h.SettledAt = &settledAt.String
	}
	return h, nil
}

// TotalLocked sums the holdings still locked in token.
func (l Ledger) TotalLocked(ctx context.Context, q repo.Querier, token string) (decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, `SELECT amount FROM holdings WHERE token=? AND state=?`, token, domain.HoldingLocked)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()
	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

type EntryFilters struct {
	Account string
	TaskID  int64
	Limit   int
}

// Entries returns ledger entries newest first.
func (l Ledger) Entries(ctx context.Context, q repo.Querier, f EntryFilters) ([]domain.LedgerEntry, error) {
	query := `SELECT id,account,token,task_id,entry_type,amount,balance_after,created_at FROM ledger_entries WHERE 1=1`
	var args []any
	if f.Account != "" {
		query += ` AND account=?`
		args = append(args, f.Account)
	}
	if f.TaskID > 0 {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	query += ` ORDER BY rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.LedgerEntry{}
	for rows.Next() {
		var (
			e             domain.LedgerEntry
			taskID        sql.NullInt64
			amount, after string
		)
		if err := rows.Scan(&e.ID, &e.Account, &e.Token, &taskID, &e.EntryType, &amount, &after, &e.CreatedAt); err != nil {
			return nil, err
		}
		if taskID.Valid {
			e.TaskID = &taskID.Int64
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
