package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/ledger"
	"escrowline/internal/migrate"
	"escrowline/internal/repo"
)

func setup(t *testing.T) (*sql.DB, ledger.Ledger) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn, ledger.Ledger{Now: func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }}
}

// inTx runs fn in a transaction and commits only when it succeeds.
func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTask(t *testing.T, conn *sql.DB) int64 {
	t.Helper()
	id, err := repo.Repo{DB: conn}.InsertTask(context.Background(), conn, domain.Task{
		Creator: "alice", Title: "t", Reward: decimal.NewFromInt(10), Token: "ETH",
		Deadline: "2025-02-01T00:00:00Z", Status: domain.TaskCreated,
		CreatedAt: "2025-01-01T00:00:00Z", UpdatedAt: "2025-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return id
}

func fund(t *testing.T, conn *sql.DB, l ledger.Ledger, who string, amount, allowance int64) {
	t.Helper()
	ctx := context.Background()
	err := inTx(t, conn, func(tx *sql.Tx) error {
		if _, err := l.Deposit(ctx, tx, who, "ETH", decimal.NewFromInt(amount)); err != nil {
			return err
		}
		return l.Approve(ctx, tx, who, "ETH", decimal.NewFromInt(allowance))
	})
	if err != nil {
		t.Fatalf("fund %s: %v", who, err)
	}
}

func TestLockChecksBalanceThenAllowance(t *testing.T) {
	conn, l := setup(t)
	ctx := context.Background()
	id := insertTask(t, conn)

	err := inTx(t, conn, func(tx *sql.Tx) error { return l.Lock(ctx, tx, id, decimal.NewFromInt(10), "ETH", "alice") })
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	fund(t, conn, l, "alice", 10, 5)
	err = inTx(t, conn, func(tx *sql.Tx) error { return l.Lock(ctx, tx, id, decimal.NewFromInt(10), "ETH", "alice") })
	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	_, err = l.Holding(ctx, conn, id)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("failed lock left a holding: %v", err)
	}
}

func TestReleaseAndRefundAreExclusive(t *testing.T) {
	conn, l := setup(t)
	ctx := context.Background()
	id := insertTask(t, conn)
	fund(t, conn, l, "alice", 10, 10)

	if err := inTx(t, conn, func(tx *sql.Tx) error { return l.Lock(ctx, tx, id, decimal.NewFromInt(10), "ETH", "alice") }); err != nil {
		t.Fatalf("lock: %v", err)
	}
	err := inTx(t, conn, func(tx *sql.Tx) error { return l.Lock(ctx, tx, id, decimal.NewFromInt(1), "ETH", "alice") })
	if domain.CodeOf(err) != domain.CodeAlreadyLocked {
		t.Fatalf("expected already_locked, got %v", err)
	}
	if err := inTx(t, conn, func(tx *sql.Tx) error { _, err := l.Release(ctx, tx, id, "bob"); return err }); err != nil {
		t.Fatalf("release: %v", err)
	}
	err = inTx(t, conn, func(tx *sql.Tx) error { _, err := l.Refund(ctx, tx, id); return err })
	if !errors.Is(err, domain.ErrInvalidState) || domain.CodeOf(err) != domain.CodeNothingLocked {
		t.Fatalf("refund after release: %v", err)
	}
	err = inTx(t, conn, func(tx *sql.Tx) error { _, err := l.Release(ctx, tx, id, "bob"); return err })
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second release: %v", err)
	}
	h, err := l.Holding(ctx, conn, id)
	if err != nil || h.State != domain.HoldingReleased || h.SettledTo == nil || *h.SettledTo != "bob" {
		t.Fatalf("holding = %+v (%v)", h, err)
	}
	bob, _ := l.Balance(ctx, conn, "bob", "ETH")
	alice, _ := l.Balance(ctx, conn, "alice", "ETH")
	if !bob.Equal(decimal.NewFromInt(10)) || !alice.IsZero() {
		t.Fatalf("balances bob=%s alice=%s", bob, alice)
	}
}

func TestRefundReturnsToDepositor(t *testing.T) {
	conn, l := setup(t)
	ctx := context.Background()
	id := insertTask(t, conn)
	fund(t, conn, l, "alice", 10, 10)
	if err := inTx(t, conn, func(tx *sql.Tx) error { return l.Lock(ctx, tx, id, decimal.NewFromInt(10), "ETH", "alice") }); err != nil {
		t.Fatal(err)
	}
	locked, _ := l.TotalLocked(ctx, conn, "ETH")
	if !locked.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("locked = %s", locked)
	}
	if err := inTx(t, conn, func(tx *sql.Tx) error { _, err := l.Refund(ctx, tx, id); return err }); err != nil {
		t.Fatalf("refund: %v", err)
	}
	alice, _ := l.Balance(ctx, conn, "alice", "ETH")
	if !alice.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("alice = %s", alice)
	}
	locked, _ = l.TotalLocked(ctx, conn, "ETH")
	if !locked.IsZero() {
		t.Fatalf("locked after refund = %s", locked)
	}
}

func TestPayFromPoolCapsAtBalance(t *testing.T) {
	conn, l := setup(t)
	ctx := context.Background()
	id := insertTask(t, conn)
	fund(t, conn, l, "sponsor", 5, 0)
	if err := inTx(t, conn, func(tx *sql.Tx) error {
		return l.Contribute(ctx, tx, "sponsor", "ETH", decimal.NewFromInt(5))
	}); err != nil {
		t.Fatalf("contribute: %v", err)
	}
	var paid decimal.Decimal
	if err := inTx(t, conn, func(tx *sql.Tx) error {
		var err error
		paid, err = l.PayFromPool(ctx, tx, id, "ETH", "bob", decimal.NewFromInt(8))
		return err
	}); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if !paid.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("paid = %s", paid)
	}
	pool, _ := l.Balance(ctx, conn, ledger.PoolAccount, "ETH")
	if !pool.IsZero() {
		t.Fatalf("pool = %s", pool)
	}
	entries, err := l.Entries(ctx, conn, ledger.EntryFilters{Account: "bob"})
	if err != nil || len(entries) != 1 || entries[0].EntryType != domain.EntryInsurancePayout {
		t.Fatalf("bob entries = %+v (%v)", entries, err)
	}
	if !entries[0].BalanceAfter.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("balance after = %s", entries[0].BalanceAfter)
	}
}

func TestDepositRejectsNonPositive(t *testing.T) {
	conn, l := setup(t)
	err := inTx(t, conn, func(tx *sql.Tx) error {
		_, err := l.Deposit(context.Background(), tx, "alice", "ETH", decimal.Zero)
		return err
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestAmountsOutsidePrecisionAreRejected(t *testing.T) {
	conn, l := setup(t)
	ctx := context.Background()
	err := inTx(t, conn, func(tx *sql.Tx) error {
		_, err := l.Deposit(ctx, tx, "mallory", "ETH", decimal.RequireFromString("1e5000000"))
		return err
	})
	if domain.CodeOf(err) != domain.CodeInvalidAmount {
		t.Fatalf("huge deposit: %v", err)
	}
	err = inTx(t, conn, func(tx *sql.Tx) error {
		return l.Approve(ctx, tx, "mallory", "ETH", decimal.RequireFromString("0.0000000000000000001"))
	})
	if domain.CodeOf(err) != domain.CodeInvalidAmount {
		t.Fatalf("fine-grained allowance: %v", err)
	}
	err = inTx(t, conn, func(tx *sql.Tx) error {
		_, err := l.Deposit(ctx, tx, "alice", "ETH", decimal.RequireFromString("99999999999999999999.999999999999999999"))
		return err
	})
	if err != nil {
		t.Fatalf("deposit at the precision limit: %v", err)
	}
}
