package stats_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/shopspring/decimal"

	"escrowline/internal/db"
	"escrowline/internal/migrate"
	"escrowline/internal/stats"
)

func open(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func record(t *testing.T, conn *sql.DB, tr *stats.Tracker, who, token string, amount int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := tr.RecordCompletion(ctx, tx, who, token, decimal.NewFromInt(amount)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	tr.Invalidate(who)
}

func TestRecordCompletionAccumulates(t *testing.T) {
	conn := open(t)
	tr, err := stats.New(0)
	if err != nil {
		t.Fatal(err)
	}
	record(t, conn, tr, "bob", "ETH", 100)
	record(t, conn, tr, "bob", "ETH", 50)
	record(t, conn, tr, "bob", "USDC", 7)

	s, err := tr.Get(context.Background(), conn, "bob")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.TasksCompleted != 3 {
		t.Fatalf("tasks completed = %d", s.TasksCompleted)
	}
	if !s.EarningsIn("ETH").Equal(decimal.NewFromInt(150)) || !s.EarningsIn("USDC").Equal(decimal.NewFromInt(7)) {
		t.Fatalf("earnings = %+v", s.TotalEarnings)
	}
	if s.TotalEarnings[0].Token != "ETH" {
		t.Fatalf("earnings not sorted by token: %+v", s.TotalEarnings)
	}
}

func TestCachedReadsSeeInvalidatedWrites(t *testing.T) {
	conn := open(t)
	tr, err := stats.New(10)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	ctx := context.Background()
	if s, err := tr.Get(ctx, conn, "bob"); err != nil || s.TasksCompleted != 0 || s.TotalEarnings == nil {
		t.Fatalf("empty stats = %+v (%v)", s, err)
	}
	record(t, conn, tr, "bob", "ETH", 10)
	s, err := tr.Get(ctx, conn, "bob")
	if err != nil || s.TasksCompleted != 1 {
		t.Fatalf("stats after completion = %+v (%v)", s, err)
	}
	s.TotalEarnings[0].Token = "mutated"
	again, _ := tr.Get(ctx, conn, "bob")
	if again.TotalEarnings[0].Token != "ETH" {
		t.Fatalf("cached value shared with caller")
	}
}
