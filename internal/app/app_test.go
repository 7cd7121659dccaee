package app

import (
	"context"
	"os"
	"testing"

	"escrowline/internal/config"
)

func TestOpenSeedsConfiguredArbiters(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte("arbiters: [judge]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	list, err := a.Engine.ListArbiters(ctx)
	if err != nil || len(list) != 1 || list[0].Identity != "judge" {
		t.Fatalf("arbiters = %+v (%v)", list, err)
	}
	if list[0].GrantedBy != "config" {
		t.Fatalf("granted by = %s", list[0].GrantedBy)
	}
}

func TestOpenTwiceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Arbiters = []string{"judge"}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		a, err := Open(ctx, Options{Workspace: dir, Config: cfg})
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if err := a.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
}
