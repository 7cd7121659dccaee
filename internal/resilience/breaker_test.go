package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errPublish = errors.New("nats: no servers available")

func fail(context.Context) error { return errPublish }
func ok(context.Context) error   { return nil }

func TestOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, fail); !errors.Is(err, errPublish) {
			t.Fatalf("attempt %d: expected publish error, got %v", i, err)
		}
	}
	if err := b.Do(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if b.State() != "open" {
		t.Fatalf("state = %s", b.State())
	}
}

func TestProbeClosesAfterCooldown(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Second)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	if err := b.Do(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	now = now.Add(2 * time.Second)
	if err := b.Do(ctx, ok); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if b.State() != "closed" {
		t.Fatalf("state after successful probe = %s", b.State())
	}
}

func TestFailedProbeReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Second)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	now = now.Add(2 * time.Second)
	_ = b.Do(ctx, fail)
	if err := b.Do(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reopened circuit, got %v", err)
	}
}

func TestCancelledContextIsNotAFailure(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Do(ctx, fail); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.State() != "closed" {
		t.Fatalf("cancelled call tripped the breaker")
	}
}
