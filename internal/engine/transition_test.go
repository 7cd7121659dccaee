package engine

import (
	"errors"
	"testing"

	"escrowline/internal/domain"
)

func TestEnsureTaskTransition(t *testing.T) {
	allowed := [][2]string{
		{domain.TaskCreated, domain.TaskInProgress},
		{domain.TaskInProgress, domain.TaskCompleted},
		{domain.TaskInProgress, domain.TaskCancelled},
	}
	for _, tr := range allowed {
		if err := ensureTaskTransition("assign_task", 1, tr[0], tr[1]); err != nil {
			t.Fatalf("%s -> %s: %v", tr[0], tr[1], err)
		}
	}

	err := ensureTaskTransition("complete_task", 7, domain.TaskCreated, domain.TaskCompleted)
	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *domain.Error, got %T (%v)", err, err)
	}
	if de.Op != "complete_task" || de.TaskID != 7 {
		t.Fatalf("error should carry the caller's op and task, got op=%q task=%d", de.Op, de.TaskID)
	}
	if !errors.Is(err, domain.ErrInvalidState) || de.Code != domain.CodeTaskNotInProgress {
		t.Fatalf("unexpected error %v", err)
	}
	if err := ensureTaskTransition("resolve_dispute", 3, domain.TaskCompleted, domain.TaskCancelled); err == nil {
		t.Fatalf("completed task must not be cancelled")
	}
}
