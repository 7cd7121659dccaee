package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every *Error unwraps to exactly one of these.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrInvalidState      = errors.New("invalid state")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrNotFound          = errors.New("not found")
)

// Error codes.
const (
	CodeInvalidReward              = "invalid_reward"
	CodeInvalidDeadline            = "invalid_deadline"
	CodeInvalidAmount              = "invalid_amount"
	CodeMissingField               = "missing_field"
	CodeMilestoneRewardExceedsTask = "milestone_reward_exceeds_task"
	CodeUnsupportedToken           = "unsupported_token"

	CodeNotCreator  = "not_creator"
	CodeNotAssignee = "not_assignee"
	CodeNotArbiter  = "not_arbiter"
	CodeNotParty    = "not_party"

	CodeTaskNotOpen           = "task_not_open"
	CodeCreatorCannotApply    = "creator_cannot_apply"
	CodeAlreadyApplied        = "already_applied"
	CodeAssigneeNotApplied    = "assignee_has_not_applied"
	CodeAlreadyAssigned       = "already_assigned"
	CodeTaskNotInProgress     = "task_not_in_progress"
	CodeMilestoneNotPending   = "milestone_not_pending"
	CodeMilestoneNotCompleted = "milestone_not_completed"
	CodeMilestonesIncomplete  = "milestones_incomplete"
	CodeAlreadyCompleted      = "already_completed"
	CodeDisputeOpen           = "dispute_open"
	CodeTaskNotDisputable     = "task_not_disputable"
	CodeDisputeAlreadyOpen    = "dispute_already_open"
	CodeAlreadyResolved       = "already_resolved"
	CodeNothingLocked         = "nothing_locked"
	CodeAlreadyLocked         = "already_locked"
	CodeEscrowAlreadySettled  = "escrow_already_settled"

	CodeInsufficientFunds = "insufficient_funds"
	CodeTransferFailed    = "transfer_failed"

	CodeTaskNotFound      = "task_not_found"
	CodeMilestoneNotFound = "milestone_not_found"
	CodeDisputeNotFound   = "dispute_not_found"
	CodeHoldingNotFound   = "holding_not_found"
	CodeArbiterNotFound   = "arbiter_not_found"
	CodeAPIKeyNotFound    = "api_key_not_found"
)

// Error is a failed marketplace operation. Kind is one of the Err* sentinels.
type Error struct {
	Kind    error
	Code    string
	Op      string
	TaskID  int64
	Message string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.TaskID > 0 {
		return fmt.Sprintf("%s: %s (task %d)", e.Op, msg, e.TaskID)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Kind }

// Errorf builds an *Error with a formatted message.
func Errorf(kind error, code, op string, taskID int64, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Op:      op,
		TaskID:  taskID,
		Message: fmt.Sprintf(format, args...),
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// KindOf returns the kind sentinel err matches, or nil for foreign errors.
func KindOf(err error) error {
	for _, k := range []error{ErrInvalidInput, ErrNotAuthorized, ErrInvalidState, ErrInsufficientFunds, ErrTransferFailed, ErrNotFound} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
