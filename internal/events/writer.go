package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the marketplace engine.
const (
	TaskCreated        = "task.created"
	TaskApplied        = "task.applied"
	TaskAssigned       = "task.assigned"
	TaskCompleted      = "task.completed"
	TaskCancelled      = "task.cancelled"
	MilestoneCreated   = "milestone.created"
	MilestoneCompleted = "milestone.completed"
	MilestoneRejected  = "milestone.rejected"
	DisputeCreated     = "dispute.created"
	DisputeResolved    = "dispute.resolved"
	EscrowLocked       = "escrow.locked"
	EscrowReleased     = "escrow.released"
	EscrowRefunded     = "escrow.refunded"
	InsurancePaid      = "insurance.paid"
	WalletDeposited    = "wallet.deposited"
	WalletApproved     = "wallet.approved"
	PoolFunded         = "pool.funded"
	ArbiterGranted     = "arbiter.granted"
	ArbiterRevoked     = "arbiter.revoked"
	APIKeyRevoked      = "api_key.revoked"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
