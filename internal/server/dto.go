package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Reward       string   `json:"reward" example:"100"`
	Token        string   `json:"token,omitempty" example:"ETH"`
	Deadline     string   `json:"deadline" format:"date-time"`
	HasInsurance bool     `json:"has_insurance,omitempty"`
	Category     string   `json:"category,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	MetadataHash string   `json:"metadata_hash,omitempty"`
}

type ApplyRequest struct {
	Proposal string `json:"proposal,omitempty"`
}

type AssignRequest struct {
	Assignee string `json:"assignee"`
}

type CreateMilestoneRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Reward      string `json:"reward" example:"40"`
}

type CompleteMilestoneRequest struct {
	ProofHash string `json:"proof_hash,omitempty"`
}

type CreateDisputeRequest struct {
	Reason string `json:"reason"`
}

type ResolveDisputeRequest struct {
	Resolution    string `json:"resolution,omitempty"`
	FavorsCreator bool   `json:"favors_creator"`
}

type AmountRequest struct {
	Token  string `json:"token,omitempty" example:"ETH"`
	Amount string `json:"amount" example:"250"`
}

type GrantArbiterRequest struct {
	Identity string `json:"identity"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type TaskResponse struct {
	ID           int64    `json:"id"`
	Creator      string   `json:"creator"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Reward       string   `json:"reward"`
	Token        string   `json:"token"`
	Deadline     string   `json:"deadline" format:"date-time"`
	HasInsurance bool     `json:"has_insurance"`
	Category     string   `json:"category,omitempty"`
	Tags         []string `json:"tags"`
	MetadataHash string   `json:"metadata_hash,omitempty"`
	Status       string   `json:"status" enum:"created,in_progress,completed,cancelled"`
	Assignee     *string  `json:"assignee,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
	CompletedAt  *string  `json:"completed_at,omitempty" format:"date-time"`
}

type ApplicationResponse struct {
	TaskID    int64  `json:"task_id"`
	Applicant string `json:"applicant"`
	Proposal  string `json:"proposal"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type MilestoneResponse struct {
	ID          int64  `json:"id"`
	TaskID      int64  `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Reward      string `json:"reward"`
	Status      string `json:"status" enum:"pending,completed,rejected"`
	ProofHash   string `json:"proof_hash,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type DisputeResponse struct {
	ID            int64   `json:"id"`
	TaskID        int64   `json:"task_id"`
	Initiator     string  `json:"initiator"`
	Reason        string  `json:"reason"`
	Status        string  `json:"status" enum:"open,resolved"`
	Resolution    string  `json:"resolution,omitempty"`
	FavorsCreator bool    `json:"favors_creator"`
	ResolvedBy    *string `json:"resolved_by,omitempty"`
	Compensation  string  `json:"compensation"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ResolvedAt    *string `json:"resolved_at,omitempty" format:"date-time"`
}

type HoldingResponse struct {
	TaskID    int64   `json:"task_id"`
	Token     string  `json:"token"`
	Amount    string  `json:"amount"`
	Depositor string  `json:"depositor"`
	State     string  `json:"state" enum:"locked,released,refunded"`
	SettledTo *string `json:"settled_to,omitempty"`
	SettledAt *string `json:"settled_at,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type WalletResponse struct {
	Identity  string `json:"identity"`
	Token     string `json:"token"`
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

type LedgerEntryResponse struct {
	ID           string `json:"id"`
	Account      string `json:"account"`
	Token        string `json:"token"`
	TaskID       *int64 `json:"task_id,omitempty"`
	EntryType    string `json:"entry_type"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type EarningResponse struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type StatsResponse struct {
	Identity       string            `json:"identity"`
	TasksCompleted int64             `json:"tasks_completed"`
	TotalEarnings  []EarningResponse `json:"total_earnings"`
}

type StatusResponse struct {
	TaskCounts   map[string]int `json:"task_counts"`
	DefaultToken string         `json:"default_token"`
	TotalLocked  string         `json:"total_locked"`
}

type ArbiterResponse struct {
	Identity  string `json:"identity"`
	GrantedBy string `json:"granted_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string  `json:"id"`
	ActorID   string  `json:"actor_id"`
	Name      string  `json:"name,omitempty"`
	Key       string  `json:"key,omitempty" doc:"Secret, returned only when the key is issued"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	RevokedAt *string `json:"revoked_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type MeResponse struct {
	ActorID   string `json:"actor_id"`
	Source    string `json:"source"`
	IsArbiter bool   `json:"is_arbiter"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type listApplications struct {
	Items []ApplicationResponse `json:"items"`
}

type listMilestones struct {
	Items []MilestoneResponse `json:"items"`
}

type listDisputes struct {
	Items []DisputeResponse `json:"items"`
}

type listAPIKeys struct {
	Items []APIKeyResponse `json:"items"`
}

type listEntries struct {
	Items []LedgerEntryResponse `json:"items"`
}

type listArbiters struct {
	Items []ArbiterResponse `json:"items"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		Creator:      t.Creator,
		Title:        t.Title,
		Description:  t.Description,
		Reward:       t.Reward.String(),
		Token:        t.Token,
		Deadline:     t.Deadline,
		HasInsurance: t.HasInsurance,
		Category:     t.Category,
		Tags:         nonNilSlice(t.Tags),
		MetadataHash: t.MetadataHash,
		Status:       t.Status,
		Assignee:     t.Assignee,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		CompletedAt:  t.CompletedAt,
	}
}

func applicationResponse(a domain.Application) ApplicationResponse {
	return ApplicationResponse(a)
}

func milestoneResponse(m domain.Milestone) MilestoneResponse {
	return MilestoneResponse{
		ID:          m.ID,
		TaskID:      m.TaskID,
		Title:       m.Title,
		Description: m.Description,
		Reward:      m.Reward.String(),
		Status:      m.Status,
		ProofHash:   m.ProofHash,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func disputeResponse(d domain.Dispute) DisputeResponse {
	return DisputeResponse{
		ID:            d.ID,
		TaskID:        d.TaskID,
		Initiator:     d.Initiator,
		Reason:        d.Reason,
		Status:        d.Status,
		Resolution:    d.Resolution,
		FavorsCreator: d.FavorsCreator,
		ResolvedBy:    d.ResolvedBy,
		Compensation:  d.Compensation.String(),
		CreatedAt:     d.CreatedAt,
		ResolvedAt:    d.ResolvedAt,
	}
}

func holdingResponse(h domain.Holding) HoldingResponse {
	return HoldingResponse{
		TaskID:    h.TaskID,
		Token:     h.Token,
		Amount:    h.Amount.String(),
		Depositor: h.Depositor,
		State:     h.State,
		SettledTo: h.SettledTo,
		SettledAt: h.SettledAt,
		CreatedAt: h.CreatedAt,
	}
}

func walletResponse(w engine.Wallet) WalletResponse {
	return WalletResponse{
		Identity:  w.Identity,
		Token:     w.Token,
		Balance:   w.Balance.String(),
		Allowance: w.Allowance.String(),
	}
}

func entryResponse(e domain.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		ID:           e.ID,
		Account:      e.Account,
		Token:        e.Token,
		TaskID:       e.TaskID,
		EntryType:    e.EntryType,
		Amount:       e.Amount.String(),
		BalanceAfter: e.BalanceAfter.String(),
		CreatedAt:    e.CreatedAt,
	}
}

func statsResponse(s domain.UserStats) StatsResponse {
	res := StatsResponse{
		Identity:       s.Identity,
		TasksCompleted: s.TasksCompleted,
		TotalEarnings:  make([]EarningResponse, 0, len(s.TotalEarnings)),
	}
	for _, e := range s.TotalEarnings {
		res.TotalEarnings = append(res.TotalEarnings, EarningResponse{Token: e.Token, Amount: e.Amount.String()})
	}
	return res
}

func arbiterResponse(a domain.Arbiter) ArbiterResponse {
	return ArbiterResponse(a)
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt, RevokedAt: k.RevokedAt}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapSlice[T, R any](items []T, fn func(T) R) []R {
	res := make([]R, 0, len(items))
	for _, it := range items {
		res = append(res, fn(it))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// parseAmount reads a decimal amount field. Empty means zero so the engine
// reports the domain error for a missing amount.
func parseAmount(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, newAPIError(http.StatusBadRequest, "bad_request", field+" must be a decimal number", map[string]any{"field": field, "value": raw})
	}
	if !domain.AmountInRange(d) {
		return decimal.Zero, newAPIError(http.StatusBadRequest, domain.CodeInvalidAmount,
			fmt.Sprintf("%s exceeds %d digits or %d decimal places", field, domain.MaxAmountDigits, domain.MaxAmountScale),
			map[string]any{"field": field})
	}
	return d, nil
}
