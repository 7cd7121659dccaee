package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/ledger"
	"escrowline/internal/repo"
)

// Wallet is the spendable balance of an identity and what escrow may pull from it.
type Wallet struct {
	Identity  string          `json:"identity"`
	Token     string          `json:"token"`
	Balance   decimal.Decimal `json:"balance"`
	Allowance decimal.Decimal `json:"allowance"`
}

func (e Engine) token(token string) string {
	if token == "" {
		return e.Config.Escrow.DefaultToken
	}
	return token
}

// Deposit funds identity's balance from the payment rail.
func (e Engine) Deposit(ctx context.Context, identity, token string, amount decimal.Decimal) (Wallet, error) {
	token = e.token(token)
	err := e.write(ctx, func(tx *txn) error {
		balance, err := e.Ledger.Deposit(ctx, tx.Tx, identity, token, amount)
		if err != nil {
			return err
		}
		return e.Events.Append(ctx, tx.Tx, events.WalletDeposited, "account", identity, identity, events.EventPayload{
			"token":   token,
			"amount":  amount.String(),
			"balance": balance.String(),
		})
	})
	if err != nil {
		return Wallet{}, err
	}
	return e.Wallet(ctx, identity, token)
}

// Approve sets how much of token escrow may lock from owner.
func (e Engine) Approve(ctx context.Context, owner, token string, amount decimal.Decimal) (Wallet, error) {
	token = e.token(token)
	err := e.write(ctx, func(tx *txn) error {
		if err := e.Ledger.Approve(ctx, tx.Tx, owner, token, amount); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx.Tx, events.WalletApproved, "account", owner, owner, events.EventPayload{
			"token":  token,
			"amount": amount.String(),
		})
	})
	if err != nil {
		return Wallet{}, err
	}
	return e.Wallet(ctx, owner, token)
}

// FundPool moves amount from the caller's balance into the insurance pool.
func (e Engine) FundPool(ctx context.Context, from, token string, amount decimal.Decimal) (Wallet, error) {
	token = e.token(token)
	err := e.write(ctx, func(tx *txn) error {
		if err := e.Ledger.Contribute(ctx, tx.Tx, from, token, amount); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx.Tx, events.PoolFunded, "account", ledger.PoolAccount, from, events.EventPayload{
			"token":  token,
			"amount": amount.String(),
		})
	})
	if err != nil {
		return Wallet{}, err
	}
	return e.Wallet(ctx, ledger.PoolAccount, token)
}

func (e Engine) Wallet(ctx context.Context, identity, token string) (Wallet, error) {
	w := Wallet{Identity: identity, Token: e.token(token)}
	err := e.read(ctx, func(q repo.Querier) error {
		var err error
		if w.Balance, err = e.Ledger.Balance(ctx, q, w.Identity, w.Token); err != nil {
			return err
		}
		w.Allowance, err = e.Ledger.Allowance(ctx, q, w.Identity, w.Token)
		return err
	})
	return w, err
}

// PoolBalance is the insurance pool balance in token.
func (e Engine) PoolBalance(ctx context.Context, token string) (Wallet, error) {
	return e.Wallet(ctx, ledger.PoolAccount, token)
}

func (e Engine) Holding(ctx context.Context, taskID int64) (domain.Holding, error) {
	var h domain.Holding
	err := e.read(ctx, func(q repo.Querier) error {
		var err error
		h, err = e.Ledger.Holding(ctx, q, taskID)
		return err
	})
	return h, err
}

// TotalLocked sums escrow still held in token.
func (e Engine) TotalLocked(ctx context.Context, token string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := e.read(ctx, func(q repo.Querier) error {
		var err error
		total, err = e.Ledger.TotalLocked(ctx, q, e.token(token))
		return err
	})
	return total, err
}

func (e Engine) Entries(ctx context.Context, f ledger.EntryFilters) ([]domain.LedgerEntry, error) {
	var res []domain.LedgerEntry
	err := e.read(ctx, func(q repo.Querier) error {
		var err error
		res, err = e.Ledger.Entries(ctx, q, f)
		return err
	})
	return res, err
}

func (e Engine) GetStats(ctx context.Context, identity string) (domain.UserStats, error) {
	var s domain.UserStats
	if identity == "" {
		return s, domain.Errorf(domain.ErrInvalidInput, domain.CodeMissingField, "get_stats", 0, "identity required")
	}
	err := e.read(ctx, func(q repo.Querier) error {
		var err error
		s, err = e.Stats.Get(ctx, q, identity)
		return err
	})
	return s, err
}

// GrantArbiter lets an existing arbiter appoint another.
func (e Engine) GrantArbiter(ctx context.Context, caller, identity string) (domain.Arbiter, error) {
	const op = "grant_arbiter"
	identity = strings.TrimSpace(identity)
	err := e.write(ctx, func(tx *txn) error {
		if err := e.Auth.RequireArbiter(ctx, tx, op, 0, caller); err != nil {
			return err
		}
		added, err := e.Auth.Grant(ctx, tx.Tx, identity, caller)
		if err != nil || !added {
			return err
		}
		return e.Events.Append(ctx, tx.Tx, events.ArbiterGranted, "arbiter", identity, caller, nil)
	})
	if err != nil {
		return domain.Arbiter{}, err
	}
	list, err := e.ListArbiters(ctx)
	if err != nil {
		return domain.Arbiter{}, err
	}
	for _, a := range list {
		if a.Identity == identity {
			return a, nil
		}
	}
	return domain.Arbiter{}, domain.Errorf(domain.ErrNotFound, domain.CodeArbiterNotFound, op, 0, "%s not registered", identity)
}

func (e Engine) RevokeArbiter(ctx context.Context, caller, identity string) error {
	const op = "revoke_arbiter"
	return e.write(ctx, func(tx *txn) error {
		if err := e.Auth.RequireArbiter(ctx, tx, op, 0, caller); err != nil {
			return err
		}
		if err := e.Auth.Revoke(ctx, tx.Tx, identity); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx.Tx, events.ArbiterRevoked, "arbiter", identity, caller, nil)
	})
}

func (e Engine) ListArbiters(ctx context.Context) ([]domain.Arbiter, error) {
	var res []domain.Arbiter
	err := e.read(ctx, func(q repo.Querier) error {
		var err error
		res, err = e.Auth.List(ctx, q)
		return err
	})
	return res, err
}

// CreateAPIKey issues a key for actorID. The secret is returned once; only its
// hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, domain.Errorf(domain.ErrInvalidInput, domain.CodeMissingField, "create_api_key", 0, "actor required")
	}
	secret := "el_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.timestamp(),
	}
	err := e.write(ctx, func(tx *txn) error {
		return e.Repo.InsertAPIKey(ctx, tx, key)
	})
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return secret, key, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	var res []domain.APIKey
	err := e.read(ctx, func(q repo.Querier) error {
		var err error
		res, err = e.Repo.ActorAPIKeys(ctx, q, actorID)
		return err
	})
	return res, err
}

// RevokeAPIKey disables one of the caller's keys. Keys owned by someone else
// are reported as missing.
func (e Engine) RevokeAPIKey(ctx context.Context, actorID, keyID string) (domain.APIKey, error) {
	const op = "revoke_api_key"
	var key domain.APIKey
	err := e.write(ctx, func(tx *txn) error {
		var err error
		key, err = e.Repo.GetAPIKey(ctx, tx, keyID)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && key.ActorID != actorID) {
			return domain.Errorf(domain.ErrNotFound, domain.CodeAPIKeyNotFound, op, 0, "api key %s not found", keyID)
		}
		if err != nil {
			return err
		}
		if key.RevokedAt != nil {
			return nil
		}
		at := e.timestamp()
		if err := e.Repo.RevokeAPIKey(ctx, tx, keyID, at); err != nil {
			return err
		}
		key.RevokedAt = &at
		return e.Events.Append(ctx, tx.Tx, events.APIKeyRevoked, "account", actorID, actorID, events.EventPayload{"key_id": keyID})
	})
	return key, err
}

// ListEvents returns audit events newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	var res []domain.Event
	err := e.read(ctx, func(q repo.Querier) error {
		var err error
		res, err = e.Repo.LatestEvents(ctx, q, f)
		return err
	})
	if err == nil && res == nil {
		res = []domain.Event{}
	}
	return res, err
}

// EventsAfter feeds the event relay.
func (e Engine) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	var res []domain.Event
	err := e.read(ctx, func(q repo.Querier) error {
		var err error
		res, err = e.Repo.EventsAfter(ctx, q, cursor, limit)
		return err
	})
	return res, err
}

func (e Engine) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := e.read(ctx, func(q repo.Querier) error {
		var err error
		id, err = e.Repo.LatestEventID(ctx, q)
		return err
	})
	return id, err
}

func (e Engine) IsArbiter(ctx context.Context, identity string) (bool, error) {
	var ok bool
	err := e.read(ctx, func(q repo.Querier) error {
		var err error
		ok, err = e.Auth.IsArbiter(ctx, q, identity)
		return err
	})
	return ok, err
}
