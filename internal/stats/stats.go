// Package stats aggregates per-identity completion statistics. Rows are only
// written from settlement paths and are never decremented.
package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
	"escrowline/internal/repo"
)

// Tracker records completions and serves cached reads.
type Tracker struct {
	cache *ristretto.Cache[string, domain.UserStats]
}

// New returns a Tracker caching up to maxEntries identities; 0 disables the cache.
func New(maxEntries int64) (*Tracker, error) {
	if maxEntries <= 0 {
		return &Tracker{}, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, domain.UserStats]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("stats cache: %w", err)
	}
	return &Tracker{cache: c}, nil
}

// RecordCompletion adds one completed task and amountPaid of token to identity.
// It must run inside the settlement transaction.
func (t *Tracker) RecordCompletion(ctx context.Context, tx *sql.Tx, identity, token string, amountPaid decimal.Decimal) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO user_stats(identity,tasks_completed) VALUES (?,1)
ON CONFLICT(identity) DO UPDATE SET tasks_completed=tasks_completed+1`, identity); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	current := decimal.Zero
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT total FROM user_earnings WHERE identity=? AND token=?`, identity, token).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		if current, err = decimal.NewFromString(raw); err != nil {
			return fmt.Errorf("earnings of %s: %w", identity, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO user_earnings(identity,token,total) VALUES (?,?,?)
ON CONFLICT(identity,token) DO UPDATE SET total=excluded.total`, identity, token, current.Add(amountPaid).String()); err != nil {
		return fmt.Errorf("record earnings: %w", err)
	}
	return nil
}

// Invalidate drops the cached stats of identity. Call after the settlement commits.
func (t *Tracker) Invalidate(identity string) {
	if t.cache != nil {
		t.cache.Del(identity)
	}
}

// Get returns the stats of identity; unknown identities have zero stats.
func (t *Tracker) Get(ctx context.Context, q repo.Querier, identity string) (domain.UserStats, error) {
	if t.cache != nil {
		if s, ok := t.cache.Get(identity); ok {
			return clone(s), nil
		}
	}
	s, err := load(ctx, q, identity)
	if err != nil {
		return s, err
	}
	if t.cache != nil {
		t.cache.Set(identity, clone(s), 1)
		// sets are buffered; a later Invalidate must not race an in-flight set
		t.cache.Wait()
	}
	return s, nil
}

// Close releases the cache.
func (t *Tracker) Close() {
	if t.cache != nil {
		t.cache.Close()
	}
}

func load(ctx context.Context, q repo.Querier, identity string) (domain.UserStats, error) {
	s := domain.UserStats{Identity: identity, TotalEarnings: []domain.Earning{}}
	err := q.QueryRowContext(ctx, `SELECT tasks_completed FROM user_stats WHERE identity=?`, identity).Scan(&s.TasksCompleted)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s, err
	}
	rows, err := q.QueryContext(ctx, `SELECT token,total FROM user_earnings WHERE identity=?`, identity)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.Earning
		var raw string
		if err := rows.Scan(&e.Token, &raw); err != nil {
			return s, err
		}
		if e.Amount, err = decimal.NewFromString(raw); err != nil {
			return s, err
		}
		s.TotalEarnings = append(s.TotalEarnings, e)
	}
	sort.Slice(s.TotalEarnings, func(i, j int) bool { return s.TotalEarnings[i].Token < s.TotalEarnings[j].Token })
	return s, rows.Err()
}

func clone(s domain.UserStats) domain.UserStats {
	out := s
	out.TotalEarnings = append([]domain.Earning{}, s.TotalEarnings...)
	return out
}
