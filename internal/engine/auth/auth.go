package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"escrowline/internal/domain"
	"escrowline/internal/repo"
)

// Service manages the arbiter registry backed by SQL.
type Service struct {
	Now func() time.Time
}

func (s Service) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// IsArbiter reports whether actorID may resolve disputes.
func (s Service) IsArbiter(ctx context.Context, q repo.Querier, actorID string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	var n int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM arbiters WHERE identity=? LIMIT 1`, actorID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RequireArbiter fails with NotAuthorized unless actorID is an arbiter.
func (s Service) RequireArbiter(ctx context.Context, q repo.Querier, op string, taskID int64, actorID string) error {
	ok, err := s.IsArbiter(ctx, q, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Errorf(domain.ErrNotAuthorized, domain.CodeNotArbiter, op, taskID, "%s is not an arbiter", actorID)
	}
	return nil
}

// Grant adds identity to the registry. It reports false when it was already present.
func (s Service) Grant(ctx context.Context, tx *sql.Tx, identity, grantedBy string) (bool, error) {
	if identity == "" {
		return false, domain.Errorf(domain.ErrInvalidInput, domain.CodeMissingField, "grant_arbiter", 0, "identity required")
	}
	if grantedBy == "" {
		grantedBy = "config"
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO arbiters(identity,granted_by,created_at) VALUES (?,?,?)`,
		identity, grantedBy, s.now())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Revoke removes identity from the registry.
func (s Service) Revoke(ctx context.Context, tx *sql.Tx, identity string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM arbiters WHERE identity=?`, identity)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.ErrNotFound, domain.CodeArbiterNotFound, "revoke_arbiter", 0, "%s is not an arbiter", identity)
	}
	return nil
}

// List returns arbiters ordered by identity.
func (s Service) List(ctx context.Context, q repo.Querier) ([]domain.Arbiter, error) {
	rows, err := q.QueryContext(ctx, `SELECT identity,granted_by,created_at FROM arbiters ORDER BY identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Arbiter{}
	for rows.Next() {
		var a domain.Arbiter
		if err := rows.Scan(&a.Identity, &a.GrantedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Seed grants every configured arbiter that is not yet registered.
func (s Service) Seed(ctx context.Context, db *sql.DB, identities []string) error {
	if len(identities) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range identities {
		if id == "" {
			return errors.New("arbiter identity required")
		}
		if _, err := s.Grant(ctx, tx, id, "config"); err != nil {
			return err
		}
	}
	return tx.Commit()
}
