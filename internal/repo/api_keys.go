package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"escrowline/internal/domain"
)

const apiKeyColumns = `id, actor_id, COALESCE(name,''), key_hash, created_at, revoked_at`

// HashAPIKey is the only form in which key secrets reach the database.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(row scannable) (domain.APIKey, error) {
	var (
		k       domain.APIKey
		revoked sql.NullString
	)
	err := row.Scan(&k.ID, &k.ActorID, &k.Name, &k.KeyHash, &k.CreatedAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	if revoked.Valid {
		k.RevokedAt = &revoked.String
	}
	return k, nil
}

func (r Repo) InsertAPIKey(ctx context.Context, q Querier, k domain.APIKey) error {
	if k.ID == "" || k.ActorID == "" || k.KeyHash == "" || k.CreatedAt == "" {
		return errors.New("api key: id, actor, hash and created_at are required")
	}
	_, err := q.ExecContext(ctx, `INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		k.ID, k.ActorID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	return err
}

// ActiveAPIKey resolves a secret's hash to a key that has not been revoked.
func (r Repo) ActiveAPIKey(ctx context.Context, hash string) (domain.APIKey, error) {
	return scanAPIKey(r.DB.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? AND revoked_at IS NULL`, hash))
}

func (r Repo) GetAPIKey(ctx context.Context, q Querier, id string) (domain.APIKey, error) {
	return scanAPIKey(q.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id=?`, id))
}

// ActorAPIKeys lists an actor's keys, revoked ones included, newest first.
func (r Repo) ActorAPIKeys(ctx context.Context, q Querier, actorID string) ([]domain.APIKey, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE actor_id=? ORDER BY created_at DESC, id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey stamps revoked_at once; revoking twice is a no-op.
func (r Repo) RevokeAPIKey(ctx context.Context, q Querier, id, at string) error {
	_, err := q.ExecContext(ctx, `UPDATE api_keys SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, at, id)
	return err
}
