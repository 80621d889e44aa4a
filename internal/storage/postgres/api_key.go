package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"programista_hub/internal/domain"
)

type APIKeyStore struct {
	db *sqlx.DB
}

func NewAPIKeyStore(db *sqlx.DB) *APIKeyStore {
	return &APIKeyStore{db: db}
}

func (s *APIKeyStore) Create(ctx context.Context, key *domain.APIKey) error {
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO api_keys (key_hash, label)
		VALUES ($1, $2)
		RETURNING created_at`,
		key.Hash, key.Label,
	).Scan(&key.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// Active reports whether hash belongs to a key that has not been revoked.
func (s *APIKeyStore) Active(ctx context.Context, hash string) (bool, error) {
	var active bool
	err := s.db.GetContext(ctx, &active, `
		SELECT EXISTS (
			SELECT 1 FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL
		)`, hash)
	if err != nil {
		return false, fmt.Errorf("lookup api key: %w", err)
	}
	return active, nil
}

// Revoke marks the key revoked. It returns domain.ErrNotFound when no
// active key has that hash.
func (s *APIKeyStore) Revoke(ctx context.Context, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = now()
		WHERE key_hash = $1 AND revoked_at IS NULL`, hash)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("api key: %w", domain.ErrNotFound)
	}
	return nil
}

func (s *APIKeyStore) Get(ctx context.Context, hash string) (*domain.APIKey, error) {
	var key domain.APIKey
	err := s.db.GetContext(ctx, &key, `
		SELECT key_hash, label, created_at, revoked_at
		FROM api_keys
		WHERE key_hash = $1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("api key: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

func (s *APIKeyStore) List(ctx context.Context) ([]domain.APIKey, error) {
	keys := []domain.APIKey{}
	err := s.db.SelectContext(ctx, &keys, `
		SELECT key_hash, label, created_at, revoked_at
		FROM api_keys
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}
