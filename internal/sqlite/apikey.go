package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rpggio/activitylog/internal/repository"
)

// APIKeyRepository implements repository.APIKeyRepository for SQLite
type APIKeyRepository struct {
	db *DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create stores a hashed key for principalID
func (r *APIKeyRepository) Create(ctx context.Context, keyHash, principalID, description string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_hash, principal_id, created_at, description) VALUES (?, ?, ?, ?)`,
		keyHash, principalID, time.Now().UTC(), description)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("api key: %w", repository.ErrConflict)
		}
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// LookupPrincipal returns the principal for a key hash and stamps last_used
func (r *APIKeyRepository) LookupPrincipal(ctx context.Context, keyHash string) (string, error) {
	var principalID string
	err := r.db.QueryRowContext(ctx,
		`SELECT principal_id FROM api_keys WHERE key_hash = ?`, keyHash).Scan(&principalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("api key: %w", repository.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up api key: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used = ? WHERE key_hash = ?`, time.Now().UTC(), keyHash); err != nil {
		return "", fmt.Errorf("failed to touch api key: %w", err)
	}
	return principalID, nil
}
