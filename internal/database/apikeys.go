package database

import (
	"context"

	"github.com/grantly/backend/internal/models"
)

// ============================================================================
// SERVICE API KEYS
// ============================================================================

// CreateAPIKey persists a new key row. The secret hash comes from the
// auth layer; the store never sees plaintext secrets.
func (s *Store) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO api_keys (key_id, user_id, name, secret_hash, is_active, expires_at)
		VALUES (:key_id, :user_id, :name, :secret_hash, :is_active, :expires_at)`,
		key)
	return classify(err, "api_key")
}

// GetAPIKey loads one key by its public id.
func (s *Store) GetAPIKey(ctx context.Context, keyID string) (*models.APIKey, error) {
	var k models.APIKey
	if err := s.db.GetContext(ctx, &k, `SELECT * FROM api_keys WHERE key_id = $1`, keyID); err != nil {
		return nil, classify(err, "api_key")
	}
	return &k, nil
}

// ListAPIKeys returns a user's keys, newest first. Hashes stay out of
// JSON via the model tag.
func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	err := s.db.SelectContext(ctx, &keys, `
		SELECT * FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, classify(err, "api_keys")
	}
	return keys, nil
}

// RevokeAPIKey deactivates a key. The row is kept for audit.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET is_active = FALSE
		WHERE key_id = $1 AND user_id = $2`,
		keyID, userID)
	if err != nil {
		return classify(err, "api_key")
	}
	return requireRow(res, "api_key")
}

// TouchAPIKey records the last successful use. Best effort; auth does
// not fail on a bookkeeping error.
func (s *Store) TouchAPIKey(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE key_id = $1`, keyID)
	return classify(err, "api_key")
}
