package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/models"
)

// ============================================================================
// SERVICE API KEYS
// ============================================================================

// KeyPrefix marks a credential as a service API key rather than a bearer
// token. Full format: gr_<key_id>.<secret>.
const KeyPrefix = "gr_"

// KeyStore is the slice of the database layer the key manager needs.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKey(ctx context.Context, keyID string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, keyID string) error
}

// KeyManager issues and validates service API keys.
type KeyManager struct {
	store KeyStore
	now   func() time.Time
}

func NewKeyManager(store KeyStore) *KeyManager {
	return &KeyManager{store: store, now: time.Now}
}

// CreateKey mints a key for a user. The returned plaintext is shown once;
// only the secret's bcrypt hash is persisted. ttl of zero means the key
// never expires.
func (km *KeyManager) CreateKey(ctx context.Context, userID, name string, ttl time.Duration) (*models.APIKey, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", apperr.Internal(err)
	}
	keyID := hex.EncodeToString(idBytes) // 16 chars

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", apperr.Internal(err)
	}
	secret := hex.EncodeToString(secretBytes) // 48 chars

	fullKey := fmt.Sprintf("%s%s.%s", KeyPrefix, keyID, secret)

	// We hash ONLY the secret part. The ID is used for lookup.
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", apperr.Internal(err)
	}

	key := &models.APIKey{
		KeyID:      keyID,
		UserID:     userID,
		Name:       name,
		SecretHash: string(secretHash),
		IsActive:   true,
	}
	if ttl > 0 {
		expires := km.now().Add(ttl)
		key.ExpiresAt = &expires
	}

	if err := km.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, fullKey, nil
}

// ValidateKey checks a presented gr_<id>.<secret> credential and returns
// the key row. Lookup misses and secret mismatches report the same AUTH
// message so probing ids learns nothing.
func (km *KeyManager) ValidateKey(ctx context.Context, fullKey string) (*models.APIKey, error) {
	if !strings.HasPrefix(fullKey, KeyPrefix) {
		return nil, apperr.Auth("invalid API key format")
	}
	parts := strings.Split(strings.TrimPrefix(fullKey, KeyPrefix), ".")
	if len(parts) != 2 {
		return nil, apperr.Auth("invalid API key format")
	}
	keyID, secret := parts[0], parts[1]

	key, err := km.store.GetAPIKey(ctx, keyID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.Auth("invalid API key")
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return nil, apperr.Auth("invalid API key")
	}
	if !key.IsActive {
		return nil, apperr.Auth("API key revoked")
	}
	if key.Expired(km.now()) {
		return nil, apperr.Auth("API key expired")
	}

	// Bookkeeping only; a failed touch never fails auth.
	_ = km.store.TouchAPIKey(ctx, key.KeyID)
	return key, nil
}

// IsAPIKey reports whether a credential looks like a service key rather
// than a bearer token.
func IsAPIKey(credential string) bool {
	return strings.HasPrefix(credential, KeyPrefix)
}
