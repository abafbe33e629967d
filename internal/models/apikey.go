package models

import "time"

// ============================================================================
// SERVICE API KEYS
// ============================================================================

// APIKey is a long-lived programmatic credential tied to one user. The
// plaintext secret is shown exactly once at creation; only its bcrypt
// hash is stored.
type APIKey struct {
	KeyID      string     `json:"key_id" db:"key_id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Name       string     `json:"name" db:"name"`
	SecretHash string     `json:"-" db:"secret_hash"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Expired reports whether the key has passed its expiry, if any.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
