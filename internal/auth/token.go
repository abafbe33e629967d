package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/grantly/backend/internal/apperr"
)

// ============================================================================
// BEARER TOKEN VERIFICATION
// ============================================================================
//
// The identity provider mints HS256-signed compact tokens; we hold the
// shared secret and verify locally. Only the claims this service acts on
// are decoded.

// Claims is the subset of token claims the service consumes.
type Claims struct {
	Subject   string `json:"sub"`
	Email     string `json:"email"`
	Tier      string `json:"tier"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

// VerifyToken checks a compact token against the shared secret and returns
// its claims. Every failure maps to AUTH; callers never learn which part
// was wrong beyond the message.
func VerifyToken(token string, secret []byte, now time.Time) (*Claims, error) {
	if len(secret) == 0 {
		return nil, apperr.Auth("token verification not configured")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, apperr.Auth("malformed token")
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, apperr.Auth("malformed token header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, apperr.Auth("malformed token header")
	}
	// Pinned to HS256. Tokens claiming any other algorithm, "none"
	// included, are rejected outright.
	if header.Alg != "HS256" {
		return nil, apperr.Auth("unsupported token algorithm")
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, apperr.Auth("malformed token signature")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, apperr.Auth("invalid token signature")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, apperr.Auth("malformed token payload")
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, apperr.Auth("malformed token payload")
	}
	if claims.Subject == "" {
		return nil, apperr.Auth("token missing subject")
	}
	if claims.ExpiresAt == 0 || now.Unix() >= claims.ExpiresAt {
		return nil, apperr.Auth("token expired")
	}
	return &claims, nil
}

// SignToken mints a compact token the way the identity provider does.
// Local development and tests use it; production tokens come from the
// provider.
func SignToken(claims *Claims, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("empty signing secret")
	}
	headerJSON, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
