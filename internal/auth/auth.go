package auth

import (
	"context"
	"strings"
	"time"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/config"
	"github.com/grantly/backend/internal/models"
)

// ============================================================================
// REQUEST IDENTITY
// ============================================================================

// Credential methods.
const (
	MethodToken  = "token"
	MethodAPIKey = "api_key"
)

// Identity is the authenticated principal carried on request contexts.
// Both credential kinds resolve to the same shape.
type Identity struct {
	UserID string
	Email  string
	Tier   string
	Method string
}

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity attaches the principal to a context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom extracts the principal. Handlers behind the auth
// middleware can rely on it being present.
func IdentityFrom(ctx context.Context) (*Identity, error) {
	id, ok := ctx.Value(identityKey).(*Identity)
	if !ok || id == nil {
		return nil, apperr.Auth("authentication required")
	}
	return id, nil
}

// UserID returns the authenticated user id, or "" when the context is
// unauthenticated. Rate limiting keys off this.
func UserID(ctx context.Context) string {
	id, ok := ctx.Value(identityKey).(*Identity)
	if !ok || id == nil {
		return ""
	}
	return id.UserID
}

// ============================================================================
// AUTHENTICATOR
// ============================================================================

// UserStore is the slice of the database layer the authenticator needs.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetOrCreateUser(ctx context.Context, id, email string, searchLimit, appLimit int) (*models.User, error)
	SyncTierLimits(ctx context.Context, userID, tier string, searchLimit, appLimit int) error
}

// Authenticator resolves Authorization headers to identities. Bearer
// tokens come from the identity provider; gr_ credentials are service
// API keys.
type Authenticator struct {
	users  UserStore
	keys   *KeyManager
	secret []byte
	limits config.LimitsConfig
	now    func() time.Time
}

func NewAuthenticator(users UserStore, keys *KeyManager, tokenSecret string, limits config.LimitsConfig) *Authenticator {
	return &Authenticator{
		users:  users,
		keys:   keys,
		secret: []byte(tokenSecret),
		limits: limits,
		now:    time.Now,
	}
}

// Authenticate resolves a raw Authorization header value. Every failure
// is AUTH so the HTTP mapper answers 401 uniformly.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*Identity, error) {
	if authorization == "" {
		return nil, apperr.Auth("missing Authorization header")
	}
	if !strings.HasPrefix(authorization, "Bearer ") {
		return nil, apperr.Auth("Authorization must be a Bearer credential")
	}
	credential := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))

	if IsAPIKey(credential) {
		return a.authenticateKey(ctx, credential)
	}
	return a.authenticateToken(ctx, credential)
}

func (a *Authenticator) authenticateKey(ctx context.Context, credential string) (*Identity, error) {
	key, err := a.keys.ValidateKey(ctx, credential)
	if err != nil {
		return nil, err
	}
	user, err := a.users.GetUser(ctx, key.UserID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.Auth("API key owner no longer exists")
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, apperr.Auth("account deactivated")
	}
	return &Identity{
		UserID: user.ID,
		Email:  user.Email,
		Tier:   user.SubscriptionTier,
		Method: MethodAPIKey,
	}, nil
}

func (a *Authenticator) authenticateToken(ctx context.Context, credential string) (*Identity, error) {
	claims, err := VerifyToken(credential, a.secret, a.now())
	if err != nil {
		return nil, err
	}

	tier := strings.ToLower(claims.Tier)
	limits := a.limitsFor(tier)
	user, err := a.users.GetOrCreateUser(ctx, claims.Subject, claims.Email, limits.Searches, limits.Applications)
	if err != nil {
		return nil, err
	}

	// Billing stamps the tier claim; the token is the newest word on it.
	// An absent claim leaves the stored tier alone.
	if tier != "" && !strings.EqualFold(user.SubscriptionTier, tier) {
		if err := a.users.SyncTierLimits(ctx, user.ID, tier, limits.Searches, limits.Applications); err != nil {
			return nil, err
		}
		user.SubscriptionTier = tier
	}

	email := claims.Email
	if email == "" {
		email = user.Email
	}
	return &Identity{
		UserID: user.ID,
		Email:  email,
		Tier:   user.SubscriptionTier,
		Method: MethodToken,
	}, nil
}

func (a *Authenticator) limitsFor(tier string) config.TierLimits {
	if strings.EqualFold(tier, "pro") {
		return a.limits.Pro
	}
	return a.limits.Free
}
