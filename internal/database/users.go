package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/models"
)

// ============================================================================
// USERS & QUOTAS
// ============================================================================

// GetOrCreateUser returns the user row for an identity subject, creating
// it on first sight. Limits come from the caller's tier configuration.
func (s *Store) GetOrCreateUser(ctx context.Context, id, email string, searchLimit, appLimit int) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `
		INSERT INTO users (id, email, searches_limit, applications_limit)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET updated_at = now()
		RETURNING *`,
		id, email, searchLimit, appLimit)
	if err != nil {
		return nil, classify(err, "user")
	}
	if !u.IsActive {
		return nil, apperr.Auth("account deactivated")
	}
	return &u, nil
}

// GetUser loads one user.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id); err != nil {
		return nil, classify(err, "user")
	}
	return &u, nil
}

// ActiveUserIDs lists users eligible for scheduled sweeps.
func (s *Store) ActiveUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM users WHERE is_active = TRUE ORDER BY id`)
	if err != nil {
		return nil, classify(err, "users")
	}
	return ids, nil
}

// DeactivateUser soft-disables an account. Rows are kept.
func (s *Store) DeactivateUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return classify(err, "user")
	}
	return requireRow(res, "user")
}

// DeleteUser removes the account and, via cascade, every owned row. The
// caller must also drop the vector namespace.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return classify(err, "user")
	}
	return requireRow(res, "user")
}

// ConsumeSearchQuota atomically takes one search from the user's monthly
// budget. The guarded UPDATE is the increment-then-act contract: when the
// budget is exhausted no row matches and the caller gets QUOTA without any
// state change.
func (s *Store) ConsumeSearchQuota(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET searches_used = searches_used + 1, updated_at = now()
		WHERE id = $1 AND is_active = TRUE AND searches_used < searches_limit`,
		userID)
	if err != nil {
		return classify(err, "user")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, "user")
	}
	if n == 0 {
		return s.quotaError(ctx, userID, "Monthly search limit reached")
	}
	return nil
}

// RefundSearchQuota returns one search. Degraded-empty runs do not consume
// quota, so the scheduler refunds after a fully degraded sweep.
func (s *Store) RefundSearchQuota(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET searches_used = GREATEST(searches_used - 1, 0), updated_at = now()
		WHERE id = $1`,
		userID)
	return classify(err, "user")
}

// ConsumeApplicationQuota takes one generation from the monthly budget.
func (s *Store) ConsumeApplicationQuota(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET applications_used = applications_used + 1, updated_at = now()
		WHERE id = $1 AND is_active = TRUE AND applications_used < applications_limit`,
		userID)
	if err != nil {
		return classify(err, "user")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, "user")
	}
	if n == 0 {
		return s.quotaError(ctx, userID, "Monthly application limit reached")
	}
	return nil
}

// RefundApplicationQuota returns one generation after a failed task.
func (s *Store) RefundApplicationQuota(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET applications_used = GREATEST(applications_used - 1, 0), updated_at = now()
		WHERE id = $1`,
		userID)
	return classify(err, "user")
}

// ResetUsagePeriods zeroes counters for users whose billing period rolled
// over. Called by the scheduler's cleanup job.
func (s *Store) ResetUsagePeriods(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET searches_used = 0, applications_used = 0,
		    period_start = $1, updated_at = now()
		WHERE period_start < $1 - INTERVAL '30 days'`,
		now)
	if err != nil {
		return 0, classify(err, "users")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err, "users")
	}
	return n, nil
}

// quotaError distinguishes "over quota" from "no such user / deactivated".
func (s *Store) quotaError(ctx context.Context, userID, message string) error {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("user")
	}
	if err != nil {
		return classify(err, "user")
	}
	if !u.IsActive {
		return apperr.Auth("account deactivated")
	}
	// Retry after the period rolls over.
	retryAfter := time.Until(u.PeriodStart.Add(30 * 24 * time.Hour))
	if retryAfter < 0 {
		retryAfter = 0
	}
	return apperr.Quota(message, retryAfter)
}

func requireRow(res sql.Result, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, entity)
	}
	if n == 0 {
		return apperr.NotFound(entity)
	}
	return nil
}

// SyncTierLimits aligns a user's limits with their subscription tier.
func (s *Store) SyncTierLimits(ctx context.Context, userID, tier string, searchLimit, appLimit int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET subscription_tier = $2, searches_limit = $3, applications_limit = $4, updated_at = now()
		WHERE id = $1`,
		userID, tier, searchLimit, appLimit)
	if err != nil {
		return classify(err, "user")
	}
	return nil
}
