package database

import (
	"context"
	"time"
)

// ============================================================================
// CLEANUP - Grant Lifecycle Maintenance
// ============================================================================

// CleanupResult reports what one cleanup pass did.
type CleanupResult struct {
	Expired int64 `json:"expired"`
	Deleted int64 `json:"deleted"`
}

// Deadlines this far past promote ACTIVE grants to EXPIRED.
const expireAfter = 30 * 24 * time.Hour

// EXPIRED grants whose deadline is this far past are physically deleted.
const deleteAfter = 90 * 24 * time.Hour

// CleanupGrants runs the weekly lifecycle pass: first promotion, then
// deletion, so a freshly expired grant gets its grace window before
// removal.
func (s *Store) CleanupGrants(ctx context.Context, now time.Time) (CleanupResult, error) {
	var result CleanupResult

	expireCutoff := now.Add(-expireAfter)
	res, err := s.db.ExecContext(ctx, `
		UPDATE grants SET record_status = 'EXPIRED', updated_at = now()
		WHERE record_status = 'ACTIVE' AND deadline IS NOT NULL AND deadline < $1`,
		expireCutoff)
	if err != nil {
		return result, classify(err, "grants")
	}
	if result.Expired, err = res.RowsAffected(); err != nil {
		return result, classify(err, "grants")
	}

	deleteCutoff := now.Add(-deleteAfter)
	res, err = s.db.ExecContext(ctx, `
		DELETE FROM grants
		WHERE record_status = 'EXPIRED' AND deadline IS NOT NULL AND deadline < $1`,
		deleteCutoff)
	if err != nil {
		return result, classify(err, "grants")
	}
	if result.Deleted, err = res.RowsAffected(); err != nil {
		return result, classify(err, "grants")
	}

	if result.Expired > 0 || result.Deleted > 0 {
		s.logger.Printf("🧹 Cleanup: %d expired, %d deleted", result.Expired, result.Deleted)
	}
	return result, nil
}
