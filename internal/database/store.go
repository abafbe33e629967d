// Package database is the relational persistence layer. One Store wraps
// the process-wide pool; handlers and workers share it but own their work
// through context-scoped transactions.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/config"
)

// ============================================================================
// STORE - Connection Pool & Transaction Discipline
// ============================================================================

// Store owns the connection pool and exposes all persistence operations.
type Store struct {
	db     *sqlx.DB
	logger *log.Logger
	now    func() time.Time
}

// Open connects, applies pool limits, and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns())
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger := log.New(log.Writer(), "[STORE] ", log.LstdFlags)
	logger.Printf("✅ Database connected (pool=%d overflow=%d recycle=%s)",
		cfg.PoolSize, cfg.MaxOverflow, cfg.ConnMaxLifetime())

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// NewStoreWithDB wraps an already-open connection. Tests use it with sqlmock.
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
		now:    time.Now,
	}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for components that share it (the vector
// index lives in the same database).
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Health pings with a short deadline. Used by readiness probes.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.Transient("database unreachable", err)
	}
	return nil
}

// withTx runs fn in a transaction. Any error rolls back; commit errors
// surface as TRANSIENT since the work may or may not have landed.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err, "transaction")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Printf("⚠️  Rollback failed: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperr.Transient("commit failed", err)
	}
	return nil
}

// classify maps driver errors into the taxonomy. Unique violations become
// CONFLICT so the upsert retry path can detect the race backstop.
func classify(err error, entity string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(entity)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return apperr.Conflict(fmt.Sprintf("%s already exists", entity))
		case "23503": // foreign_key_violation
			return apperr.Validation(fmt.Sprintf("%s references a missing row", entity), nil)
		case "57014": // query_canceled
			return apperr.Transient("query cancelled", err)
		}
		// Class 08 is connection trouble, class 53 is resource exhaustion.
		if cls := pqErr.Code.Class(); cls == "08" || cls == "53" {
			return apperr.Transient("database unavailable", err)
		}
	}

	return apperr.Transient(fmt.Sprintf("database error on %s", entity), err)
}
