// Package postgres provides a PostgreSQL implementation of entitlement.Ledger.
// Entries are keyed by (user_id, event_id); inserts use ON CONFLICT DO NOTHING
// so the first writer wins.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// Schema creates the ledger table. Applied by EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS entitlement_events (
	user_id            TEXT        NOT NULL,
	event_id           TEXT        NOT NULL,
	provider           TEXT        NOT NULL DEFAULT '',
	event_type         TEXT        NOT NULL DEFAULT '',
	processed_at       TIMESTAMPTZ NOT NULL,
	diagnostic_summary TEXT        NOT NULL DEFAULT '',
	PRIMARY KEY (user_id, event_id)
);
CREATE INDEX IF NOT EXISTS entitlement_events_processed_at_idx ON entitlement_events (processed_at);
`

// Ledger implements entitlement.Ledger using PostgreSQL
type Ledger struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background retention goroutine
	stopCleanup func()
}

// Config holds PostgreSQL ledger configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Retention deletes entries older than this (0 = keep forever)
	Retention       time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupInterval: time.Hour,
	}
}

// New creates a new PostgreSQL ledger
func New(ctx context.Context, config Config) (*Ledger, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	l := &Ledger{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.Retention > 0 && config.CleanupInterval > 0 {
		go l.startCleanup(cleanupCtx)
	}
	return l, nil
}

// EnsureSchema creates the ledger table if it does not exist
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

// Close closes the connection pool and stops background cleanup
func (l *Ledger) Close() {
	if l.stopCleanup != nil {
		l.stopCleanup()
	}
	if l.pool != nil {
		l.pool.Close()
	}
}

// HasProcessed implements entitlement.Ledger
func (l *Ledger) HasProcessed(ctx context.Context, userID, eventID string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM entitlement_events WHERE user_id = $1 AND event_id = $2)`,
		userID, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger entry: %w", err)
	}
	return exists, nil
}

// RecordProcessed implements entitlement.Ledger
func (l *Ledger) RecordProcessed(ctx context.Context, userID string, entry entitlement.LedgerEntry) error {
	if userID == "" || entry.ID == "" {
		return fmt.Errorf("user ID and event ID are required")
	}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}

	_, err := l.pool.Exec(ctx,
		`INSERT INTO entitlement_events (user_id, event_id, provider, event_type, processed_at, diagnostic_summary)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, event_id) DO NOTHING`,
		userID, entry.ID, entry.Provider, entry.EventType, entry.ProcessedAt.UTC(), entry.DiagnosticSummary)
	if err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return nil
}

// Entry returns a stored entry, or entitlement.ErrRecordNotFound
func (l *Ledger) Entry(ctx context.Context, userID, eventID string) (*entitlement.LedgerEntry, error) {
	entry := entitlement.LedgerEntry{ID: eventID}
	err := l.pool.QueryRow(ctx,
		`SELECT provider, event_type, processed_at, diagnostic_summary
			FROM entitlement_events WHERE user_id = $1 AND event_id = $2`,
		userID, eventID).Scan(&entry.Provider, &entry.EventType, &entry.ProcessedAt, &entry.DiagnosticSummary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	entry.ProcessedAt = entry.ProcessedAt.UTC()
	return &entry, nil
}

// startCleanup runs periodic deletion of entries past the retention window
func (l *Ledger) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = l.Cleanup(ctx)
		}
	}
}

// Cleanup deletes entries older than the retention window and returns how many were removed
func (l *Ledger) Cleanup(ctx context.Context) (int64, error) {
	if l.config.Retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-l.config.Retention)
	tag, err := l.pool.Exec(ctx, `DELETE FROM entitlement_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up ledger entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the PostgreSQL connection
func (l *Ledger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

var _ entitlement.Ledger = (*Ledger)(nil)
