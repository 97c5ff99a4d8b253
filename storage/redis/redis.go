// Package redis provides a Redis implementation of entitlement.Ledger.
// Each processed event is one key written with SET NX, so the first writer wins.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// Ledger implements entitlement.Ledger using Redis
type Ledger struct {
	client redis.UniversalClient
	config Config
	record *redis.Script
}

// Config holds Redis ledger configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "quizaccess:")
	KeyPrefix string

	// EntryTTL expires ledger keys (0 = no expiration).
	// Only safe when a durable ledger sits behind this one.
	EntryTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "quizaccess:",
	}
}

// storedEntry is the JSON value kept under each ledger key
type storedEntry struct {
	ID                string    `json:"id"`
	Provider          string    `json:"provider,omitempty"`
	EventType         string    `json:"eventType"`
	ProcessedAt       time.Time `json:"processedAt"`
	DiagnosticSummary string    `json:"diagnosticSummary,omitempty"`
}

// New creates a new Redis ledger.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "quizaccess:"
	}

	return &Ledger{
		client: client,
		config: config,
		// Returns 1 when the entry was written, 0 when it already existed.
		record: redis.NewScript(`
			local ttl = tonumber(ARGV[2])
			local ok
			if ttl > 0 then
				ok = redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ttl)
			else
				ok = redis.call('SET', KEYS[1], ARGV[1], 'NX')
			end
			if ok then
				return 1
			end
			return 0
		`),
	}, nil
}

// HasProcessed implements entitlement.Ledger
func (l *Ledger) HasProcessed(ctx context.Context, userID, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.entryKey(userID, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check ledger entry: %w", err)
	}
	return n > 0, nil
}

// RecordProcessed implements entitlement.Ledger
func (l *Ledger) RecordProcessed(ctx context.Context, userID string, entry entitlement.LedgerEntry) error {
	_, err := l.Record(ctx, userID, entry)
	return err
}

// Record writes the entry if absent and reports whether this call wrote it
func (l *Ledger) Record(ctx context.Context, userID string, entry entitlement.LedgerEntry) (bool, error) {
	if userID == "" || entry.ID == "" {
		return false, fmt.Errorf("user ID and event ID are required")
	}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}

	data, err := json.Marshal(storedEntry{
		ID:                entry.ID,
		Provider:          entry.Provider,
		EventType:         entry.EventType,
		ProcessedAt:       entry.ProcessedAt.UTC(),
		DiagnosticSummary: entry.DiagnosticSummary,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	keys := []string{l.entryKey(userID, entry.ID)}
	written, err := l.record.Run(ctx, l.client, keys, data, l.config.EntryTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return written == 1, nil
}

// Entry returns a stored entry, or entitlement.ErrRecordNotFound
func (l *Ledger) Entry(ctx context.Context, userID, eventID string) (*entitlement.LedgerEntry, error) {
	data, err := l.client.Get(ctx, l.entryKey(userID, eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	var stored storedEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger entry: %w", err)
	}
	return &entitlement.LedgerEntry{
		ID:                stored.ID,
		Provider:          stored.Provider,
		EventType:         stored.EventType,
		ProcessedAt:       stored.ProcessedAt,
		DiagnosticSummary: stored.DiagnosticSummary,
	}, nil
}

func (l *Ledger) entryKey(userID, eventID string) string {
	return fmt.Sprintf("%sledger:%s:%s", l.config.KeyPrefix, userID, eventID)
}

// Close closes the Redis client connection
func (l *Ledger) Close() error {
	return l.client.Close()
}

// Ping checks the Redis connection
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

var _ entitlement.Ledger = (*Ledger)(nil)
