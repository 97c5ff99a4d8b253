// Package firestore provides a Firestore implementation of entitlement.Store and entitlement.Ledger.
// Each user has one document in the users collection; processed provider events
// live in a sub-collection under that document.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// Storage implements entitlement.Store and entitlement.Ledger using Google Cloud Firestore
type Storage struct {
	client           *firestore.Client
	usersCollection  string
	eventsCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the collection holding one entitlement document per user
	// Default: "users"
	UsersCollection string

	// EventsCollection is the per-user sub-collection of processed events
	// Default: "entitlementEvents"
	EventsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "entitlementEvents"
	}

	return &Storage{
		client:           client,
		usersCollection:  config.UsersCollection,
		eventsCollection: config.EventsCollection,
	}, nil
}

// GetRecord implements entitlement.RecordReader
func (s *Storage) GetRecord(ctx context.Context, userID string) (*entitlement.Record, error) {
	if userID == "" {
		return nil, entitlement.ErrRecordNotFound
	}
	snap, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement record: %w", err)
	}
	if !snap.Exists() {
		return nil, entitlement.ErrRecordNotFound
	}
	return entitlement.RecordFromMap(userID, snap.Data()), nil
}

// ApplyUpdate implements entitlement.Store.
// The write is a field-level merge; Delete and Increment become Firestore transforms.
func (s *Storage) ApplyUpdate(ctx context.Context, userID string, update entitlement.Update) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(update) == 0 {
		return nil
	}

	if _, err := s.userDoc(userID).Set(ctx, toFirestore(update, true), firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to apply entitlement update: %w", err)
	}
	return nil
}

// CreateRecord implements entitlement.Store
func (s *Storage) CreateRecord(ctx context.Context, userID string, fields entitlement.Update) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}

	_, err := s.userDoc(userID).Create(ctx, toFirestore(fields, false))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return entitlement.ErrRecordExists
		}
		return fmt.Errorf("failed to create entitlement record: %w", err)
	}
	return nil
}

// FindUserIDByField implements entitlement.Store
func (s *Storage) FindUserIDByField(ctx context.Context, field, value string) (string, error) {
	if field == "" || value == "" {
		return "", entitlement.ErrRecordNotFound
	}

	iter := s.client.Collection(s.usersCollection).Where(field, "==", value).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return "", entitlement.ErrRecordNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query users by %s: %w", field, err)
	}
	return snap.Ref.ID, nil
}

// HasProcessed implements entitlement.Ledger
func (s *Storage) HasProcessed(ctx context.Context, userID, eventID string) (bool, error) {
	snap, err := s.eventDoc(userID, eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to read ledger entry: %w", err)
	}
	return snap.Exists(), nil
}

// RecordProcessed implements entitlement.Ledger.
// Uses Create so an existing entry is never overwritten.
func (s *Storage) RecordProcessed(ctx context.Context, userID string, entry entitlement.LedgerEntry) error {
	if userID == "" || entry.ID == "" {
		return fmt.Errorf("user ID and event ID are required")
	}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}

	_, err := s.eventDoc(userID, entry.ID).Create(ctx, map[string]interface{}{
		"id":                entry.ID,
		"provider":          entry.Provider,
		"eventType":         entry.EventType,
		"processedAt":       entry.ProcessedAt,
		"diagnosticSummary": entry.DiagnosticSummary,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return nil
}

// LedgerEntry reads one ledger entry back. Returns ErrRecordNotFound when absent.
func (s *Storage) LedgerEntry(ctx context.Context, userID, eventID string) (*entitlement.LedgerEntry, error) {
	snap, err := s.eventDoc(userID, eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to read ledger entry: %w", err)
	}

	data := snap.Data()
	entry := &entitlement.LedgerEntry{
		ID:                getString(data, "id"),
		Provider:          getString(data, "provider"),
		EventType:         getString(data, "eventType"),
		DiagnosticSummary: getString(data, "diagnosticSummary"),
	}
	if t, ok := data["processedAt"].(time.Time); ok {
		entry.ProcessedAt = t.UTC()
	}
	return entry, nil
}

func (s *Storage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(userID)
}

func (s *Storage) eventDoc(userID, eventID string) *firestore.DocumentRef {
	return s.userDoc(userID).Collection(s.eventsCollection).Doc(eventDocID(eventID))
}

// eventDocID maps a provider event id to a valid document id
func eventDocID(eventID string) string {
	return strings.ReplaceAll(eventID, "/", "_")
}

// toFirestore converts an entitlement update into a Firestore field map.
// Delete markers are dropped when merge is false since Create rejects them.
func toFirestore(update entitlement.Update, merge bool) map[string]interface{} {
	out := make(map[string]interface{}, len(update))
	for k, v := range update {
		switch val := v.(type) {
		case entitlement.Increment:
			out[k] = firestore.Increment(val.By)
		case entitlement.Tier:
			out[k] = string(val)
		case *time.Time:
			if val == nil {
				if merge {
					out[k] = firestore.Delete
				}
				continue
			}
			out[k] = val.UTC()
		default:
			if entitlement.IsDelete(v) {
				if merge {
					out[k] = firestore.Delete
				}
				continue
			}
			out[k] = v
		}
	}
	return out
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

var (
	_ entitlement.Store  = (*Storage)(nil)
	_ entitlement.Ledger = (*Storage)(nil)
)
