// Package memory provides an in-memory implementation of entitlement.Store and entitlement.Ledger.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// Storage implements entitlement.Store and entitlement.Ledger using in-memory maps
type Storage struct {
	mu     sync.RWMutex
	docs   map[string]map[string]interface{}
	ledger map[string]map[string]entitlement.LedgerEntry

	reads  map[string]int
	writes int
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		docs:   make(map[string]map[string]interface{}),
		ledger: make(map[string]map[string]entitlement.LedgerEntry),
		reads:  make(map[string]int),
	}
}

// GetRecord implements entitlement.RecordReader
func (s *Storage) GetRecord(ctx context.Context, userID string) (*entitlement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads[userID]++
	doc, ok := s.docs[userID]
	if !ok {
		return nil, entitlement.ErrRecordNotFound
	}
	return entitlement.RecordFromMap(userID, doc), nil
}

// ApplyUpdate implements entitlement.Store
func (s *Storage) ApplyUpdate(ctx context.Context, userID string, update entitlement.Update) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(update) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[userID] = update.ApplyTo(s.docs[userID])
	s.writes++
	return nil
}

// CreateRecord implements entitlement.Store
func (s *Storage) CreateRecord(ctx context.Context, userID string, fields entitlement.Update) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[userID]; ok {
		return entitlement.ErrRecordExists
	}
	s.docs[userID] = fields.ApplyTo(nil)
	s.writes++
	return nil
}

// FindUserIDByField implements entitlement.Store
func (s *Storage) FindUserIDByField(ctx context.Context, field, value string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if v, ok := s.docs[id][field].(string); ok && v == value {
			return id, nil
		}
	}
	return "", entitlement.ErrRecordNotFound
}

// HasProcessed implements entitlement.Ledger
func (s *Storage) HasProcessed(ctx context.Context, userID, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.ledger[userID][eventID]
	return ok, nil
}

// RecordProcessed implements entitlement.Ledger
func (s *Storage) RecordProcessed(ctx context.Context, userID string, entry entitlement.LedgerEntry) error {
	if userID == "" || entry.ID == "" {
		return fmt.Errorf("user ID and event ID are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events, ok := s.ledger[userID]
	if !ok {
		events = make(map[string]entitlement.LedgerEntry)
		s.ledger[userID] = events
	}
	if _, exists := events[entry.ID]; exists {
		return nil
	}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}
	events[entry.ID] = entry
	s.writes++
	return nil
}

// LedgerEntries returns the user's ledger entries ordered by event id
func (s *Storage) LedgerEntries(userID string) []entitlement.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]entitlement.LedgerEntry, 0, len(s.ledger[userID]))
	for _, e := range s.ledger[userID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Document returns a copy of the user's raw document, or nil
func (s *Storage) Document(userID string) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[userID]
	if !ok {
		return nil
	}
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// Put replaces the user's raw document. Not counted as a write.
func (s *Storage) Put(userID string, doc map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	s.docs[userID] = cp
}

// Writes returns the number of document and ledger writes performed
func (s *Storage) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Reads returns the number of record reads performed for a user
func (s *Storage) Reads(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads[userID]
}

var (
	_ entitlement.Store  = (*Storage)(nil)
	_ entitlement.Ledger = (*Storage)(nil)
)
