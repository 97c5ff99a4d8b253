// Package tiered provides a Hot/Cold ledger that puts a fast store (Redis,
// memory) in front of a durable one (Firestore, Postgres).
//
//   - HasProcessed is read-through: Hot, then Cold, repairing Hot on a Cold hit.
//   - RecordProcessed is write-through: Cold first, then Hot (optionally async).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// Config configures the tiered ledger behavior
type Config struct {
	// Hot is the L1 ledger checked first (e.g., Redis, Memory)
	Hot entitlement.Ledger

	// Cold is the L2 ledger and the source of truth (e.g., Firestore, Postgres)
	Cold entitlement.Ledger

	// AsyncHotWrite writes Hot from a background worker after Cold succeeds.
	AsyncHotWrite bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async or best-effort Hot write fails.
	AsyncErrorHandler func(error)
}

// Ledger implements entitlement.Ledger over two backends
type Ledger struct {
	hot  entitlement.Ledger
	cold entitlement.Ledger
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered ledger.
func New(config Config) (*Ledger, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered ledger: both hot and cold ledgers are required")
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	l := &Ledger{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncHotWrite {
		l.startWorker()
	}
	return l, nil
}

// Close drains the async worker (if enabled).
func (l *Ledger) Close() error {
	if l.conf.AsyncHotWrite {
		select {
		case <-l.shutdown:
		default:
			close(l.shutdown)
			l.wg.Wait()
		}
	}
	return nil
}

// startWorker runs Hot writes sequentially in the background
func (l *Ledger) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case job := <-l.syncQueue:
				l.report(job())
			case <-l.shutdown:
				for {
					select {
					case job := <-l.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

// HasProcessed implements entitlement.Ledger with read-through.
// A Hot failure falls back to Cold; only a Cold failure is returned.
func (l *Ledger) HasProcessed(ctx context.Context, userID, eventID string) (bool, error) {
	if done, err := l.hot.HasProcessed(ctx, userID, eventID); err == nil && done {
		return true, nil
	}

	done, err := l.cold.HasProcessed(ctx, userID, eventID)
	if err != nil {
		return false, err
	}
	if done {
		// Read-repair so the next duplicate stops at Hot
		l.report(l.hot.RecordProcessed(ctx, userID, entitlement.LedgerEntry{ID: eventID}))
	}
	return done, nil
}

// RecordProcessed implements entitlement.Ledger with write-through.
func (l *Ledger) RecordProcessed(ctx context.Context, userID string, entry entitlement.LedgerEntry) error {
	if err := l.cold.RecordProcessed(ctx, userID, entry); err != nil {
		return err
	}

	if !l.conf.AsyncHotWrite {
		l.report(l.hot.RecordProcessed(ctx, userID, entry))
		return nil
	}

	job := func() error {
		return l.hot.RecordProcessed(context.Background(), userID, entry)
	}
	select {
	case l.syncQueue <- job:
	default:
		// Queue full; Cold already holds the entry
		l.report(errors.New("sync queue full, hot ledger write dropped"))
	}
	return nil
}

func (l *Ledger) report(err error) {
	if err != nil && l.conf.AsyncErrorHandler != nil {
		l.conf.AsyncErrorHandler(fmt.Errorf("tiered ledger hot write failed: %w", err))
	}
}

var _ entitlement.Ledger = (*Ledger)(nil)
