package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// ApplyRequest describes one provider event to be written to a user's record.
type ApplyRequest struct {
	Provider  string
	UserID    string
	EventID   string
	EventType string
	EventTime time.Time

	// Transform computes the field updates from the existing record.
	// existing is never nil; a user without a document gets an empty record.
	Transform func(existing *entitlement.Record) entitlement.TransformResult

	// Extra fields written alongside the transform output (diagnostics, linkage).
	Extra entitlement.Update
}

// ApplyResult reports what Apply did
type ApplyResult struct {
	Duplicate     bool
	PreviousTier  entitlement.Tier
	NewTier       entitlement.Tier
	UpdatedFields []string
	Diagnostic    entitlement.Diagnostic
}

// Applier runs the ledger check, transform, merge write and ledger append for one event.
//
// The ledger check and append are not transactional. A concurrent duplicate
// delivery may apply twice; field writes are idempotent except credit increments.
type Applier struct {
	store    entitlement.Store
	ledger   entitlement.Ledger
	metrics  Metrics
	logger   entitlement.Logger
	callback func(ctx context.Context, event WebhookEvent) error
	now      func() time.Time
}

// NewApplier creates an Applier from a provider config
func NewApplier(config Config) (*Applier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.WithDefaults()
	return &Applier{
		store:    config.Store,
		ledger:   config.Ledger,
		metrics:  config.Metrics,
		logger:   config.Logger,
		callback: config.WebhookCallback,
		now:      config.Now,
	}, nil
}

// Apply processes the request. Without an EventID the ledger is skipped.
func (a *Applier) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	if req.UserID == "" {
		return nil, ErrUserNotFound
	}
	if req.Transform == nil {
		return nil, fmt.Errorf("apply: transform is required")
	}

	if req.EventID != "" {
		done, err := a.ledger.HasProcessed(ctx, req.UserID, req.EventID)
		if err != nil {
			return nil, fmt.Errorf("failed to check event ledger: %w", err)
		}
		if done {
			a.metrics.RecordDuplicateEvent(req.Provider)
			return &ApplyResult{Duplicate: true}, nil
		}
	}

	existing, err := a.store.GetRecord(ctx, req.UserID)
	switch {
	case errors.Is(err, entitlement.ErrRecordNotFound):
		existing = &entitlement.Record{UserID: req.UserID}
	case err != nil:
		return nil, fmt.Errorf("failed to read entitlement record: %w", err)
	}

	out := req.Transform(existing)
	update := out.Update
	if update == nil {
		update = entitlement.Update{}
	}
	update.Merge(req.Extra)
	update.Set(entitlement.FieldUpdatedAt, a.now().UTC())

	if err := a.store.ApplyUpdate(ctx, req.UserID, update); err != nil {
		return nil, fmt.Errorf("failed to write entitlement record: %w", err)
	}

	res := &ApplyResult{
		PreviousTier:  existing.AccessTier,
		NewTier:       out.Diagnostic.AccessTier,
		UpdatedFields: update.Fields(),
		Diagnostic:    out.Diagnostic,
	}

	if req.EventID != "" {
		entry := entitlement.LedgerEntry{
			ID:                req.EventID,
			Provider:          req.Provider,
			EventType:         req.EventType,
			ProcessedAt:       a.now().UTC(),
			DiagnosticSummary: out.Diagnostic.Summary(),
		}
		// The entitlement write already happened; a lost ledger row only risks a replay.
		if err := a.ledger.RecordProcessed(ctx, req.UserID, entry); err != nil {
			a.logger.Error("failed to record processed event",
				entitlement.F("provider", req.Provider),
				entitlement.F("user_id", req.UserID),
				entitlement.F("event_id", req.EventID),
				entitlement.F("error", err),
			)
		}
	}

	if res.PreviousTier != res.NewTier {
		a.metrics.RecordTierChange(req.Provider, string(res.PreviousTier), string(res.NewTier))
	}

	if a.callback != nil {
		event := WebhookEvent{
			UserID:         req.UserID,
			EventID:        req.EventID,
			PreviousTier:   res.PreviousTier,
			NewTier:        res.NewTier,
			Provider:       req.Provider,
			EventType:      req.EventType,
			EventTimestamp: req.EventTime,
			UpdatedFields:  res.UpdatedFields,
			Diagnostic:     res.Diagnostic,
		}
		if err := a.callback(ctx, event); err != nil {
			a.logger.Warn("webhook callback failed",
				entitlement.F("provider", req.Provider),
				entitlement.F("user_id", req.UserID),
				entitlement.F("error", err),
			)
		}
	}

	return res, nil
}
