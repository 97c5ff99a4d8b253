package revenuecat

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/quizaccess/pkg/billing"
	"github.com/mihaimyh/quizaccess/pkg/billing/internal"
	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

const (
	providerName         = "revenuecat"
	revenueCatAPIBaseURL = "https://api.revenuecat.com/v1"
	maxWebhookBody       = 256 << 10
)

// SubscriberFetcher pulls a subscriber's current subscriptions
type SubscriberFetcher interface {
	GetSubscriber(ctx context.Context, userID string) (entitlement.Snapshot, error)
}

// Provider implements billing.Provider for RevenueCat.
//
// The webhook body is only a trigger: the subscriber snapshot is pulled from
// the REST API and the record is derived from it. Every outcome other than a
// wrong method or a failed verification is acknowledged with 200 so RevenueCat
// never retries on our own failures.
type Provider struct {
	verifier    *billing.SignatureVerifier
	fetcher     SubscriberFetcher
	applier     *billing.Applier
	transformer *entitlement.Transformer
	metrics     billing.Metrics
	logger      entitlement.Logger
	now         func() time.Time
}

// webhookResponse is the JSON body acknowledged to RevenueCat
type webhookResponse struct {
	Received   bool   `json:"received"`
	Ignored    string `json:"ignored,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Error      string `json:"error,omitempty"`
	Applied    bool   `json:"applied,omitempty"`
	AccessTier string `json:"accessTier,omitempty"`
}

// NewProvider creates a new RevenueCat billing provider
func NewProvider(config billing.Config) (*Provider, error) {
	applier, err := billing.NewApplier(config)
	if err != nil {
		return nil, err
	}
	config = config.WithDefaults()

	return &Provider{
		verifier:    billing.NewSignatureVerifier(config.WebhookSecret, config.HMACSecret),
		fetcher:     NewClient(config.BaseURL, config.APIKey, config.HTTPClient, config.Metrics),
		applier:     applier,
		transformer: entitlement.NewTransformer(config.Catalog),
		metrics:     config.Metrics,
		logger:      config.Logger,
		now:         config.Now,
	}, nil
}

// WithFetcher replaces the subscriber snapshot source
func (p *Provider) WithFetcher(f SubscriberFetcher) *Provider {
	p.fetcher = f
	return p
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for RevenueCat webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// SyncUser re-derives the user's record from the current RevenueCat snapshot
// without an event. Used for "Restore Purchases".
func (p *Provider) SyncUser(ctx context.Context, userID string) (entitlement.Tier, error) {
	start := time.Now()
	defer func() { p.metrics.RecordUserSyncDuration(providerName, time.Since(start)) }()

	snapshot, err := p.fetcher.GetSubscriber(ctx, userID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return entitlement.TierFreeGuest, err
	}

	now := p.now()
	res, err := p.applier.Apply(ctx, billing.ApplyRequest{
		Provider:  providerName,
		UserID:    userID,
		EventType: "SYNC",
		EventTime: now,
		Transform: func(existing *entitlement.Record) entitlement.TransformResult {
			return p.transformer.Transform(entitlement.TransformInput{Snapshot: snapshot, Existing: existing, Now: now})
		},
	})
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return entitlement.TierFreeGuest, err
	}
	p.metrics.RecordUserSync(providerName, "success")
	return res.NewTier, nil
}

func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	eventType := "UNKNOWN"
	internal.SetSecurityHeaders(w)

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("revenuecat webhook panic",
				entitlement.F("provider", providerName),
				entitlement.F("panic", rec),
			)
			p.metrics.RecordWebhookError(providerName, "panic")
			p.respond(w, eventType, startTime, "error", webhookResponse{Received: true, Error: "internal_error"})
		}
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	switch {
	case errors.Is(err, internal.ErrPayloadTooLarge):
		p.metrics.RecordWebhookError(providerName, "payload_too_large")
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	case errors.Is(err, internal.ErrEmptyBody):
		body = nil
	case err != nil:
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if !p.verifier.Configured() {
		p.logger.Error("revenuecat webhook secret not configured; acknowledging without processing",
			entitlement.F("provider", providerName),
		)
		p.metrics.RecordWebhookError(providerName, "not_configured")
		p.respond(w, eventType, startTime, "ignored", webhookResponse{Received: true, Ignored: IgnoredNotConfigured})
		return
	}
	if !p.verifier.Verify(r.Header, body) {
		p.logger.Warn("revenuecat webhook verification failed",
			entitlement.F("provider", providerName),
			entitlement.F("remote_addr", r.RemoteAddr),
		)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ev, err := normalize(body)
	if err != nil {
		p.logger.Warn("revenuecat webhook payload rejected",
			entitlement.F("provider", providerName),
			entitlement.F("error", err),
		)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		p.respond(w, eventType, startTime, "ignored", webhookResponse{Received: true, Ignored: IgnoredInvalidPayload})
		return
	}
	eventType = ev.Type

	if ev.Ignored != "" {
		p.logIgnored(ev)
		p.respond(w, eventType, startTime, "ignored", webhookResponse{Received: true, Ignored: ev.Ignored})
		return
	}

	resp, status := p.process(r.Context(), ev)
	p.respond(w, eventType, startTime, status, resp)
}

// process runs snapshot fetch, ledger check, transform and write for a resolved event.
func (p *Provider) process(ctx context.Context, ev *normalizedEvent) (webhookResponse, string) {
	fields := []entitlement.Field{
		entitlement.F("provider", providerName),
		entitlement.F("user_id", ev.UserID),
		entitlement.F("event_id", ev.EventID),
		entitlement.F("event_type", ev.Type),
	}
	if ev.EventID == "" {
		p.logger.Warn("revenuecat event has no id; idempotency ledger skipped", fields...)
	}

	snapshot, err := p.fetcher.GetSubscriber(ctx, ev.UserID)
	if err != nil {
		p.logger.Error("revenuecat subscriber snapshot fetch failed", append(fields, entitlement.F("error", err))...)
		p.metrics.RecordWebhookError(providerName, "snapshot_failed")
		return webhookResponse{Received: true, Error: "snapshot_fetch_failed"}, "error"
	}

	now := p.now()
	extra := entitlement.Update{}
	extra.Set(entitlement.FieldLastRevenueCatEventType, ev.Type)
	if ev.EventID != "" {
		extra.Set(entitlement.FieldLastRevenueCatEventID, ev.EventID)
	}
	eventAt := ev.EventAt
	if eventAt.IsZero() {
		eventAt = now
	}
	extra.SetTime(entitlement.FieldLastRevenueCatEventAt, &eventAt)

	res, err := p.applier.Apply(ctx, billing.ApplyRequest{
		Provider:  providerName,
		UserID:    ev.UserID,
		EventID:   ev.EventID,
		EventType: ev.Type,
		EventTime: eventAt,
		Extra:     extra,
		Transform: func(existing *entitlement.Record) entitlement.TransformResult {
			return p.transformer.Transform(entitlement.TransformInput{
				Snapshot: snapshot,
				Event: entitlement.PurchaseEvent{
					ID:          ev.EventID,
					Type:        ev.Type,
					ProductID:   ev.ProductID,
					Quantity:    ev.Quantity,
					PurchasedAt: ev.PurchasedAt,
				},
				Existing: existing,
				Now:      now,
			})
		},
	})
	if err != nil {
		p.logger.Error("revenuecat event processing failed", append(fields, entitlement.F("error", err))...)
		p.metrics.RecordWebhookError(providerName, "processing_error")
		return webhookResponse{Received: true, Error: "processing_failed"}, "error"
	}
	if res.Duplicate {
		p.logger.Info("revenuecat event already processed", fields...)
		return webhookResponse{Received: true, Duplicate: true}, "duplicate"
	}

	p.logger.Info("revenuecat event applied", append(fields,
		entitlement.F("access_tier", string(res.NewTier)),
		entitlement.F("previous_tier", string(res.PreviousTier)),
		entitlement.F("diagnostic", res.Diagnostic.Summary()),
	)...)
	return webhookResponse{Received: true, Applied: true, AccessTier: string(res.NewTier)}, "applied"
}

func (p *Provider) logIgnored(ev *normalizedEvent) {
	fields := []entitlement.Field{
		entitlement.F("provider", providerName),
		entitlement.F("event_id", ev.EventID),
		entitlement.F("event_type", ev.Type),
		entitlement.F("reason", ev.Ignored),
	}
	switch ev.Ignored {
	case IgnoredMissingUser:
		p.logger.Warn("revenuecat event has no resolvable user", fields...)
	case IgnoredUnsupportedType:
		p.logger.Warn("revenuecat event type not supported", fields...)
	default:
		p.logger.Info("revenuecat event ignored", fields...)
	}
}

func (p *Provider) respond(w http.ResponseWriter, eventType string, start time.Time, status string, resp webhookResponse) {
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
	if err := internal.WriteJSON(w, http.StatusOK, resp); err != nil {
		p.logger.Warn("failed to write webhook response", entitlement.F("error", err))
	}
}
