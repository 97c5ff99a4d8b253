package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/quizaccess/pkg/billing"
	"github.com/mihaimyh/quizaccess/pkg/billing/internal"
	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// Reasons reported in the "ignored" field of the webhook response.
const (
	IgnoredUnsupportedType = "unsupported_event_type"
	IgnoredUserNotFound    = "user_not_found"
	IgnoredNoSubscription  = "no_subscription"
	IgnoredDiagnosticOnly  = "diagnostic_only"
	IgnoredNotPaid         = "not_paid"
)

type webhookResponse struct {
	Received   bool   `json:"received"`
	Ignored    string `json:"ignored,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Error      string `json:"error,omitempty"`
	Applied    bool   `json:"applied,omitempty"`
	AccessTier string `json:"accessTier,omitempty"`
}

// handleWebhook verifies the Stripe signature and dispatches the event.
// Only a wrong method, an oversized body and a bad signature are rejected;
// every other outcome is acknowledged with 200.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	eventType := "UNKNOWN"
	internal.SetSecurityHeaders(w)

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("stripe webhook panic",
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
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if p.webhookSecret == "" {
		p.logger.Error("stripe webhook secret not configured; rejecting event",
			entitlement.F("provider", providerName),
		)
		p.metrics.RecordWebhookError(providerName, "not_configured")
		http.Error(w, "webhook not configured", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		p.logger.Warn("stripe webhook verification failed",
			entitlement.F("provider", providerName),
			entitlement.F("remote_addr", r.RemoteAddr),
			entitlement.F("error", err),
		)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		http.Error(w, billing.ErrInvalidWebhookSignature.Error(), http.StatusBadRequest)
		return
	}
	eventType = string(event.Type)

	resp, status := p.processEvent(r.Context(), &event)
	p.respond(w, eventType, startTime, status, resp)
}

// processEvent routes a verified event to its handler
func (p *Provider) processEvent(ctx context.Context, event *stripe.Event) (webhookResponse, string) {
	fields := []entitlement.Field{
		entitlement.F("provider", providerName),
		entitlement.F("event_id", event.ID),
		entitlement.F("event_type", string(event.Type)),
	}

	var (
		req     *billing.ApplyRequest
		ignored string
		err     error
	)
	switch event.Type {
	case "checkout.session.completed":
		req, ignored, err = p.checkoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		req, ignored, err = p.subscriptionChanged(ctx, event)
	case "invoice.payment_failed":
		p.paymentFailed(event, fields)
		return webhookResponse{Received: true, Ignored: IgnoredDiagnosticOnly}, "ignored"
	default:
		p.logger.Debug("stripe event type not handled", fields...)
		return webhookResponse{Received: true, Ignored: IgnoredUnsupportedType}, "ignored"
	}

	if err != nil {
		p.logger.Error("stripe event could not be prepared", append(fields, entitlement.F("error", err))...)
		p.metrics.RecordWebhookError(providerName, "processing_error")
		return webhookResponse{Received: true, Error: "processing_failed"}, "error"
	}
	if ignored != "" {
		p.logger.Warn("stripe event ignored", append(fields, entitlement.F("reason", ignored))...)
		return webhookResponse{Received: true, Ignored: ignored}, "ignored"
	}

	fields = append(fields, entitlement.F("user_id", req.UserID))
	res, err := p.applier.Apply(ctx, *req)
	if err != nil {
		p.logger.Error("stripe event processing failed", append(fields, entitlement.F("error", err))...)
		p.metrics.RecordWebhookError(providerName, "processing_error")
		return webhookResponse{Received: true, Error: "processing_failed"}, "error"
	}
	if res.Duplicate {
		p.logger.Info("stripe event already processed", fields...)
		return webhookResponse{Received: true, Duplicate: true}, "duplicate"
	}

	p.logger.Info("stripe event applied", append(fields,
		entitlement.F("access_tier", string(res.NewTier)),
		entitlement.F("previous_tier", string(res.PreviousTier)),
		entitlement.F("diagnostic", res.Diagnostic.Summary()),
	)...)
	return webhookResponse{Received: true, Applied: true, AccessTier: string(res.NewTier)}, "applied"
}

// checkoutCompleted handles checkout.session.completed. Subscription checkouts
// retrieve the subscription for its period; payment checkouts add credits.
// Sessions that were not paid grant nothing; no_payment_required only counts
// for subscription checkouts (a free trial start).
func (p *Provider) checkoutCompleted(ctx context.Context, event *stripe.Event) (*billing.ApplyRequest, string, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}
	if !checkoutPaid(&session) {
		return nil, IgnoredNotPaid, nil
	}
	now := p.now()
	customer := customerID(session.Customer)

	var sub *stripe.Subscription
	if session.Mode == stripe.CheckoutSessionModeSubscription {
		if session.Subscription == nil || session.Subscription.ID == "" {
			return nil, IgnoredNoSubscription, nil
		}
		var err error
		sub, err = p.subscriptions.Retrieve(ctx, session.Subscription.ID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to fetch subscription %s: %w", session.Subscription.ID, err)
		}
		if customer == "" {
			customer = customerID(sub.Customer)
		}
	}

	userID := metadataValue(session.Metadata, userIDMetadataKeys)
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" && sub != nil {
		userID = metadataValue(sub.Metadata, userIDMetadataKeys)
	}
	if userID == "" {
		var err error
		userID, err = p.lookupUser(ctx, customer, "")
		if err != nil {
			return nil, "", err
		}
	}
	if userID == "" {
		return nil, IgnoredUserNotFound, nil
	}

	purchase := entitlement.PurchaseEvent{ID: event.ID, Type: string(event.Type)}
	snapshot := entitlement.Snapshot{Provider: providerName}
	if sub != nil {
		snapshot = snapshotOf(p.catalog, now, sub)
		for i := range snapshot.Subscriptions {
			fillFromMetadata(&snapshot.Subscriptions[i], p.catalog, session.Metadata)
		}
	} else {
		purchase.ProductID = metadataValue(session.Metadata, productMetadataKeys)
		purchase.Quantity, _ = strconv.Atoi(session.Metadata["quantity"])
		purchase.PurchasedAt = unixTime(event.Created)
	}

	req := p.applyRequest(event, userID, customer, func(existing *entitlement.Record) entitlement.TransformResult {
		return p.transformer.Transform(entitlement.TransformInput{
			Snapshot: snapshot,
			Event:    purchase,
			Existing: existing,
			Now:      now,
		})
	})
	return req, "", nil
}

func checkoutPaid(session *stripe.CheckoutSession) bool {
	switch session.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid:
		return true
	case stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return session.Mode == stripe.CheckoutSessionModeSubscription
	}
	return false
}

// subscriptionChanged handles customer.subscription.* events from the event's
// own subscription object. Deletions also read the customer's other
// subscriptions so a remaining subscription in the same bucket keeps access.
func (p *Provider) subscriptionChanged(ctx context.Context, event *stripe.Event) (*billing.ApplyRequest, string, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	now := p.now()
	customer := customerID(sub.Customer)

	userID := metadataValue(sub.Metadata, userIDMetadataKeys)
	if userID == "" {
		var err error
		userID, err = p.lookupUser(ctx, customer, sub.ID)
		if err != nil {
			return nil, "", err
		}
	}
	if userID == "" {
		return nil, IgnoredUserNotFound, nil
	}

	subs := []*stripe.Subscription{&sub}
	if event.Type == "customer.subscription.deleted" && customer != "" {
		listed, err := p.subscriptions.ListByCustomer(ctx, customer)
		if err != nil {
			p.logger.Warn("failed to list remaining stripe subscriptions; using event subscription only",
				entitlement.F("provider", providerName),
				entitlement.F("user_id", userID),
				entitlement.F("error", err),
			)
		} else {
			subs = mergeSubscriptions(&sub, listed)
		}
	}
	snapshot := snapshotOf(p.catalog, now, subs...)

	req := p.applyRequest(event, userID, customer, func(existing *entitlement.Record) entitlement.TransformResult {
		return p.transformer.Transform(entitlement.TransformInput{
			Snapshot: snapshot,
			Event:    entitlement.PurchaseEvent{ID: event.ID, Type: string(event.Type)},
			Existing: existing,
			Now:      now,
		})
	})
	return req, "", nil
}

// paymentFailed records a failed invoice payment. Access is unchanged until
// Stripe moves the subscription to a terminal status.
func (p *Provider) paymentFailed(event *stripe.Event, fields []entitlement.Field) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		p.logger.Warn("failed to unmarshal invoice", append(fields, entitlement.F("error", err))...)
		return
	}
	p.metrics.RecordWebhookError(providerName, "payment_failed")
	p.logger.Warn("stripe invoice payment failed", append(fields,
		entitlement.F("invoice_id", invoice.ID),
		entitlement.F("customer_id", customerID(invoice.Customer)),
		entitlement.F("attempt_count", invoice.AttemptCount),
	)...)
}

// lookupUser matches a customer or subscription id against stored records.
// It returns "" without error when nothing matches.
func (p *Provider) lookupUser(ctx context.Context, customer, subscriptionID string) (string, error) {
	type match struct{ field, value string }
	var candidates []match
	if subscriptionID != "" {
		candidates = append(candidates,
			match{entitlement.FieldBoardReviewSubscription, subscriptionID},
			match{entitlement.FieldCMESubscription, subscriptionID},
		)
	}
	if customer != "" {
		candidates = append(candidates, match{entitlement.FieldStripeCustomerID, customer})
	}

	for _, c := range candidates {
		userID, err := p.store.FindUserIDByField(ctx, c.field, c.value)
		switch {
		case err == nil:
			return userID, nil
		case errors.Is(err, entitlement.ErrRecordNotFound):
			continue
		default:
			return "", fmt.Errorf("failed to look up user by %s: %w", c.field, err)
		}
	}
	return "", nil
}

func (p *Provider) applyRequest(
	event *stripe.Event, userID, customer string,
	transform func(*entitlement.Record) entitlement.TransformResult,
) *billing.ApplyRequest {
	extra := entitlement.Update{}
	extra.Set(entitlement.FieldLastStripeEvent, event.ID)
	extra.Set(entitlement.FieldLastStripeEventType, string(event.Type))
	if customer != "" {
		extra.Set(entitlement.FieldStripeCustomerID, customer)
	}

	eventTime := p.now()
	if t := unixTime(event.Created); t != nil {
		eventTime = *t
	}
	return &billing.ApplyRequest{
		Provider:  providerName,
		UserID:    userID,
		EventID:   event.ID,
		EventType: string(event.Type),
		EventTime: eventTime,
		Extra:     extra,
		Transform: transform,
	}
}

func (p *Provider) respond(w http.ResponseWriter, eventType string, start time.Time, status string, resp webhookResponse) {
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
	if err := internal.WriteJSON(w, http.StatusOK, resp); err != nil {
		p.logger.Warn("failed to write webhook response", entitlement.F("error", err))
	}
}
