package revenuecat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/quizaccess/pkg/billing"
)

// AnonymousIDPrefix marks RevenueCat ids generated before login.
const AnonymousIDPrefix = "$RCAnonymousID:"

// Reasons reported in the "ignored" field of the webhook response.
const (
	IgnoredTransferWithoutUser = "transfer_without_app_user_id"
	IgnoredMissingUser         = "missing_app_user_id"
	IgnoredAnonymousUser       = "anonymous_user"
	IgnoredUnsupportedType     = "unsupported_event_type"
	IgnoredTestEvent           = "test_event"
	IgnoredInvalidPayload      = "invalid_payload"
	IgnoredNotConfigured       = "webhook_not_configured"
)

// Event types
const (
	EventTest                 = "TEST"
	EventInitialPurchase      = "INITIAL_PURCHASE"
	EventRenewal              = "RENEWAL"
	EventCancellation         = "CANCELLATION"
	EventUncancellation       = "UNCANCELLATION"
	EventNonRenewingPurchase  = "NON_RENEWING_PURCHASE"
	EventSubscriptionPaused   = "SUBSCRIPTION_PAUSED"
	EventExpiration           = "EXPIRATION"
	EventBillingIssue         = "BILLING_ISSUE"
	EventProductChange        = "PRODUCT_CHANGE"
	EventTransfer             = "TRANSFER"
	EventSubscriptionExtended = "SUBSCRIPTION_EXTENDED"
	EventTemporaryGrant       = "TEMPORARY_ENTITLEMENT_GRANT"
	EventRefundReversed       = "REFUND_REVERSED"
)

// subscriberEventTypes identify their subscriber with app_user_id and its fallbacks.
var subscriberEventTypes = map[string]bool{
	EventInitialPurchase:      true,
	EventRenewal:              true,
	EventCancellation:         true,
	EventUncancellation:       true,
	EventNonRenewingPurchase:  true,
	EventSubscriptionPaused:   true,
	EventExpiration:           true,
	EventBillingIssue:         true,
	EventProductChange:        true,
	EventSubscriptionExtended: true,
	EventTemporaryGrant:       true,
	EventRefundReversed:       true,
}

// webhookPayload represents the RevenueCat webhook payload structure
type webhookPayload struct {
	APIVersion string       `json:"api_version"`
	WebhookID  string       `json:"webhook_id"`
	Event      webhookEvent `json:"event"`
	Subscriber struct {
		OriginalAppUserID string `json:"original_app_user_id"`
	} `json:"subscriber"`
}

type webhookEvent struct {
	ID                   string                         `json:"id"`
	Type                 string                         `json:"type"`
	AppUserID            string                         `json:"app_user_id"`
	OriginalAppUserID    string                         `json:"original_app_user_id"`
	Aliases              []string                       `json:"aliases"`
	TransferredFrom      []string                       `json:"transferred_from"`
	TransferredTo        []string                       `json:"transferred_to"`
	ProductID            string                         `json:"product_id"`
	PeriodType           string                         `json:"period_type"`
	PurchasedAtMs        int64                          `json:"purchased_at_ms"`
	ExpirationAtMs       int64                          `json:"expiration_at_ms"`
	EventTimestampMs     int64                          `json:"event_timestamp_ms"`
	TransactionID        string                         `json:"transaction_id"`
	Quantity             *int                           `json:"quantity"`
	Store                string                         `json:"store"`
	SubscriberAttributes map[string]subscriberAttribute `json:"subscriber_attributes"`
}

type subscriberAttribute struct {
	Value string `json:"value"`
}

// normalizedEvent is the stable view of a webhook the pipeline works from.
// Ignored is set when the event must be acknowledged without any write.
type normalizedEvent struct {
	UserID      string
	EventID     string
	Type        string
	Ignored     string
	ProductID   string
	Quantity    int
	PurchasedAt *time.Time
	EventAt     time.Time
}

// normalize parses a webhook body. Each known event type is parsed by its own
// shape: TRANSFER resolves the destination from transferred_to, all other
// subscriber events use app_user_id, original_app_user_id, the nested
// subscriber object and finally aliases. Unknown types are ignored.
func normalize(body []byte) (*normalizedEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	ev := payload.Event
	eventType := strings.ToUpper(strings.TrimSpace(ev.Type))
	if eventType == "" {
		return nil, fmt.Errorf("%w: missing event type", billing.ErrInvalidWebhookPayload)
	}

	n := &normalizedEvent{
		Type:      eventType,
		EventID:   firstNonEmpty(ev.ID, payload.WebhookID, ev.TransactionID),
		ProductID: strings.TrimSpace(ev.ProductID),
		Quantity:  eventQuantity(ev),
	}
	if ev.EventTimestampMs > 0 {
		n.EventAt = time.UnixMilli(ev.EventTimestampMs).UTC()
	}
	if ev.PurchasedAtMs > 0 {
		t := time.UnixMilli(ev.PurchasedAtMs).UTC()
		n.PurchasedAt = &t
	}

	switch {
	case eventType == EventTest:
		n.Ignored = IgnoredTestEvent
	case eventType == EventTransfer:
		id, anonymous := pickUserID(ev.TransferredTo)
		switch {
		case id != "":
			n.UserID = id
		case anonymous:
			n.Ignored = IgnoredAnonymousUser
		default:
			n.Ignored = IgnoredTransferWithoutUser
		}
	case subscriberEventTypes[eventType]:
		candidates := append([]string{ev.AppUserID, ev.OriginalAppUserID, payload.Subscriber.OriginalAppUserID}, ev.Aliases...)
		id, anonymous := pickUserID(candidates)
		switch {
		case id != "":
			n.UserID = id
		case anonymous:
			n.Ignored = IgnoredAnonymousUser
		default:
			n.Ignored = IgnoredMissingUser
		}
	default:
		n.Ignored = IgnoredUnsupportedType
	}
	return n, nil
}

// pickUserID returns the first non-anonymous id, and whether an anonymous one was seen.
func pickUserID(candidates []string) (string, bool) {
	anonymous := false
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if IsAnonymousID(c) {
			anonymous = true
			continue
		}
		return c, anonymous
	}
	return "", anonymous
}

// IsAnonymousID reports whether id was generated by RevenueCat before login
func IsAnonymousID(id string) bool {
	return strings.HasPrefix(id, AnonymousIDPrefix)
}

// eventQuantity reads the purchase quantity from the event, then from the
// "quantity" subscriber attribute. Zero means unknown.
func eventQuantity(ev webhookEvent) int {
	if ev.Quantity != nil && *ev.Quantity > 0 {
		return *ev.Quantity
	}
	for _, key := range []string{"quantity", "$quantity"} {
		if attr, ok := ev.SubscriberAttributes[key]; ok {
			if q, err := strconv.Atoi(strings.TrimSpace(attr.Value)); err == nil && q > 0 {
				return q
			}
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
