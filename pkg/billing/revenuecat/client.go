package revenuecat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/mihaimyh/quizaccess/pkg/billing"
	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

const (
	subscriberEndpoint   = "/subscribers/{id}"
	maxSubscriberBody    = 2 << 20
	snapshotFetchTimeout = 20 * time.Second
)

// subscriberResponse represents the RevenueCat API subscriber response
type subscriberResponse struct {
	Subscriber struct {
		OriginalAppUserID string                          `json:"original_app_user_id"`
		Subscriptions     map[string]subscriptionResponse `json:"subscriptions"`
	} `json:"subscriber"`
}

type subscriptionResponse struct {
	ExpiresDate           *string `json:"expires_date"`
	PurchaseDate          *string `json:"purchase_date"`
	PeriodType            string  `json:"period_type"`
	Store                 string  `json:"store"`
	StoreTransactionID    string  `json:"store_transaction_id"`
	UnsubscribeDetectedAt *string `json:"unsubscribe_detected_at"`
}

// Client fetches subscriber snapshots from the RevenueCat REST API.
// Calls go through a circuit breaker and are never retried.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	metrics    billing.Metrics
}

// NewClient creates a subscriber API client
func NewClient(baseURL, apiKey string, httpClient *http.Client, metrics billing.Metrics) *Client {
	if baseURL == "" {
		baseURL = revenueCatAPIBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: snapshotFetchTimeout}
	}
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	apiKey = strings.TrimSpace(apiKey)
	if strings.HasPrefix(strings.ToLower(apiKey), "bearer ") {
		apiKey = strings.TrimSpace(apiKey[len("bearer "):])
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		metrics:    metrics,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "revenuecat-subscribers",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			OnStateChange: func(_ string, _, to gobreaker.State) {
				metrics.RecordBreakerState(providerName, to.String())
			},
		}),
	}
}

// GetSubscriber returns the subscriber's current subscriptions
func (c *Client) GetSubscriber(ctx context.Context, userID string) (entitlement.Snapshot, error) {
	snapshot := entitlement.Snapshot{Provider: providerName}
	if c.apiKey == "" {
		return snapshot, fmt.Errorf("%w: revenuecat API key not configured", billing.ErrProviderNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, snapshotFetchTimeout)
	defer cancel()

	endpoint := c.baseURL + "/subscribers/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return snapshot, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: status %d", billing.ErrProviderAPIError, resp.StatusCode)
		}
		return resp, nil
	})
	c.metrics.RecordAPICallDuration(providerName, subscriberEndpoint, time.Since(start))
	if err != nil {
		status := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			status = "circuit_open"
			err = fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
		}
		c.metrics.RecordAPICall(providerName, subscriberEndpoint, status)
		return snapshot, fmt.Errorf("failed to fetch subscriber: %w", err)
	}
	defer res.Body.Close()
	c.metrics.RecordAPICall(providerName, subscriberEndpoint, strconv.Itoa(res.StatusCode))

	body, err := io.ReadAll(io.LimitReader(res.Body, maxSubscriberBody))
	if err != nil {
		return snapshot, fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode == http.StatusNotFound {
		return snapshot, fmt.Errorf("%w: subscriber %s", billing.ErrUserNotFound, userID)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return snapshot, fmt.Errorf("%w: status %d, body: %s", billing.ErrProviderAPIError, res.StatusCode, truncate(string(body), 256))
	}

	var payload subscriberResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return snapshot, fmt.Errorf("%w: failed to parse response: %v", billing.ErrProviderAPIError, err)
	}

	snapshot.Subscriptions = toEntries(payload.Subscriber.Subscriptions)
	return snapshot, nil
}

func toEntries(subs map[string]subscriptionResponse) []entitlement.SubscriptionEntry {
	products := make([]string, 0, len(subs))
	for id := range subs {
		products = append(products, id)
	}
	sort.Strings(products)

	out := make([]entitlement.SubscriptionEntry, 0, len(subs))
	for _, id := range products {
		s := subs[id]
		out = append(out, entitlement.SubscriptionEntry{
			ProductID:             id,
			SubscriptionID:        s.StoreTransactionID,
			Store:                 s.Store,
			PeriodType:            s.PeriodType,
			PurchasedAt:           parseOptionalTime(s.PurchaseDate),
			ExpiresAt:             parseOptionalTime(s.ExpiresDate),
			UnsubscribeDetectedAt: parseOptionalTime(s.UnsubscribeDetectedAt),
		})
	}
	return out
}

func parseOptionalTime(v *string) *time.Time {
	if v == nil {
		return nil
	}
	t, err := parseRevenueCatTime(*v)
	if err != nil {
		return nil
	}
	return &t
}

// parseRevenueCatTime parses a RevenueCat timestamp string
func parseRevenueCatTime(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}

	// Try RFC3339Nano first (RevenueCat often uses this)
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unable to parse time: %s", v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
