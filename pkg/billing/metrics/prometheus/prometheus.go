// Package prommetrics implements billing.Metrics with Prometheus collectors.
//
// Series are grouped by subsystem: webhook (inbound provider events),
// provider_api (outbound snapshot and sync calls) and access (tier changes,
// recompute calls and window corrections).
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/quizaccess/pkg/billing"
)

const (
	subsystemWebhook     = "webhook"
	subsystemProviderAPI = "provider_api"
	subsystemAccess      = "access"
)

// breakerStates are the values of the breaker_state gauge
var breakerStates = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEvents     *prometheus.CounterVec
	webhookDuration   *prometheus.HistogramVec
	webhookErrors     *prometheus.CounterVec
	webhookDuplicates *prometheus.CounterVec

	apiCalls     *prometheus.CounterVec
	apiDuration  *prometheus.HistogramVec
	syncs        *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec

	tierChanges       *prometheus.CounterVec
	recomputes        *prometheus.CounterVec
	windowCorrections *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		}, labels)
	}

	return &Metrics{
		webhookEvents: counter(subsystemWebhook, "events_total",
			"Provider webhook events by outcome.", "provider", "event_type", "outcome"),
		webhookDuration: histogram(subsystemWebhook, "duration_seconds",
			"Time spent handling a provider webhook.", "provider", "event_type"),
		webhookErrors: counter(subsystemWebhook, "errors_total",
			"Provider webhook failures by reason.", "provider", "reason"),
		webhookDuplicates: counter(subsystemWebhook, "duplicates_total",
			"Provider events skipped because the ledger already held them.", "provider"),

		apiCalls: counter(subsystemProviderAPI, "calls_total",
			"Outbound provider API calls by HTTP status.", "provider", "endpoint", "status"),
		apiDuration: histogram(subsystemProviderAPI, "duration_seconds",
			"Latency of outbound provider API calls.", "provider", "endpoint"),
		syncs: counter(subsystemProviderAPI, "syncs_total",
			"Restore-purchase syncs by status.", "provider", "status"),
		syncDuration: histogram(subsystemProviderAPI, "sync_duration_seconds",
			"Latency of restore-purchase syncs.", "provider"),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemProviderAPI,
			Name:      "breaker_state",
			Help:      "Circuit breaker state of a provider client: 0 closed, 1 half-open, 2 open.",
		}, []string{"provider"}),

		tierChanges: counter(subsystemAccess, "tier_changes_total",
			"Access tier transitions written by the webhook pipeline.", "provider", "from_tier", "to_tier"),
		recomputes: counter(subsystemAccess, "recompute_total",
			"Recompute calls by outcome.", "outcome"),
		windowCorrections: counter(subsystemAccess, "window_corrections_total",
			"Stored active flags rewritten to match their resolved window.", "bucket", "end_source"),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEvents.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrors.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordDuplicateEvent(provider string) {
	m.webhookDuplicates.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordUserSync(provider, status string) {
	m.syncs.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordUserSyncDuration(provider string, duration time.Duration) {
	m.syncDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordTierChange(provider, fromTier, toTier string) {
	m.tierChanges.WithLabelValues(provider, fromTier, toTier).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCalls.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordRecompute(outcome string) {
	m.recomputes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordWindowCorrection(bucket, endSource string) {
	m.windowCorrections.WithLabelValues(bucket, endSource).Inc()
}

// RecordBreakerState sets the gauge; unknown states are ignored
func (m *Metrics) RecordBreakerState(provider, state string) {
	if v, ok := breakerStates[state]; ok {
		m.breakerState.WithLabelValues(provider).Set(v)
	}
}

var _ billing.Metrics = (*Metrics)(nil)
