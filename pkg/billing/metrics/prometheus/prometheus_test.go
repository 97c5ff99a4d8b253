package prommetrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "quizaccess")

	m.RecordWebhookEvent("revenuecat", "RENEWAL", "applied")
	m.RecordWebhookEvent("revenuecat", "RENEWAL", "applied")
	m.RecordDuplicateEvent("stripe")
	m.RecordRecompute("permission-denied")
	m.RecordTierChange("stripe", "free_guest", "board_review")
	m.RecordWindowCorrection("cme_annual", "trial")

	if got := testutil.ToFloat64(m.webhookEvents.WithLabelValues("revenuecat", "RENEWAL", "applied")); got != 2 {
		t.Errorf("webhook events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.webhookDuplicates.WithLabelValues("stripe")); got != 1 {
		t.Errorf("duplicate events = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.recomputes.WithLabelValues("permission-denied")); got != 1 {
		t.Errorf("recompute = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.tierChanges.WithLabelValues("stripe", "free_guest", "board_review")); got != 1 {
		t.Errorf("tier changes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.windowCorrections.WithLabelValues("cme_annual", "trial")); got != 1 {
		t.Errorf("window corrections = %v, want 1", got)
	}
}

func TestMetrics_Histograms(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "quizaccess")

	m.RecordWebhookProcessingDuration("stripe", "checkout.session.completed", 15*time.Millisecond)
	m.RecordAPICallDuration("revenuecat", "/subscribers/{id}", 120*time.Millisecond)

	for _, name := range []string{
		"quizaccess_webhook_duration_seconds",
		"quizaccess_provider_api_duration_seconds",
	} {
		count, err := testutil.GatherAndCount(reg, name)
		if err != nil {
			t.Fatalf("gather %s failed: %v", name, err)
		}
		if count != 1 {
			t.Errorf("%s series = %d, want 1", name, count)
		}
	}
}

func TestMetrics_BreakerState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "quizaccess")

	m.RecordBreakerState("revenuecat", "open")
	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("revenuecat")); got != 2 {
		t.Errorf("breaker state = %v, want 2", got)
	}

	m.RecordBreakerState("revenuecat", "bogus")
	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("revenuecat")); got != 2 {
		t.Errorf("unknown state changed gauge to %v", got)
	}

	m.RecordBreakerState("revenuecat", "closed")
	expected := `
# HELP quizaccess_provider_api_breaker_state Circuit breaker state of a provider client: 0 closed, 1 half-open, 2 open.
# TYPE quizaccess_provider_api_breaker_state gauge
quizaccess_provider_api_breaker_state{provider="revenuecat"} 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "quizaccess_provider_api_breaker_state"); err != nil {
		t.Error(err)
	}
}
