package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Transition("delivered")
	m.Conflict()
	m.Redemption("handoff_confirmation", "ok")
	m.NotificationSent("email")
	m.NotificationFailed("sms")
	m.Dropped()
	m.SetBreakerState("email", 1)
	m.ObserveRequest("verify", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil handler status = %d, want 404", rec.Code)
	}
}

func TestCountersAndHandler(t *testing.T) {
	m := New("test")
	m.Transition("delivered")
	m.Transition("delivered")
	m.NotificationFailed("sms")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`fulfillment_test_transitions_total{status="delivered"} 2`,
		`fulfillment_test_notification_failures_total{channel="sms"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
