package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/somasave/sacco-deposits/internal/platform/audit"
	"github.com/somasave/sacco-deposits/internal/platform/clock"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestWebhookSourceGuardDeniesUntrustedSource(t *testing.T) {
	store := audit.NewInMemoryStore()
	guard, err := NewWebhookSourceGuard(clock.Fixed{At: serverTestNow}, store, []string{"196.43.128.0/24"})
	if err != nil {
		t.Fatalf("new guard err: %v", err)
	}
	h := guard.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, WebhookPath, nil)
	req.RemoteAddr = "203.0.113.8:45000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden for untrusted source, got=%d", rec.Code)
	}
	logs := guard.Activities()
	if len(logs) != 1 || logs[0].Allowed || logs[0].SourceIP != "203.0.113.8" {
		t.Fatalf("expected one denied activity log, got=%+v", logs)
	}
	events := store.Events()
	if len(events) != 1 || events[0].Result != audit.ResultDenied || events[0].ObjectID != WebhookPath {
		t.Fatalf("expected one denied audit event, got=%+v", events)
	}
}

func TestWebhookSourceGuardAllowsTrustedSource(t *testing.T) {
	guard, err := NewWebhookSourceGuard(clock.Fixed{At: serverTestNow}, nil, []string{"196.43.128.0/24"})
	if err != nil {
		t.Fatalf("new guard err: %v", err)
	}
	h := guard.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, WebhookPath, nil)
	req.RemoteAddr = "196.43.128.17:44000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected ok for trusted source, got=%d", rec.Code)
	}
	logs := guard.Activities()
	if len(logs) != 1 || !logs[0].Allowed {
		t.Fatalf("expected one allowed activity log")
	}
}

func TestWebhookSourceGuardIgnoresOtherPaths(t *testing.T) {
	guard, err := NewWebhookSourceGuard(clock.Fixed{At: serverTestNow}, nil, []string{"196.43.128.0/24"})
	if err != nil {
		t.Fatalf("new guard err: %v", err)
	}
	h := guard.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
	req.RemoteAddr = "203.0.113.8:45000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unguarded path must pass through, got=%d", rec.Code)
	}
	if len(guard.Activities()) != 0 {
		t.Fatalf("unguarded path must not be logged")
	}
}

func TestWebhookSourceGuardForwardedFor(t *testing.T) {
	guard, err := NewWebhookSourceGuard(clock.Fixed{At: serverTestNow}, nil, []string{"196.43.128.0/24"})
	if err != nil {
		t.Fatalf("new guard err: %v", err)
	}
	h := guard.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, WebhookPath, nil)
	req.RemoteAddr = "10.0.0.5:80"
	req.Header.Set("X-Forwarded-For", "196.43.128.9, 10.0.0.5")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("forwarded header must be ignored by default, got=%d", rec.Code)
	}

	guard.TrustForwardedFor = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected forwarded trusted source to pass, got=%d", rec.Code)
	}
}

func TestWebhookSourceGuardWithoutNetworksAllowsAll(t *testing.T) {
	guard, err := NewWebhookSourceGuard(nil, nil, nil)
	if err != nil {
		t.Fatalf("new guard err: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, WebhookPath, nil)
	req.RemoteAddr = "203.0.113.8:45000"
	rec := httptest.NewRecorder()
	guard.Wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ok with no trusted networks configured, got=%d", rec.Code)
	}
}

func TestWebhookSourceGuardRejectsBadCIDR(t *testing.T) {
	if _, err := NewWebhookSourceGuard(nil, nil, []string{"not-a-cidr"}); err == nil {
		t.Fatalf("expected invalid cidr error")
	}
}

func TestWebhookSourceGuardCapsActivityLog(t *testing.T) {
	reg := prometheus.NewRegistry()
	guard, err := NewWebhookSourceGuard(nil, nil, []string{"127.0.0.1/32"})
	if err != nil {
		t.Fatalf("new guard err: %v", err)
	}
	guard.Metrics = NewMetrics(reg)
	guard.logCap = 3
	h := guard.Wrap(okHandler())
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, WebhookPath, nil)
		req.RemoteAddr = "127.0.0.1:40000"
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if got := len(guard.Activities()); got != 3 {
		t.Fatalf("expected log capped at 3, got=%d", got)
	}
	if got := gaugeValue(t, reg, "sacco_deposits_webhook_source_log_entries"); got != 3 {
		t.Fatalf("expected log entries gauge 3, got=%v", got)
	}
	if got := counterValue(t, reg, "sacco_deposits_webhook_source_decisions_total", map[string]string{"outcome": "allowed"}); got != 5 {
		t.Fatalf("expected 5 allowed decisions, got=%v", got)
	}
}
