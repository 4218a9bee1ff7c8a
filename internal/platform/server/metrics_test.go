package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/somasave/sacco-deposits/internal/platform/reconcile"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func findMetric(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if metricLabelsMatch(m, labels) {
				return m
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	if m := findMetric(t, g, name, labels); m != nil && m.GetCounter() != nil {
		return m.GetCounter().GetValue()
	}
	return 0
}

func gaugeValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	if m := findMetric(t, g, name, nil); m != nil && m.GetGauge() != nil {
		return m.GetGauge().GetValue()
	}
	return 0
}

func metricLabelsMatch(metric *dto.Metric, expected map[string]string) bool {
	actual := make(map[string]string, len(metric.GetLabel()))
	for _, lp := range metric.GetLabel() {
		actual[lp.GetName()] = lp.GetValue()
	}
	for k, v := range expected {
		if actual[k] != v {
			return false
		}
	}
	return true
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveOutcome("webhook", reconcile.SourceWebhook, reconcile.CodeProcessed, time.Millisecond)
	m.ObserveCredit("UGX", decimal.NewFromInt(1000))
	m.ObserveWebhookRejected("invalid signature")
	m.ObserveGatewayCall("check_status", "ok", time.Millisecond)
	m.ObserveSweep(reconcile.SweepReport{Checked: 1}, nil)
	m.ObserveWebhookSourceDecision("denied")
	m.ObserveWebhookSourceLogState(1, 10)
}

func TestMetricsRecordEngineActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveOutcome("webhook", reconcile.SourceWebhook, reconcile.CodeProcessed, 20*time.Millisecond)
	m.ObserveOutcome("webhook", reconcile.SourceWebhook, reconcile.CodeProcessed, 20*time.Millisecond)
	m.ObserveCredit("UGX", decimal.RequireFromString("50000.50"))
	m.ObserveWebhookRejected("invalid signature")
	m.ObserveGatewayCall("request_payment", "transport", time.Second)
	m.ObserveSweep(reconcile.SweepReport{Checked: 4, Completed: 1}, nil)
	m.ObserveSweep(reconcile.SweepReport{}, errors.New("db down"))

	if got := counterValue(t, reg, "sacco_deposits_reconcile_outcomes_total", map[string]string{"operation": "webhook", "source": "webhook", "code": "processed"}); got != 2 {
		t.Fatalf("expected 2 processed webhook outcomes, got=%v", got)
	}
	if got := counterValue(t, reg, "sacco_deposits_ledger_credited_amount_total", map[string]string{"currency": "UGX"}); got != 50000.50 {
		t.Fatalf("expected credited amount 50000.50, got=%v", got)
	}
	if got := counterValue(t, reg, "sacco_deposits_webhook_rejections_total", map[string]string{"reason": "invalid signature"}); got != 1 {
		t.Fatalf("expected one rejection, got=%v", got)
	}
	if got := counterValue(t, reg, "sacco_deposits_relworx_calls_total", map[string]string{"operation": "request_payment", "result": "transport"}); got != 1 {
		t.Fatalf("expected one transport failure, got=%v", got)
	}
	if got := gaugeValue(t, reg, "sacco_deposits_sweeper_last_checked"); got != 4 {
		t.Fatalf("failed sweep must keep last checked gauge, got=%v", got)
	}
	if got := counterValue(t, reg, "sacco_deposits_sweeper_runs_total", map[string]string{"result": "error"}); got != 1 {
		t.Fatalf("expected one failed sweep, got=%v", got)
	}
}

func TestHTTPMetricsMiddlewareRecordsStatusCodes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := HTTPMetricsMiddleware(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	if got := counterValue(t, reg, "sacco_deposits_api_requests_total", map[string]string{"transport": "http", "method": "GET", "code": "OK"}); got != 1 {
		t.Fatalf("expected one OK request, got=%v", got)
	}
	if got := counterValue(t, reg, "sacco_deposits_api_requests_total", map[string]string{"transport": "http", "method": "GET", "code": "NotFound"}); got != 1 {
		t.Fatalf("expected one NotFound request, got=%v", got)
	}
}

func TestUnaryMetricsInterceptorRecordsCodes(t *testing.T) {
	reg := prometheus.NewRegistry()
	interceptor := UnaryMetricsInterceptor(NewMetrics(reg))
	info := &grpc.UnaryServerInfo{FullMethod: MethodGetDepositStatus}

	_, _ = interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	})
	if got := counterValue(t, reg, "sacco_deposits_api_requests_total", map[string]string{"transport": "grpc", "method": MethodGetDepositStatus, "code": "Unauthenticated"}); got != 1 {
		t.Fatalf("expected one unauthenticated call, got=%v", got)
	}
}

func TestGRPCCodeFromHTTPStatus(t *testing.T) {
	cases := map[int]codes.Code{
		http.StatusCreated:             codes.OK,
		http.StatusBadRequest:          codes.InvalidArgument,
		http.StatusUnauthorized:        codes.Unauthenticated,
		http.StatusForbidden:           codes.PermissionDenied,
		http.StatusNotFound:            codes.NotFound,
		http.StatusConflict:            codes.Aborted,
		http.StatusBadGateway:          codes.Unavailable,
		http.StatusServiceUnavailable:  codes.Unavailable,
		http.StatusInternalServerError: codes.Internal,
	}
	for in, want := range cases {
		if got := grpcCodeFromHTTPStatus(in); got != want {
			t.Fatalf("status %d: want %v got %v", in, want, got)
		}
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg).ObserveWebhookRejected("missing signature")

	mux := newSystemMux(t, SystemHandler{Gatherer: reg})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got=%d", rec.Code)
	}
	if !containsLine(rec.Body.String(), `sacco_deposits_webhook_rejections_total{reason="missing signature"} 1`) {
		t.Fatalf("metrics output missing rejection counter:\n%s", rec.Body.String())
	}
}
