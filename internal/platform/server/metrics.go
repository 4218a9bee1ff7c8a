package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/somasave/sacco-deposits/internal/platform/reconcile"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const metricsNamespace = "sacco_deposits"

// Metrics implements reconcile.Observer and relworx.Observer. Every method is
// safe on a nil receiver so tests can run without a registry.
type Metrics struct {
	outcomesTotal         *prometheus.CounterVec
	outcomeDuration       *prometheus.HistogramVec
	creditsTotal          *prometheus.CounterVec
	creditedAmountTotal   *prometheus.CounterVec
	webhookRejections     *prometheus.CounterVec
	gatewayCallsTotal     *prometheus.CounterVec
	gatewayCallDuration   *prometheus.HistogramVec
	sweepRunsTotal        *prometheus.CounterVec
	sweepLastChecked      prometheus.Gauge
	sweepLastRunUnix      prometheus.Gauge
	requestsTotal         *prometheus.CounterVec
	webhookSourceDecision *prometheus.CounterVec
	webhookSourceLog      prometheus.Gauge
	webhookSourceLogCap   prometheus.Gauge
}

// NewMetrics registers on reg. Pass prometheus.DefaultRegisterer in the
// daemon and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		outcomesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconcile",
				Name:      "outcomes_total",
				Help:      "Engine outcomes partitioned by operation, source and code.",
			},
			[]string{"operation", "source", "code"},
		),
		outcomeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconcile",
				Name:      "duration_seconds",
				Help:      "Engine operation latency including provider calls.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		creditsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "credits_total",
				Help:      "Balance credits applied, one per completed deposit.",
			},
			[]string{"currency"},
		),
		creditedAmountTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "credited_amount_total",
				Help:      "Sum of credited deposit amounts in major currency units.",
			},
			[]string{"currency"},
		),
		webhookRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "webhook",
				Name:      "rejections_total",
				Help:      "Webhook deliveries rejected before any ledger access.",
			},
			[]string{"reason"},
		),
		gatewayCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "relworx",
				Name:      "calls_total",
				Help:      "Outbound Relworx calls partitioned by operation and result.",
			},
			[]string{"operation", "result"},
		),
		gatewayCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "relworx",
				Name:      "call_duration_seconds",
				Help:      "Outbound Relworx call latency.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		sweepRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "sweeper",
				Name:      "runs_total",
				Help:      "Pending deposit sweeps partitioned by result.",
			},
			[]string{"result"},
		),
		sweepLastChecked: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "sweeper",
				Name:      "last_checked",
				Help:      "Deposits checked in the most recent sweep.",
			},
		),
		sweepLastRunUnix: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "sweeper",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent sweep.",
			},
		),
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Inbound requests by transport, method and gRPC-equivalent code.",
			},
			[]string{"transport", "method", "code"},
		),
		webhookSourceDecision: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "webhook",
				Name:      "source_decisions_total",
				Help:      "Webhook source network checks by outcome.",
			},
			[]string{"outcome"},
		),
		webhookSourceLog: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "webhook",
				Name:      "source_log_entries",
				Help:      "Entries held in the in-memory webhook source log.",
			},
		),
		webhookSourceLogCap: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "webhook",
				Name:      "source_log_cap",
				Help:      "Capacity of the in-memory webhook source log.",
			},
		),
	}
}

func (m *Metrics) ObserveOutcome(operation string, source reconcile.Source, code reconcile.Code, took time.Duration) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(operation, string(source), string(code)).Inc()
	m.outcomeDuration.WithLabelValues(operation).Observe(took.Seconds())
}

func (m *Metrics) ObserveCredit(currency string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.creditsTotal.WithLabelValues(currency).Inc()
	m.creditedAmountTotal.WithLabelValues(currency).Add(amount.InexactFloat64())
}

func (m *Metrics) ObserveWebhookRejected(reason string) {
	if m == nil {
		return
	}
	m.webhookRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveGatewayCall(operation, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.gatewayCallsTotal.WithLabelValues(operation, result).Inc()
	m.gatewayCallDuration.WithLabelValues(operation).Observe(took.Seconds())
}

func (m *Metrics) ObserveSweep(rep reconcile.SweepReport, err error) {
	if m == nil {
		return
	}
	m.sweepLastRunUnix.Set(float64(time.Now().UTC().Unix()))
	if err != nil {
		m.sweepRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.sweepRunsTotal.WithLabelValues("success").Inc()
	m.sweepLastChecked.Set(float64(rep.Checked))
}

func (m *Metrics) ObserveWebhookSourceDecision(outcome string) {
	if m == nil {
		return
	}
	m.webhookSourceDecision.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveWebhookSourceLogState(entries, capacity int) {
	if m == nil {
		return
	}
	m.webhookSourceLog.Set(float64(entries))
	m.webhookSourceLogCap.Set(float64(capacity))
}

func (m *Metrics) observeRequest(transport, method string, code codes.Code) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(transport, method, code.String()).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func HTTPMetricsMiddleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.observeRequest("http", r.Method, grpcCodeFromHTTPStatus(rec.status))
	})
}

func UnaryMetricsInterceptor(m *Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		m.observeRequest("grpc", info.FullMethod, status.Code(err))
		return resp, err
	}
}

func grpcCodeFromHTTPStatus(statusCode int) codes.Code {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return codes.OK
	case statusCode == http.StatusBadRequest:
		return codes.InvalidArgument
	case statusCode == http.StatusUnauthorized:
		return codes.Unauthenticated
	case statusCode == http.StatusForbidden:
		return codes.PermissionDenied
	case statusCode == http.StatusNotFound:
		return codes.NotFound
	case statusCode == http.StatusConflict:
		return codes.Aborted
	case statusCode == http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case statusCode == http.StatusUnprocessableEntity:
		return codes.FailedPrecondition
	case statusCode == http.StatusServiceUnavailable:
		return codes.Unavailable
	case statusCode == http.StatusBadGateway:
		return codes.Unavailable
	case statusCode >= 400 && statusCode < 500:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}
