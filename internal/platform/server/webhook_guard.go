package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/somasave/sacco-deposits/internal/platform/audit"
	"github.com/somasave/sacco-deposits/internal/platform/clock"
)

const (
	defaultSourceLogCap = 1000
	// maxSourceLen bounds the forwarded address kept per request.
	maxSourceLen = 64
)

type WebhookSourceActivity struct {
	Timestamp  string
	SourceIP   string
	SourcePort string
	Path       string
	Method     string
	Allowed    bool
	Reason     string
}

// WebhookSourceGuard restricts the webhook route to the provider's networks.
// With no trusted networks configured it lets every source through and the
// signature check stands alone.
type WebhookSourceGuard struct {
	Clock      clock.Clock
	AuditStore audit.Appender
	Metrics    *Metrics
	// TrustForwardedFor reads the client address from X-Forwarded-For. Only
	// enable it behind a proxy that overwrites the header.
	TrustForwardedFor bool

	paths   map[string]struct{}
	trusted []*net.IPNet
	mu      sync.Mutex
	logs    []WebhookSourceActivity
	logCap  int
}

func NewWebhookSourceGuard(clk clock.Clock, store audit.Appender, cidrs []string, paths ...string) (*WebhookSourceGuard, error) {
	trusted := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		trusted = append(trusted, ipnet)
	}
	if len(paths) == 0 {
		paths = []string{WebhookPath}
	}
	guarded := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		guarded[p] = struct{}{}
	}
	return &WebhookSourceGuard{
		Clock:      clk,
		AuditStore: store,
		paths:      guarded,
		trusted:    trusted,
		logCap:     defaultSourceLogCap,
	}, nil
}

func (g *WebhookSourceGuard) now() time.Time {
	if g.Clock == nil {
		return time.Now().UTC()
	}
	return g.Clock.Now().UTC()
}

func (g *WebhookSourceGuard) extractSourceIP(r *http.Request) (string, string) {
	if g.TrustForwardedFor {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			first = strings.TrimSpace(first)
			if len(first) > maxSourceLen {
				first = first[:maxSourceLen]
			}
			return first, ""
		}
	}
	host, port, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host, port
	}
	return strings.TrimSpace(r.RemoteAddr), ""
}

func (g *WebhookSourceGuard) isTrusted(ipStr string) bool {
	if len(g.trusted) == 0 {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *WebhookSourceGuard) appendAudit(ctx context.Context, path, sourceIP, outcome, reason string) {
	if g.AuditStore == nil {
		return
	}
	res := audit.ResultSuccess
	if outcome != "allowed" {
		res = audit.ResultDenied
	}
	_, _ = g.AuditStore.Append(ctx, audit.Event{
		RecordedAt: g.now(),
		ActorID:    sourceIP,
		ActorType:  "remote",
		ObjectType: "webhook_source",
		ObjectID:   path,
		Action:     outcome,
		Result:     res,
		Reason:     reason,
	})
}

func (g *WebhookSourceGuard) logActivity(r *http.Request, sourceIP, sourcePort string, allowed bool, reason string) {
	entry := WebhookSourceActivity{
		Timestamp:  g.now().Format(time.RFC3339Nano),
		SourceIP:   sourceIP,
		SourcePort: sourcePort,
		Path:       r.URL.Path,
		Method:     r.Method,
		Allowed:    allowed,
		Reason:     reason,
	}
	g.mu.Lock()
	g.logs = append(g.logs, entry)
	if len(g.logs) > g.logCap {
		g.logs = g.logs[len(g.logs)-g.logCap:]
	}
	n := len(g.logs)
	g.mu.Unlock()
	g.Metrics.ObserveWebhookSourceLogState(n, g.logCap)
}

func (g *WebhookSourceGuard) Activities() []WebhookSourceActivity {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]WebhookSourceActivity, len(g.logs))
	copy(out, g.logs)
	return out
}

func (g *WebhookSourceGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, guarded := g.paths[r.URL.Path]; !guarded {
			next.ServeHTTP(w, r)
			return
		}

		sourceIP, sourcePort := g.extractSourceIP(r)
		if !g.isTrusted(sourceIP) {
			const reason = "source ip outside trusted network"
			g.logActivity(r, sourceIP, sourcePort, false, reason)
			g.appendAudit(r.Context(), r.URL.Path, sourceIP, "denied", reason)
			g.Metrics.ObserveWebhookSourceDecision("denied")
			http.Error(w, "webhook source denied", http.StatusForbidden)
			return
		}

		g.logActivity(r, sourceIP, sourcePort, true, "")
		g.appendAudit(r.Context(), r.URL.Path, sourceIP, "allowed", "")
		g.Metrics.ObserveWebhookSourceDecision("allowed")
		next.ServeHTTP(w, r)
	})
}
