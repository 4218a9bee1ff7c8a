package server

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/shopspring/decimal"
	platformauth "github.com/somasave/sacco-deposits/internal/platform/auth"
	"github.com/somasave/sacco-deposits/internal/platform/clock"
	"github.com/somasave/sacco-deposits/internal/platform/ledger"
	"github.com/somasave/sacco-deposits/internal/platform/reconcile"
	"github.com/somasave/sacco-deposits/internal/platform/relworx"
)

const (
	testJWTSecret   = "server-test-secret"
	testWebhookKey  = "whsec-server-test"
	testCallbackURL = "https://sacco.example/v1/webhooks/relworx"
)

var serverTestNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

type stubGateway struct {
	mu      sync.Mutex
	request relworx.Result
	status  relworx.Result
}

func (g *stubGateway) RequestPayment(_ context.Context, reference, _, _ string, _ decimal.Decimal, _ string) relworx.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	res := g.request
	if res.OK() {
		res.CustomerReference = reference
	}
	return res
}

func (g *stubGateway) CheckStatus(_ context.Context, _, customerReference string) relworx.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	res := g.status
	if res.OK() && res.CustomerReference == "" {
		res.CustomerReference = customerReference
	}
	return res
}

func (g *stubGateway) VerifyWebhookSignature(callbackURL, timestamp, signature string, params map[string]string) bool {
	return relworx.VerifySignature(testWebhookKey, callbackURL, timestamp, signature, params)
}

func (g *stubGateway) setRequest(res relworx.Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.request = res
}

func (g *stubGateway) setStatus(res relworx.Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = res
}

type serverFixture struct {
	engine  *reconcile.Engine
	store   *ledger.InMemoryStore
	gateway *stubGateway
	handler http.Handler
}

func newServerFixture(t *testing.T) serverFixture {
	t.Helper()
	clk := clock.Fixed{At: serverTestNow}
	store := ledger.NewInMemoryStore(clk)
	gw := &stubGateway{
		request: relworx.Result{InternalReference: "rlw-100", Message: "Request payment in progress."},
		status:  relworx.Result{Status: "pending"},
	}
	eng := reconcile.New(store, gw, reconcile.Options{CallbackURL: testCallbackURL}, reconcile.WithClock(clk))

	mux := runtime.NewServeMux()
	if err := (DepositHandler{Engine: eng}).Register(mux); err != nil {
		t.Fatalf("register deposit routes: %v", err)
	}
	if err := (SystemHandler{Version: "test", StartedAt: serverTestNow.Add(-time.Hour), Clock: clk}).Register(mux); err != nil {
		t.Fatalf("register system routes: %v", err)
	}
	handler := platformauth.HTTPJWTMiddlewareWithSkips(platformauth.NewJWTVerifier(testJWTSecret), mux, []string{"/healthz", "/metrics", WebhookPath})
	return serverFixture{engine: eng, store: store, gateway: gw, handler: handler}
}

func testToken(t *testing.T, id, actorType string) string {
	t.Helper()
	ks, err := platformauth.ParseHMACKeyset(testJWTSecret, "", "")
	if err != nil {
		t.Fatalf("keyset: %v", err)
	}
	tok, _, err := platformauth.NewJWTSignerWithKeyset(ks).SignActor(platformauth.Actor{ID: id, Type: actorType}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func memberToken(t *testing.T, id string) string {
	return testToken(t, id, platformauth.ActorMember)
}
