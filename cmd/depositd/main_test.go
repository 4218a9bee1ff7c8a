package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/somasave/sacco-deposits/internal/platform/audit"
	"github.com/somasave/sacco-deposits/internal/platform/auth"
	"github.com/somasave/sacco-deposits/internal/platform/clock"
	"github.com/somasave/sacco-deposits/internal/platform/config"
	"github.com/somasave/sacco-deposits/internal/platform/ledger"
	"github.com/somasave/sacco-deposits/internal/platform/reconcile"
	"github.com/somasave/sacco-deposits/internal/platform/server"
)

type stubEngine struct {
	webhooks int
}

func (s *stubEngine) Initiate(context.Context, reconcile.InitiateRequest) reconcile.Outcome {
	return reconcile.Outcome{Code: reconcile.CodeInvalid, Detail: "stub"}
}

func (s *stubEngine) Poll(context.Context, string, string) reconcile.Outcome {
	return reconcile.Outcome{Code: reconcile.CodeNotFound}
}

func (s *stubEngine) HandleWebhook(_ context.Context, hook reconcile.Webhook) reconcile.Outcome {
	s.webhooks++
	if hook.Signature == "" {
		return reconcile.Outcome{Code: reconcile.CodeRejected, Detail: "missing signature"}
	}
	return reconcile.Outcome{Code: reconcile.CodePending}
}

func (s *stubEngine) Status(context.Context, string, string) reconcile.Outcome {
	return reconcile.Outcome{Code: reconcile.CodeNotFound}
}

func (s *stubEngine) Balance(_ context.Context, owner string) (ledger.Balance, error) {
	return ledger.Balance{Owner: owner, AccountType: ledger.DefaultAccountType}, nil
}

func TestJWTKeysetSources(t *testing.T) {
	ks, err := jwtKeyset(config.Config{JWTSecret: "single"})
	if err != nil || ks.ActiveKID != "default" || string(ks.Keys["default"]) != "single" {
		t.Fatalf("expected single secret keyset, got=%+v err=%v", ks, err)
	}

	ks, err = jwtKeyset(config.Config{JWTSecret: "ignored", JWTKeysetSpec: "k1:old,k2:new", JWTActiveKID: "k2"})
	if err != nil || ks.ActiveKID != "k2" || len(ks.Keys) != 2 {
		t.Fatalf("expected configured keyset, got=%+v err=%v", ks, err)
	}

	path := filepath.Join(t.TempDir(), "keyset.json")
	if err := os.WriteFile(path, []byte(`{"active_kid":"f1","keys":{"f1":"from-file"}}`), 0o600); err != nil {
		t.Fatalf("write keyset file: %v", err)
	}
	ks, err = jwtKeyset(config.Config{JWTKeysetSpec: "k1:old", JWTActiveKID: "k1", JWTKeysetFile: path})
	if err != nil || ks.ActiveKID != "f1" {
		t.Fatalf("expected keyset file to take precedence, got=%+v err=%v", ks, err)
	}
}

func TestBuildHTTPHandlerAuthBoundaries(t *testing.T) {
	engine := &stubEngine{}
	secret := "depositd-test-secret"
	h, err := buildHTTPHandler(httpDeps{
		Engine:   engine,
		Verifier: auth.NewJWTVerifier(secret),
		System:   server.SystemHandler{Version: "test", StartedAt: time.Now(), Clock: clock.RealClock{}},
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must not require a token, got=%d", rec.Code)
	}
	if rec.Header().Get(server.RequestIDHeader) == "" {
		t.Fatalf("expected request id header from access log middleware")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/balance", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("balance must require a token, got=%d", rec.Code)
	}

	ks, _ := auth.ParseHMACKeyset(secret, "", "")
	tok, _, err := auth.NewJWTSignerWithKeyset(ks).SignActor(auth.Actor{ID: "M1", Type: auth.ActorMember}, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected balance with member token, got=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, server.WebhookPath, strings.NewReader(`{"status":"success"}`)))
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusUnauthorized || body["result"] != "rejected" || engine.webhooks != 1 {
		t.Fatalf("webhook must reach the engine without a JWT and be rejected unsigned, got=%d body=%v", rec.Code, body)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := config.Config{StrictProduction: true, SweepBatch: 10}
	cfg.Relworx.Timeout = 30 * time.Second
	if err := run(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected strict production config without database to fail")
	}
}

func TestOpenStorageFallsBackToMemory(t *testing.T) {
	st, err := openStorage(context.Background(), config.Config{AuditRetain: 3}, clock.RealClock{}, zap.NewNop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer st.Close()
	if _, ok := st.Ledger.(*ledger.InMemoryStore); !ok {
		t.Fatalf("expected in-memory ledger, got %T", st.Ledger)
	}
	if st.Ready != nil {
		t.Fatalf("in-memory storage has no readiness check")
	}

	ring, ok := st.Audit.(*audit.InMemoryStore)
	if !ok {
		t.Fatalf("expected in-memory audit trail, got %T", st.Audit)
	}
	for i := 0; i < 10; i++ {
		if _, err := ring.Append(context.Background(), audit.Event{Action: "webhook_rejected", Result: audit.ResultRejected}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if n := len(ring.Events()); n != 3 {
		t.Fatalf("expected the configured retain limit of 3, got %d", n)
	}
}
