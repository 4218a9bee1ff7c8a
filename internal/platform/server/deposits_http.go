package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/shopspring/decimal"
	"github.com/somasave/sacco-deposits/internal/platform/auth"
	"github.com/somasave/sacco-deposits/internal/platform/ledger"
	"github.com/somasave/sacco-deposits/internal/platform/logging"
	"github.com/somasave/sacco-deposits/internal/platform/reconcile"
	"github.com/somasave/sacco-deposits/internal/platform/relworx"
	"go.uber.org/zap"
)

const (
	WebhookPath = "/v1/webhooks/relworx"

	maxRequestBytes = 64 << 10
)

// DepositEngine is what the entry points need from reconcile.Engine.
type DepositEngine interface {
	Initiate(ctx context.Context, req reconcile.InitiateRequest) reconcile.Outcome
	Poll(ctx context.Context, owner, txRef string) reconcile.Outcome
	HandleWebhook(ctx context.Context, hook reconcile.Webhook) reconcile.Outcome
	Status(ctx context.Context, owner, txRef string) reconcile.Outcome
	Balance(ctx context.Context, owner string) (ledger.Balance, error)
}

type DepositHandler struct {
	Engine DepositEngine
	Logger *zap.Logger
}

func (h DepositHandler) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/deposits", h.create},
		{http.MethodPost, "/v1/deposits/{tx_ref}/verify", h.verify},
		{http.MethodGet, "/v1/deposits/{tx_ref}", h.status},
		{http.MethodGet, "/v1/balance", h.balance},
		{http.MethodPost, WebhookPath, h.webhook},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return err
		}
	}
	return nil
}

func (h DepositHandler) logger(ctx context.Context) *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return logging.For(ctx, h.Logger)
}

type createDepositRequest struct {
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	PhoneNumber string      `json:"phone_number"`
	Description string      `json:"description"`
}

type depositView struct {
	TxRef             string  `json:"tx_ref"`
	Status            string  `json:"status"`
	Amount            string  `json:"amount"`
	Currency          string  `json:"currency"`
	PhoneNumber       string  `json:"phone_number"`
	ProviderReference string  `json:"provider_reference,omitempty"`
	FailureReason     string  `json:"failure_reason,omitempty"`
	CreatedAt         string  `json:"created_at"`
	CompletedAt       string  `json:"completed_at,omitempty"`
	Balance           *string `json:"balance,omitempty"`
}

type outcomeResponse struct {
	Result string `json:"result"`
	Detail string `json:"detail,omitempty"`
	*depositView
}

func viewOf(out reconcile.Outcome) *depositView {
	if !out.Found() {
		return nil
	}
	d := out.Deposit
	v := &depositView{
		TxRef:             d.TxRef,
		Status:            string(d.Status),
		Amount:            d.Amount.StringFixed(2),
		Currency:          string(d.Currency),
		PhoneNumber:       d.Phone,
		ProviderReference: d.ProviderReference,
		FailureReason:     d.FailureReason,
		CreatedAt:         d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if d.CompletedAt != nil {
		v.CompletedAt = d.CompletedAt.UTC().Format(time.RFC3339)
	}
	if out.Balance != nil {
		b := out.Balance.Balance.StringFixed(2)
		v.Balance = &b
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOutcome(w http.ResponseWriter, status int, out reconcile.Outcome) {
	writeJSON(w, status, outcomeResponse{Result: string(out.Code), Detail: out.Detail, depositView: viewOf(out)})
}

func writeError(w http.ResponseWriter, status int, code reconcile.Code, detail string) {
	writeJSON(w, status, outcomeResponse{Result: string(code), Detail: detail})
}

// member returns the authenticated member or writes a 401/403.
func member(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return auth.Actor{}, false
	}
	if !actor.IsMember() {
		http.Error(w, "member token required", http.StatusForbidden)
		return auth.Actor{}, false
	}
	return actor, true
}

func (h DepositHandler) create(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	actor, ok := member(w, r)
	if !ok {
		return
	}
	var req createDepositRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, reconcile.CodeInvalid, "request body must be a JSON object")
		return
	}
	amount, err := decimal.NewFromString(req.Amount.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, reconcile.CodeInvalid, "amount must be a number")
		return
	}

	out := h.Engine.Initiate(r.Context(), reconcile.InitiateRequest{
		Owner:       actor.ID,
		Amount:      amount,
		Currency:    req.Currency,
		Phone:       req.PhoneNumber,
		Description: req.Description,
	})
	switch out.Code {
	case reconcile.CodePending:
		writeOutcome(w, http.StatusCreated, out)
	case reconcile.CodeInvalid:
		writeOutcome(w, http.StatusBadRequest, out)
	case reconcile.CodePaymentRequestFailed:
		writeOutcome(w, http.StatusBadGateway, out)
	default:
		writeOutcome(w, http.StatusInternalServerError, out)
	}
}

func (h DepositHandler) verify(w http.ResponseWriter, r *http.Request, params map[string]string) {
	actor, ok := member(w, r)
	if !ok {
		return
	}
	out := h.Engine.Poll(r.Context(), actor.ID, params["tx_ref"])
	writeOutcome(w, pollStatus(out.Code), out)
}

func pollStatus(code reconcile.Code) int {
	switch code {
	case reconcile.CodeProcessed, reconcile.CodeAlreadyProcessed, reconcile.CodePending:
		return http.StatusOK
	case reconcile.CodeNotFound:
		return http.StatusNotFound
	case reconcile.CodeUnavailable:
		return http.StatusServiceUnavailable
	case reconcile.CodeAmountMismatch:
		return http.StatusConflict
	case reconcile.CodeInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h DepositHandler) status(w http.ResponseWriter, r *http.Request, params map[string]string) {
	actor, ok := member(w, r)
	if !ok {
		return
	}
	out := h.Engine.Status(r.Context(), actor.ID, params["tx_ref"])
	writeOutcome(w, pollStatus(out.Code), out)
}

type balanceView struct {
	Owner       string `json:"owner_id"`
	AccountType string `json:"account_type"`
	Balance     string `json:"balance"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

func (h DepositHandler) balance(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	actor, ok := member(w, r)
	if !ok {
		return
	}
	b, err := h.Engine.Balance(r.Context(), actor.ID)
	if err != nil {
		h.logger(r.Context()).Error("load balance failed", zap.String("owner", actor.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, reconcile.CodeError, "could not load balance")
		return
	}
	v := balanceView{Owner: b.Owner, AccountType: b.AccountType, Balance: b.Balance.StringFixed(2)}
	if !b.UpdatedAt.IsZero() {
		v.UpdatedAt = b.UpdatedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, v)
}

type webhookAck struct {
	Result string `json:"result"`
	TxRef  string `json:"tx_ref,omitempty"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// webhook authenticates before it parses. A delivery without a well-formed
// signature header is rejected unread.
func (h DepositHandler) webhook(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ts, sig, err := relworx.ParseSignatureHeader(r.Header.Get(relworx.SignatureHeader))
	if err != nil {
		out := h.Engine.HandleWebhook(r.Context(), reconcile.Webhook{})
		writeJSON(w, webhookStatus(out.Code), webhookAck{Result: string(out.Code), Detail: out.Detail})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookAck{Result: string(reconcile.CodeInvalid), Detail: "unreadable body"})
		return
	}
	params, err := relworx.WebhookParams(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookAck{Result: string(reconcile.CodeInvalid), Detail: err.Error()})
		return
	}

	out := h.Engine.HandleWebhook(r.Context(), reconcile.Webhook{Timestamp: ts, Signature: sig, Params: params})
	ack := webhookAck{Result: string(out.Code), Detail: out.Detail}
	if out.Found() {
		ack.TxRef = out.Deposit.TxRef
		ack.Status = string(out.Deposit.Status)
	}
	writeJSON(w, webhookStatus(out.Code), ack)
}

func webhookStatus(code reconcile.Code) int {
	switch code {
	case reconcile.CodeProcessed, reconcile.CodeAlreadyProcessed, reconcile.CodePending:
		return http.StatusOK
	case reconcile.CodeRejected:
		return http.StatusUnauthorized
	case reconcile.CodeNotFound:
		return http.StatusNotFound
	case reconcile.CodeInvalid:
		return http.StatusBadRequest
	case reconcile.CodeAmountMismatch:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
