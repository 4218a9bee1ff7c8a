package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/somasave/sacco-deposits/internal/platform/audit"
	"github.com/somasave/sacco-deposits/internal/platform/clock"
	"github.com/somasave/sacco-deposits/internal/platform/events"
	"github.com/somasave/sacco-deposits/internal/platform/ledger"
	"github.com/somasave/sacco-deposits/internal/platform/logging"
	"github.com/somasave/sacco-deposits/internal/platform/relworx"
	"go.uber.org/zap"
)

// Gateway is the subset of the Relworx client the engine drives.
type Gateway interface {
	RequestPayment(ctx context.Context, reference, msisdn, currency string, amount decimal.Decimal, description string) relworx.Result
	CheckStatus(ctx context.Context, internalReference, customerReference string) relworx.Result
	VerifyWebhookSignature(callbackURL, timestamp, signature string, params map[string]string) bool
}

type Observer interface {
	ObserveOutcome(operation string, source Source, code Code, took time.Duration)
	ObserveCredit(currency string, amount decimal.Decimal)
	ObserveWebhookRejected(reason string)
}

type Options struct {
	// CallbackURL is the public webhook URL registered with the provider. It
	// is the first component of the signed payload.
	CallbackURL string
	Description string
	AccountType string
	// CheckBackoff is how long the sweeper waits before checking a deposit
	// it could not settle again. It doubles per attempt up to MaxCheckBackoff.
	CheckBackoff    time.Duration
	MaxCheckBackoff time.Duration
}

const (
	defaultCheckBackoff    = 30 * time.Second
	defaultMaxCheckBackoff = 30 * time.Minute
	// maxClaimedRefLen bounds what an unauthenticated caller can make the
	// engine log and audit. tx_refs are at most 36 characters.
	maxClaimedRefLen = 64
)

type Engine struct {
	store     ledger.Store
	gateway   Gateway
	opts      Options
	clock     clock.Clock
	logger    *zap.Logger
	audit     audit.Appender
	publisher events.Publisher
	observer  Observer
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithAudit(s audit.Appender) Option {
	return func(e *Engine) { e.audit = s }
}

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func New(store ledger.Store, gateway Gateway, opts Options, with ...Option) *Engine {
	if opts.Description == "" {
		opts.Description = "SACCO savings deposit"
	}
	if opts.AccountType == "" {
		opts.AccountType = ledger.DefaultAccountType
	}
	if opts.CheckBackoff <= 0 {
		opts.CheckBackoff = defaultCheckBackoff
	}
	if opts.MaxCheckBackoff < opts.CheckBackoff {
		opts.MaxCheckBackoff = max(defaultMaxCheckBackoff, opts.CheckBackoff)
	}
	e := &Engine{
		store:   store,
		gateway: gateway,
		opts:    opts,
	}
	for _, w := range with {
		w(e)
	}
	if e.clock == nil {
		e.clock = clock.RealClock{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.audit == nil {
		e.audit = audit.NewInMemoryStore()
	}
	if e.publisher == nil {
		e.publisher = events.NopPublisher{}
	}
	e.logger = e.logger.Named("reconcile")
	return e
}

// log tags the engine logger with the request id carried by ctx.
func (e *Engine) log(ctx context.Context) *zap.Logger {
	return logging.For(ctx, e.logger)
}

type InitiateRequest struct {
	Owner       string
	Amount      decimal.Decimal
	Currency    string
	Phone       string
	Description string
}

// Initiate records a PENDING deposit and asks the provider to collect it. A
// gateway failure fails the deposit at once; the member starts over.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) Outcome {
	started := e.clock.Now()
	out := e.initiate(ctx, req)
	e.observe("initiate", SourceInitiate, out.Code, started)
	return out
}

func (e *Engine) initiate(ctx context.Context, req InitiateRequest) Outcome {
	currency, ok := ledger.ParseCurrency(req.Currency)
	switch {
	case req.Owner == "":
		return outcome(CodeInvalid, "owner is required")
	case !ok:
		return outcome(CodeInvalid, "unsupported currency")
	case !req.Amount.IsPositive():
		return outcome(CodeInvalid, "amount must be greater than zero")
	case !req.Amount.Equal(req.Amount.Round(2)):
		return outcome(CodeInvalid, "amount must have at most 2 decimal places")
	case req.Amount.LessThan(currency.MinimumDeposit()):
		return outcome(CodeInvalid, "amount is below the minimum deposit of "+currency.MinimumDeposit().String()+" "+string(currency))
	}
	phone, err := relworx.NormalizeMSISDN(req.Phone, currency.CountryCode())
	if err != nil {
		return outcome(CodeInvalid, "phone number is invalid")
	}
	description := req.Description
	if description == "" {
		description = e.opts.Description
	}

	d := ledger.Deposit{
		Owner:       req.Owner,
		AccountType: e.opts.AccountType,
		Amount:      req.Amount,
		Currency:    currency,
		Phone:       phone,
		CreatedAt:   e.clock.Now(),
	}
	for attempt := 0; ; attempt++ {
		d.TxRef = NewTxRef(req.Owner)
		err = e.store.CreatePending(ctx, d)
		if !errors.Is(err, ledger.ErrDuplicateTxRef) || attempt == 2 {
			break
		}
	}
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidDeposit) {
			return outcome(CodeInvalid, err.Error())
		}
		e.log(ctx).Error("create pending deposit failed", zap.String("owner", req.Owner), zap.Error(err))
		return outcome(CodeError, "could not record deposit")
	}
	log := e.log(ctx).With(zap.String("tx_ref", d.TxRef), zap.String("owner", d.Owner))
	e.appendAudit(ctx, d.TxRef, "deposit_initiated", audit.ResultSuccess, "", nil, depositSnapshot(d, ""))

	res := e.gateway.RequestPayment(ctx, d.TxRef, phone, string(currency), d.Amount, description)
	if !res.OK() {
		log.Warn("payment request failed",
			zap.String("kind", string(res.Kind)),
			zap.Int("http_status", res.HTTPStatus),
			zap.String("message", res.Message))
		fin, err := e.store.Finalize(ctx, d.TxRef, ledger.StatusFailed, "payment request failed: "+res.Message)
		if err != nil {
			log.Error("fail deposit after payment request error", zap.Error(err))
			return Outcome{Code: CodeError, Deposit: d, Detail: "could not record payment request failure"}
		}
		if fin.Applied {
			e.appendAudit(ctx, d.TxRef, "deposit_failed", audit.ResultSuccess, fin.Deposit.FailureReason, depositSnapshot(d, ""), depositSnapshot(fin.Deposit, ""))
			e.publish(ctx, fin, SourceInitiate)
		}
		detail := res.Message
		if detail == "" {
			detail = "payment request failed"
		}
		return Outcome{Code: CodePaymentRequestFailed, Deposit: fin.Deposit, Detail: detail}
	}

	if res.InternalReference != "" {
		if err := e.store.SetProviderReference(ctx, d.TxRef, res.InternalReference); err != nil {
			log.Error("persist provider reference failed", zap.Error(err))
		} else {
			d.ProviderReference = res.InternalReference
		}
	}
	if stored, err := e.store.Get(ctx, d.TxRef); err == nil {
		d = stored
	}
	log.Info("deposit initiated",
		zap.String("amount", d.Amount.StringFixed(2)),
		zap.String("currency", string(d.Currency)),
		zap.String("provider_reference", d.ProviderReference))
	return Outcome{Code: CodePending, Deposit: d, Detail: res.Message}
}

// Poll asks the provider about one of the owner's deposits and applies the
// answer. Provider outages leave the deposit PENDING.
func (e *Engine) Poll(ctx context.Context, owner, txRef string) Outcome {
	started := e.clock.Now()
	d, err := e.store.GetForOwner(ctx, txRef, owner)
	var out Outcome
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		out = outcome(CodeNotFound, "deposit not found")
	case err != nil:
		e.log(ctx).Error("load deposit failed", zap.String("tx_ref", txRef), zap.Error(err))
		out = outcome(CodeError, "could not load deposit")
	default:
		out = e.pollDeposit(ctx, d, SourcePoll)
	}
	e.observe("poll", SourcePoll, out.Code, started)
	return out
}

func (e *Engine) pollDeposit(ctx context.Context, d ledger.Deposit, source Source) Outcome {
	if d.Status.Terminal() {
		return e.settled(ctx, d)
	}
	res := e.gateway.CheckStatus(ctx, d.ProviderReference, d.TxRef)
	if !res.OK() {
		log := e.log(ctx).With(
			zap.String("tx_ref", d.TxRef),
			zap.String("source", string(source)),
			zap.String("kind", string(res.Kind)),
			zap.Int("http_status", res.HTTPStatus))
		if !res.Retryable() {
			log.Warn("provider rejected status check", zap.String("message", res.Message))
			return Outcome{Code: CodeUnavailable, Deposit: d, Detail: detailRejectedCheck, settleLater: true}
		}
		log.Warn("status check unavailable")
		return Outcome{Code: CodeUnavailable, Deposit: d, Detail: detailUnavailable}
	}
	return e.reconcile(ctx, d.TxRef, reportFromResult(res), source)
}

type Webhook struct {
	Timestamp string
	Signature string
	// Params are the signed body fields, every value rendered as a string.
	Params map[string]string
}

// HandleWebhook verifies the provider signature before anything else. A bad
// signature never reaches the ledger.
func (e *Engine) HandleWebhook(ctx context.Context, hook Webhook) Outcome {
	started := e.clock.Now()
	out := e.handleWebhook(ctx, hook)
	e.observe("webhook", SourceWebhook, out.Code, started)
	return out
}

func (e *Engine) handleWebhook(ctx context.Context, hook Webhook) Outcome {
	claimed := hook.Params["customer_reference"]
	if hook.Timestamp == "" || hook.Signature == "" {
		e.rejectWebhook(ctx, claimed, "missing signature")
		return outcome(CodeRejected, "missing signature")
	}
	if !e.gateway.VerifyWebhookSignature(e.opts.CallbackURL, hook.Timestamp, hook.Signature, hook.Params) {
		e.rejectWebhook(ctx, claimed, "invalid signature")
		return outcome(CodeRejected, "invalid signature")
	}

	if claimed == "" {
		return outcome(CodeInvalid, "customer_reference is required")
	}
	report := ProviderReport{
		Status:            hook.Params["status"],
		InternalReference: hook.Params["internal_reference"],
		CustomerReference: claimed,
		Currency:          hook.Params["currency"],
	}
	if raw := hook.Params["amount"]; raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return outcome(CodeInvalid, "amount is not a number")
		}
		report.Amount = amount
	}
	return e.reconcile(ctx, claimed, report, SourceWebhook)
}

func (e *Engine) rejectWebhook(ctx context.Context, claimedRef, reason string) {
	if len(claimedRef) > maxClaimedRefLen {
		claimedRef = claimedRef[:maxClaimedRefLen]
	}
	e.log(ctx).Warn("webhook rejected", zap.String("reason", reason), zap.String("claimed_reference", claimedRef))
	e.appendAudit(ctx, claimedRef, "webhook_rejected", audit.ResultRejected, reason, nil, nil)
	if e.observer != nil {
		e.observer.ObserveWebhookRejected(reason)
	}
}

// Reconcile applies one provider report to a deposit. The terminal transition
// and the balance credit happen inside ledger.Store.Finalize, so concurrent
// callers for the same tx_ref credit at most once.
func (e *Engine) Reconcile(ctx context.Context, txRef string, report ProviderReport, source Source) Outcome {
	started := e.clock.Now()
	out := e.reconcile(ctx, txRef, report, source)
	e.observe("reconcile", source, out.Code, started)
	return out
}

func (e *Engine) reconcile(ctx context.Context, txRef string, report ProviderReport, source Source) Outcome {
	log := e.log(ctx).With(zap.String("tx_ref", txRef), zap.String("source", string(source)))
	d, err := e.store.Get(ctx, txRef)
	if errors.Is(err, ledger.ErrNotFound) {
		log.Info("provider report for unknown deposit")
		return outcome(CodeNotFound, "deposit not found")
	}
	if err != nil {
		log.Error("load deposit failed", zap.Error(err))
		return outcome(CodeError, "could not load deposit")
	}
	if d.Status.Terminal() {
		return e.settled(ctx, d)
	}

	var to ledger.Status
	reason := ""
	switch classifyProviderStatus(report.Status) {
	case stateProcessing:
		e.rememberProviderReference(ctx, d, report.InternalReference)
		return Outcome{Code: CodePending, Deposit: d, Detail: "payment is still processing"}
	case stateSuccess:
		if detail, ok := amountMatches(d, report); !ok {
			log.Warn("provider amount mismatch",
				zap.String("expected", d.Amount.StringFixed(2)+" "+string(d.Currency)),
				zap.String("reported", report.Amount.StringFixed(2)+" "+report.Currency))
			e.appendAudit(ctx, d.TxRef, "amount_mismatch", audit.ResultRejected, detail, depositSnapshot(d, ""), nil)
			return Outcome{Code: CodeAmountMismatch, Deposit: d, Detail: detail, settleLater: true}
		}
		to = ledger.StatusCompleted
	case stateFailure:
		to = ledger.StatusFailed
		reason = "provider reported " + report.Status
	}

	fin, err := e.store.Finalize(ctx, d.TxRef, to, reason)
	if err != nil {
		log.Error("finalize deposit failed", zap.String("to", string(to)), zap.Error(err))
		return Outcome{Code: CodeError, Deposit: d, Detail: "could not finalize deposit"}
	}
	if !fin.Applied {
		return e.settled(ctx, fin.Deposit)
	}

	out := Outcome{Code: CodeProcessed, Deposit: fin.Deposit}
	if to == ledger.StatusCompleted {
		b := fin.Balance
		out.Balance = &b
		if e.observer != nil {
			e.observer.ObserveCredit(string(d.Currency), d.Amount)
		}
		log.Info("deposit completed",
			zap.String("amount", d.Amount.StringFixed(2)),
			zap.String("currency", string(d.Currency)),
			zap.String("balance", b.Balance.StringFixed(2)))
	} else {
		out.Detail = reason
		log.Info("deposit failed", zap.String("reason", reason))
	}
	balanceAfter := ""
	if out.Balance != nil {
		balanceAfter = out.Balance.Balance.StringFixed(2)
	}
	e.appendAudit(ctx, d.TxRef, "deposit_"+strings.ToLower(string(to)), audit.ResultSuccess, string(source), depositSnapshot(d, ""), depositSnapshot(fin.Deposit, balanceAfter))
	e.publish(ctx, fin, source)
	return out
}

// settled reports a deposit that some earlier caller already finalized.
func (e *Engine) settled(ctx context.Context, d ledger.Deposit) Outcome {
	out := Outcome{Code: CodeAlreadyProcessed, Deposit: d, Detail: d.FailureReason}
	if d.Status == ledger.StatusCompleted {
		b, err := e.store.Balance(ctx, d.Owner, d.AccountType)
		if err != nil {
			e.log(ctx).Warn("load balance failed", zap.String("tx_ref", d.TxRef), zap.Error(err))
			return out
		}
		out.Balance = &b
	}
	return out
}

func (e *Engine) rememberProviderReference(ctx context.Context, d ledger.Deposit, ref string) {
	if ref == "" || d.ProviderReference != "" {
		return
	}
	if err := e.store.SetProviderReference(ctx, d.TxRef, ref); err != nil && !errors.Is(err, ledger.ErrReferenceConflict) {
		e.log(ctx).Warn("persist provider reference failed", zap.String("tx_ref", d.TxRef), zap.Error(err))
	}
}

// amountMatches only checks what the provider reported.
func amountMatches(d ledger.Deposit, report ProviderReport) (string, bool) {
	if !report.Amount.IsZero() && !report.Amount.Equal(d.Amount) {
		return "provider amount " + report.Amount.String() + " does not match deposit amount " + d.Amount.StringFixed(2), false
	}
	if report.Currency != "" && !strings.EqualFold(report.Currency, string(d.Currency)) {
		return "provider currency " + report.Currency + " does not match deposit currency " + string(d.Currency), false
	}
	return "", true
}

// Status returns the stored state of one of the owner's deposits without
// calling the provider.
func (e *Engine) Status(ctx context.Context, owner, txRef string) Outcome {
	started := e.clock.Now()
	out := e.status(ctx, owner, txRef)
	e.observe("status", SourceStatus, out.Code, started)
	return out
}

func (e *Engine) status(ctx context.Context, owner, txRef string) Outcome {
	d, err := e.store.GetForOwner(ctx, txRef, owner)
	if errors.Is(err, ledger.ErrNotFound) {
		return outcome(CodeNotFound, "deposit not found")
	}
	if err != nil {
		e.log(ctx).Error("load deposit failed", zap.String("tx_ref", txRef), zap.Error(err))
		return outcome(CodeError, "could not load deposit")
	}
	if !d.Status.Terminal() {
		return Outcome{Code: CodePending, Deposit: d}
	}
	return e.settled(ctx, d)
}

func (e *Engine) Balance(ctx context.Context, owner string) (ledger.Balance, error) {
	return e.store.Balance(ctx, owner, e.opts.AccountType)
}

func (e *Engine) publish(ctx context.Context, fin ledger.FinalizeResult, source Source) {
	d := fin.Deposit
	typ := events.TypeDepositCompleted
	if d.Status == ledger.StatusFailed {
		typ = events.TypeDepositFailed
	}
	ev := events.DepositEvent{
		Type:         typ,
		TxRef:        d.TxRef,
		Owner:        d.Owner,
		AccountType:  d.AccountType,
		Amount:       d.Amount,
		Currency:     string(d.Currency),
		Status:       string(d.Status),
		BalanceAfter: fin.Balance.Balance,
		Source:       string(source),
		Reason:       d.FailureReason,
		OccurredAt:   e.clock.Now(),
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.log(ctx).Warn("publish deposit event failed", zap.String("tx_ref", d.TxRef), zap.String("type", typ), zap.Error(err))
	}
}

func (e *Engine) appendAudit(ctx context.Context, objectID, action string, result audit.Result, reason string, before, after []byte) {
	_, err := e.audit.Append(ctx, audit.Event{
		RecordedAt: e.clock.Now(),
		ActorID:    "reconcile-engine",
		ActorType:  "service",
		ObjectType: "deposit",
		ObjectID:   objectID,
		Action:     action,
		Before:     before,
		After:      after,
		Result:     result,
		Reason:     reason,
	})
	if err != nil {
		e.log(ctx).Error("append audit event failed", zap.String("action", action), zap.Error(err))
	}
}

func (e *Engine) observe(op string, source Source, code Code, started time.Time) {
	if e.observer != nil {
		e.observer.ObserveOutcome(op, source, code, e.clock.Now().Sub(started))
	}
}

func depositSnapshot(d ledger.Deposit, balance string) []byte {
	snap := map[string]string{
		"tx_ref":   d.TxRef,
		"owner":    d.Owner,
		"amount":   d.Amount.StringFixed(2),
		"currency": string(d.Currency),
		"status":   string(d.Status),
	}
	if d.ProviderReference != "" {
		snap["provider_reference"] = d.ProviderReference
	}
	if d.FailureReason != "" {
		snap["failure_reason"] = d.FailureReason
	}
	if balance != "" {
		snap["balance"] = balance
	}
	raw, _ := json.Marshal(snap)
	return raw
}
