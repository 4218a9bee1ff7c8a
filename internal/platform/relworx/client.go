package relworx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://payments.relworx.com/api"
	DefaultTimeout = 30 * time.Second

	minReferenceLen  = 8
	maxReferenceLen  = 36
	maxResponseBytes = 1 << 20
)

type Config struct {
	BaseURL    string
	APIKey     string
	AccountNo  string
	WebhookKey string
	Timeout    time.Duration
}

// Observer receives one call per outbound request.
type Observer interface {
	ObserveGatewayCall(operation, result string, took time.Duration)
}

// Client is a stateless wrapper over the Relworx payments API. It never retries.
type Client struct {
	cfg      Config
	http     *http.Client
	logger   *zap.Logger
	observer Observer
}

type Option func(*Client)

// WithHTTPClient swaps the transport. The configured timeout still caps every call.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

func NewClient(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 || cfg.Timeout > DefaultTimeout {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("relworx"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http.Timeout <= 0 || c.http.Timeout > cfg.Timeout {
		cp := *c.http
		cp.Timeout = cfg.Timeout
		c.http = &cp
	}
	return c
}

type requestPaymentBody struct {
	AccountNo   string      `json:"account_no"`
	Reference   string      `json:"reference"`
	Msisdn      string      `json:"msisdn"`
	Currency    string      `json:"currency"`
	Amount      json.Number `json:"amount"`
	Description string      `json:"description,omitempty"`
}

// RequestPayment asks the subscriber behind msisdn to approve a debit of amount.
func (c *Client) RequestPayment(ctx context.Context, reference, msisdn, currency string, amount decimal.Decimal, description string) Result {
	if n := len(reference); n < minReferenceLen || n > maxReferenceLen {
		return failure(FailureValidation, 0, "reference must be 8-36 characters")
	}
	if !strings.HasPrefix(msisdn, "+") {
		return failure(FailureValidation, 0, "msisdn must be in international format")
	}
	if len(currency) != 3 {
		return failure(FailureValidation, 0, "currency must be a 3-letter ISO code")
	}
	if !amount.IsPositive() {
		return failure(FailureValidation, 0, "amount must be > 0")
	}

	c.logger.Info("requesting payment",
		zap.String("reference", reference),
		zap.String("currency", currency),
		zap.String("amount", amount.StringFixed(2)))

	res := c.do(ctx, "request_payment", http.MethodPost, "/mobile-money/request-payment", nil, requestPaymentBody{
		AccountNo:   c.cfg.AccountNo,
		Reference:   reference,
		Msisdn:      msisdn,
		Currency:    currency,
		Amount:      json.Number(amount.String()),
		Description: description,
	})
	if res.OK() && res.CustomerReference == "" {
		res.CustomerReference = reference
	}
	return res
}

// CheckStatus looks a payment request up by exactly one identifier. The
// provider reference wins when both are given.
func (c *Client) CheckStatus(ctx context.Context, internalReference, customerReference string) Result {
	q := url.Values{}
	q.Set("account_no", c.cfg.AccountNo)
	switch {
	case internalReference != "":
		q.Set("internal_reference", internalReference)
	case customerReference != "":
		q.Set("customer_reference", customerReference)
	default:
		return failure(FailureValidation, 0, "either internal_reference or customer_reference is required")
	}
	return c.do(ctx, "check_status", http.MethodGet, "/payment-requests/status", q, nil)
}

// ValidatePhoneNumber is advisory; a failure does not block a payment request.
func (c *Client) ValidatePhoneNumber(ctx context.Context, msisdn string) Result {
	if !strings.HasPrefix(msisdn, "+") {
		return failure(FailureValidation, 0, "msisdn must be in international format")
	}
	return c.do(ctx, "validate", http.MethodPost, "/payment-requests/validate", nil, map[string]string{"msisdn": msisdn})
}

// TransactionHistory returns the provider's last 30 days of payment requests.
func (c *Client) TransactionHistory(ctx context.Context) Result {
	q := url.Values{}
	q.Set("account_no", c.cfg.AccountNo)
	return c.do(ctx, "history", http.MethodGet, "/payment-requests/transactions", q, nil)
}

// VerifyWebhookSignature checks a Relworx-Signature against the shared webhook key.
func (c *Client) VerifyWebhookSignature(callbackURL, timestamp, signature string, params map[string]string) bool {
	ok := VerifySignature(c.cfg.WebhookKey, callbackURL, timestamp, signature, params)
	if !ok {
		c.logger.Warn("webhook signature mismatch",
			zap.String("callback_url", callbackURL),
			zap.String("timestamp", timestamp))
	}
	return ok
}

type responsePayload struct {
	Success           *bool           `json:"success"`
	Message           string          `json:"message"`
	Error             string          `json:"error"`
	Status            string          `json:"status"`
	InternalReference string          `json:"internal_reference"`
	CustomerReference string          `json:"customer_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	CustomerName      string          `json:"customer_name"`
	Transactions      []Transaction   `json:"transactions"`
}

func (p responsePayload) message() string {
	if p.Message != "" {
		return p.Message
	}
	return p.Error
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any) Result {
	started := time.Now()
	res := c.roundTrip(ctx, method, path, query, body)
	took := time.Since(started)
	if c.observer != nil {
		c.observer.ObserveGatewayCall(op, res.label(), took)
	}
	if !res.OK() {
		c.logger.Warn("relworx call failed",
			zap.String("operation", op),
			zap.String("kind", string(res.Kind)),
			zap.Int("http_status", res.HTTPStatus),
			zap.String("message", res.Message),
			zap.Duration("took", took))
	}
	return res
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body any) Result {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return failure(FailureValidation, 0, "encode request: "+err.Error())
		}
		reader = bytes.NewReader(raw)
	}
	target := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return failure(FailureValidation, 0, "build request: "+err.Error())
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return failure(FailureTransport, 0, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failure(FailureTransport, resp.StatusCode, "read response: "+err.Error())
	}
	var payload responsePayload
	var decodeErr error
	if len(bytes.TrimSpace(raw)) > 0 {
		decodeErr = json.Unmarshal(raw, &payload)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := payload.message()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return failure(FailureProvider, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return failure(FailureDecode, resp.StatusCode, "decode response: "+decodeErr.Error())
	}
	if payload.Success != nil && !*payload.Success {
		return failure(FailureProvider, resp.StatusCode, payload.message())
	}

	return Result{
		Message:           payload.Message,
		HTTPStatus:        resp.StatusCode,
		Status:            strings.ToLower(strings.TrimSpace(payload.Status)),
		InternalReference: payload.InternalReference,
		CustomerReference: payload.CustomerReference,
		Amount:            payload.Amount,
		Currency:          strings.ToUpper(payload.Currency),
		CustomerName:      payload.CustomerName,
		Transactions:      payload.Transactions,
	}
}
