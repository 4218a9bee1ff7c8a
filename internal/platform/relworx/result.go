package relworx

import (
	"net/http"

	"github.com/shopspring/decimal"
)

// FailureKind tags a Result. The empty kind means the call succeeded.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureValidation FailureKind = "validation"
	FailureTransport  FailureKind = "transport"
	FailureProvider   FailureKind = "provider"
	FailureDecode     FailureKind = "decode"
)

// Result is the outcome of every gateway call. Failures never escape as Go
// errors; callers inspect Kind and decide whether to retry.
type Result struct {
	Kind       FailureKind
	Message    string
	HTTPStatus int

	Status            string
	InternalReference string
	CustomerReference string
	Amount            decimal.Decimal
	Currency          string
	CustomerName      string
	Transactions      []Transaction
}

type Transaction struct {
	CustomerReference string          `json:"customer_reference"`
	InternalReference string          `json:"internal_reference"`
	Msisdn            string          `json:"msisdn"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	CreatedAt         string          `json:"created_at"`
}

func (r Result) OK() bool {
	return r.Kind == FailureNone
}

// Retryable reports whether repeating the same call later may succeed.
func (r Result) Retryable() bool {
	switch r.Kind {
	case FailureTransport:
		return true
	case FailureProvider:
		return r.HTTPStatus >= http.StatusInternalServerError || r.HTTPStatus == http.StatusTooManyRequests
	default:
		return false
	}
}

func (r Result) label() string {
	if r.OK() {
		return "ok"
	}
	return string(r.Kind)
}

func failure(kind FailureKind, status int, msg string) Result {
	return Result{Kind: kind, HTTPStatus: status, Message: msg}
}
