package reconcile

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/somasave/sacco-deposits/internal/platform/relworx"
)

type providerState int

const (
	stateProcessing providerState = iota
	stateSuccess
	stateFailure
)

func classifyProviderStatus(raw string) providerState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "successful", "completed":
		return stateSuccess
	case "failed", "cancelled", "canceled", "rejected", "declined", "expired":
		return stateFailure
	default:
		return stateProcessing
	}
}

// ProviderReport is what the provider told us about a payment request, from
// either a status poll or a webhook body. A zero Amount means not reported.
type ProviderReport struct {
	Status            string
	InternalReference string
	CustomerReference string
	Amount            decimal.Decimal
	Currency          string
}

func reportFromResult(res relworx.Result) ProviderReport {
	return ProviderReport{
		Status:            res.Status,
		InternalReference: res.InternalReference,
		CustomerReference: res.CustomerReference,
		Amount:            res.Amount,
		Currency:          res.Currency,
	}
}
