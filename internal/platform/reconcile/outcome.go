package reconcile

import (
	"github.com/somasave/sacco-deposits/internal/platform/ledger"
)

// Code is the tagged result every engine operation returns. Entry points map
// codes onto transport statuses.
type Code string

const (
	CodeProcessed            Code = "processed"
	CodeAlreadyProcessed     Code = "already_processed"
	CodePending              Code = "pending"
	CodeNotFound             Code = "not_found"
	CodeInvalid              Code = "invalid"
	CodeRejected             Code = "rejected"
	CodeUnavailable          Code = "unavailable"
	CodePaymentRequestFailed Code = "payment_request_failed"
	CodeAmountMismatch       Code = "amount_mismatch"
	CodeError                Code = "error"
)

// Source names the path that drove a reconciliation attempt.
type Source string

const (
	SourceInitiate Source = "initiate"
	SourcePoll     Source = "poll"
	SourceWebhook  Source = "webhook"
	SourceSweep    Source = "sweep"
	SourceStatus   Source = "status"
)

const (
	detailUnavailable   = "verification temporarily unavailable"
	detailRejectedCheck = "provider could not verify this deposit"
)

type Outcome struct {
	Code    Code
	Deposit ledger.Deposit
	// Balance is set when the deposit is COMPLETED.
	Balance *ledger.Balance
	Detail  string

	// settleLater marks a PENDING deposit that repeating the check soon will
	// not settle: a permanent provider rejection or an amount mismatch.
	settleLater bool
}

func (o Outcome) Found() bool {
	return o.Deposit.TxRef != ""
}

func outcome(code Code, detail string) Outcome {
	return Outcome{Code: code, Detail: detail}
}
