package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Currency string

const (
	CurrencyUGX Currency = "UGX"
	CurrencyKES Currency = "KES"
	CurrencyTZS Currency = "TZS"
	CurrencyRWF Currency = "RWF"
)

// minimumDeposit is the smallest amount a member may request per currency.
var minimumDeposit = map[Currency]decimal.Decimal{
	CurrencyUGX: decimal.NewFromInt(1000),
	CurrencyKES: decimal.NewFromInt(50),
	CurrencyTZS: decimal.NewFromInt(1000),
	CurrencyRWF: decimal.NewFromInt(500),
}

var dialingCode = map[Currency]string{
	CurrencyUGX: "256",
	CurrencyKES: "254",
	CurrencyTZS: "255",
	CurrencyRWF: "250",
}

func ParseCurrency(raw string) (Currency, bool) {
	c := Currency(raw)
	_, ok := minimumDeposit[c]
	return c, ok
}

func (c Currency) MinimumDeposit() decimal.Decimal {
	return minimumDeposit[c]
}

// CountryCode is the dialing code of the country that issues c. Local phone
// numbers for a deposit in c are completed with it.
func (c Currency) CountryCode() string {
	return dialingCode[c]
}

const DefaultAccountType = "savings"

var (
	ErrNotFound          = errors.New("deposit not found")
	ErrDuplicateTxRef    = errors.New("duplicate tx_ref")
	ErrInvalidDeposit    = errors.New("invalid deposit")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrReferenceConflict = errors.New("provider reference already set")
)

type Deposit struct {
	TxRef             string
	ProviderReference string
	Owner             string
	AccountType       string
	Amount            decimal.Decimal
	Currency          Currency
	Phone             string
	Status            Status
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
	// CheckAttempts counts sweeper checks that left the deposit PENDING.
	CheckAttempts int
	// NextCheckAt holds the deposit back from the sweeper until then. Nil
	// means it is due as soon as it is old enough.
	NextCheckAt *time.Time
}

type Balance struct {
	Owner       string
	AccountType string
	Balance     decimal.Decimal
	UpdatedAt   time.Time
}

// FinalizeResult reports whether this call performed the terminal transition.
// When Applied is false, Deposit holds the row as another caller left it.
type FinalizeResult struct {
	Applied bool
	Deposit Deposit
	Balance Balance
}

func validateNew(d Deposit) error {
	switch {
	case len(d.TxRef) < 8 || len(d.TxRef) > 36:
		return fmt.Errorf("%w: tx_ref must be 8-36 characters", ErrInvalidDeposit)
	case d.Owner == "":
		return fmt.Errorf("%w: owner is required", ErrInvalidDeposit)
	case !d.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidDeposit)
	case d.Status != "" && d.Status != StatusPending:
		return fmt.Errorf("%w: new deposits start PENDING", ErrInvalidDeposit)
	}
	if _, ok := ParseCurrency(string(d.Currency)); !ok {
		return fmt.Errorf("%w: unsupported currency", ErrInvalidDeposit)
	}
	return nil
}

func normalizeNew(d Deposit, now time.Time) Deposit {
	d.Status = StatusPending
	if d.AccountType == "" {
		d.AccountType = DefaultAccountType
	}
	d.Amount = d.Amount.Round(2)
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = d.CreatedAt
	d.CompletedAt = nil
	d.FailureReason = ""
	d.CheckAttempts = 0
	d.NextCheckAt = nil
	return d
}
