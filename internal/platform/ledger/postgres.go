package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/somasave/sacco-deposits/internal/platform/clock"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the ledger schema. It is safe to run on every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

// PostgresStore expects a *sql.DB opened with the pgx stdlib driver.
type PostgresStore struct {
	db    *sql.DB
	clock clock.Clock
}

func NewPostgresStore(db *sql.DB, clk clock.Clock) *PostgresStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &PostgresStore{db: db, clock: clk}
}

const depositColumns = `
tx_ref, COALESCE(provider_reference, ''), owner_id, account_type, amount::text, currency, phone,
status, failure_reason, created_at, updated_at, completed_at, check_attempts, next_check_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeposit(row rowScanner) (Deposit, error) {
	var d Deposit
	var amount, currency, status string
	var completed, nextCheck sql.NullTime
	err := row.Scan(
		&d.TxRef,
		&d.ProviderReference,
		&d.Owner,
		&d.AccountType,
		&amount,
		&currency,
		&d.Phone,
		&status,
		&d.FailureReason,
		&d.CreatedAt,
		&d.UpdatedAt,
		&completed,
		&d.CheckAttempts,
		&nextCheck,
	)
	if err != nil {
		return Deposit{}, err
	}
	d.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return Deposit{}, fmt.Errorf("decode amount for %s: %w", d.TxRef, err)
	}
	d.Currency = Currency(currency)
	d.Status = Status(status)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	if completed.Valid {
		at := completed.Time.UTC()
		d.CompletedAt = &at
	}
	if nextCheck.Valid {
		at := nextCheck.Time.UTC()
		d.NextCheckAt = &at
	}
	return d, nil
}

func (s *PostgresStore) CreatePending(ctx context.Context, d Deposit) error {
	if err := validateNew(d); err != nil {
		return err
	}
	d = normalizeNew(d, s.clock.Now().UTC())

	const q = `
INSERT INTO deposits (
  tx_ref, provider_reference, owner_id, account_type, amount, currency, phone,
  status, failure_reason, created_at, updated_at
)
VALUES ($1, NULLIF($2,''), $3, $4, $5::numeric, $6, $7, 'PENDING', '', $8, $8)
ON CONFLICT (tx_ref) DO NOTHING
`
	res, err := s.db.ExecContext(ctx, q,
		d.TxRef,
		d.ProviderReference,
		d.Owner,
		d.AccountType,
		d.Amount.StringFixed(2),
		string(d.Currency),
		d.Phone,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert deposit %s: %w", d.TxRef, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTxRef, d.TxRef)
	}
	return nil
}

func (s *PostgresStore) SetProviderReference(ctx context.Context, txRef, ref string) error {
	const q = `
UPDATE deposits
SET provider_reference = $2, updated_at = $3
WHERE tx_ref = $1 AND status = 'PENDING' AND provider_reference IS NULL
`
	res, err := s.db.ExecContext(ctx, q, txRef, ref, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("set provider reference %s: %w", txRef, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	d, err := s.Get(ctx, txRef)
	if err != nil {
		return err
	}
	switch {
	case d.ProviderReference == ref:
		return nil
	case d.ProviderReference != "":
		return ErrReferenceConflict
	default:
		return ErrInvalidTransition
	}
}

func (s *PostgresStore) Get(ctx context.Context, txRef string) (Deposit, error) {
	q := `SELECT ` + depositColumns + ` FROM deposits WHERE tx_ref = $1`
	d, err := scanDeposit(s.db.QueryRowContext(ctx, q, txRef))
	if errors.Is(err, sql.ErrNoRows) {
		return Deposit{}, ErrNotFound
	}
	if err != nil {
		return Deposit{}, fmt.Errorf("load deposit %s: %w", txRef, err)
	}
	return d, nil
}

func (s *PostgresStore) GetForOwner(ctx context.Context, txRef, owner string) (Deposit, error) {
	q := `SELECT ` + depositColumns + ` FROM deposits WHERE tx_ref = $1 AND owner_id = $2`
	d, err := scanDeposit(s.db.QueryRowContext(ctx, q, txRef, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return Deposit{}, ErrNotFound
	}
	if err != nil {
		return Deposit{}, fmt.Errorf("load deposit %s: %w", txRef, err)
	}
	return d, nil
}

func (s *PostgresStore) ListPending(ctx context.Context, createdBefore, dueBy time.Time, limit int) ([]Deposit, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + depositColumns + `
FROM deposits
WHERE status = 'PENDING' AND created_at < $1
  AND (next_check_at IS NULL OR next_check_at <= $2)
ORDER BY COALESCE(next_check_at, created_at) ASC, tx_ref ASC
LIMIT $3`
	rows, err := s.db.QueryContext(ctx, q, createdBefore.UTC(), dueBy.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending deposits: %w", err)
	}
	defer rows.Close()

	out := make([]Deposit, 0)
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeferCheck(ctx context.Context, txRef string, next time.Time) error {
	const q = `
UPDATE deposits
SET check_attempts = check_attempts + 1, next_check_at = $2, updated_at = $3
WHERE tx_ref = $1 AND status = 'PENDING'
`
	res, err := s.db.ExecContext(ctx, q, txRef, next.UTC(), s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("defer check %s: %w", txRef, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, txRef); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Balance(ctx context.Context, owner, accountType string) (Balance, error) {
	if accountType == "" {
		accountType = DefaultAccountType
	}
	b, err := queryBalance(ctx, s.db, owner, accountType)
	if err != nil {
		return Balance{}, fmt.Errorf("load balance %s/%s: %w", owner, accountType, err)
	}
	return b, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryBalance(ctx context.Context, q queryRower, owner, accountType string) (Balance, error) {
	const sel = `
SELECT balance::text, updated_at
FROM account_balances
WHERE owner_id = $1 AND account_type = $2
`
	b := Balance{Owner: owner, AccountType: accountType, Balance: decimal.Zero}
	var raw string
	err := q.QueryRowContext(ctx, sel, owner, accountType).Scan(&raw, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return Balance{}, err
	}
	b.Balance, err = decimal.NewFromString(raw)
	if err != nil {
		return Balance{}, err
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

// Finalize locks the deposit row for the life of one transaction. A second
// caller blocks on the lock and then observes the terminal status.
func (s *PostgresStore) Finalize(ctx context.Context, txRef string, to Status, reason string) (FinalizeResult, error) {
	if !to.Terminal() {
		return FinalizeResult{}, fmt.Errorf("%w: %s", ErrInvalidTransition, to)
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FinalizeResult{}, err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	lock := `SELECT ` + depositColumns + ` FROM deposits WHERE tx_ref = $1 FOR UPDATE`
	d, err := scanDeposit(dbtx.QueryRowContext(ctx, lock, txRef))
	if errors.Is(err, sql.ErrNoRows) {
		return FinalizeResult{}, ErrNotFound
	}
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("lock deposit %s: %w", txRef, err)
	}

	if d.Status != StatusPending {
		res := FinalizeResult{Applied: false, Deposit: d}
		if d.Status == StatusCompleted {
			res.Balance, err = queryBalance(ctx, dbtx, d.Owner, d.AccountType)
			if err != nil {
				return FinalizeResult{}, err
			}
		}
		return res, dbtx.Commit()
	}

	now := s.clock.Now().UTC()
	failureReason := ""
	if to == StatusFailed {
		failureReason = reason
	}
	const upd = `
UPDATE deposits
SET status = $2, failure_reason = $3, updated_at = $4, completed_at = $4
WHERE tx_ref = $1
`
	if _, err := dbtx.ExecContext(ctx, upd, txRef, string(to), failureReason, now); err != nil {
		return FinalizeResult{}, fmt.Errorf("finalize deposit %s: %w", txRef, err)
	}
	d.Status = to
	d.FailureReason = failureReason
	d.UpdatedAt = now
	d.CompletedAt = &now

	res := FinalizeResult{Applied: true, Deposit: d}
	if to == StatusCompleted {
		const credit = `
INSERT INTO account_balances (owner_id, account_type, balance, updated_at)
VALUES ($1, $2, $3::numeric, $4)
ON CONFLICT (owner_id, account_type)
DO UPDATE SET balance = account_balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
RETURNING balance::text, updated_at
`
		var raw string
		b := Balance{Owner: d.Owner, AccountType: d.AccountType}
		if err := dbtx.QueryRowContext(ctx, credit, d.Owner, d.AccountType, d.Amount.StringFixed(2), now).Scan(&raw, &b.UpdatedAt); err != nil {
			return FinalizeResult{}, fmt.Errorf("credit balance %s/%s: %w", d.Owner, d.AccountType, err)
		}
		b.Balance, err = decimal.NewFromString(raw)
		if err != nil {
			return FinalizeResult{}, err
		}
		b.UpdatedAt = b.UpdatedAt.UTC()
		res.Balance = b
	}

	if err := dbtx.Commit(); err != nil {
		return FinalizeResult{}, fmt.Errorf("commit finalize %s: %w", txRef, err)
	}
	return res, nil
}
