package ledger

import (
	"context"
	"time"
)

// Store persists deposits and account balances. Finalize is the only
// operation that moves a deposit out of PENDING and the only one that
// writes balances.
type Store interface {
	CreatePending(ctx context.Context, d Deposit) error
	SetProviderReference(ctx context.Context, txRef, ref string) error
	Get(ctx context.Context, txRef string) (Deposit, error)
	GetForOwner(ctx context.Context, txRef, owner string) (Deposit, error)
	// ListPending returns PENDING deposits created before createdBefore whose
	// next check is due by dueBy, the longest waiting first.
	ListPending(ctx context.Context, createdBefore, dueBy time.Time, limit int) ([]Deposit, error)
	// DeferCheck records an unanswered check and holds the deposit back from
	// ListPending until next. Terminal deposits are left alone.
	DeferCheck(ctx context.Context, txRef string, next time.Time) error
	Balance(ctx context.Context, owner, accountType string) (Balance, error)
	Finalize(ctx context.Context, txRef string, to Status, reason string) (FinalizeResult, error)
}
