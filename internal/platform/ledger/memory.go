package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/somasave/sacco-deposits/internal/platform/clock"
)

type balanceKey struct {
	owner       string
	accountType string
}

// InMemoryStore keeps deposits and balances behind one mutex, so Finalize is
// serialized the same way a row lock serializes it in Postgres.
type InMemoryStore struct {
	Clock clock.Clock

	mu       sync.Mutex
	deposits map[string]Deposit
	balances map[balanceKey]Balance
}

func NewInMemoryStore(clk clock.Clock) *InMemoryStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &InMemoryStore{
		Clock:    clk,
		deposits: make(map[string]Deposit),
		balances: make(map[balanceKey]Balance),
	}
}

func (s *InMemoryStore) now() time.Time {
	return s.Clock.Now().UTC()
}

func (s *InMemoryStore) CreatePending(_ context.Context, d Deposit) error {
	if err := validateNew(d); err != nil {
		return err
	}
	d = normalizeNew(d, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deposits[d.TxRef]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTxRef, d.TxRef)
	}
	s.deposits[d.TxRef] = d
	return nil
}

func (s *InMemoryStore) SetProviderReference(_ context.Context, txRef, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deposits[txRef]
	if !ok {
		return ErrNotFound
	}
	if d.ProviderReference == ref {
		return nil
	}
	if d.ProviderReference != "" {
		return ErrReferenceConflict
	}
	if d.Status != StatusPending {
		return ErrInvalidTransition
	}
	d.ProviderReference = ref
	d.UpdatedAt = s.now()
	s.deposits[txRef] = d
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, txRef string) (Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deposits[txRef]
	if !ok {
		return Deposit{}, ErrNotFound
	}
	return cloneDeposit(d), nil
}

func (s *InMemoryStore) GetForOwner(ctx context.Context, txRef, owner string) (Deposit, error) {
	d, err := s.Get(ctx, txRef)
	if err != nil {
		return Deposit{}, err
	}
	if d.Owner != owner {
		return Deposit{}, ErrNotFound
	}
	return d, nil
}

func (s *InMemoryStore) ListPending(_ context.Context, createdBefore, dueBy time.Time, limit int) ([]Deposit, error) {
	s.mu.Lock()
	out := make([]Deposit, 0)
	for _, d := range s.deposits {
		if d.Status != StatusPending || !d.CreatedAt.Before(createdBefore) {
			continue
		}
		if d.NextCheckAt != nil && d.NextCheckAt.After(dueBy) {
			continue
		}
		out = append(out, cloneDeposit(d))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := dueAt(out[i]), dueAt(out[j])
		if a.Equal(b) {
			return out[i].TxRef < out[j].TxRef
		}
		return a.Before(b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) DeferCheck(_ context.Context, txRef string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deposits[txRef]
	if !ok {
		return ErrNotFound
	}
	if d.Status != StatusPending {
		return nil
	}
	at := next.UTC()
	d.CheckAttempts++
	d.NextCheckAt = &at
	d.UpdatedAt = s.now()
	s.deposits[txRef] = d
	return nil
}

func dueAt(d Deposit) time.Time {
	if d.NextCheckAt != nil {
		return *d.NextCheckAt
	}
	return d.CreatedAt
}

func (s *InMemoryStore) Balance(_ context.Context, owner, accountType string) (Balance, error) {
	if accountType == "" {
		accountType = DefaultAccountType
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[balanceKey{owner: owner, accountType: accountType}]
	if !ok {
		return Balance{Owner: owner, AccountType: accountType, Balance: decimal.Zero}, nil
	}
	return b, nil
}

func (s *InMemoryStore) Finalize(_ context.Context, txRef string, to Status, reason string) (FinalizeResult, error) {
	if !to.Terminal() {
		return FinalizeResult{}, fmt.Errorf("%w: %s", ErrInvalidTransition, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deposits[txRef]
	if !ok {
		return FinalizeResult{}, ErrNotFound
	}
	if d.Status != StatusPending {
		return FinalizeResult{Applied: false, Deposit: cloneDeposit(d), Balance: s.balanceLocked(d)}, nil
	}

	now := s.now()
	d.Status = to
	d.UpdatedAt = now
	d.CompletedAt = &now
	if to == StatusFailed {
		d.FailureReason = reason
	}

	res := FinalizeResult{Applied: true}
	if to == StatusCompleted {
		key := balanceKey{owner: d.Owner, accountType: d.AccountType}
		b, ok := s.balances[key]
		if !ok {
			b = Balance{Owner: d.Owner, AccountType: d.AccountType, Balance: decimal.Zero}
		}
		b.Balance = b.Balance.Add(d.Amount)
		b.UpdatedAt = now
		s.balances[key] = b
		res.Balance = b
	}
	s.deposits[txRef] = d
	res.Deposit = cloneDeposit(d)
	return res, nil
}

func (s *InMemoryStore) balanceLocked(d Deposit) Balance {
	if d.Status != StatusCompleted {
		return Balance{}
	}
	return s.balances[balanceKey{owner: d.Owner, accountType: d.AccountType}]
}

func cloneDeposit(d Deposit) Deposit {
	if d.CompletedAt != nil {
		at := *d.CompletedAt
		d.CompletedAt = &at
	}
	if d.NextCheckAt != nil {
		at := *d.NextCheckAt
		d.NextCheckAt = &at
	}
	return d
}
