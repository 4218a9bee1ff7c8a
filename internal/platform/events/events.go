package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TypeDepositCompleted = "deposit.completed"
	TypeDepositFailed    = "deposit.failed"
)

// DepositEvent is published after a deposit reaches a terminal status.
type DepositEvent struct {
	Type         string          `json:"event_type"`
	TxRef        string          `json:"tx_ref"`
	Owner        string          `json:"owner_id"`
	AccountType  string          `json:"account_type"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Status       string          `json:"status"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Source       string          `json:"source"`
	Reason       string          `json:"reason,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

func (e DepositEvent) encode() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	return payload, nil
}

// Publisher fans deposit events out to downstream consumers such as the
// notification service. Delivery is best effort; the ledger is the record.
type Publisher interface {
	Publish(ctx context.Context, e DepositEvent) error
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, DepositEvent) error { return nil }
func (NopPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []DepositEvent
}

func (r *Recorder) Publish(_ context.Context, e DepositEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []DepositEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DepositEvent, len(r.events))
	copy(out, r.events)
	return out
}
