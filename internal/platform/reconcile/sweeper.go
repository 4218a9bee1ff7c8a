package reconcile

import (
	"context"
	"time"

	"github.com/somasave/sacco-deposits/internal/platform/ledger"
	"go.uber.org/zap"
)

type SweepReport struct {
	Checked     int
	Completed   int
	Failed      int
	Pending     int
	Unavailable int
	Errors      int
	// Deferred counts deposits rescheduled because the check left them
	// PENDING.
	Deferred int
}

// SweepPending polls the provider for PENDING deposits older than minAge.
// It covers webhooks that never arrived and members who never polled.
// A deposit the check leaves PENDING is rescheduled with backoff, so rows
// that cannot settle do not hold the batch against newer deposits.
func (e *Engine) SweepPending(ctx context.Context, minAge time.Duration, limit int) (SweepReport, error) {
	var rep SweepReport
	now := e.clock.Now()
	pending, err := e.store.ListPending(ctx, now.Add(-minAge), now, limit)
	if err != nil {
		return rep, err
	}
	for _, d := range pending {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		started := e.clock.Now()
		out := e.pollDeposit(ctx, d, SourceSweep)
		e.observe("sweep", SourceSweep, out.Code, started)

		rep.Checked++
		switch out.Code {
		case CodeProcessed, CodeAlreadyProcessed:
			if out.Deposit.Status == ledger.StatusFailed {
				rep.Failed++
			} else {
				rep.Completed++
			}
		case CodePending, CodeAmountMismatch:
			rep.Pending++
		case CodeUnavailable:
			rep.Unavailable++
		default:
			rep.Errors++
		}
		if out.Code != CodeProcessed && out.Code != CodeAlreadyProcessed && e.deferCheck(ctx, d, out.settleLater) {
			rep.Deferred++
		}
	}
	return rep, nil
}

func (e *Engine) deferCheck(ctx context.Context, d ledger.Deposit, settleLater bool) bool {
	wait := e.nextCheckDelay(d.CheckAttempts, settleLater)
	if err := e.store.DeferCheck(ctx, d.TxRef, e.clock.Now().Add(wait)); err != nil {
		e.log(ctx).Warn("defer pending check failed", zap.String("tx_ref", d.TxRef), zap.Error(err))
		return false
	}
	return true
}

// nextCheckDelay doubles CheckBackoff per earlier attempt. Deposits that
// need a human go straight to MaxCheckBackoff.
func (e *Engine) nextCheckDelay(attempts int, settleLater bool) time.Duration {
	limit := e.opts.MaxCheckBackoff
	if settleLater {
		return limit
	}
	wait := e.opts.CheckBackoff
	for i := 0; i < attempts && wait < limit; i++ {
		wait *= 2
	}
	return min(wait, limit)
}

// StartPendingSweeper runs SweepPending every interval until ctx is done.
func (e *Engine) StartPendingSweeper(
	ctx context.Context,
	interval time.Duration,
	minAge time.Duration,
	limit int,
	logger func(string, ...any),
	observer func(rep SweepReport, err error),
) {
	if interval <= 0 {
		return
	}
	if limit <= 0 {
		limit = 50
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rep, err := e.SweepPending(ctx, minAge, limit)
				if observer != nil {
					observer(rep, err)
				}
				if err != nil {
					if logger != nil {
						logger("pending deposit sweep failed: %v", err)
					}
					continue
				}
				if rep.Checked > 0 && logger != nil {
					logger("pending deposit sweep checked=%d completed=%d failed=%d unavailable=%d deferred=%d",
						rep.Checked, rep.Completed, rep.Failed, rep.Unavailable, rep.Deferred)
				}
			}
		}
	}()
}
