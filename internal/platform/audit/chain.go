package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const genesis = "GENESIS"

func ComputeHash(prev string, e Event) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.AuditID))
	_, _ = h.Write([]byte("|" + e.RecordedAt.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	_, _ = h.Write([]byte("|" + e.ActorType + ":" + e.ActorID))
	_, _ = h.Write([]byte("|" + e.ObjectType + ":" + e.ObjectID + "|" + e.Action + "|" + string(e.Result)))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x|%x|%s", e.Before, e.After, e.Reason)))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes every link starting from GENESIS.
func VerifyChain(events []Event) error {
	return VerifyFrom(genesis, events)
}

// VerifyFrom checks a chain segment whose first event links to prev. It is
// used for rings that have evicted the start of the chain.
func VerifyFrom(prev string, events []Event) error {
	for i, e := range events {
		if e.HashPrev != prev {
			return fmt.Errorf("event %d (%s): %w", i, e.AuditID, ErrCorruptChain)
		}
		if ComputeHash(prev, e) != e.HashCurr {
			return fmt.Errorf("event %d (%s): %w", i, e.AuditID, ErrCorruptChain)
		}
		prev = e.HashCurr
	}
	return nil
}
