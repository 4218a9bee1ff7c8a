package reconcile

import (
	"strings"

	"github.com/google/uuid"
)

const (
	txRefPrefix    = "SACCO_"
	maxTxRefLength = 36
)

// NewTxRef returns SACCO_<owner>_<12 hex>. Owners whose id would overflow the
// provider's 36 character limit, or that carry characters outside
// [A-Za-z0-9-], get SACCO_<30 hex> instead.
func NewTxRef(owner string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	ref := txRefPrefix + owner + "_" + hex[:12]
	if owner == "" || len(ref) > maxTxRefLength || !safeOwnerID(owner) {
		return txRefPrefix + hex[:maxTxRefLength-len(txRefPrefix)]
	}
	return ref
}

func safeOwnerID(owner string) bool {
	for _, r := range owner {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}
