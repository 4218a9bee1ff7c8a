package audit

import "time"

type Result string

const (
	ResultSuccess  Result = "success"
	ResultDenied   Result = "denied"
	ResultRejected Result = "rejected"
	ResultError    Result = "error"
)

// Event is one entry of the deposit audit trail. Security events (bad webhook
// signatures, untrusted webhook sources) use ResultRejected or ResultDenied.
type Event struct {
	AuditID    string
	RecordedAt time.Time
	ActorID    string
	ActorType  string
	ObjectType string
	ObjectID   string
	Action     string
	Before     []byte
	After      []byte
	Result     Result
	Reason     string
	HashPrev   string
	HashCurr   string
}
