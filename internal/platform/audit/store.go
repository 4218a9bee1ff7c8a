package audit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

// DefaultRetain is how many events an InMemoryStore keeps before it starts
// evicting the oldest.
const DefaultRetain = 10000

// Appender is a sink for audit events. Append returns the event as linked
// into the chain.
type Appender interface {
	Append(ctx context.Context, e Event) (Event, error)
}

// InMemoryStore keeps the newest events in a fixed-size ring. The chain head
// survives eviction, so new events keep linking to evicted ones.
type InMemoryStore struct {
	mu      sync.Mutex
	ring    []Event
	head    int
	retain  int
	dropped int64
	last    string
	nextID  int64
}

func NewInMemoryStore() *InMemoryStore {
	return NewBoundedStore(DefaultRetain)
}

func NewBoundedStore(retain int) *InMemoryStore {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &InMemoryStore{last: genesis, retain: retain}
}

// Append links e to the chain. An empty AuditID or RecordedAt is filled in.
func (s *InMemoryStore) Append(_ context.Context, e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.tailLocked(); ok {
		if ComputeHash(prev.HashPrev, prev) != prev.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	s.nextID++
	if e.AuditID == "" {
		e.AuditID = "audit-" + strconv.FormatInt(s.nextID, 10)
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	e = withEmptyStates(e)
	e.HashPrev = s.last
	e.HashCurr = ComputeHash(s.last, e)

	s.pushLocked(e)
	return e, nil
}

// remember stores an event another sink already linked.
func (s *InMemoryStore) remember(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(e)
}

func (s *InMemoryStore) pushLocked(e Event) {
	s.last = e.HashCurr
	if len(s.ring) < s.retain {
		s.ring = append(s.ring, e)
		return
	}
	s.ring[s.head] = e
	s.head = (s.head + 1) % s.retain
	s.dropped++
}

func (s *InMemoryStore) tailLocked() (Event, bool) {
	if len(s.ring) == 0 {
		return Event{}, false
	}
	return s.ring[(s.head+len(s.ring)-1)%len(s.ring)], true
}

// Events returns the retained events, oldest first.
func (s *InMemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0, len(s.ring))
	out = append(out, s.ring[s.head:]...)
	return append(out, s.ring[:s.head]...)
}

// Dropped counts events evicted to stay within the retain limit.
func (s *InMemoryStore) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// ForObject returns the retained events recorded against one object id,
// oldest first.
func (s *InMemoryStore) ForObject(objectID string) []Event {
	out := make([]Event, 0)
	for _, e := range s.Events() {
		if e.ObjectID == objectID {
			out = append(out, e)
		}
	}
	return out
}

func withEmptyStates(e Event) Event {
	if e.Before == nil {
		e.Before = []byte(`{}`)
	}
	if e.After == nil {
		e.After = []byte(`{}`)
	}
	return e
}
