package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

//go:embed schema.sql
var schemaSQL string

// chainLockKey serializes appenders across processes sharing one database.
const chainLockKey = 0x5acc0a0d17

const appendTimeout = 5 * time.Second

func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply audit schema: %w", err)
	}
	return nil
}

// PostgresStore persists the chain in audit_events and mirrors each stored
// event into a bounded in-memory ring.
type PostgresStore struct {
	db     *sql.DB
	mirror *InMemoryStore
}

func NewPostgresStore(db *sql.DB, mirror *InMemoryStore) *PostgresStore {
	if mirror == nil {
		mirror = NewInMemoryStore()
	}
	return &PostgresStore{db: db, mirror: mirror}
}

func (s *PostgresStore) Mirror() *InMemoryStore {
	return s.mirror
}

// Append outlives a cancelled request context so that a client hanging up
// does not drop the event.
func (s *PostgresStore) Append(ctx context.Context, e Event) (Event, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
	defer cancel()

	if e.AuditID == "" {
		e.AuditID = "audit-" + ulid.Make().String()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	// Postgres keeps microseconds; hash what will be read back.
	e.RecordedAt = e.RecordedAt.UTC().Truncate(time.Microsecond)
	e = withEmptyStates(e)
	e.Before = normalizeStateJSON(e.Before)
	e.After = normalizeStateJSON(e.After)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(chainLockKey)); err != nil {
		return Event{}, fmt.Errorf("lock audit chain: %w", err)
	}
	prev := genesis
	const lastQ = `SELECT hash_curr FROM audit_events ORDER BY seq DESC LIMIT 1`
	if err := tx.QueryRowContext(ctx, lastQ).Scan(&prev); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("load audit chain head: %w", err)
	}
	e.HashPrev = prev
	e.HashCurr = ComputeHash(prev, e)

	const insQ = `
INSERT INTO audit_events (
  audit_id, recorded_at, actor_id, actor_type, object_type, object_id, action,
  before_state, after_state, result, reason, hash_prev, hash_curr
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::json, $9::json, $10, $11, $12, $13)
`
	_, err = tx.ExecContext(ctx, insQ,
		e.AuditID,
		e.RecordedAt,
		e.ActorID,
		e.ActorType,
		e.ObjectType,
		e.ObjectID,
		e.Action,
		string(e.Before),
		string(e.After),
		string(e.Result),
		e.Reason,
		e.HashPrev,
		e.HashCurr,
	)
	if err != nil {
		return Event{}, fmt.Errorf("insert audit event %s: %w", e.AuditID, err)
	}
	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("commit audit event %s: %w", e.AuditID, err)
	}
	s.mirror.remember(e)
	return e, nil
}

// ForObject returns up to limit events for one object id, oldest first.
func (s *PostgresStore) ForObject(ctx context.Context, objectID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, `WHERE object_id = $1 ORDER BY seq ASC LIMIT $2`, objectID, limit)
}

// Chain returns the whole persisted chain, oldest first.
func (s *PostgresStore) Chain(ctx context.Context) ([]Event, error) {
	return s.list(ctx, `ORDER BY seq ASC`)
}

func (s *PostgresStore) list(ctx context.Context, tail string, args ...any) ([]Event, error) {
	q := `
SELECT audit_id, recorded_at, actor_id, actor_type, object_type, object_id, action,
       before_state::text, after_state::text, result, reason, hash_prev, hash_curr
FROM audit_events
` + tail
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var (
			e             Event
			before, after string
			result        string
		)
		if err := rows.Scan(
			&e.AuditID,
			&e.RecordedAt,
			&e.ActorID,
			&e.ActorType,
			&e.ObjectType,
			&e.ObjectID,
			&e.Action,
			&before,
			&after,
			&result,
			&e.Reason,
			&e.HashPrev,
			&e.HashCurr,
		); err != nil {
			return nil, err
		}
		e.RecordedAt = e.RecordedAt.UTC()
		e.Before = []byte(before)
		e.After = []byte(after)
		e.Result = Result(result)
		out = append(out, e)
	}
	return out, rows.Err()
}

// normalizeStateJSON replaces anything that is not valid JSON with {}.
func normalizeStateJSON(raw []byte) []byte {
	if len(raw) == 0 || !json.Valid(raw) {
		return []byte(`{}`)
	}
	return raw
}
