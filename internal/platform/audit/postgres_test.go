package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func openAuditTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	dsn := os.Getenv("SACCO_TEST_DATABASE_URL")
	if dsn == "" {
		dsn = startAuditPostgres(t, ctx)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE TABLE audit_events`); err != nil {
		t.Fatalf("truncate audit_events: %v", err)
	}
	return db
}

func startAuditPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker unavailable: %v", r)
		}
	}()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "sacco",
				"POSTGRES_PASSWORD": "sacco",
				"POSTGRES_DB":       "sacco_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	return fmt.Sprintf("postgres://sacco:sacco@%s:%s/sacco_test?sslmode=disable", host, port.Port())
}

func TestPostgresStorePersistsChainAndBoundsMirror(t *testing.T) {
	db := openAuditTestDB(t)
	mirror := NewBoundedStore(2)
	s := NewPostgresStore(db, mirror)
	ctx := context.Background()
	now := time.Date(2026, 10, 1, 8, 0, 0, 123456789, time.UTC)

	for i, action := range []string{"deposit_initiated", "webhook_rejected", "deposit_completed"} {
		if _, err := s.Append(ctx, Event{
			RecordedAt: now.Add(time.Duration(i) * time.Second),
			ActorID:    "reconcile-engine",
			ActorType:  "service",
			ObjectType: "deposit",
			ObjectID:   "SACCO_M1_a1b2c3d4e5f6",
			Action:     action,
			After:      []byte(`{"status": "PENDING"}`),
			Result:     ResultSuccess,
		}); err != nil {
			t.Fatalf("append %s: %v", action, err)
		}
	}

	chain, err := s.Chain(ctx)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("expected 3 persisted events, got %d", len(chain))
	}
	if err := VerifyChain(chain); err != nil {
		t.Fatalf("persisted chain must verify after a round trip: %v", err)
	}
	got, err := s.ForObject(ctx, "SACCO_M1_a1b2c3d4e5f6", 2)
	if err != nil || len(got) != 2 || got[0].Action != "deposit_initiated" {
		t.Fatalf("unexpected object events: %+v err=%v", got, err)
	}

	if n := len(mirror.Events()); n != 2 || mirror.Dropped() != 1 {
		t.Fatalf("mirror must keep only the newest 2 events, got %d dropped=%d", n, mirror.Dropped())
	}
	if mirror.Events()[1].HashCurr != chain[2].HashCurr {
		t.Fatalf("mirror must hold the persisted hashes")
	}
}

func TestPostgresStoreConcurrentAppendsStayLinked(t *testing.T) {
	db := openAuditTestDB(t)
	s := NewPostgresStore(db, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Append(context.Background(), Event{ObjectID: fmt.Sprintf("src-%d", i), Action: "denied", Result: ResultDenied}); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	chain, err := s.Chain(context.Background())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 10 {
		t.Fatalf("expected 10 events, got %d", len(chain))
	}
	if err := VerifyChain(chain); err != nil {
		t.Fatalf("concurrent appends must form one chain: %v", err)
	}
}
