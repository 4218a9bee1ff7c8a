package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

func sampleEvent() DepositEvent {
	return DepositEvent{
		Type:         TypeDepositCompleted,
		TxRef:        "SACCO_M1_a1b2c3d4e5f6",
		Owner:        "M1",
		AccountType:  "savings",
		Amount:       decimal.NewFromInt(50000),
		Currency:     "UGX",
		Status:       "COMPLETED",
		BalanceAfter: decimal.NewFromInt(50000),
		Source:       "webhook",
		OccurredAt:   time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}
}

type fakeRedis struct {
	channel string
	payload []byte
	err     error
	closed  bool
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisPublisherSendsJSON(t *testing.T) {
	fake := &fakeRedis{}
	p := newRedisPublisher(fake, "")
	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if fake.channel != DefaultRedisChannel {
		t.Fatalf("unexpected channel %q", fake.channel)
	}
	var decoded map[string]any
	if err := json.Unmarshal(fake.payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded["event_type"] != TypeDepositCompleted || decoded["tx_ref"] != "SACCO_M1_a1b2c3d4e5f6" || decoded["amount"] != "50000" {
		t.Fatalf("unexpected payload: %s", fake.payload)
	}
	if err := p.Close(); err != nil || !fake.closed {
		t.Fatalf("expected close to reach client")
	}
}

func TestRedisPublisherWrapsError(t *testing.T) {
	boom := errors.New("connection refused")
	p := newRedisPublisher(&fakeRedis{err: boom}, "custom")
	if err := p.Publish(context.Background(), sampleEvent()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped redis error, got %v", err)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByTxRef(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{w: w}
	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "SACCO_M1_a1b2c3d4e5f6" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != TypeDepositCompleted {
		t.Fatalf("unexpected headers: %+v", msg.Headers)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	p, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("default backend: %v", err)
	}
	if _, ok := p.(NopPublisher); !ok {
		t.Fatalf("expected nop publisher, got %T", p)
	}

	p, err = New(Config{Backend: "kafka", KafkaBrokers: []string{"localhost:9092"}}, nil)
	if err != nil {
		t.Fatalf("kafka backend: %v", err)
	}
	if _, ok := p.(*KafkaPublisher); !ok {
		t.Fatalf("expected kafka publisher, got %T", p)
	}
	_ = p.Close()

	p, err = New(Config{Backend: "redis", RedisAddr: "localhost:6379"}, nil)
	if err != nil {
		t.Fatalf("redis backend: %v", err)
	}
	if _, ok := p.(*RedisPublisher); !ok {
		t.Fatalf("expected redis publisher, got %T", p)
	}
	_ = p.Close()

	for _, cfg := range []Config{{Backend: "redis"}, {Backend: "kafka"}, {Backend: "sqs"}} {
		if _, err := New(cfg, nil); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestRecorderCopiesEvents(t *testing.T) {
	var r Recorder
	_ = r.Publish(context.Background(), sampleEvent())
	got := r.Events()
	got[0].TxRef = "mutated"
	if r.Events()[0].TxRef != "SACCO_M1_a1b2c3d4e5f6" {
		t.Fatalf("recorder must return a copy")
	}
}
