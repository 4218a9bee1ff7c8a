package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisChannel = "sacco.deposit_events"

type redisPublishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher sends each event as a JSON message on a pub/sub channel.
type RedisPublisher struct {
	rdb     redisPublishClient
	channel string
}

func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	return newRedisPublisher(rdb, channel)
}

func newRedisPublisher(rdb redisPublishClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e DepositEvent) error {
	payload, err := e.encode()
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s to redis: %w", e.Type, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
