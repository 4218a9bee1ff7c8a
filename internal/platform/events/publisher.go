package events

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Backend      string
	RedisAddr    string
	RedisChannel string
	KafkaBrokers []string
	KafkaTopic   string
}

// New builds the publisher named by cfg.Backend: "", "none", "redis" or "kafka".
func New(cfg Config, logger *zap.Logger) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "none", "nop":
		return NopPublisher{}, nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("events backend redis requires an address")
		}
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: strings.Split(cfg.RedisAddr, ","),
		})
		return NewRedisPublisher(rdb, cfg.RedisChannel), nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("events backend kafka requires brokers")
		}
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger), nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
}
