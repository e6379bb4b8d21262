package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"wegent/internal/metrics"
)

// RedisEmitter PUBLISHes events as JSON on <prefix><topic>.
type RedisEmitter struct {
	rdb     redis.UniversalClient
	prefix  string
	metrics *metrics.Metrics
}

func NewRedisEmitter(rdb redis.UniversalClient, prefix string, m *metrics.Metrics) *RedisEmitter {
	if prefix == "" {
		prefix = "wegent:"
	}
	return &RedisEmitter{rdb: rdb, prefix: prefix, metrics: m}
}

// Channel returns the redis channel used for topic.
func (r *RedisEmitter) Channel(topic string) string { return r.prefix + topic }

func (r *RedisEmitter) Publish(ctx context.Context, topic string, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = r.rdb.Publish(ctx, r.Channel(topic), raw).Err()
	r.metrics.PublishResult("redis", err)
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
