package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisEventKey = "waterbutler:events"

// RedisDriver publishes events onto a Redis list for external consumers to
// BRPOP. It shares the client owned by pkg/kv.
type RedisDriver struct {
	rdb *redis.Client
}

// NewRedisDriver wraps rdb as a publish backend.
func NewRedisDriver(rdb *redis.Client) *RedisDriver {
	return &RedisDriver{rdb: rdb}
}

func (d *RedisDriver) Publish(ctx context.Context, payload []byte) error {
	if err := d.rdb.LPush(ctx, redisEventKey, payload).Err(); err != nil {
		return fmt.Errorf("notify/redis: push: %w", err)
	}
	return nil
}
