// Package kv owns the process-wide Redis client shared by the rate limiter
// and the notification queue. It is initialised once at startup and closed
// on shutdown; no user bytes ever pass through it.
package kv

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var rdb *redis.Client

// Connect initialises the Redis client and verifies the connection with a
// ping. Callers decide whether a failure is fatal; the rate limiter treats a
// missing store as ServiceUnavailable only while limiting is enabled.
func Connect(ctx context.Context, addr, password string) error {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kv: redis ping: %w", err)
	}
	rdb = client
	return nil
}

// Client returns the shared client, or nil when Connect has not succeeded.
func Client() *redis.Client { return rdb }

// Close releases the client's connection pool.
func Close() error {
	if rdb == nil {
		return nil
	}
	err := rdb.Close()
	rdb = nil
	return err
}
