// Copyright 2025 James Ross
package quota

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounters implements Counters for scheduler.queue_backend=distributed
// deployments, using INCR (atomic on the Redis server) instead of the
// teacher's multi-tenant-isolation read-then-write GetQuotaUsage/
// updateQuotaUsage pair, which is vulnerable to exactly the TOCTOU race this
// spec calls out (§4.8).
type RedisCounters struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCounters(client *redis.Client) *RedisCounters {
	return &RedisCounters{client: client, ttl: 48 * time.Hour}
}

func (c *RedisCounters) key(userID, day string) string {
	return "quota:daily_jobs:" + userID + ":" + day
}

func (c *RedisCounters) IncrAndGetDailyJobCount(ctx context.Context, userID, day string) (int64, error) {
	key := c.key(userID, day)
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCounters) DecrDailyJobCount(ctx context.Context, userID, day string) error {
	return c.client.Decr(ctx, c.key(userID, day)).Err()
}
