package agent

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
)

// RateCounter tracks agent block creation inside the rolling window. The
// graph-backed counter derives counts from refs.agent edges and needs no
// bookkeeping; the Redis counter trades that for cheap reads under load.
type RateCounter interface {
	Count(ctx context.Context, agentHash string, window time.Duration) (int, error)
	Record(ctx context.Context, agentHash string) error
}

// GraphCounter counts from the block graph itself.
type GraphCounter struct {
	store store.Store
}

func NewGraphCounter(s store.Store) *GraphCounter {
	return &GraphCounter{store: s}
}

func (c *GraphCounter) Count(ctx context.Context, agentHash string, window time.Duration) (int, error) {
	return c.store.CountAgentBlocks(ctx, agentHash, time.Now().Add(-window))
}

// Record is a no-op: the inserted block is the record.
func (c *GraphCounter) Record(ctx context.Context, agentHash string) error { return nil }

// RedisCounter keeps a sliding window per agent in a sorted set.
type RedisCounter struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb, prefix: "foodblock:agent-rate:"}
}

func (c *RedisCounter) Count(ctx context.Context, agentHash string, window time.Duration) (int, error) {
	key := c.prefix + agentHash
	cutoff := strconv.FormatInt(time.Now().Add(-window).UnixNano(), 10)

	pipe := c.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("agent rate count: %w", err)
	}
	return int(card.Val()), nil
}

func (c *RedisCounter) Record(ctx context.Context, agentHash string) error {
	key := c.prefix + agentHash
	now := time.Now().UnixNano()

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: now})
	pipe.Expire(ctx, key, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("agent rate record: %w", err)
	}
	return nil
}
