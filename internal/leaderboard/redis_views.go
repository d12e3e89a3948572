package leaderboard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"wikinovel/api/internal/voting"
)

const (
	viewKeyPrefix = "wikinovel:views:"
	viewKeyTTL    = 8 * 7 * 24 * time.Hour
)

// RedisViewCounter keeps one hash per local day, keyed by entity reference.
type RedisViewCounter struct {
	client *redis.Client
	prefix string
	loc    *time.Location
}

func NewRedisViewCounter(redisURL string, loc *time.Location) (*RedisViewCounter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisViewCounterWithClient(client, loc), nil
}

func NewRedisViewCounterWithClient(client *redis.Client, loc *time.Location) *RedisViewCounter {
	if loc == nil {
		loc = time.Local
	}
	return &RedisViewCounter{client: client, prefix: viewKeyPrefix, loc: loc}
}

func (c *RedisViewCounter) key(day time.Time) string {
	return c.prefix + dayKey(day, c.loc)
}

func (c *RedisViewCounter) RecordView(ctx context.Context, ref voting.EntityRef, at time.Time) error {
	key := c.key(at)
	pipe := c.client.TxPipeline()
	pipe.HIncrBy(ctx, key, ref.String(), 1)
	pipe.Expire(ctx, key, viewKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record view: %w", err)
	}
	return nil
}

func (c *RedisViewCounter) ViewsBetween(ctx context.Context, start, end time.Time) (map[voting.EntityRef]int64, error) {
	totals := map[voting.EntityRef]int64{}
	for _, day := range days(start, end, c.loc) {
		values, err := c.client.HGetAll(ctx, c.key(day)).Result()
		if err != nil {
			return nil, fmt.Errorf("read views %s: %w", dayKey(day, c.loc), err)
		}
		for member, raw := range values {
			ref, ok := parseRef(member)
			if !ok {
				continue
			}
			count, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			totals[ref] += count
		}
	}
	return totals, nil
}

func (c *RedisViewCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisViewCounter) Client() *redis.Client {
	return c.client
}

func (c *RedisViewCounter) Close() error {
	return c.client.Close()
}

func parseRef(member string) (voting.EntityRef, bool) {
	idx := strings.LastIndex(member, "/")
	if idx <= 0 {
		return voting.EntityRef{}, false
	}
	field, ok := voting.ParseField(member[idx+1:])
	if !ok {
		return voting.EntityRef{}, false
	}
	return voting.EntityRef{NovelID: member[:idx], Field: field}, true
}
