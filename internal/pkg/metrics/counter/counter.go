// Package counter keeps operational event counts in Redis hashes.
package counter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// WebhookOutcomesKey counts Stripe deliveries per outcome.
	WebhookOutcomesKey = "inboxpilot:counters:webhook_outcomes"
	// TokenRefreshesKey counts refresh attempts per result.
	TokenRefreshesKey = "inboxpilot:counters:token_refreshes"
)

// Counter is one Redis hash of named counts.
type Counter struct {
	rdb redis.Cmdable
	key string
}

func New(rdb redis.Cmdable, key string) *Counter {
	return &Counter{rdb: rdb, key: key}
}

// Incr adds one to field.
func (c *Counter) Incr(ctx context.Context, field string) error {
	return c.rdb.HIncrBy(ctx, c.key, field, 1).Err()
}

// Snapshot returns the current counts without resetting them.
func (c *Counter) Snapshot(ctx context.Context) (map[string]int64, error) {
	data, err := c.rdb.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, err
	}
	return parseCounts(data), nil
}

// Drain returns the counts and resets them. The hash is renamed to a
// temporary key first so increments that race with the drain are kept.
func (c *Counter) Drain(ctx context.Context) (map[string]int64, error) {
	tmpKey := fmt.Sprintf("%s:tmp:%d", c.key, time.Now().UnixNano())
	if err := c.rdb.Rename(ctx, c.key, tmpKey).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such key") || err == redis.Nil {
			return map[string]int64{}, nil
		}
		return nil, err
	}
	defer c.rdb.Del(ctx, tmpKey)

	data, err := c.rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return nil, err
	}
	return parseCounts(data), nil
}

func parseCounts(data map[string]string) map[string]int64 {
	counts := make(map[string]int64, len(data))
	for field, raw := range data {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		counts[field] = n
	}
	return counts
}
