package counter

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	host := os.Getenv("CACHE_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("CACHE_PORT")
	if port == "" {
		port = "6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: os.Getenv("CACHE_PASSWORD"),
		DB:       15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not reachable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCounter_IncrSnapshotDrain(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	key := "test:counter:" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(context.Background(), key) })

	c := New(rdb, key)
	require.NoError(t, c.Incr(ctx, "applied"))
	require.NoError(t, c.Incr(ctx, "applied"))
	require.NoError(t, c.Incr(ctx, "duplicate"))

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"applied": 2, "duplicate": 1}, snap)

	drained, err := c.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, drained)

	after, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestCounter_DrainEmpty(t *testing.T) {
	rdb := newTestRedis(t)
	c := New(rdb, "test:counter:"+uuid.NewString())

	drained, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drained)
}

func TestParseCountsSkipsGarbage(t *testing.T) {
	assert.Equal(t, map[string]int64{"ok": 3}, parseCounts(map[string]string{"ok": "3", "bad": "x"}))
}
