//go:build integration

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisCache_SharedConnection(t *testing.T) {
	ctx := context.Background()

	redisContainer, err := redis.Run(ctx,
		"redis:7.4-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := redisContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	})

	host, err := redisContainer.Host(ctx)
	require.NoError(t, err)
	port, err := redisContainer.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: []string{fmt.Sprintf("%s:%s", host, port.Port())}})
	defer rdb.Close()
	c := NewRedisCache(rdb, "test:")
	require.NoError(t, c.Close())

	_, err = c.Get(ctx, JobKey("a"))
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, JobKey("a"), []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, JobKey("b"), []byte("2"), time.Minute))
	got, err := c.Get(ctx, JobKey("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	require.NoError(t, c.DeleteByPrefix(ctx, "job:"))
	_, err = c.Get(ctx, JobKey("b"))
	assert.ErrorIs(t, err, ErrCacheMiss)

	// more keys than one unlink batch
	for i := 0; i < scanBatch*2+5; i++ {
		require.NoError(t, c.Set(ctx, JobKey(fmt.Sprint(i)), []byte("x"), 0))
	}
	require.NoError(t, c.DeleteByPrefix(ctx, "job:"))
	keys, err := rdb.Keys(ctx, "test:*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Close left the shared connection usable
	require.NoError(t, rdb.Ping(ctx).Err())
}
