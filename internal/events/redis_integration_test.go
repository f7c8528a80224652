//go:build integration

package events

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

	"github.com/spherical-ai/convertx/internal/domain"
)

func TestRedisBroker(t *testing.T) {
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

	client := goredis.NewClient(&goredis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer client.Close()
	b := NewRedisBroker(client, 8)
	defer b.Close()

	ch, cancel, err := b.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Publish(ctx, domain.Progress{JobID: "job-1", Total: 2, Finished: 1, Percent: 50}))

	select {
	case p := <-ch:
		assert.Equal(t, "job-1", p.JobID)
		assert.Equal(t, 50, p.Percent)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}
