package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/convertx/internal/domain"
)

func recv(t *testing.T, ch <-chan domain.Progress) domain.Progress {
	t.Helper()
	select {
	case p, ok := <-ch:
		require.True(t, ok, "channel closed")
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.Progress{}
}

func TestMemoryBroker_DeliversPerJob(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(4)
	defer b.Close()

	a, cancelA, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	defer cancelA()
	other, cancelOther, err := b.Subscribe(ctx, "b")
	require.NoError(t, err)
	defer cancelOther()

	require.NoError(t, b.Publish(ctx, domain.Progress{JobID: "a", Finished: 1, Total: 2}))

	p := recv(t, a)
	assert.Equal(t, 1, p.Finished)
	select {
	case <-other:
		t.Fatal("event leaked to another job")
	default:
	}
}

func TestMemoryBroker_SlowSubscriberDrops(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(2)
	defer b.Close()

	ch, cancel, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	defer cancel()

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Publish(ctx, domain.Progress{JobID: "a", Finished: i}))
	}

	assert.Equal(t, 1, recv(t, ch).Finished)
	assert.Equal(t, 2, recv(t, ch).Finished)
	select {
	case p := <-ch:
		t.Fatalf("unexpected event %+v", p)
	default:
	}
}

func TestMemoryBroker_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(2)
	defer b.Close()

	ch, cancel, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers("a"))

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers("a"))

	assert.NoError(t, b.Publish(ctx, domain.Progress{JobID: "a"}))
}

func TestMemoryBroker_ContextCancel(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	b := NewMemoryBroker(2)
	defer b.Close()

	ch, _, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	cancelCtx()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed on context cancel")
	}
}

func TestMemoryBroker_Close(t *testing.T) {
	b := NewMemoryBroker(2)
	ch, _, err := b.Subscribe(context.Background(), "a")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, ok := <-ch
	assert.False(t, ok)

	late, _, err := b.Subscribe(context.Background(), "a")
	require.NoError(t, err)
	_, ok = <-late
	assert.False(t, ok)
}
