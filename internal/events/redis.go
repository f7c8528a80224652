package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/spherical-ai/convertx/internal/domain"
)

// RedisBroker delivers events across processes over Redis pub/sub, one
// channel per job.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
	buffer int
}

// NewRedisBroker creates a broker on an existing client. The client is
// shared with the cache and stays open after Close.
func NewRedisBroker(client redis.UniversalClient, buffer int) *RedisBroker {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	return &RedisBroker{client: client, prefix: "convertx:progress:", buffer: buffer}
}

func (b *RedisBroker) channel(jobID string) string {
	return b.prefix + jobID
}

// Publish sends p on the job's channel.
func (b *RedisBroker) Publish(ctx context.Context, p domain.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(p.JobID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed, so events published
// after it returns are delivered.
func (b *RedisBroker) Subscribe(ctx context.Context, jobID string) (<-chan domain.Progress, func(), error) {
	sub := b.client.Subscribe(ctx, b.channel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan domain.Progress, b.buffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				cancel()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var p domain.Progress
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				select {
				case out <- p:
				default:
				}
			}
		}
	}()

	return out, cancel, nil
}

// Close releases nothing; subscriptions end with their contexts or cancel
// funcs, and the client belongs to the caller.
func (b *RedisBroker) Close() error {
	return nil
}
