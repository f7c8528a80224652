// Package events fans job progress out to live subscribers such as SSE
// streams.
package events

import (
	"context"
	"sync"

	"github.com/spherical-ai/convertx/internal/domain"
)

// Broker publishes progress events and delivers them to subscribers of the
// same job.
type Broker interface {
	Publish(ctx context.Context, p domain.Progress) error
	// Subscribe returns a channel of events for jobID and a function that
	// ends the subscription. The channel is closed when the subscription
	// ends or ctx is done.
	Subscribe(ctx context.Context, jobID string) (<-chan domain.Progress, func(), error)
	Close() error
}

const defaultBufferSize = 64

// MemoryBroker delivers events within one process. Delivery never blocks the
// publisher: a subscriber whose buffer is full misses the event.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	buffer int
	closed bool
}

type subscription struct {
	ch   chan domain.Progress
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewMemoryBroker creates a broker with the given per-subscriber buffer.
func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	return &MemoryBroker{
		subs:   make(map[string]map[*subscription]struct{}),
		buffer: buffer,
	}
}

// Publish sends p to every current subscriber of p.JobID.
func (b *MemoryBroker) Publish(ctx context.Context, p domain.Progress) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[p.JobID] {
		select {
		case sub.ch <- p:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber for jobID.
func (b *MemoryBroker) Subscribe(ctx context.Context, jobID string) (<-chan domain.Progress, func(), error) {
	sub := &subscription{ch: make(chan domain.Progress, b.buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.ch, func() {}, nil
	}
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*subscription]struct{})
	}
	b.subs[jobID][sub] = struct{}{}
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.remove(jobID, sub)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return sub.ch, cancel, nil
}

func (b *MemoryBroker) remove(jobID string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[jobID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, jobID)
		}
	}
	sub.close()
}

// Subscribers returns the number of live subscribers for jobID.
func (b *MemoryBroker) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// Close ends every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for jobID, set := range b.subs {
		for sub := range set {
			sub.close()
		}
		delete(b.subs, jobID)
	}
	return nil
}
