package jobs

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// ErrShuttingDown is returned by Submit after Stop has been called.
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// Dispatcher runs submitted tasks on a fixed pool of workers.
type Dispatcher struct {
	maxWorkers int
	work       chan func(ctx context.Context)

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDispatcher creates a dispatcher. maxWorkers <= 0 uses the number of
// CPUs; queueSize bounds the number of waiting tasks.
func NewDispatcher(maxWorkers, queueSize int) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		maxWorkers: maxWorkers,
		work:       make(chan func(ctx context.Context), queueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Workers returns the pool size.
func (d *Dispatcher) Workers() int {
	return d.maxWorkers
}

// Start launches the workers. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	d.once.Do(func() {
		for i := 0; i < d.maxWorkers; i++ {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				for task := range d.work {
					task(d.ctx)
				}
			}()
		}
	})
}

// Submit queues a task, waiting for a free slot until ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, task func(ctx context.Context)) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrShuttingDown
	}
	select {
	case d.work <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new tasks and waits for queued ones to finish. If ctx ends
// first, running tasks are cancelled and Stop returns ctx.Err().
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.work)
	}
	d.mu.Unlock()

	// workers that were never started still need to drain the queue
	d.Start()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
