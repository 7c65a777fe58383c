package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("dispatcher closed")

// Job is a unit of work bound to an ordering key.
type Job func(ctx context.Context)

// Dispatcher runs jobs in submission order per key, with jobs for different
// keys running concurrently up to a global limit. A key has at most one
// worker goroutine; it exits when the key's queue drains.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string][]Job
	closed bool

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Jobs receive a context derived from
// parent that is cancelled when Close gives up waiting.
func NewDispatcher(parent context.Context, concurrency int, logger *slog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 8
	}
	ctx, cancel := context.WithCancel(parent)
	return &Dispatcher{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		queues: make(map[string][]Job),
		sem:    make(chan struct{}, concurrency),
	}
}

// Submit enqueues job behind every earlier job with the same key.
func (d *Dispatcher) Submit(key string, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	q, running := d.queues[key]
	d.queues[key] = append(q, job)
	if !running {
		d.wg.Add(1)
		go d.work(key)
	}
	return nil
}

func (d *Dispatcher) work(key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		job := q[0]
		q[0] = nil
		d.queues[key] = q[1:]
		d.mu.Unlock()

		select {
		case d.sem <- struct{}{}:
		case <-d.ctx.Done():
			d.drop(key)
			return
		}
		d.run(key, job)
		<-d.sem
	}
}

func (d *Dispatcher) run(key string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch job panic", "key", key, "panic", r)
		}
	}()
	job(d.ctx)
}

func (d *Dispatcher) drop(key string) {
	d.mu.Lock()
	n := len(d.queues[key])
	delete(d.queues, key)
	d.mu.Unlock()
	if n > 0 {
		d.logger.Warn("dropping queued jobs on shutdown", "key", key, "count", n)
	}
}

// Close stops accepting jobs and waits for queued work to finish. If ctx
// expires first, running jobs see their context cancelled and Close returns
// ctx.Err().
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

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
