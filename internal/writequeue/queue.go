// Package writequeue funnels operations through a FIFO queue drained by a
// fixed number of workers. With one worker (the only setting the store uses)
// at most one operation runs at a time and operations complete in submission
// order.
package writequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrClosed       = errors.New("write queue is closed")
	ErrTaskPanicked = errors.New("write task panicked")
)

const defaultBuffer = 256

type task struct {
	ctx context.Context
	run func(ctx context.Context)
	// reject is called instead of run when the task is skipped.
	reject func(err error)
}

type Queue struct {
	tasks chan task

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
}

type options struct {
	workers int
	buffer  int
}

type Option func(*options)

// WithWorkers sets the number of concurrent workers. Values below 1 are treated as 1.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

func WithBuffer(n int) Option {
	return func(o *options) { o.buffer = n }
}

func New(opts ...Option) *Queue {
	o := options{workers: 1, buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 {
		o.workers = 1
	}
	if o.buffer < 0 {
		o.buffer = 0
	}
	q := &Queue{tasks: make(chan task, o.buffer)}
	for i := 0; i < o.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for t := range q.tasks {
		if err := t.ctx.Err(); err != nil {
			t.reject(err)
			continue
		}
		t.run(t.ctx)
	}
}

// Close stops accepting new operations, drains queued ones and waits for the
// workers to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) Stats() Stats {
	return Stats{
		Submitted: q.submitted.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
	}
}

func (q *Queue) enqueue(t task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	q.submitted.Add(1)
	q.tasks <- t
	return nil
}

// Future is the pending result of a submitted operation.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) {
	f.value = v
	f.err = err
	close(f.done)
}

// Done is closed once the operation has finished or was rejected.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the operation finishes or ctx is done. A cancelled wait
// does not cancel an operation that is already running.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit appends op to the queue. The returned Future resolves with op's
// result; a failing or panicking op only rejects its own Future.
func Submit[T any](ctx context.Context, q *Queue, op func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	t := task{
		ctx: ctx,
		run: func(ctx context.Context) {
			v, err := runRecovered(ctx, op)
			if err != nil {
				q.failed.Add(1)
			} else {
				q.completed.Add(1)
			}
			f.resolve(v, err)
		},
		reject: func(err error) {
			q.failed.Add(1)
			var zero T
			f.resolve(zero, err)
		},
	}
	if err := q.enqueue(t); err != nil {
		var zero T
		f.resolve(zero, err)
	}
	return f
}

// Do submits op and waits for its result.
func Do[T any](ctx context.Context, q *Queue, op func(ctx context.Context) (T, error)) (T, error) {
	return Submit(ctx, q, op).Wait(ctx)
}

func runRecovered[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return op(ctx)
}
