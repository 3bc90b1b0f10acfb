package concurrency

import (
	"context"
	"errors"
	"sync"
)

// ErrExecutorStopped is returned by Do once the executor has exited.
var ErrExecutorStopped = errors.New("executor stopped")

// Executor serializes work onto one goroutine. State owned by code running on
// the executor needs no further synchronization.
type Executor struct {
	queue  *Queue[func()]
	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}
	closed sync.Once

	// Producers hold the read side while pushing so that Run can fence
	// them off before its final drain.
	mu      sync.RWMutex
	stopped bool
}

func NewExecutor() *Executor {
	return &Executor{
		queue: NewQueue[func()](),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Post schedules fn and returns immediately. It reports false when the
// executor has already been stopped.
func (e *Executor) Post(fn func()) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return false
	}
	e.queue.Push(fn)
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the executor and waits for it to return.
func (e *Executor) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !e.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrExecutorStopped
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		// fn may have run right before exit.
		select {
		case <-finished:
			return nil
		default:
			return ErrExecutorStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn on e and returns its result. If ctx ends first the result is
// discarded, even when fn still runs afterwards.
func Call[T any](ctx context.Context, e *Executor, fn func() T) (T, error) {
	result := make(chan T, 1)
	if err := e.Do(ctx, func() { result <- fn() }); err != nil {
		var zero T
		return zero, err
	}
	return <-result, nil
}

// Run consumes posted work until ctx is cancelled or Stop is called. Work
// that was accepted by Post still runs before Done is closed. Run must be
// called exactly once.
func (e *Executor) Run(ctx context.Context) {
	for running := true; running; {
		e.drain()
		select {
		case <-ctx.Done():
			running = false
		case <-e.quit:
			running = false
		case <-e.wake:
		}
	}

	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.drain()
	close(e.done)
}

func (e *Executor) drain() {
	for {
		fn, ok := e.queue.Pop()
		if !ok {
			return
		}
		fn()
	}
}

// Stop asks Run to exit.
func (e *Executor) Stop() {
	e.closed.Do(func() { close(e.quit) })
}

// Done is closed once Run has returned.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// Pending reports the number of queued functions.
func (e *Executor) Pending() int {
	return e.queue.Len()
}
