// Package mainloop provides the single execution context that owns
// tracked-object mutation and world-origin relocalization. Tasks run one at
// a time, in the order they were dispatched.
package mainloop

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrStopped is returned when dispatching to a loop that has exited.
	ErrStopped = errors.New("main loop stopped")
	// ErrQueueFull is returned when the task queue has no room.
	ErrQueueFull = errors.New("main loop queue full")
)

// Dispatcher schedules work onto the main execution context.
// Dispatch never blocks.
type Dispatcher interface {
	Dispatch(fn func()) error
}

// DefaultQueueSize is the task buffer used when New is given a non-positive size.
const DefaultQueueSize = 64

// Loop runs dispatched tasks serially on the goroutine that calls Run.
type Loop struct {
	tasks chan func()

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

// New creates a loop with room for queue pending tasks.
func New(queue int) *Loop {
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	return &Loop{
		tasks: make(chan func(), queue),
		done:  make(chan struct{}),
	}
}

// Run executes tasks until ctx is cancelled. Tasks already queued when ctx
// is cancelled still run before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.mu.Unlock()
			l.drain()
			return nil
		}
	}
}

func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		default:
			return
		}
	}
}

// Dispatch queues fn without blocking.
func (l *Loop) Dispatch(fn func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return ErrStopped
	}
	select {
	case l.tasks <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Do runs fn on the loop and waits for it to finish or for ctx to end.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Dispatch(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// Run drains before closing done, so the task has either run or
		// is about to finish.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Inline runs tasks immediately on the caller's goroutine. Used where the
// caller already is the main execution context, and in tests.
type Inline struct {
	mu sync.Mutex
}

// Dispatch runs fn before returning.
func (i *Inline) Dispatch(fn func()) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	fn()
	return nil
}

// Do runs fn before returning, unless ctx is already done.
func (i *Inline) Do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return i.Dispatch(fn)
}

var (
	_ Dispatcher = (*Loop)(nil)
	_ Dispatcher = (*Inline)(nil)
)
