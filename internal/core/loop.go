package core

import (
	"context"
	"errors"
	"sync"
)

// ErrLoopStopped is returned when work is handed to a loop that is no
// longer running.
var ErrLoopStopped = errors.New("core: loop stopped")

// Loop is a single goroutine that runs closures one at a time, in the
// order they were posted. State owned by the loop (session machine,
// resolver, annotation cache writes) is only touched from closures it
// runs, so that state needs no locking of its own.
type Loop struct {
	tasks    chan func()
	done     chan struct{}
	stopOnce sync.Once
}

// NewLoop creates a loop whose queue holds up to buffer closures before
// Post starts to wait.
func NewLoop(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 64
	}
	return &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Run executes posted closures until ctx is done or Stop is called.
// Closures still queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) {
	defer l.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Stop ends Run. Safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn to run on the loop and returns without waiting for it.
func (l *Loop) Post(fn func()) error {
	return l.enqueue(context.Background(), fn)
}

// enqueue waits for room in the queue until ctx ends or the loop stops.
func (l *Loop) enqueue(ctx context.Context, fn func()) error {
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}

	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn on the loop and waits for it to finish. It must not be
// called from the loop itself. When ctx ends first Call returns its
// error and fn may still run later.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.enqueue(ctx, func() {
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
		// fn may have been the last closure the loop ran
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopStopped
		}
	}
}
