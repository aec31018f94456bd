package signaling

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"voicecall-backend/pkg/logger"
)

// ErrLoopClosed is returned for work submitted after Close
var ErrLoopClosed = errors.New("signaling loop closed")

// Loop runs the tasks of one tab one at a time, in submission order. Every
// piece of Agent and Notifier state is only read or written from a task, so
// handler bodies never interleave. Tasks may block on I/O; later tasks wait.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewLoop starts a loop goroutine
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues fn and returns immediately. It reports false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call queues fn and waits for it to finish. Calling it from inside a task deadlocks.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopClosed
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// the task may still have run before the loop stopped
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopClosed
		}
	}
}

// Close stops accepting work, runs what is already queued, and waits for the
// loop goroutine to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			<-l.wake
			continue
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.runTask(task)
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Signaling task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}
