package gatt

import (
	"context"
	"sync"

	"github.com/srg/blegatt/internal/groutine"
)

// Executor runs posted functions one at a time, in posting order.
type Executor interface {
	Post(fn func())
	Close()
}

// loopExecutor drains an unbounded FIFO on one named goroutine.
type loopExecutor struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// NewLoopExecutor starts the executor goroutine. It stops when ctx is cancelled or Close
// is called; functions posted afterwards are discarded.
func NewLoopExecutor(ctx context.Context, name string) Executor {
	e := &loopExecutor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	groutine.Go(ctx, name, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.done:
				return
			case <-e.wake:
				e.drain()
			}
		}
	})
	return e
}

func (e *loopExecutor) Post(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *loopExecutor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 || e.closed {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()
		fn()
	}
}

func (e *loopExecutor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.queue = nil
	close(e.done)
}

// inlineExecutor runs posted functions on the posting goroutine. Posts made while a
// function is running are queued and run after it returns, so there is no reentrancy.
type inlineExecutor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	closed  bool
}

// NewInlineExecutor returns a run-to-completion executor for deterministic tests.
func NewInlineExecutor() Executor {
	return &inlineExecutor{}
}

func (e *inlineExecutor) Post(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, fn)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()
		next()
	}
}

func (e *inlineExecutor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}
