// Package eventloop implements the synchronous loop that a Worker drains.
// Callbacks only ever run inside Drain, on the goroutine that called it;
// registration (Call, WaitOne, WaitUntil) may arm watcher goroutines, but
// those never execute user code themselves.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"
)

type Priority int

const (
	PriorityDefault Priority = iota
	PriorityHigh
)

// Callback receives the status of the thing waited on (nil, or
// context.DeadlineExceeded for an expired wait). A non-nil return breaks the
// loop; Drain propagates it to the caller.
type Callback func(status error) error

var ErrLoopClosed = errors.New("event loop closed")

type readyOp struct {
	cb     Callback
	status error
}

type Loop struct {
	mu          sync.Mutex
	ready       []readyOp
	outstanding int
	closed      bool

	// wake is signalled (non-blocking) whenever a ready op is enqueued.
	wake chan struct{}
	done chan struct{}
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Close releases watcher goroutines. Callbacks still queued are dropped.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}

// Call schedules cb to run on the next Drain. High priority ops run before
// already-queued default priority ops.
func (l *Loop) Call(priority Priority, cb Callback) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLoopClosed
	}
	op := readyOp{cb: cb}
	if priority == PriorityHigh {
		l.ready = append([]readyOp{op}, l.ready...)
	} else {
		l.ready = append(l.ready, op)
	}
	l.signalLocked()
	return nil
}

// WaitUntil schedules cb to run once the absolute deadline passes.
func (l *Loop) WaitUntil(deadline time.Time, cb Callback) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.outstanding++
	l.mu.Unlock()

	go func() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case <-timer.C:
			l.complete(cb, nil)
		case <-l.done:
		}
	}()
	return nil
}

// WaitOne schedules cb to run when source is satisfied or, if the deadline
// passes first, with status context.DeadlineExceeded. A zero deadline waits
// forever.
func (l *Loop) WaitOne(source WaitSource, deadline time.Time, cb Callback) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.outstanding++
	l.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		timeout = timer.C
		go func() {
			defer timer.Stop()
			select {
			case <-source.Await():
				l.complete(cb, nil)
			case <-timeout:
				l.complete(cb, context.DeadlineExceeded)
			case <-l.done:
			}
		}()
		return nil
	}

	go func() {
		select {
		case <-source.Await():
			l.complete(cb, nil)
		case <-l.done:
		}
	}()
	return nil
}

func (l *Loop) complete(cb Callback, status error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outstanding--
	if l.closed {
		return
	}
	l.ready = append(l.ready, readyOp{cb: cb, status: status})
	l.signalLocked()
}

func (l *Loop) signalLocked() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Outstanding reports how many waits are armed but not yet delivered.
func (l *Loop) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding
}

func (l *Loop) takeReady() []readyOp {
	l.mu.Lock()
	defer l.mu.Unlock()
	ops := l.ready
	l.ready = nil
	return ops
}

// Drain runs ready callbacks for up to quantum. If nothing is ready it blocks
// until a wait fires or the quantum elapses; with no waits armed, or once the
// loop is closed, it returns at once. Returns the first non-nil error
// from a callback; such an error means the loop is broken and must not be
// drained again.
func (l *Loop) Drain(quantum time.Duration) error {
	deadline := time.Now().Add(quantum)
	for {
		ops := l.takeReady()
		for _, op := range ops {
			if err := op.cb(op.status); err != nil {
				return err
			}
		}
		if len(ops) > 0 {
			if time.Now().After(deadline) {
				return nil
			}
			continue
		}

		l.mu.Lock()
		idle := l.outstanding == 0 && len(l.ready) == 0
		closed := l.closed
		l.mu.Unlock()
		if idle || closed {
			return nil
		}

		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-l.wake:
			timer.Stop()
		case <-timer.C:
			return nil
		}
	}
}
