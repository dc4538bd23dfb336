package eventloop

import (
	"sync"
	"time"
)

// WaitSource is anything a Loop can block on. The returned channel is closed
// while the source is satisfied. Await must be cheap to call repeatedly.
type WaitSource interface {
	Await() <-chan struct{}
}

// Event is a manual-reset event usable as a WaitSource. A Set event stays
// satisfied until Reset. Safe for use from any goroutine.
type Event struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

func NewEvent(initiallySet bool) *Event {
	e := &Event{
		set: initiallySet,
		ch:  make(chan struct{}),
	}
	if initiallySet {
		close(e.ch)
	}
	return e
}

func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		return
	}
	e.set = true
	close(e.ch)
}

func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		return
	}
	e.set = false
	e.ch = make(chan struct{})
}

func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

func (e *Event) Await() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// WaitFor blocks the calling goroutine (not a loop) until the event is set or
// the timeout elapses. Returns true if the event was observed set.
func (e *Event) WaitFor(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.Await():
		return true
	case <-timer.C:
		return false
	}
}
