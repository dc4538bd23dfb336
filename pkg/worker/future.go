package worker

import (
	"sync"
	"time"

	"github.com/finback-ai/finback/pkg/eventloop"
)

// Future is a one-shot value-or-error owned by a Worker. It may be completed
// from any thread exactly once; observers registered with OnComplete always
// run on the owning worker's goroutine.
type Future[T any] struct {
	worker *Worker

	mu        sync.Mutex
	completed bool
	value     T
	err       error
	observers []func(T, error)

	ready *eventloop.Event
}

func NewFuture[T any](w *Worker) *Future[T] {
	return &Future[T]{
		worker: w,
		ready:  eventloop.NewEvent(false),
	}
}

func (f *Future[T]) Worker() *Worker { return f.worker }

func (f *Future[T]) SetSuccess(value T) {
	f.complete(value, nil)
}

func (f *Future[T]) SetFailure(err error) {
	var zero T
	f.complete(zero, err)
}

func (f *Future[T]) complete(value T, err error) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		panic("future completed more than once")
	}
	f.completed = true
	f.value = value
	f.err = err
	observers := f.observers
	f.observers = nil
	f.mu.Unlock()

	f.ready.Set()
	for _, observer := range observers {
		f.dispatch(observer, value, err)
	}
}

// OnComplete registers an observer. If the future is already completed the
// observer is still dispatched through the worker rather than run inline.
func (f *Future[T]) OnComplete(observer func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.observers = append(f.observers, observer)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	f.dispatch(observer, value, err)
}

func (f *Future[T]) dispatch(observer func(T, error), value T, err error) {
	f.worker.CallThreadsafe(func() {
		observer(value, err)
	})
}

func (f *Future[T]) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// Wait blocks the calling goroutine until the future completes or the timeout
// elapses. Intended for threads other than the owning worker.
func (f *Future[T]) Wait(timeout time.Duration) bool {
	return f.ready.WaitFor(timeout)
}

// Result is only meaningful after completion.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}
