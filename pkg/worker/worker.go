// Package worker provides the single-threaded cooperative executor that
// fibers pin to. A Worker owns an event loop; all mutation of fiber state,
// programs, and in-flight invocations happens on its goroutine.
package worker

import (
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/finback-ai/finback/pkg/eventloop"
)

const DefaultQuantum = 100 * time.Millisecond

// How long each WaitForShutdown slice blocks before logging that the worker
// is still running and retrying.
const shutdownPollInterval = 5 * time.Second

type Options struct {
	// Name is used for logging and String().
	Name string

	// OwnedThread selects whether the Worker runs its own goroutine
	// (Start/Kill/WaitForShutdown) or is driven by a host goroutine that
	// calls RunOnCurrentThread exactly once.
	OwnedThread bool

	// Quantum bounds a single drain cycle. Zero means DefaultQuantum.
	Quantum time.Duration

	// OnThreadStart/OnThreadStop run on the worker goroutine immediately
	// before the loop starts and after it ends. Either may be nil.
	OnThreadStart func()
	OnThreadStop  func()
}

type Worker struct {
	options Options
	loop    *eventloop.Loop

	signalTransact *eventloop.Event
	signalEnded    *eventloop.Event

	mu            sync.Mutex
	pendingThunks []func()
	kill          bool
	started       bool
	hasRun        bool
}

func New(options Options) *Worker {
	if options.Quantum == 0 {
		options.Quantum = DefaultQuantum
	}
	return &Worker{
		options:        options,
		loop:           eventloop.New(),
		signalTransact: eventloop.NewEvent(false),
		signalEnded:    eventloop.NewEvent(false),
	}
}

func (w *Worker) Name() string { return w.options.Name }

// Loop exposes the worker's event loop for async registrations made on the
// worker goroutine (the VM dispatch path).
func (w *Worker) Loop() *eventloop.Loop { return w.loop }

func (w *Worker) String() string {
	return fmt.Sprintf("<Worker %q>", w.options.Name)
}

// Start spawns the owned goroutine and begins the loop. Only valid for
// OwnedThread workers, and only once.
func (w *Worker) Start() error {
	if !w.options.OwnedThread {
		return status.Errorf(codes.FailedPrecondition, "cannot start worker %q when OwnedThread=false", w.options.Name)
	}
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return status.Errorf(codes.FailedPrecondition, "cannot start worker %q multiple times", w.options.Name)
	}
	w.started = true
	w.mu.Unlock()

	go w.runOnThread()
	return nil
}

// RunOnCurrentThread runs the loop on the calling goroutine until Kill.
// Only valid for non-OwnedThread workers, and only once.
func (w *Worker) RunOnCurrentThread() error {
	if w.options.OwnedThread {
		return status.Errorf(codes.FailedPrecondition, "cannot run worker %q on current thread when OwnedThread=true", w.options.Name)
	}
	w.mu.Lock()
	if w.hasRun {
		w.mu.Unlock()
		return status.Errorf(codes.FailedPrecondition, "worker %q has already run", w.options.Name)
	}
	w.hasRun = true
	w.mu.Unlock()

	w.runOnThread()
	return nil
}

// Kill stops submission of new thunks and lets the loop wind down. In-flight
// waits already registered with the loop still drain. Safe from any thread.
func (w *Worker) Kill() error {
	w.mu.Lock()
	if w.options.OwnedThread && !w.started {
		w.mu.Unlock()
		return status.Errorf(codes.FailedPrecondition, "cannot kill worker %q: not started", w.options.Name)
	}
	if !w.options.OwnedThread && !w.hasRun {
		w.mu.Unlock()
		return status.Errorf(codes.FailedPrecondition, "cannot kill worker %q: never run", w.options.Name)
	}
	w.kill = true
	w.mu.Unlock()
	w.signalTransact.Set()
	return nil
}

// WaitForShutdown blocks until the worker's loop has ended, retrying in
// 5-second slices with a warning on each timeout.
func (w *Worker) WaitForShutdown() error {
	if !w.options.OwnedThread {
		return status.Errorf(codes.FailedPrecondition, "cannot wait for shutdown of worker %q when OwnedThread=false", w.options.Name)
	}
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return status.Errorf(codes.FailedPrecondition, "cannot wait for shutdown of worker %q: not started", w.options.Name)
	}

	for {
		if w.signalEnded.WaitFor(shutdownPollInterval) {
			return nil
		}
		klog.Warningf("still waiting for worker %q to terminate", w.options.Name)
	}
}

// CallThreadsafe enqueues fn to run on the worker goroutine in the next
// transact cycle. Thunks from one producer run FIFO. Safe from any thread.
func (w *Worker) CallThreadsafe(fn func()) {
	w.mu.Lock()
	w.pendingThunks = append(w.pendingThunks, fn)
	w.mu.Unlock()
	w.signalTransact.Set()
}

// CallLowLevel registers a callback with the loop. Must be called on the
// worker goroutine.
func (w *Worker) CallLowLevel(priority eventloop.Priority, cb eventloop.Callback) error {
	return w.loop.Call(priority, cb)
}

// WaitOneLowLevel registers a wait on source with the loop. Must be called on
// the worker goroutine.
func (w *Worker) WaitOneLowLevel(source eventloop.WaitSource, deadline time.Time, cb eventloop.Callback) error {
	return w.loop.WaitOne(source, deadline, cb)
}

// WaitUntilLowLevel registers a deadline callback with the loop. Must be
// called on the worker goroutine.
func (w *Worker) WaitUntilLowLevel(deadline time.Time, cb eventloop.Callback) error {
	return w.loop.WaitUntil(deadline, cb)
}

func (w *Worker) Now() time.Time {
	return time.Now()
}

func (w *Worker) ConvertRelativeTimeoutToDeadline(timeout time.Duration) time.Time {
	return time.Now().Add(timeout)
}

func (w *Worker) runOnThread() {
	if w.options.OnThreadStart != nil {
		w.options.OnThreadStart()
	}

	if err := w.runLoop(); err != nil {
		// A broken loop cannot be recovered; see the failure semantics of
		// the transact protocol.
		klog.Fatalf("worker %q loop failed: %v", w.options.Name, err)
	}

	if w.options.OnThreadStop != nil {
		w.options.OnThreadStop()
	}
	w.loop.Close()
	w.signalEnded.Set()
}

func (w *Worker) runLoop() error {
	if err := w.scheduleExternalTransactEvent(); err != nil {
		return err
	}
	for {
		w.mu.Lock()
		kill := w.kill
		w.mu.Unlock()
		if kill {
			return nil
		}
		if err := w.loop.Drain(w.options.Quantum); err != nil {
			return err
		}
	}
}

func (w *Worker) scheduleExternalTransactEvent() error {
	return w.loop.WaitOne(w.signalTransact, time.Time{}, func(signalStatus error) error {
		return w.transact(signalStatus)
	})
}

func (w *Worker) transact(signalStatus error) error {
	if signalStatus != nil {
		return signalStatus
	}

	var next []func()
	w.mu.Lock()
	// An outside thread cannot change this state without entering the
	// critical section, so resetting here cannot be spurious.
	w.signalTransact.Reset()
	if w.kill {
		// Pending thunks observed at kill time are discarded.
		w.pendingThunks = nil
		w.mu.Unlock()
		return nil
	}
	next = w.pendingThunks
	w.pendingThunks = nil
	w.mu.Unlock()

	for _, thunk := range next {
		w.mu.Lock()
		kill := w.kill
		w.mu.Unlock()
		if kill {
			// The in-flight thunk completed; the rest of this batch is
			// discarded along with the pending queue.
			return nil
		}
		w.runThunk(thunk)
	}
	return w.scheduleExternalTransactEvent()
}

func (w *Worker) runThunk(thunk func()) {
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("worker %q thunk panicked: %v", w.options.Name, r)
		}
	}()
	thunk()
}
