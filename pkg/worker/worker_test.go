package worker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func startWorker(t *testing.T, name string) *Worker {
	t.Helper()
	w := New(Options{Name: name, OwnedThread: true})
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	t.Cleanup(func() {
		if err := w.Kill(); err != nil {
			t.Errorf("failed to kill worker: %v", err)
			return
		}
		if err := w.WaitForShutdown(); err != nil {
			t.Errorf("failed to wait for shutdown: %v", err)
		}
	})
	return w
}

func TestCallThreadsafeRunsThunk(t *testing.T) {
	w := startWorker(t, "run-thunk")

	done := make(chan struct{})
	w.CallThreadsafe(func() {
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("thunk never ran")
	}
}

func TestThunksRunFIFOPerProducer(t *testing.T) {
	// 8 producers, 1000 thunks each; per-producer sequence must be
	// monotonic. Cross-producer order is unspecified.
	const producers = 8
	const perProducer = 1000

	w := startWorker(t, "fifo")

	type tag struct{ tid, seq int }
	var mu sync.Mutex
	var got []tag

	var wg sync.WaitGroup
	for tid := 0; tid < producers; tid++ {
		tid := tid
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := 0; seq < perProducer; seq++ {
				seq := seq
				w.CallThreadsafe(func() {
					mu.Lock()
					got = append(got, tag{tid: tid, seq: seq})
					mu.Unlock()
				})
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == producers*perProducer {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d thunks ran", n, producers*perProducer)
		}
		time.Sleep(10 * time.Millisecond)
	}

	lastSeq := make(map[int]int)
	for tid := 0; tid < producers; tid++ {
		lastSeq[tid] = -1
	}
	mu.Lock()
	defer mu.Unlock()
	for _, tg := range got {
		if tg.seq <= lastSeq[tg.tid] {
			t.Fatalf("producer %d sequence went backwards: %d after %d", tg.tid, tg.seq, lastSeq[tg.tid])
		}
		lastSeq[tg.tid] = tg.seq
	}
}

func TestKillDiscardsPendingThunks(t *testing.T) {
	w := New(Options{Name: "kill-mid-flight", OwnedThread: true})
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	const thunks = 100
	started := make(chan int, thunks)
	var mu sync.Mutex
	ran := 0

	fifth := make(chan struct{})
	for i := 0; i < thunks; i++ {
		i := i
		w.CallThreadsafe(func() {
			started <- i
			if i == 4 {
				close(fifth)
			}
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}

	select {
	case <-fifth:
	case <-time.After(5 * time.Second):
		t.Fatalf("fifth thunk never started")
	}
	if err := w.Kill(); err != nil {
		t.Fatalf("failed to kill worker: %v", err)
	}

	startedShutdown := time.Now()
	if err := w.WaitForShutdown(); err != nil {
		t.Fatalf("failed to wait for shutdown: %v", err)
	}
	if elapsed := time.Since(startedShutdown); elapsed > time.Second {
		t.Errorf("shutdown took %s, expected under 1s", elapsed)
	}

	// The thunk running when the kill flag landed completes; thunks after
	// it are discarded. A few extra may finish in the window between the
	// fifth starting and Kill being observed.
	mu.Lock()
	defer mu.Unlock()
	if ran < 5 {
		t.Errorf("expected at least the first 5 thunks to run, got %d", ran)
	}
	if ran >= thunks/2 {
		t.Errorf("expected most thunks to be discarded, but %d of %d ran", ran, thunks)
	}
}

func TestStartErrors(t *testing.T) {
	t.Run("not owned thread", func(t *testing.T) {
		w := New(Options{Name: "host", OwnedThread: false})
		if err := w.Start(); status.Code(err) != codes.FailedPrecondition {
			t.Errorf("expected FailedPrecondition, got %v", err)
		}
	})

	t.Run("started twice", func(t *testing.T) {
		w := startWorker(t, "twice")
		if err := w.Start(); status.Code(err) != codes.FailedPrecondition {
			t.Errorf("expected FailedPrecondition, got %v", err)
		}
	})

	t.Run("kill before start", func(t *testing.T) {
		w := New(Options{Name: "unstarted", OwnedThread: true})
		if err := w.Kill(); status.Code(err) != codes.FailedPrecondition {
			t.Errorf("expected FailedPrecondition, got %v", err)
		}
	})

	t.Run("kill before run on current thread", func(t *testing.T) {
		w := New(Options{Name: "unrun", OwnedThread: false})
		if err := w.Kill(); status.Code(err) != codes.FailedPrecondition {
			t.Errorf("expected FailedPrecondition, got %v", err)
		}
	})

	t.Run("run on current thread with owned thread", func(t *testing.T) {
		w := New(Options{Name: "owned", OwnedThread: true})
		if err := w.RunOnCurrentThread(); status.Code(err) != codes.FailedPrecondition {
			t.Errorf("expected FailedPrecondition, got %v", err)
		}
	})

	t.Run("wait for shutdown of host thread worker", func(t *testing.T) {
		w := New(Options{Name: "host", OwnedThread: false})
		if err := w.WaitForShutdown(); status.Code(err) != codes.FailedPrecondition {
			t.Errorf("expected FailedPrecondition, got %v", err)
		}
	})
}

func TestRunOnCurrentThread(t *testing.T) {
	w := New(Options{Name: "host", OwnedThread: false})

	ran := make(chan struct{})
	w.CallThreadsafe(func() {
		close(ran)
		// Kill from the worker goroutine itself; the loop winds down
		// after this thunk batch.
		if err := w.Kill(); err != nil {
			t.Errorf("failed to kill: %v", err)
		}
	})

	finished := make(chan error, 1)
	go func() {
		finished <- w.RunOnCurrentThread()
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("thunk never ran")
	}
	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("RunOnCurrentThread failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not exit after kill")
	}

	if err := w.RunOnCurrentThread(); status.Code(err) != codes.FailedPrecondition {
		t.Errorf("expected FailedPrecondition on second run, got %v", err)
	}
}

func TestThunkPanicDoesNotStopLoop(t *testing.T) {
	w := startWorker(t, "panicky")

	w.CallThreadsafe(func() {
		panic("boom")
	})
	done := make(chan struct{})
	w.CallThreadsafe(func() {
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop stopped after a panicking thunk")
	}
}

func TestOnThreadHooks(t *testing.T) {
	events := make(chan string, 2)
	w := New(Options{
		Name:          "hooks",
		OwnedThread:   true,
		OnThreadStart: func() { events <- "start" },
		OnThreadStop:  func() { events <- "stop" },
	})
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	if err := w.Kill(); err != nil {
		t.Fatalf("failed to kill worker: %v", err)
	}
	if err := w.WaitForShutdown(); err != nil {
		t.Fatalf("failed to wait for shutdown: %v", err)
	}
	for _, want := range []string{"start", "stop"} {
		select {
		case got := <-events:
			if got != want {
				t.Errorf("expected hook %q, got %q", want, got)
			}
		default:
			t.Errorf("hook %q never ran", want)
		}
	}
}

func TestString(t *testing.T) {
	w := New(Options{Name: "w0", OwnedThread: true})
	if got, want := w.String(), fmt.Sprintf("<Worker %q>", "w0"); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
