package worker

import (
	"errors"
	"testing"
	"time"
)

func TestFutureCompletesFromForeignThread(t *testing.T) {
	w := startWorker(t, "future")

	f := NewFuture[int](w)
	go f.SetSuccess(42)

	if !f.Wait(2 * time.Second) {
		t.Fatalf("future never completed")
	}
	got, err := f.Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestFutureObserversRunOnWorker(t *testing.T) {
	w := startWorker(t, "observer")

	f := NewFuture[string](w)
	observed := make(chan string, 2)

	f.OnComplete(func(v string, err error) {
		observed <- v
	})
	f.SetSuccess("hello")

	// Registration after completion still dispatches through the worker.
	f.OnComplete(func(v string, err error) {
		observed <- v
	})

	for i := 0; i < 2; i++ {
		select {
		case v := <-observed:
			if v != "hello" {
				t.Errorf("observer got %q", v)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("observer %d never ran", i)
		}
	}
}

func TestFutureFailure(t *testing.T) {
	w := startWorker(t, "failure")

	f := NewFuture[int](w)
	want := errors.New("dispatch failed")
	f.SetFailure(want)

	if !f.Done() {
		t.Fatalf("future not done after failure")
	}
	_, err := f.Result()
	if !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestFutureDoubleCompletePanics(t *testing.T) {
	w := startWorker(t, "double")

	f := NewFuture[int](w)
	f.SetSuccess(1)

	defer func() {
		if recover() == nil {
			t.Errorf("expected panic on double completion")
		}
	}()
	f.SetSuccess(2)
}
