package hal

import (
	"fmt"
	"strings"
	"sync"

	"github.com/finback-ai/finback/pkg/eventloop"
)

// FenceEntry is one (semaphore, timepoint) the fence waits on or signals.
type FenceEntry struct {
	Semaphore *Semaphore
	Timepoint uint64
}

// Fence joins semaphore timepoints. Each participating semaphore appears
// exactly once, at the highest timepoint inserted for it.
type Fence struct {
	mu      sync.Mutex
	entries []FenceEntry
}

func NewFence() *Fence {
	return &Fence{}
}

// FenceFromEntries builds a fence joining the given timepoints.
func FenceFromEntries(entries ...FenceEntry) *Fence {
	f := NewFence()
	for _, e := range entries {
		f.Insert(e.Semaphore, e.Timepoint)
	}
	return f
}

func (f *Fence) Insert(sem *Semaphore, timepoint uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.entries {
		if f.entries[i].Semaphore == sem {
			if timepoint > f.entries[i].Timepoint {
				f.entries[i].Timepoint = timepoint
			}
			return
		}
	}
	f.entries = append(f.entries, FenceEntry{Semaphore: sem, Timepoint: timepoint})
}

func (f *Fence) Entries() []FenceEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FenceEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

func (f *Fence) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *Fence) Satisfied() bool {
	for _, e := range f.Entries() {
		if e.Semaphore.Query() < e.Timepoint {
			return false
		}
	}
	return true
}

// SignalAll advances every joined semaphore to its fence timepoint. This is
// how a signal fence fires on completion.
func (f *Fence) SignalAll() error {
	for _, e := range f.Entries() {
		if err := e.Semaphore.Signal(e.Timepoint); err != nil {
			return err
		}
	}
	return nil
}

// WaitSource returns a source satisfied once every joined timepoint has been
// reached. An empty fence is immediately satisfied.
func (f *Fence) WaitSource() eventloop.WaitSource {
	entries := f.Entries()
	satisfied := eventloop.NewEvent(false)
	remaining := len(entries)
	if remaining == 0 {
		satisfied.Set()
		return satisfied
	}
	var mu sync.Mutex
	for _, e := range entries {
		source := e.Semaphore.TimepointSource(e.Timepoint)
		go func() {
			<-source.Await()
			mu.Lock()
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				satisfied.Set()
			}
		}()
	}
	return satisfied
}

func (f *Fence) String() string {
	entries := f.Entries()
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s:%d", e.Semaphore.Device().Name(), e.Timepoint))
	}
	return fmt.Sprintf("<Fence [%s]>", strings.Join(parts, ", "))
}
