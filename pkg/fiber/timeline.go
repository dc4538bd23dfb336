package fiber

import (
	"fmt"
	"sync"

	"github.com/finback-ai/finback/pkg/hal"
	"github.com/finback-ai/finback/pkg/system"
)

// Timeline is the scheduling account for one device queue: a semaphore whose
// integer timepoint is the program order of submissions on that queue.
type Timeline struct {
	device *system.Device
	sem    *hal.Semaphore

	mu  sync.Mutex
	tip uint64
}

func (t *Timeline) Device() *system.Device    { return t.device }
func (t *Timeline) Semaphore() *hal.Semaphore { return t.sem }

// Tip is the highest timepoint reserved on this queue so far.
func (t *Timeline) Tip() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tip
}

// Reserve claims the next signal timepoint. Successive reservations are
// strictly monotonic regardless of completion order.
func (t *Timeline) Reserve() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tip++
	return t.tip
}

func (t *Timeline) String() string {
	return fmt.Sprintf("<Timeline %s tip=%d>", t.device.Name(), t.Tip())
}
