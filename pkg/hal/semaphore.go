// Package hal carries the hardware-abstraction primitives the runtime
// schedules with: opaque device handles, timeline semaphores, and fences
// joining semaphore timepoints.
package hal

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/finback-ai/finback/pkg/eventloop"
)

// Semaphore is a monotonic timeline semaphore. The payload only moves
// forward; waiters block until the payload reaches their timepoint.
type Semaphore struct {
	device *Device

	mu      sync.Mutex
	value   uint64
	waiters map[uint64]*eventloop.Event
}

func newSemaphore(device *Device, initial uint64) *Semaphore {
	return &Semaphore{
		device:  device,
		value:   initial,
		waiters: make(map[uint64]*eventloop.Event),
	}
}

func (s *Semaphore) Device() *Device { return s.device }

func (s *Semaphore) Query() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Signal advances the timeline to timepoint. Signaling at or below the
// current payload is a no-op for equal values and an error for regressions.
func (s *Semaphore) Signal(timepoint uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timepoint < s.value {
		return status.Errorf(codes.InvalidArgument, "semaphore timeline cannot move backwards (%d < %d)", timepoint, s.value)
	}
	s.value = timepoint
	for tp, event := range s.waiters {
		if tp <= s.value {
			event.Set()
			delete(s.waiters, tp)
		}
	}
	return nil
}

// TimepointSource returns a WaitSource satisfied once the timeline reaches
// timepoint.
func (s *Semaphore) TimepointSource(timepoint uint64) eventloop.WaitSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timepoint <= s.value {
		return eventloop.NewEvent(true)
	}
	event, ok := s.waiters[timepoint]
	if !ok {
		event = eventloop.NewEvent(false)
		s.waiters[timepoint] = event
	}
	return event
}

func (s *Semaphore) String() string {
	return fmt.Sprintf("<Semaphore %s@%d>", s.device.Name(), s.Query())
}
