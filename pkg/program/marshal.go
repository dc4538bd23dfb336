package program

import (
	"fmt"
	"sync"

	"github.com/finback-ai/finback/pkg/fiber"
	"github.com/finback-ai/finback/pkg/hal"
	"github.com/finback-ai/finback/pkg/vm"
)

// DeviceRef is a marshalable wrapping a VM ref whose backing resource lives
// on a device queue. It records the timeline timepoints of its last access
// so barriered arguments wait on exactly the work that touched them.
//
// Storage layers adapt their buffers to invocations through this type.
type DeviceRef struct {
	ref    vm.Ref
	device fiber.ScopedDevice

	mu        sync.Mutex
	lastWrite uint64
	lastRead  uint64
}

var _ Marshalable = (*DeviceRef)(nil)

func NewDeviceRef(device fiber.ScopedDevice, ref vm.Ref) *DeviceRef {
	return &DeviceRef{ref: ref, device: device}
}

func (d *DeviceRef) Ref() vm.Ref                { return d.ref }
func (d *DeviceRef) Device() fiber.ScopedDevice { return d.device }

// LastWrite is the timeline timepoint of the last write touching the
// resource.
func (d *DeviceRef) LastWrite() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastWrite
}

func (d *DeviceRef) LastRead() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRead
}

// RecordWrite seeds the resource's write timepoint, as when the backing
// storage was produced by earlier submissions.
func (d *DeviceRef) RecordWrite(timepoint uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timepoint > d.lastWrite {
		d.lastWrite = timepoint
	}
}

func (d *DeviceRef) RecordRead(timepoint uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timepoint > d.lastRead {
		d.lastRead = timepoint
	}
}

// MarshalForInvocation appends the ref and, when barriered, implicates the
// device queue: the invocation waits on the resource's recorded timepoints
// and, on completion, the resource advances to the invocation's signal
// timepoint.
func (d *DeviceRef) MarshalForInvocation(inv *Invocation, barrier ResourceBarrier) error {
	if err := inv.AddRef(d.ref); err != nil {
		return err
	}
	if barrier == BarrierNone {
		return nil
	}

	if err := inv.DeviceSelect(d.device.Affinity()); err != nil {
		return err
	}
	timeline, err := inv.Fiber().Timeline(d.device.RawDevice())
	if err != nil {
		return err
	}

	d.mu.Lock()
	waitTimepoint := d.lastWrite
	if barrier == BarrierWrite && d.lastRead > waitTimepoint {
		waitTimepoint = d.lastRead
	}
	d.mu.Unlock()
	if err := inv.WaitInsert(timeline.Semaphore(), waitTimepoint); err != nil {
		return err
	}

	inv.onCompletion(func(sem *hal.Semaphore, timepoint uint64) {
		if barrier == BarrierWrite {
			d.RecordWrite(timepoint)
		} else {
			d.RecordRead(timepoint)
		}
	})
	return nil
}

func (d *DeviceRef) String() string {
	return fmt.Sprintf("<DeviceRef %s w=%d r=%d>", d.device, d.LastWrite(), d.LastRead())
}
