// Package fiber binds a worker to a named selection of devices. A fiber is
// a logical thread of execution: programs attach to it, and its per-queue
// timelines order everything submitted through it.
package fiber

import (
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/finback-ai/finback/pkg/system"
	"github.com/finback-ai/finback/pkg/worker"
)

type NamedDevice struct {
	Name   string
	Device *system.Device
}

type Fiber struct {
	worker *worker.Worker
	system *system.System

	devices      []*system.Device
	names        []string
	namedDevices map[string]*system.Device

	mu        sync.Mutex
	timelines map[*system.Device]*Timeline
}

// New creates a fiber over devices, naming each "<logical_class><index>"
// where the index counts per class from zero.
func New(sys *system.System, w *worker.Worker, devices []*system.Device) (*Fiber, error) {
	classCount := make(map[string]int)
	named := make([]NamedDevice, 0, len(devices))
	for _, d := range devices {
		if d == nil {
			return nil, status.Errorf(codes.InvalidArgument, "fiber device list contains nil device")
		}
		class := d.Address().LogicalDeviceClass
		name := fmt.Sprintf("%s%d", class, classCount[class])
		classCount[class]++
		named = append(named, NamedDevice{Name: name, Device: d})
	}
	return NewWithNamedDevices(sys, w, named)
}

// NewWithNamedDevices creates a fiber with caller-chosen logical names.
func NewWithNamedDevices(sys *system.System, w *worker.Worker, devices []NamedDevice) (*Fiber, error) {
	f := &Fiber{
		worker:       w,
		system:       sys,
		namedDevices: make(map[string]*system.Device),
		timelines:    make(map[*system.Device]*Timeline),
	}
	for _, nd := range devices {
		if _, err := sys.Device(nd.Device.Name()); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "device %q does not belong to the system", nd.Device.Name())
		}
		if _, exists := f.namedDevices[nd.Name]; exists {
			return nil, status.Errorf(codes.InvalidArgument, "duplicate fiber device name %q", nd.Name)
		}
		f.devices = append(f.devices, nd.Device)
		f.names = append(f.names, nd.Name)
		f.namedDevices[nd.Name] = nd.Device
	}
	sys.NoteFiberAttached()
	return f, nil
}

func (f *Fiber) Worker() *worker.Worker { return f.worker }
func (f *Fiber) System() *system.System { return f.system }

func (f *Fiber) RawDevices() []*system.Device {
	out := make([]*system.Device, len(f.devices))
	copy(out, f.devices)
	return out
}

// DeviceNames lists the fiber's logical names in insertion order.
func (f *Fiber) DeviceNames() []string {
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

func (f *Fiber) RawDeviceByName(name string) (*system.Device, error) {
	d, ok := f.namedDevices[name]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "fiber has no device named %q", name)
	}
	return d, nil
}

func (f *Fiber) RawDeviceByIndex(index int) (*system.Device, error) {
	if index < 0 || index >= len(f.devices) {
		return nil, status.Errorf(codes.InvalidArgument, "fiber device index %d out of range [0, %d)", index, len(f.devices))
	}
	return f.devices[index], nil
}

// RawDevice resolves a device from a logical name, an index, or an explicit
// *system.Device already in the fiber.
func (f *Fiber) RawDevice(ref any) (*system.Device, error) {
	switch v := ref.(type) {
	case string:
		return f.RawDeviceByName(v)
	case int:
		return f.RawDeviceByIndex(v)
	case *system.Device:
		for _, d := range f.devices {
			if d == v {
				return d, nil
			}
		}
		return nil, status.Errorf(codes.InvalidArgument, "device %q is not part of this fiber", v.Name())
	default:
		return nil, status.Errorf(codes.InvalidArgument, "cannot resolve device from %T", ref)
	}
}

// Device builds a ScopedDevice whose affinity is the union of every
// resolved argument. With no arguments the affinity is empty. Arguments on
// different device instances are rejected.
func (f *Fiber) Device(refs ...any) (ScopedDevice, error) {
	affinity := system.DeviceAffinity{}
	for _, ref := range refs {
		d, err := f.RawDevice(ref)
		if err != nil {
			return ScopedDevice{}, err
		}
		affinity, err = affinity.Or(system.AffinityOf(d))
		if err != nil {
			return ScopedDevice{}, err
		}
	}
	return ScopedDevice{fiber: f, affinity: affinity}, nil
}

// Timeline returns the scheduling timeline for a device queue, creating it
// on first use. Each device queue's timeline belongs to exactly one fiber;
// sharing a queue across fibers is not supported.
func (f *Fiber) Timeline(d *system.Device) (*Timeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.timelines[d]; ok {
		return t, nil
	}
	found := false
	for _, fd := range f.devices {
		if fd == d {
			found = true
			break
		}
	}
	if !found {
		return nil, status.Errorf(codes.InvalidArgument, "device %q is not part of this fiber", d.Name())
	}
	sem, err := d.HAL().CreateSemaphore(0)
	if err != nil {
		return nil, fmt.Errorf("creating timeline semaphore for %q: %w", d.Name(), err)
	}
	t := &Timeline{device: d, sem: sem}
	f.timelines[d] = t
	return t, nil
}

func (f *Fiber) String() string {
	return fmt.Sprintf("<Fiber devices=[%s]>", strings.Join(f.names, ", "))
}
