package system

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/finback-ai/finback/pkg/hal"
)

// System is the frozen registry of devices and the drivers that produced
// them. Devices are shared read-only once the system is built.
type System struct {
	devices      []*Device
	namedDevices map[string]*Device
	drivers      []hal.Driver

	mu            sync.Mutex
	fiberAttached bool
}

func (s *System) Devices() []*Device {
	out := make([]*Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// Device looks up a device by its address name.
func (s *System) Device(name string) (*Device, error) {
	d, ok := s.namedDevices[name]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "system has no device %q", name)
	}
	return d, nil
}

// NoteFiberAttached marks the point after which the device set must not
// change. The builder freezes the set anyway; this records the handoff.
func (s *System) NoteFiberAttached() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fiberAttached = true
}

func (s *System) String() string {
	return fmt.Sprintf("<System devices=%d>", len(s.devices))
}

type driverSpec struct {
	systemClass  string
	logicalClass string
	driver       hal.Driver
}

// Builder assembles a System exactly once.
type Builder struct {
	specs []driverSpec
	used  bool
}

func NewBuilder() *Builder {
	return &Builder{}
}

// AddDriver registers a driver whose devices will be addressed under the
// given system and logical device classes.
func (b *Builder) AddDriver(systemClass, logicalClass string, driver hal.Driver) *Builder {
	b.specs = append(b.specs, driverSpec{systemClass: systemClass, logicalClass: logicalClass, driver: driver})
	return b
}

// CreateSystem enumerates every registered driver and freezes the device
// set. A Builder may only create one System.
func (b *Builder) CreateSystem(ctx context.Context) (*System, error) {
	log := klog.FromContext(ctx)

	if b.used {
		return nil, status.Errorf(codes.FailedPrecondition, "builder has already created a system")
	}
	b.used = true

	s := &System{
		namedDevices: make(map[string]*Device),
	}
	for _, spec := range b.specs {
		halDevices, err := spec.driver.EnumerateDevices()
		if err != nil {
			return nil, fmt.Errorf("enumerating %q devices: %w", spec.driver.Name(), err)
		}
		for _, hd := range halDevices {
			if hd.Queue() >= 64 {
				return nil, status.Errorf(codes.InvalidArgument, "device %q queue ordinal %d exceeds the 64-queue mask", hd.Name(), hd.Queue())
			}
			address := NewDeviceAddress(spec.systemClass, spec.logicalClass, spec.driver.Name(), hd.Ordinal(), hd.Queue(), []int{0, hd.Ordinal()})
			device := NewDevice(address, hd, 0, false)
			if _, exists := s.namedDevices[device.Name()]; exists {
				return nil, status.Errorf(codes.InvalidArgument, "duplicate device name %q", device.Name())
			}
			s.devices = append(s.devices, device)
			s.namedDevices[device.Name()] = device
			log.V(2).Info("registered device", "device", device.Name(), "driver", spec.driver.Name())
		}
		s.drivers = append(s.drivers, spec.driver)
	}

	log.Info("created system", "devices", len(s.devices))
	return s, nil
}

// HostCPUBuilder builds a System backed purely by host-CPU task queues.
// Accelerator systems wanting heterogeneous host execution can start from
// this and add their own drivers.
type HostCPUBuilder struct {
	// NumInstances is the number of logical CPU devices (defaults to 1).
	NumInstances int
	// QueuesPerInstance splits each instance into schedulable queues
	// (defaults to 1).
	QueuesPerInstance int
}

func (h *HostCPUBuilder) CreateSystem(ctx context.Context) (*System, error) {
	driver := &hal.HostTaskDriver{
		Instances:         h.NumInstances,
		QueuesPerInstance: h.QueuesPerInstance,
	}
	return NewBuilder().AddDriver("cpu", "cpu", driver).CreateSystem(ctx)
}
