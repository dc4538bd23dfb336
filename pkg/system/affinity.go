package system

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DeviceAffinity constrains where an invocation may run: one logical device
// instance plus a bitmask of its queues. The zero value is the empty
// affinity.
type DeviceAffinity struct {
	device    *Device
	queueMask uint64
}

// AffinityOf selects the single queue the device addresses.
func AffinityOf(d *Device) DeviceAffinity {
	if d == nil {
		return DeviceAffinity{}
	}
	return DeviceAffinity{device: d, queueMask: 1 << uint(d.Address().QueueOrdinal)}
}

func (a DeviceAffinity) Device() *Device   { return a.device }
func (a DeviceAffinity) QueueMask() uint64 { return a.queueMask }
func (a DeviceAffinity) Empty() bool       { return a.device == nil }

// Or unions two affinities. All participating devices must share
// (system_class, instance_ordinal); queues may differ. Cross-instance unions
// are rejected so callers are forced to submit separate invocations.
func (a DeviceAffinity) Or(b DeviceAffinity) (DeviceAffinity, error) {
	if a.Empty() {
		return b, nil
	}
	if b.Empty() {
		return a, nil
	}
	aAddr := a.device.Address()
	bAddr := b.device.Address()
	if aAddr.SystemDeviceClass != bAddr.SystemDeviceClass || aAddr.InstanceOrdinal != bAddr.InstanceOrdinal {
		return DeviceAffinity{}, status.Errorf(codes.InvalidArgument,
			"cannot combine affinities for %q and %q: devices must share system class and instance",
			a.device.Name(), b.device.Name())
	}
	return DeviceAffinity{device: a.device, queueMask: a.queueMask | b.queueMask}, nil
}

func (a DeviceAffinity) String() string {
	if a.Empty() {
		return "<DeviceAffinity empty>"
	}
	return fmt.Sprintf("<DeviceAffinity %s[0x%x]>", a.device.Name(), a.queueMask)
}
