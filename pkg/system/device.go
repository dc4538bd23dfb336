// Package system owns the process-wide registry of devices and drivers.
// A System is built once, frozen, and hands out Device pointers to fibers.
package system

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/finback-ai/finback/pkg/hal"
)

// DeviceAddress identifies one schedulable queue of one device instance.
type DeviceAddress struct {
	// SystemDeviceClass groups devices for scheduling ("cpu", "gpu", ...).
	SystemDeviceClass string
	// LogicalDeviceClass is the user-facing class used for fiber naming.
	LogicalDeviceClass string
	// HALDriverPrefix is the driver that produced the device.
	HALDriverPrefix string

	InstanceOrdinal int
	QueueOrdinal    int
	// InstanceTopologyAddress positions the instance in the machine
	// topology (NUMA node, package, ...).
	InstanceTopologyAddress []int

	deviceName string
}

func NewDeviceAddress(systemClass, logicalClass, driverPrefix string, instanceOrdinal, queueOrdinal int, topology []int) DeviceAddress {
	a := DeviceAddress{
		SystemDeviceClass:       systemClass,
		LogicalDeviceClass:      logicalClass,
		HALDriverPrefix:         driverPrefix,
		InstanceOrdinal:         instanceOrdinal,
		QueueOrdinal:            queueOrdinal,
		InstanceTopologyAddress: topology,
	}
	topo := make([]string, len(topology))
	for i, t := range topology {
		topo[i] = strconv.Itoa(t)
	}
	a.deviceName = fmt.Sprintf("%s:%d:%d@%s", systemClass, instanceOrdinal, queueOrdinal, strings.Join(topo, ","))
	return a
}

// DeviceName is "{system_class}:{instance}:{queue}@{t0},{t1},..." and is
// unique within a System.
func (a DeviceAddress) DeviceName() string { return a.deviceName }

func (a DeviceAddress) String() string { return a.deviceName }

// Device pairs an address with its opaque HAL handle.
type Device struct {
	address      DeviceAddress
	halDevice    *hal.Device
	nodeAffinity int
	nodeLocked   bool
}

func NewDevice(address DeviceAddress, halDevice *hal.Device, nodeAffinity int, nodeLocked bool) *Device {
	return &Device{
		address:      address,
		halDevice:    halDevice,
		nodeAffinity: nodeAffinity,
		nodeLocked:   nodeLocked,
	}
}

func (d *Device) Address() DeviceAddress { return d.address }
func (d *Device) Name() string           { return d.address.DeviceName() }
func (d *Device) HAL() *hal.Device       { return d.halDevice }
func (d *Device) NodeAffinity() int      { return d.nodeAffinity }
func (d *Device) NodeLocked() bool       { return d.nodeLocked }

func (d *Device) String() string {
	return fmt.Sprintf("<Device %s>", d.Name())
}
