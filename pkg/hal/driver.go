package hal

import "fmt"

// Device is the opaque per-queue device handle a driver hands out. The
// runtime's System wraps these with addressing and topology.
type Device struct {
	driver  string
	ordinal int
	queue   int
}

func (d *Device) DriverName() string { return d.driver }
func (d *Device) Ordinal() int       { return d.ordinal }
func (d *Device) Queue() int         { return d.queue }

func (d *Device) Name() string {
	return fmt.Sprintf("%s-%d.%d", d.driver, d.ordinal, d.queue)
}

// CreateSemaphore creates a timeline semaphore with the given initial
// payload.
func (d *Device) CreateSemaphore(initial uint64) (*Semaphore, error) {
	return newSemaphore(d, initial), nil
}

// Driver enumerates the device queues it can serve.
type Driver interface {
	Name() string
	EnumerateDevices() ([]*Device, error)
}

// HostTaskDriver executes on host CPU task queues. Instances is the number
// of logical device instances; QueuesPerInstance splits each into queues.
type HostTaskDriver struct {
	Instances         int
	QueuesPerInstance int
}

var _ Driver = (*HostTaskDriver)(nil)

func (d *HostTaskDriver) Name() string { return "local-task" }

func (d *HostTaskDriver) EnumerateDevices() ([]*Device, error) {
	instances := d.Instances
	if instances <= 0 {
		instances = 1
	}
	queues := d.QueuesPerInstance
	if queues <= 0 {
		queues = 1
	}
	var devices []*Device
	for i := 0; i < instances; i++ {
		for q := 0; q < queues; q++ {
			devices = append(devices, &Device{driver: d.Name(), ordinal: i, queue: q})
		}
	}
	return devices, nil
}
