package fiber

import (
	"github.com/finback-ai/finback/pkg/system"
)

// ScopedDevice pairs a Fiber with a DeviceAffinity. It is the short-hand
// "device" used by invocation APIs: everything needed to schedule against
// some slice of device queues.
type ScopedDevice struct {
	fiber    *Fiber
	affinity system.DeviceAffinity
}

func (s ScopedDevice) Fiber() *Fiber                   { return s.fiber }
func (s ScopedDevice) Affinity() system.DeviceAffinity { return s.affinity }
func (s ScopedDevice) RawDevice() *system.Device       { return s.affinity.Device() }

func (s ScopedDevice) String() string {
	return s.affinity.String()
}
