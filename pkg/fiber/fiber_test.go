package fiber

import (
	"context"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/finback-ai/finback/pkg/system"
	"github.com/finback-ai/finback/pkg/worker"
)

func buildFixture(t *testing.T, instances, queues int) (*system.System, *worker.Worker) {
	t.Helper()
	ctx := context.Background()
	builder := &system.HostCPUBuilder{NumInstances: instances, QueuesPerInstance: queues}
	sys, err := builder.CreateSystem(ctx)
	if err != nil {
		t.Fatalf("failed to create system: %v", err)
	}

	w := worker.New(worker.Options{Name: "fiber-test", OwnedThread: true})
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	t.Cleanup(func() {
		if err := w.Kill(); err != nil {
			t.Errorf("failed to kill worker: %v", err)
			return
		}
		if err := w.WaitForShutdown(); err != nil {
			t.Errorf("failed to wait for shutdown: %v", err)
		}
	})
	return sys, w
}

func TestDeviceNaming(t *testing.T) {
	sys, w := buildFixture(t, 2, 1)
	f, err := New(sys, w, sys.Devices())
	if err != nil {
		t.Fatalf("failed to create fiber: %v", err)
	}

	names := f.DeviceNames()
	if len(names) != 2 || names[0] != "cpu0" || names[1] != "cpu1" {
		t.Errorf("device names = %v, want [cpu0 cpu1]", names)
	}

	d0, err := f.RawDeviceByName("cpu0")
	if err != nil {
		t.Fatalf("failed to look up cpu0: %v", err)
	}
	d0ByIndex, err := f.RawDeviceByIndex(0)
	if err != nil {
		t.Fatalf("failed to look up index 0: %v", err)
	}
	if d0 != d0ByIndex {
		t.Errorf("name and index lookups disagree")
	}

	if _, err := f.RawDeviceByName("tpu0"); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument for unknown name, got %v", err)
	}
	if _, err := f.RawDeviceByIndex(7); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument for bad index, got %v", err)
	}
}

func TestCustomDeviceNames(t *testing.T) {
	sys, w := buildFixture(t, 2, 1)
	devices := sys.Devices()
	f, err := NewWithNamedDevices(sys, w, []NamedDevice{
		{Name: "main", Device: devices[0]},
		{Name: "aux", Device: devices[1]},
	})
	if err != nil {
		t.Fatalf("failed to create fiber: %v", err)
	}
	if names := f.DeviceNames(); names[0] != "main" || names[1] != "aux" {
		t.Errorf("device names = %v", names)
	}
}

func TestVariadicDeviceSelection(t *testing.T) {
	sys, w := buildFixture(t, 1, 2)
	f, err := New(sys, w, sys.Devices())
	if err != nil {
		t.Fatalf("failed to create fiber: %v", err)
	}

	// Same instance, two queues: union is valid and ORs the masks.
	sd, err := f.Device("cpu0", 1)
	if err != nil {
		t.Fatalf("failed to select devices: %v", err)
	}
	if sd.Affinity().QueueMask() != 0b11 {
		t.Errorf("queue mask = 0x%x, want 0x3", sd.Affinity().QueueMask())
	}

	// Zero arguments build an empty affinity.
	sd, err = f.Device()
	if err != nil {
		t.Fatalf("failed to build empty selection: %v", err)
	}
	if !sd.Affinity().Empty() {
		t.Errorf("expected empty affinity")
	}
}

func TestCrossInstanceSelectionRejected(t *testing.T) {
	sys, w := buildFixture(t, 2, 1)
	f, err := New(sys, w, sys.Devices())
	if err != nil {
		t.Fatalf("failed to create fiber: %v", err)
	}

	if _, err := f.Device(0, 1); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument combining devices on different instances, got %v", err)
	}
}

func TestDeviceNotInFiber(t *testing.T) {
	sys, w := buildFixture(t, 2, 1)
	devices := sys.Devices()
	f, err := New(sys, w, devices[:1])
	if err != nil {
		t.Fatalf("failed to create fiber: %v", err)
	}
	if _, err := f.RawDevice(devices[1]); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument for foreign device, got %v", err)
	}
	if _, err := f.Timeline(devices[1]); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument for foreign device timeline, got %v", err)
	}
}

func TestTimelineReserveIsMonotonic(t *testing.T) {
	sys, w := buildFixture(t, 1, 1)
	f, err := New(sys, w, sys.Devices())
	if err != nil {
		t.Fatalf("failed to create fiber: %v", err)
	}

	tl, err := f.Timeline(sys.Devices()[0])
	if err != nil {
		t.Fatalf("failed to get timeline: %v", err)
	}
	var last uint64
	for i := 0; i < 10; i++ {
		tp := tl.Reserve()
		if tp <= last {
			t.Fatalf("reservation %d not monotonic: %d after %d", i, tp, last)
		}
		last = tp
	}
	if tl.Tip() != last {
		t.Errorf("tip = %d, want %d", tl.Tip(), last)
	}

	// The timeline is stable across lookups.
	again, err := f.Timeline(sys.Devices()[0])
	if err != nil {
		t.Fatalf("failed to get timeline again: %v", err)
	}
	if again != tl {
		t.Errorf("timeline identity changed across lookups")
	}
}
