package program

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/finback-ai/finback/pkg/fiber"
	"github.com/finback-ai/finback/pkg/hal"
	"github.com/finback-ai/finback/pkg/system"
	"github.com/finback-ai/finback/pkg/vm"
	"github.com/finback-ai/finback/pkg/worker"
)

// ResourceBarrier is the concurrency barrier an argument participates in.
type ResourceBarrier int

const (
	// BarrierNone adds the argument without scheduling effects.
	BarrierNone ResourceBarrier = iota
	// BarrierRead waits for prior writes to the resource.
	BarrierRead
	// BarrierWrite waits for all prior access to the resource.
	BarrierWrite
)

// Marshalable can append itself to an invocation's argument list and, when
// barriered, participate in the wait-fence/signal-timeline protocol.
type Marshalable interface {
	MarshalForInvocation(inv *Invocation, barrier ResourceBarrier) error
}

// Future resolves to the invocation once the VM completes it.
type Future = worker.Future[*Invocation]

// Invocation owns all state needed to realize one call into the VM. It is
// heap-only: internal state must stay stable from construction through
// completion. Calling Invoke transfers ownership to the fiber's worker; the
// future eventually hands it back for result access.
type Invocation struct {
	fbr *fiber.Fiber

	// Initialization parameters, valid only until scheduling (the
	// params half of the params/async-state union).
	vmContext  *vm.Context
	vmFunction vm.Function
	model      InvocationModel

	args *vm.List

	waitFence       *hal.Fence
	signalSem       *hal.Semaphore
	signalTimepoint uint64
	deviceSelection system.DeviceAffinity

	// completions propagate the signal timepoint to barriered resources
	// after successful completion.
	completions []func(sem *hal.Semaphore, timepoint uint64)

	scheduled atomic.Bool
	results   *vm.List
	future    *Future

	span trace.Span
}

// NewInvocation builds an invocation in the BUILT state. Most callers use
// Function.CreateInvocation instead.
func NewInvocation(f *fiber.Fiber, vmContext *vm.Context, vmFunction vm.Function, model InvocationModel) *Invocation {
	return &Invocation{
		fbr:        f,
		vmContext:  vmContext,
		vmFunction: vmFunction,
		model:      model,
		args:       vm.NewList(8),
	}
}

func (inv *Invocation) Fiber() *fiber.Fiber { return inv.fbr }

// Scheduled reports whether ownership has transferred to the worker. Once
// scheduled, arguments and initialization parameters are frozen.
func (inv *Invocation) Scheduled() bool { return inv.scheduled.Load() }

func (inv *Invocation) checkNotScheduled() error {
	if inv.scheduled.Load() {
		return status.Errorf(codes.FailedPrecondition, "invocation already scheduled")
	}
	return nil
}

// AddArg appends a marshalable argument with the given barrier. The
// marshalable appends its VM ref and, unless the barrier is none,
// implicates its device queue into scheduling.
func (inv *Invocation) AddArg(m Marshalable, barrier ResourceBarrier) error {
	if err := inv.checkNotScheduled(); err != nil {
		return err
	}
	return m.MarshalForInvocation(inv, barrier)
}

// AddRef appends a ref argument unchanged, with no device or barrier
// effects.
func (inv *Invocation) AddRef(r vm.Ref) error {
	if err := inv.checkNotScheduled(); err != nil {
		return err
	}
	inv.args.PushRef(r)
	return nil
}

// AddScalar appends a primitive scalar argument.
func (inv *Invocation) AddScalar(v any) error {
	if err := inv.checkNotScheduled(); err != nil {
		return err
	}
	inv.args.Push(v)
	return nil
}

// DeviceSelect unions affinity into the accumulated selection. Arguments
// implicated in scheduling must land on one logical device instance,
// differing only by queue.
func (inv *Invocation) DeviceSelect(affinity system.DeviceAffinity) error {
	if err := inv.checkNotScheduled(); err != nil {
		return err
	}
	union, err := inv.deviceSelection.Or(affinity)
	if err != nil {
		return err
	}
	inv.deviceSelection = union
	return nil
}

// DeviceSelection is the affinity accumulated so far.
func (inv *Invocation) DeviceSelection() system.DeviceAffinity { return inv.deviceSelection }

// WaitInsert adds a wait barrier: for coarse-fences invocations, execution
// blocks until the semaphore reaches the timepoint.
func (inv *Invocation) WaitInsert(sem *hal.Semaphore, timepoint uint64) error {
	if err := inv.checkNotScheduled(); err != nil {
		return err
	}
	inv.ensureWaitFence().Insert(sem, timepoint)
	return nil
}

func (inv *Invocation) ensureWaitFence() *hal.Fence {
	if inv.waitFence == nil {
		inv.waitFence = hal.NewFence()
	}
	return inv.waitFence
}

// WaitFence exposes the accumulated wait barriers. The fence is created
// lazily on first barrier insertion; nil means no barriers were recorded.
func (inv *Invocation) WaitFence() *hal.Fence { return inv.waitFence }

// onCompletion registers a hook receiving the coarse signal after
// successful completion. Marshalables use this to advance their recorded
// resource timepoints.
func (inv *Invocation) onCompletion(hook func(sem *hal.Semaphore, timepoint uint64)) {
	inv.completions = append(inv.completions, hook)
}

// Invoke transfers ownership of the invocation to its fiber's worker and
// schedules it. The returned future resolves to the invocation on
// completion. The caller must not touch the invocation until then.
func Invoke(inv *Invocation) (*Future, error) {
	if !inv.scheduled.CompareAndSwap(false, true) {
		return nil, status.Errorf(codes.FailedPrecondition, "invocation already scheduled")
	}
	w := inv.fbr.Worker()
	fut := worker.NewFuture[*Invocation](w)
	inv.future = fut

	_, inv.span = otel.Tracer("finback/program").Start(context.Background(), "program.Invoke",
		trace.WithAttributes(
			attribute.String("function", inv.vmFunction.QualifiedName()),
			attribute.String("invocation_model", inv.model.String()),
		))

	w.CallThreadsafe(func() {
		inv.schedule(w)
	})
	return fut, nil
}

// schedule runs on the worker goroutine: finalize the calling convention,
// then register the async call with the VM against the worker's loop.
func (inv *Invocation) schedule(w *worker.Worker) {
	// Copy the initialization parameters out and destroy them in place;
	// from here only the async state is live.
	vmContext := inv.vmContext
	vmFunction := inv.vmFunction
	model := inv.model
	inv.vmContext = nil
	inv.vmFunction = vm.Function{}

	waitFence, signalFence, err := inv.finalizeCallingConvention(vmFunction, model)
	if err != nil {
		inv.fail(err)
		return
	}

	err = vm.AsyncInvoke(w.Loop(), vm.InvokeParams{
		Context:     vmContext,
		Function:    vmFunction,
		Args:        inv.args,
		WaitFence:   waitFence,
		SignalFence: signalFence,
	}, func(results *vm.List, err error) {
		if err != nil {
			inv.fail(err)
			return
		}
		inv.results = results
		if inv.signalSem != nil {
			for _, hook := range inv.completions {
				hook(inv.signalSem, inv.signalTimepoint)
			}
		}
		inv.span.End()
		inv.future.SetSuccess(inv)
	})
	if err != nil {
		inv.fail(err)
	}
}

func (inv *Invocation) fail(err error) {
	inv.span.RecordError(err)
	inv.span.End()
	inv.future.SetFailure(err)
}

// finalizeCallingConvention applies the invocation model after user
// arguments have been added. Because this runs on the dispatch path it
// reports errors as values; they fail the future rather than panic.
func (inv *Invocation) finalizeCallingConvention(fn vm.Function, model InvocationModel) (*hal.Fence, *hal.Fence, error) {
	switch model {
	case InvocationModelCoarseFences:
		if inv.deviceSelection.Empty() {
			return nil, nil, status.Errorf(codes.InvalidArgument,
				"function %s was compiled for coarse-fences and cannot be scheduled against an empty device selection", fn.QualifiedName())
		}
		waitFence := inv.ensureWaitFence()

		timeline, err := inv.fbr.Timeline(inv.deviceSelection.Device())
		if err != nil {
			return nil, nil, err
		}
		inv.signalSem = timeline.Semaphore()
		inv.signalTimepoint = timeline.Reserve()
		signalFence := hal.FenceFromEntries(hal.FenceEntry{Semaphore: inv.signalSem, Timepoint: inv.signalTimepoint})

		inv.args.PushRef(vm.RefOf(waitFence))
		inv.args.PushRef(vm.RefOf(signalFence))
		return waitFence, signalFence, nil
	case InvocationModelNone, InvocationModelUnknown:
		// Pass the arguments through unchanged.
		return nil, nil, nil
	default:
		return nil, nil, status.Errorf(codes.InvalidArgument, "unsupported invocation model %d", model)
	}
}

// ResultsSize returns the VM result list length. Valid after resolution.
func (inv *Invocation) ResultsSize() int {
	if inv.results == nil {
		return 0
	}
	return inv.results.Size()
}

// ResultRef returns the i'th result as an opaque ref, or the null ref when
// the slot holds a primitive scalar. Results accessed this way are not
// marshaled and carry no concurrency barriers.
func (inv *Invocation) ResultRef(i int) vm.Ref {
	if inv.results == nil {
		return vm.Ref{}
	}
	return inv.results.RefAt(i)
}

// Result returns the raw i'th result slot (scalar or ref).
func (inv *Invocation) Result(i int) any {
	return inv.results.Get(i)
}

// CoarseSignal returns the semaphore and timepoint signaled on completion,
// so downstream consumers can chain without host synchronization. The
// semaphore is nil when coarse signaling is unavailable. Valid after
// scheduling.
func (inv *Invocation) CoarseSignal() (*hal.Semaphore, uint64) {
	return inv.signalSem, inv.signalTimepoint
}

func (inv *Invocation) String() string {
	state := "built"
	if inv.results != nil {
		state = "resolved"
	} else if inv.scheduled.Load() {
		state = "scheduled"
	}
	return fmt.Sprintf("<Invocation %s selection=%s>", state, inv.deviceSelection)
}
