package vm

import (
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/finback-ai/finback/pkg/eventloop"
	"github.com/finback-ai/finback/pkg/hal"
)

// InvokeParams carries everything needed to realize one async call.
type InvokeParams struct {
	Context  *Context
	Function Function

	// Args is the finalized argument list. For coarse-fences functions the
	// last two slots must be the wait and signal fence refs.
	Args *List

	WaitFence   *hal.Fence
	SignalFence *hal.Fence
}

// AsyncInvoke registers the invocation with the loop. Execution waits until
// the wait fence is satisfied, runs the function on the loop's goroutine,
// fires the signal fence, then delivers results via onComplete. Failures on
// this path are reported through onComplete, never panicked, because the
// completion runs inside a loop callback.
func AsyncInvoke(loop *eventloop.Loop, params InvokeParams, onComplete func(*List, error)) error {
	if err := checkCallingConvention(params); err != nil {
		// Convention mismatches surface through the completion path so
		// they fail the caller's future like any other VM status.
		return loop.Call(eventloop.PriorityDefault, func(error) error {
			onComplete(nil, err)
			return nil
		})
	}

	execute := func(waitStatus error) error {
		if waitStatus != nil {
			onComplete(nil, waitStatus)
			return nil
		}
		results, err := executeFunction(params)
		if err != nil {
			onComplete(nil, err)
			return nil
		}
		if params.SignalFence != nil {
			if err := params.SignalFence.SignalAll(); err != nil {
				onComplete(nil, err)
				return nil
			}
		}
		onComplete(results, nil)
		return nil
	}

	if params.WaitFence != nil && params.WaitFence.Size() > 0 {
		params.Context.tracef("invoke %s: waiting on %s", params.Function.QualifiedName(), params.WaitFence)
		return loop.WaitOne(params.WaitFence.WaitSource(), time.Time{}, execute)
	}
	return loop.Call(eventloop.PriorityDefault, func(error) error {
		return execute(nil)
	})
}

func checkCallingConvention(params InvokeParams) error {
	coarse := params.Function.Attr(FunctionAttrInvocationModel) == InvocationModelCoarseFences
	if coarse {
		if params.WaitFence == nil || params.SignalFence == nil {
			return status.Errorf(codes.InvalidArgument,
				"function %s uses the coarse-fences calling convention but no fences were provided", params.Function.QualifiedName())
		}
		n := params.Args.Size()
		if n < 2 {
			return status.Errorf(codes.InvalidArgument,
				"function %s argument list is missing the trailing fence arguments", params.Function.QualifiedName())
		}
		for _, i := range []int{n - 2, n - 1} {
			if _, ok := params.Args.RefAt(i).Value().(*hal.Fence); !ok {
				return status.Errorf(codes.InvalidArgument,
					"function %s argument %d must be a fence ref", params.Function.QualifiedName(), i)
			}
		}
		return nil
	}
	if params.WaitFence != nil || params.SignalFence != nil {
		return status.Errorf(codes.InvalidArgument,
			"function %s does not use the coarse-fences calling convention but fences were provided", params.Function.QualifiedName())
	}
	return nil
}

func executeFunction(params InvokeParams) (*List, error) {
	fn := params.Function
	if fn.impl == nil {
		return nil, status.Errorf(codes.Unimplemented, "function %s has no host executable in this deployment", fn.QualifiedName())
	}

	// Native implementations see only the user arguments; the fences are a
	// property of the calling convention, applied by the VM.
	args := params.Args
	if fn.Attr(FunctionAttrInvocationModel) == InvocationModelCoarseFences {
		trimmed := NewList(args.Size() - 2)
		for i := 0; i < args.Size()-2; i++ {
			trimmed.items = append(trimmed.items, args.items[i])
		}
		args = trimmed
	}

	params.Context.tracef("invoke %s: executing (%d args)", fn.QualifiedName(), args.Size())
	results := NewList(4)
	if err := fn.impl(args, results); err != nil {
		return nil, err
	}
	params.Context.tracef("invoke %s: done (%d results)", fn.QualifiedName(), results.Size())
	return results, nil
}
