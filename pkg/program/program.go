package program

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/finback-ai/finback/pkg/fiber"
	"github.com/finback-ai/finback/pkg/vm"
)

// InvocationModel selects the calling convention of a function.
type InvocationModel int

const (
	// InvocationModelUnknown means the function carried no annotation and
	// its synchronicity could not be established.
	InvocationModelUnknown InvocationModel = iota
	// InvocationModelNone means a plain synchronous call.
	InvocationModelNone
	// InvocationModelCoarseFences means the last two arguments are a wait
	// fence and a signal fence used for function-level scheduling.
	InvocationModelCoarseFences
)

func (m InvocationModel) String() string {
	switch m {
	case InvocationModelNone:
		return "NONE"
	case InvocationModelCoarseFences:
		return "COARSE_FENCES"
	default:
		return "UNKNOWN"
	}
}

// invocationModelOf derives the model from the function's annotation. The
// mapping is total: annotated coarse-fences functions use fences;
// unannotated functions are NONE when trivially synchronous (host
// executable) and UNKNOWN otherwise.
func invocationModelOf(f vm.Function) InvocationModel {
	switch f.Attr(vm.FunctionAttrInvocationModel) {
	case vm.InvocationModelCoarseFences:
		return InvocationModelCoarseFences
	case vm.InvocationModelSync:
		return InvocationModelNone
	default:
		if f.HasHostImpl() {
			return InvocationModelNone
		}
		return InvocationModelUnknown
	}
}

type Options struct {
	// TraceExecution enables per-step execution tracing to standard error.
	TraceExecution bool
}

// Program is a set of modules linked into one context, bound to a fiber
// that provides its logical thread of execution.
type Program struct {
	fiber     *fiber.Fiber
	vmContext *vm.Context
}

// Load links modules in order into a new context. An import unresolved by
// earlier modules fails with InvalidArgument.
func Load(f *fiber.Fiber, modules []Module, options Options) (*Program, error) {
	if f == nil {
		return nil, status.Errorf(codes.InvalidArgument, "program requires a fiber")
	}
	vmModules := make([]vm.Module, 0, len(modules))
	for _, m := range modules {
		vmModules = append(vmModules, m.VM())
	}
	vmContext, err := vm.NewContext(vmModules, vm.ContextOptions{TraceExecution: options.TraceExecution})
	if err != nil {
		return nil, err
	}
	return &Program{fiber: f, vmContext: vmContext}, nil
}

func (p *Program) Fiber() *fiber.Fiber { return p.fiber }

// Exports lists every qualified function the program's modules export.
func (p *Program) Exports() []string {
	return p.vmContext.Exports()
}

// LookupFunction resolves "module.function". A miss is reported through the
// bool; only malformed names are errors.
func (p *Program) LookupFunction(name string) (Function, bool, error) {
	vmFunc, ok, err := p.vmContext.LookupFunction(name)
	if err != nil || !ok {
		return Function{}, false, err
	}
	return Function{
		fiber:      p.fiber,
		vmContext:  p.vmContext,
		vmFunction: vmFunc,
		model:      invocationModelOf(vmFunc),
	}, true, nil
}

// LookupRequiredFunction resolves "module.function", failing with
// InvalidArgument when absent.
func (p *Program) LookupRequiredFunction(name string) (Function, error) {
	f, ok, err := p.LookupFunction(name)
	if err != nil {
		return Function{}, err
	}
	if !ok {
		return Function{}, status.Errorf(codes.InvalidArgument, "program has no function %q", name)
	}
	return f, nil
}

func (p *Program) String() string {
	return fmt.Sprintf("<Program modules=%d>", len(p.vmContext.Modules()))
}

// Function references one resolvable function of a program.
type Function struct {
	fiber      *fiber.Fiber
	vmContext  *vm.Context
	vmFunction vm.Function
	model      InvocationModel
}

func (f Function) Valid() bool { return f.vmFunction.Valid() }

func (f Function) Name() string { return f.vmFunction.QualifiedName() }

// CallingConvention returns the raw annotation value ("" when absent).
func (f Function) CallingConvention() string {
	return f.vmFunction.Attr(vm.FunctionAttrInvocationModel)
}

func (f Function) InvocationModel() InvocationModel { return f.model }

// CreateInvocation begins building one call of this function.
func (f Function) CreateInvocation() *Invocation {
	return NewInvocation(f.fiber, f.vmContext, f.vmFunction, f.model)
}

func (f Function) String() string {
	return fmt.Sprintf("<Function %s model=%s>", f.Name(), f.model)
}
