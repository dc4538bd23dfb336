// Package program loads modules into VM contexts bound to a fiber and
// realizes invocations of their functions, applying the coarse-fences
// calling convention where functions require it.
package program

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/finback-ai/finback/pkg/params"
	"github.com/finback-ai/finback/pkg/system"
	"github.com/finback-ai/finback/pkg/vm"
)

// ParameterProviderModuleName is the module name parameter-dependent
// modules import.
const ParameterProviderModuleName = "io_parameters"

// Module is a loadable unit of a program. Modules are immutable after load
// and shareable across programs.
type Module struct {
	vmModule vm.Module
}

// NewModule wraps an already-constructed VM module (builtin or custom).
func NewModule(m vm.Module) Module {
	return Module{vmModule: m}
}

// LoadModule loads a compiled module artifact from the filesystem.
func LoadModule(ctx context.Context, sys *system.System, path string, mmap bool) (Module, error) {
	log := klog.FromContext(ctx)
	if sys == nil {
		return Module{}, status.Errorf(codes.InvalidArgument, "module load requires a system")
	}
	m, err := vm.LoadFile(path, mmap)
	if err != nil {
		return Module{}, err
	}
	log.Info("loaded program module", "module", m.Name(), "path", path, "exports", len(m.Exports()))
	return Module{vmModule: m}, nil
}

// ParameterProvider wraps parameter pools as a module that satisfies the
// io_parameters import of modules loaded after it. The provider exports a
// load function resolving (scope, key) to the parameter bytes.
func ParameterProvider(sys *system.System, providers ...*params.Parameters) (Module, error) {
	if sys == nil {
		return Module{}, status.Errorf(codes.InvalidArgument, "parameter provider requires a system")
	}
	byScope := make(map[string]*params.Parameters)
	for _, p := range providers {
		if _, exists := byScope[p.Scope()]; exists {
			return Module{}, status.Errorf(codes.InvalidArgument, "duplicate parameter scope %q", p.Scope())
		}
		byScope[p.Scope()] = p
	}

	m := vm.NewNativeModule(ParameterProviderModuleName)
	m.ExportFunction("load", func(args *vm.List, results *vm.List) error {
		if args.Size() != 2 {
			return status.Errorf(codes.InvalidArgument, "io_parameters.load expects (scope, key)")
		}
		scope, ok := args.Get(0).(string)
		if !ok {
			return status.Errorf(codes.InvalidArgument, "io_parameters.load scope must be a string")
		}
		key, ok := args.Get(1).(string)
		if !ok {
			return status.Errorf(codes.InvalidArgument, "io_parameters.load key must be a string")
		}
		p, ok := byScope[scope]
		if !ok {
			return status.Errorf(codes.NotFound, "no parameters registered for scope %q", scope)
		}
		data, err := p.Read(context.Background(), key)
		if err != nil {
			return err
		}
		results.PushRef(vm.RefOf(data))
		return nil
	}, nil)
	return Module{vmModule: m}, nil
}

func (m Module) Name() string      { return m.vmModule.Name() }
func (m Module) Exports() []string { return m.vmModule.Exports() }
func (m Module) VM() vm.Module     { return m.vmModule }

func (m Module) String() string {
	return fmt.Sprintf("<ProgramModule %s>", m.Name())
}
