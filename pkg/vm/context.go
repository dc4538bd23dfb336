package vm

import (
	"fmt"
	"io"
	"os"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type ContextOptions struct {
	// TraceExecution writes a line per invocation step to TraceWriter
	// (standard error when nil).
	TraceExecution bool
	TraceWriter    io.Writer
}

// Context holds modules linked in load order. A module's imports must be
// satisfied by the exports of modules loaded before it.
type Context struct {
	modules     []Module
	byName      map[string]Module
	trace       bool
	traceWriter io.Writer
}

func NewContext(modules []Module, options ContextOptions) (*Context, error) {
	c := &Context{
		byName:      make(map[string]Module),
		trace:       options.TraceExecution,
		traceWriter: options.TraceWriter,
	}
	if c.traceWriter == nil {
		c.traceWriter = os.Stderr
	}
	for _, m := range modules {
		for _, imported := range m.Imports() {
			if _, ok := c.byName[imported]; !ok {
				return nil, status.Errorf(codes.InvalidArgument,
					"module %q imports %q, which is not provided by any earlier module", m.Name(), imported)
			}
		}
		if _, exists := c.byName[m.Name()]; exists {
			return nil, status.Errorf(codes.InvalidArgument, "module %q loaded twice into one context", m.Name())
		}
		c.modules = append(c.modules, m)
		c.byName[m.Name()] = m
	}
	return c, nil
}

func (c *Context) Modules() []Module {
	out := make([]Module, len(c.modules))
	copy(out, c.modules)
	return out
}

// LookupFunction resolves a fully-qualified "module.function" name. A miss
// is reported through the bool, not an error; malformed names are errors.
func (c *Context) LookupFunction(qualifiedName string) (Function, bool, error) {
	moduleName, funcName, ok := strings.Cut(qualifiedName, ".")
	if !ok || moduleName == "" || funcName == "" {
		return Function{}, false, status.Errorf(codes.InvalidArgument, "function name %q is not fully qualified (module.function)", qualifiedName)
	}
	m, ok := c.byName[moduleName]
	if !ok {
		return Function{}, false, nil
	}
	f, ok := m.LookupFunction(funcName)
	return f, ok, nil
}

// Exports lists every qualified export in module load order.
func (c *Context) Exports() []string {
	var out []string
	for _, m := range c.modules {
		for _, name := range m.Exports() {
			out = append(out, m.Name()+"."+name)
		}
	}
	return out
}

func (c *Context) tracef(format string, args ...any) {
	if !c.trace {
		return
	}
	fmt.Fprintf(c.traceWriter, "[vm] "+format+"\n", args...)
}
