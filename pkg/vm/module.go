package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FunctionAttrInvocationModel is the function attribute whose value selects
// the calling convention ("coarse-fences", or "sync" for trivially
// synchronous functions).
const FunctionAttrInvocationModel = "abi.model"

const (
	InvocationModelCoarseFences = "coarse-fences"
	InvocationModelSync         = "sync"
)

// NativeFunc is a host implementation of an exported function. It reads
// args and appends to results; fences are applied by the VM around the call
// and are not visible here.
type NativeFunc func(args *List, results *List) error

// Function references one export of a module loaded into a context.
type Function struct {
	module string
	name   string
	attrs  map[string]string
	impl   NativeFunc
}

func (f Function) Valid() bool           { return f.name != "" }
func (f Function) Name() string          { return f.name }
func (f Function) Module() string        { return f.module }
func (f Function) QualifiedName() string { return f.module + "." + f.name }

// Attr returns the named function attribute, or "" when absent.
func (f Function) Attr(key string) string {
	return f.attrs[key]
}

// HasHostImpl reports whether the function carries a host executable and
// therefore runs synchronously on the loop goroutine.
func (f Function) HasHostImpl() bool {
	return f.impl != nil
}

func (f Function) String() string {
	return fmt.Sprintf("<Function %s>", f.QualifiedName())
}

// Module is a linkable unit: it exports functions, may import other modules
// loaded before it, and can be shared across contexts.
type Module interface {
	Name() string
	Exports() []string
	Imports() []string
	LookupFunction(name string) (Function, bool)
}

// NativeModule is a module whose exports are host Go functions. It fills
// the role a builtin module plays in a bytecode VM.
type NativeModule struct {
	name    string
	imports []string
	order   []string
	funcs   map[string]Function
}

var _ Module = (*NativeModule)(nil)

func NewNativeModule(name string) *NativeModule {
	return &NativeModule{
		name:  name,
		funcs: make(map[string]Function),
	}
}

// RequireModule declares that this module links against exports of a module
// loaded earlier in the context.
func (m *NativeModule) RequireModule(name string) *NativeModule {
	m.imports = append(m.imports, name)
	return m
}

// ExportFunction registers an export. Attrs may be nil.
func (m *NativeModule) ExportFunction(name string, impl NativeFunc, attrs map[string]string) *NativeModule {
	if _, exists := m.funcs[name]; !exists {
		m.order = append(m.order, name)
	}
	m.funcs[name] = Function{module: m.name, name: name, attrs: attrs, impl: impl}
	return m
}

func (m *NativeModule) Name() string      { return m.name }
func (m *NativeModule) Imports() []string { return m.imports }

func (m *NativeModule) Exports() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *NativeModule) LookupFunction(name string) (Function, bool) {
	f, ok := m.funcs[name]
	return f, ok
}

// fileModule is a module loaded from a compiled artifact on disk. Its
// exports resolve and link but carry no host executable; invoking one
// fails with Unimplemented.
type fileModule struct {
	name    string
	imports []string
	exports []string
	attrs   map[string]map[string]string
}

var _ Module = (*fileModule)(nil)

const fileModuleMagic = "FNBK1"

type fileModuleManifest struct {
	Name    string                     `json:"name"`
	Imports []string                   `json:"imports,omitempty"`
	Exports []fileModuleManifestExport `json:"exports"`
}

type fileModuleManifestExport struct {
	Name  string            `json:"name"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// LoadFile loads a compiled module artifact. The file is always read into
// memory; the mmap flag is accepted but does not change the read path, and
// no memory mapping is performed.
func LoadFile(path string, mmap bool) (Module, error) {
	_ = mmap
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading module %q: %w", path, err)
	}
	if len(data) < len(fileModuleMagic) || string(data[:len(fileModuleMagic)]) != fileModuleMagic {
		return nil, status.Errorf(codes.InvalidArgument, "%q is not a module artifact", path)
	}
	var manifest fileModuleManifest
	if err := json.Unmarshal(data[len(fileModuleMagic):], &manifest); err != nil {
		return nil, fmt.Errorf("parsing module manifest %q: %w", path, err)
	}
	if manifest.Name == "" {
		return nil, status.Errorf(codes.InvalidArgument, "module %q has no name", path)
	}
	m := &fileModule{
		name:    manifest.Name,
		imports: manifest.Imports,
		attrs:   make(map[string]map[string]string),
	}
	for _, e := range manifest.Exports {
		m.exports = append(m.exports, e.Name)
		m.attrs[e.Name] = e.Attrs
	}
	sort.Strings(m.exports)
	return m, nil
}

func (m *fileModule) Name() string      { return m.name }
func (m *fileModule) Imports() []string { return m.imports }

func (m *fileModule) Exports() []string {
	out := make([]string, len(m.exports))
	copy(out, m.exports)
	return out
}

func (m *fileModule) LookupFunction(name string) (Function, bool) {
	attrs, ok := m.attrs[name]
	if !ok {
		return Function{}, false
	}
	return Function{module: m.name, name: name, attrs: attrs}, true
}
