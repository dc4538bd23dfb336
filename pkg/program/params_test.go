package program

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/finback-ai/finback/pkg/params"
	"github.com/finback-ai/finback/pkg/vm"
)

func writeGGUF(t *testing.T, dir, name string, payload []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, append([]byte("GGUF"), payload...), 0644); err != nil {
		t.Fatalf("failed to write %q: %v", path, err)
	}
	return path
}

func TestParameterProviderSatisfiesImports(t *testing.T) {
	fx := newFixture(t, 1, 1)
	ctx := context.Background()

	dir := t.TempDir()
	path := writeGGUF(t, dir, "weights.gguf", []byte("payload"))

	pool := params.NewStaticParameters(fx.sys, "model", 0)
	if err := pool.LoadDefault(ctx, path); err != nil {
		t.Fatalf("failed to load parameters: %v", err)
	}

	provider, err := ParameterProvider(fx.sys, pool)
	if err != nil {
		t.Fatalf("failed to build provider: %v", err)
	}

	consumer := vm.NewNativeModule("model").RequireModule(ParameterProviderModuleName)
	consumer.ExportFunction("noop", func(args *vm.List, results *vm.List) error { return nil }, nil)

	// Provider first: the import resolves. Without it, load fails.
	if _, err := Load(fx.fiber, []Module{provider, NewModule(consumer)}, Options{}); err != nil {
		t.Fatalf("program with provider failed to load: %v", err)
	}
	consumer2 := vm.NewNativeModule("model").RequireModule(ParameterProviderModuleName)
	if _, err := Load(fx.fiber, []Module{NewModule(consumer2)}, Options{}); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument without provider, got %v", err)
	}
}

func TestParameterProviderLoad(t *testing.T) {
	fx := newFixture(t, 1, 1)
	ctx := context.Background()

	dir := t.TempDir()
	path := writeGGUF(t, dir, "weights.gguf", []byte("payload"))
	pool := params.NewStaticParameters(fx.sys, "model", 0)
	if err := pool.LoadDefault(ctx, path); err != nil {
		t.Fatalf("failed to load parameters: %v", err)
	}

	provider, err := ParameterProvider(fx.sys, pool)
	if err != nil {
		t.Fatalf("failed to build provider: %v", err)
	}
	p := fx.loadProgram(t, provider)

	fn, err := p.LookupRequiredFunction("io_parameters.load")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}

	// The provider reads raw (scope, key) scalars.
	inv := fn.CreateInvocation()
	if err := inv.AddScalar("model"); err != nil {
		t.Fatalf("AddScalar failed: %v", err)
	}
	if err := inv.AddScalar("weights"); err != nil {
		t.Fatalf("AddScalar failed: %v", err)
	}

	fut, err := Invoke(inv)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	resolved := resolve(t, fut)

	if resolved.ResultsSize() != 1 {
		t.Fatalf("results size = %d, want 1", resolved.ResultsSize())
	}
	data, ok := resolved.ResultRef(0).Value().([]byte)
	if !ok {
		t.Fatalf("result is not a byte slice")
	}
	if !bytes.Equal(data, append([]byte("GGUF"), []byte("payload")...)) {
		t.Errorf("unexpected parameter bytes: %q", data)
	}
}

func TestParameterProviderRejectsDuplicateScope(t *testing.T) {
	fx := newFixture(t, 1, 1)
	a := params.NewStaticParameters(fx.sys, "model", 0)
	b := params.NewStaticParameters(fx.sys, "model", 0)
	if _, err := ParameterProvider(fx.sys, a, b); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument for duplicate scope, got %v", err)
	}
}
