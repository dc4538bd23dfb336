package params

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func writeGGUF(t *testing.T, dir, name string, payload []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := append([]byte("GGUF"), payload...)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write %q: %v", path, err)
	}
	return path
}

func writeSafetensors(t *testing.T, dir, name string, tensors map[string][]byte) string {
	t.Helper()

	header := map[string]any{}
	var data []byte
	for tensorName, payload := range tensors {
		begin := len(data)
		data = append(data, payload...)
		header[tensorName] = map[string]any{
			"dtype":        "U8",
			"shape":        []int{len(payload)},
			"data_offsets": []int{begin, begin + len(payload)},
		}
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("failed to marshal header: %v", err)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		t.Fatalf("failed to write header length: %v", err)
	}
	buf.Write(headerJSON)
	buf.Write(data)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("failed to write %q: %v", path, err)
	}
	return path
}

func TestInferFormat(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{path: "model.gguf", want: FormatGGUF},
		{path: "weights.safetensors", want: FormatSafetensors},
		{path: "archive.irpa", want: FormatIRPA},
		{path: "model.bin", wantErr: true},
		{path: "model", wantErr: true},
	}
	for _, tt := range tests {
		got, err := InferFormat(tt.path)
		if tt.wantErr {
			if status.Code(err) != codes.InvalidArgument {
				t.Errorf("InferFormat(%q): expected InvalidArgument, got %v", tt.path, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("InferFormat(%q) failed: %v", tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("InferFormat(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestLoadSafetensors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeSafetensors(t, dir, "weights.safetensors", map[string][]byte{
		"layer0.weight": []byte{1, 2, 3, 4},
		"layer0.bias":   []byte{5, 6},
	})

	p := NewStaticParameters(nil, "model", 0)
	if err := p.LoadDefault(ctx, path); err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	keys := p.Keys()
	if len(keys) != 2 || keys[0] != "layer0.bias" || keys[1] != "layer0.weight" {
		t.Errorf("keys = %v", keys)
	}

	data, err := p.Read(ctx, "layer0.weight")
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3, 4}) {
		t.Errorf("layer0.weight = %v", data)
	}

	if _, err := p.Read(ctx, "absent"); status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestLoadTwiceIsNoOp(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeGGUF(t, dir, "model.gguf", []byte("payload"))

	p := NewStaticParameters(nil, "model", 0)
	if err := p.LoadDefault(ctx, path); err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	before := p.Keys()
	if err := p.LoadDefault(ctx, path); err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	after := p.Keys()
	if len(before) != len(after) {
		t.Errorf("second load changed visibility: %v vs %v", before, after)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeGGUF(t, dir, "model.gguf", []byte("payload"))

	a := NewStaticParameters(nil, "scope-a", 0)
	b := NewStaticParameters(nil, "scope-b", 0)
	if err := a.LoadDefault(ctx, path); err != nil {
		t.Fatalf("failed to load into scope-a: %v", err)
	}
	if len(a.Keys()) != 1 {
		t.Errorf("scope-a keys = %v", a.Keys())
	}
	if len(b.Keys()) != 0 {
		t.Errorf("scope-b unexpectedly sees scope-a's load: %v", b.Keys())
	}
	if err := b.LoadDefault(ctx, path); err != nil {
		t.Fatalf("failed to load into scope-b: %v", err)
	}
	if len(b.Keys()) != 1 {
		t.Errorf("scope-b keys = %v", b.Keys())
	}
}

func TestLoadRejectsWrongMagic(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gguf")
	if err := os.WriteFile(path, []byte("JUNKdata"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	p := NewStaticParameters(nil, "model", 0)
	if err := p.LoadDefault(ctx, path); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestLoadUnrecognizedExplicitFormat(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeGGUF(t, dir, "model.gguf", nil)

	p := NewStaticParameters(nil, "model", 0)
	opts := DefaultLoadOptions()
	opts.Format = "pickle"
	if err := p.Load(ctx, path, opts); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestFormatExplicitOverridesExtension(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	// A gguf archive behind an extensionless name loads when the format
	// is given explicitly.
	path := filepath.Join(dir, "weights")
	if err := os.WriteFile(path, []byte("GGUFdata"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	p := NewStaticParameters(nil, "model", 0)
	opts := DefaultLoadOptions()
	opts.Format = FormatGGUF
	if err := p.Load(ctx, path, opts); err != nil {
		t.Fatalf("explicit format load failed: %v", err)
	}
	if len(p.Keys()) != 1 {
		t.Errorf("keys = %v", p.Keys())
	}
}

func TestUntilModified(t *testing.T) {
	dir := t.TempDir()
	path := writeGGUF(t, dir, "model.gguf", []byte("v1"))

	ctx, cancel, err := UntilModified(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to start watch: %v", err)
	}
	defer cancel()

	if ctx.Err() != nil {
		t.Fatalf("context canceled before modification: %v", ctx.Err())
	}

	if err := os.WriteFile(path, append([]byte("GGUF"), []byte("v2")...), 0644); err != nil {
		t.Fatalf("failed to rewrite file: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("watch never fired")
	}
}
