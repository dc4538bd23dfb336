// Package params indexes parameter archives (model weights) under named
// scopes and exposes them to program modules via a provider.
package params

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/finback-ai/finback/pkg/system"
)

const DefaultMaxConcurrentOperations = 16

type LoadOptions struct {
	// Format is one of "irpa", "gguf", "safetensors". Inferred from the
	// file extension when empty.
	Format string

	Readable bool
	Writable bool
	MMap     bool
}

func DefaultLoadOptions() LoadOptions {
	return LoadOptions{Readable: true, Writable: false, MMap: true}
}

type entry struct {
	path   string
	offset int64
	length int64
}

type fileRecord struct {
	format  string
	options LoadOptions
}

// Parameters is a pool of parameters bound to one scope name: the set of
// weights some modules were compiled to depend on. Loading the same file
// into the same scope twice is a no-op; two scopes index independently.
type Parameters struct {
	system *system.System
	scope  string

	// tokens bounds concurrent read operations against the index.
	tokens chan struct{}

	mu      sync.Mutex
	files   map[string]fileRecord
	entries map[string]entry
}

// NewStaticParameters creates a parameter pool for a scope.
// maxConcurrentOperations <= 0 selects the default.
func NewStaticParameters(sys *system.System, scope string, maxConcurrentOperations int) *Parameters {
	if maxConcurrentOperations <= 0 {
		maxConcurrentOperations = DefaultMaxConcurrentOperations
	}
	return &Parameters{
		system:  sys,
		scope:   scope,
		tokens:  make(chan struct{}, maxConcurrentOperations),
		files:   make(map[string]fileRecord),
		entries: make(map[string]entry),
	}
}

func (p *Parameters) Scope() string { return p.scope }

// Load adds a parameter file to the index.
func (p *Parameters) Load(ctx context.Context, path string, options LoadOptions) error {
	log := klog.FromContext(ctx)

	if !options.Readable {
		return status.Errorf(codes.InvalidArgument, "parameter file %q must be readable", path)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", path, err)
	}

	format := options.Format
	if format == "" {
		format, err = InferFormat(absPath)
		if err != nil {
			return err
		}
	}
	if !FormatRecognized(format) {
		return status.Errorf(codes.InvalidArgument, "unrecognized parameter format %q for %q", format, path)
	}

	p.mu.Lock()
	if _, loaded := p.files[absPath]; loaded {
		p.mu.Unlock()
		log.V(2).Info("parameter file already loaded", "scope", p.scope, "path", absPath)
		return nil
	}
	p.mu.Unlock()

	entries, err := indexFile(absPath, format)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, loaded := p.files[absPath]; loaded {
		return nil
	}
	p.files[absPath] = fileRecord{format: format, options: options}
	for key, e := range entries {
		p.entries[key] = e
	}
	log.Info("loaded parameters", "scope", p.scope, "path", absPath, "format", format, "entries", len(entries))
	return nil
}

func (p *Parameters) LoadDefault(ctx context.Context, path string) error {
	return p.Load(ctx, path, DefaultLoadOptions())
}

// Keys lists indexed parameter names, sorted.
func (p *Parameters) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Read returns the bytes of one indexed parameter. Reads are bounded by the
// pool's max concurrent operations.
func (p *Parameters) Read(ctx context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "parameter %q not found in scope %q", key, p.scope)
	}

	select {
	case p.tokens <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.tokens }()

	f, err := os.Open(e.path)
	if err != nil {
		return nil, fmt.Errorf("opening parameter file %q: %w", e.path, err)
	}
	defer f.Close()

	data := make([]byte, e.length)
	if _, err := f.ReadAt(data, e.offset); err != nil {
		return nil, fmt.Errorf("reading parameter %q from %q: %w", key, e.path, err)
	}
	return data, nil
}

func (p *Parameters) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("<Parameters scope=%q files=%d entries=%d>", p.scope, len(p.files), len(p.entries))
}
