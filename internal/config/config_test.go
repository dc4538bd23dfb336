package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}
	if cfg.System.HostDevices != 1 || cfg.System.QueuesPerDevice != 1 {
		t.Errorf("system defaults = %+v", cfg.System)
	}
	if len(cfg.Workers) != 1 || cfg.Workers[0].Name != "main" {
		t.Errorf("worker defaults = %+v", cfg.Workers)
	}
	if cfg.Serve.Listen != ":8075" {
		t.Errorf("listen default = %q", cfg.Serve.Listen)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
system:
  hostDevices: 2
  queuesPerDevice: 4
workers:
  - name: infer-0
    quantumMillis: 50
parameters:
  - scope: model
    paths:
      - /models/weights.gguf
serve:
  listen: ":9000"
trace:
  execution: true
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.System.HostDevices != 2 || cfg.System.QueuesPerDevice != 4 {
		t.Errorf("system = %+v", cfg.System)
	}
	if cfg.Workers[0].Name != "infer-0" || cfg.Workers[0].Quantum() != 50*time.Millisecond {
		t.Errorf("worker = %+v", cfg.Workers[0])
	}
	if len(cfg.Parameters) != 1 || cfg.Parameters[0].Scope != "model" {
		t.Errorf("parameters = %+v", cfg.Parameters)
	}
	if cfg.Serve.Listen != ":9000" {
		t.Errorf("listen = %q", cfg.Serve.Listen)
	}
	if !cfg.Trace.Execution {
		t.Errorf("trace.execution = false")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FINBACK_LISTEN", ":7001")
	t.Setenv("FINBACK_HOST_DEVICES", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Serve.Listen != ":7001" {
		t.Errorf("listen = %q, want :7001", cfg.Serve.Listen)
	}
	if cfg.System.HostDevices != 3 {
		t.Errorf("hostDevices = %d, want 3", cfg.System.HostDevices)
	}
}

func TestMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(":\n  - not yaml"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Errorf("expected error for malformed config")
	}
}
