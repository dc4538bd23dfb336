// Package config loads the YAML configuration for finback binaries, with
// environment variable overrides for deployment settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	System     SystemConfig     `yaml:"system"`
	Workers    []WorkerConfig   `yaml:"workers"`
	Parameters []ParameterScope `yaml:"parameters"`
	Modules    []ModuleConfig   `yaml:"modules"`
	Serve      ServeConfig      `yaml:"serve"`
	Trace      TraceConfig      `yaml:"trace"`
}

type SystemConfig struct {
	HostDevices     int `yaml:"hostDevices"`
	QueuesPerDevice int `yaml:"queuesPerDevice"`
}

type WorkerConfig struct {
	Name          string `yaml:"name"`
	QuantumMillis int    `yaml:"quantumMillis"`
}

func (w WorkerConfig) Quantum() time.Duration {
	if w.QuantumMillis <= 0 {
		return 0
	}
	return time.Duration(w.QuantumMillis) * time.Millisecond
}

type ParameterScope struct {
	Scope string `yaml:"scope"`
	// Paths are local files or gs:// / s3:// / http(s):// archives.
	Paths    []string `yaml:"paths"`
	CacheDir string   `yaml:"cacheDir"`

	S3Endpoint  string `yaml:"s3Endpoint"`
	S3AccessKey string `yaml:"s3AccessKey"`
	S3SecretKey string `yaml:"s3SecretKey"`
	S3UseSSL    bool   `yaml:"s3UseSSL"`
}

type ModuleConfig struct {
	Path string `yaml:"path"`
	MMap *bool  `yaml:"mmap"`
}

type ServeConfig struct {
	Listen string `yaml:"listen"`
}

type TraceConfig struct {
	Execution bool `yaml:"execution"`
}

func Default() Config {
	return Config{
		System:  SystemConfig{HostDevices: 1, QueuesPerDevice: 1},
		Workers: []WorkerConfig{{Name: "main"}},
		Serve:   ServeConfig{Listen: ":8075"},
	}
}

// Load reads the YAML file (when path is non-empty) over the defaults, then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
		}
	}
	cfg.applyEnv()
	if cfg.System.HostDevices <= 0 {
		cfg.System.HostDevices = 1
	}
	if cfg.System.QueuesPerDevice <= 0 {
		cfg.System.QueuesPerDevice = 1
	}
	if len(cfg.Workers) == 0 {
		cfg.Workers = []WorkerConfig{{Name: "main"}}
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FINBACK_LISTEN"); v != "" {
		c.Serve.Listen = v
	}
	if v := getenvInt("FINBACK_HOST_DEVICES", 0); v > 0 {
		c.System.HostDevices = v
	}
	if v := getenvInt("FINBACK_QUEUES_PER_DEVICE", 0); v > 0 {
		c.System.QueuesPerDevice = v
	}
	if v := os.Getenv("FINBACK_TRACE_EXECUTION"); v != "" {
		c.Trace.Execution = getenvBool("FINBACK_TRACE_EXECUTION", c.Trace.Execution)
	}
	for i := range c.Parameters {
		p := &c.Parameters[i]
		if v := os.Getenv("FINBACK_S3_ENDPOINT"); v != "" && p.S3Endpoint == "" {
			p.S3Endpoint = v
		}
		if v := os.Getenv("FINBACK_S3_ACCESS_KEY"); v != "" && p.S3AccessKey == "" {
			p.S3AccessKey = v
		}
		if v := os.Getenv("FINBACK_S3_SECRET_KEY"); v != "" && p.S3SecretKey == "" {
			p.S3SecretKey = v
		}
	}
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
