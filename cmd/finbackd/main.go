package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/finback-ai/finback/internal/config"
	"github.com/finback-ai/finback/internal/observability"
	"github.com/finback-ai/finback/pkg/fiber"
	"github.com/finback-ai/finback/pkg/params"
	"github.com/finback-ai/finback/pkg/program"
	"github.com/finback-ai/finback/pkg/system"
	"github.com/finback-ai/finback/pkg/worker"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	configPath := os.Getenv("FINBACK_CONFIG")
	flag.StringVar(&configPath, "config", configPath, "path to config file")
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.InitTracingFromEnv("finbackd")
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Error(err, "shutting down tracing")
		}
	}()

	builder := &system.HostCPUBuilder{
		NumInstances:      cfg.System.HostDevices,
		QueuesPerInstance: cfg.System.QueuesPerDevice,
	}
	sys, err := builder.CreateSystem(ctx)
	if err != nil {
		return fmt.Errorf("creating system: %w", err)
	}

	workerCfg := cfg.Workers[0]
	w := worker.New(worker.Options{
		Name:        workerCfg.Name,
		OwnedThread: true,
		Quantum:     workerCfg.Quantum(),
	})
	if err := w.Start(); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	defer func() {
		if err := w.Kill(); err != nil {
			log.Error(err, "killing worker")
			return
		}
		if err := w.WaitForShutdown(); err != nil {
			log.Error(err, "waiting for worker shutdown")
		}
	}()

	fbr, err := fiber.New(sys, w, sys.Devices())
	if err != nil {
		return fmt.Errorf("creating fiber: %w", err)
	}
	log.Info("created fiber", "devices", fbr.DeviceNames())

	modules, err := loadModules(ctx, sys, cfg)
	if err != nil {
		return err
	}

	prog, err := program.Load(fbr, modules, program.Options{TraceExecution: cfg.Trace.Execution})
	if err != nil {
		return fmt.Errorf("loading program: %w", err)
	}
	log.Info("loaded program", "exports", prog.Exports())

	s := &httpServer{
		program:       prog,
		invokeTimeout: 30 * time.Second,
	}

	log.Info("serving", "listen", cfg.Serve.Listen)
	if err := http.ListenAndServe(cfg.Serve.Listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", cfg.Serve.Listen, err)
	}
	return nil
}

func loadModules(ctx context.Context, sys *system.System, cfg config.Config) ([]program.Module, error) {
	var modules []program.Module

	if len(cfg.Parameters) > 0 {
		var pools []*params.Parameters
		for _, scope := range cfg.Parameters {
			pool := params.NewStaticParameters(sys, scope.Scope, 0)
			cacheDir := scope.CacheDir
			if cacheDir == "" {
				cacheDir = os.TempDir()
			}
			for _, uri := range scope.Paths {
				localPath, err := params.Fetch(ctx, uri, cacheDir, params.FetchOptions{
					S3Endpoint:  scope.S3Endpoint,
					S3AccessKey: scope.S3AccessKey,
					S3SecretKey: scope.S3SecretKey,
					S3UseSSL:    scope.S3UseSSL,
				})
				if err != nil {
					return nil, fmt.Errorf("fetching parameters %q: %w", uri, err)
				}
				if err := pool.LoadDefault(ctx, localPath); err != nil {
					return nil, fmt.Errorf("loading parameters %q: %w", localPath, err)
				}
			}
			pools = append(pools, pool)
		}
		provider, err := program.ParameterProvider(sys, pools...)
		if err != nil {
			return nil, err
		}
		modules = append(modules, provider)
	}

	modules = append(modules, builtinModule())

	for _, mc := range cfg.Modules {
		mmap := true
		if mc.MMap != nil {
			mmap = *mc.MMap
		}
		m, err := program.LoadModule(ctx, sys, mc.Path, mmap)
		if err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	return modules, nil
}
