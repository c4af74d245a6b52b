package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dull-quay940/mcp-supervisor/internal/backend"
	"github.com/dull-quay940/mcp-supervisor/internal/backend/container"
	"github.com/dull-quay940/mcp-supervisor/internal/backend/process"
	"github.com/dull-quay940/mcp-supervisor/internal/catalog"
	"github.com/dull-quay940/mcp-supervisor/internal/config"
	"github.com/dull-quay940/mcp-supervisor/internal/logging"
	"github.com/dull-quay940/mcp-supervisor/internal/observability"
	"github.com/dull-quay940/mcp-supervisor/internal/reaper"
	"github.com/dull-quay940/mcp-supervisor/internal/supervisor"
	"github.com/dull-quay940/mcp-supervisor/internal/telemetry"
)

// services is a running supervisor with everything wired around it.
type services struct {
	cfg      *config.File
	logger   logging.Logger
	registry *prometheus.Registry
	tracing  *observability.TracerProvider
	catalog  *catalog.Catalog
	sup      *supervisor.Supervisor
}

func (a *app) startServices() (*services, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg.Observability.Logging, a.stderr)

	store, err := cfg.PolicyStore()
	if err != nil {
		return nil, err
	}
	cat, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	tracing, err := observability.NewTracerProvider(cfg.Observability.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sc := cfg.Supervisor
	router := telemetry.NewRouter()
	if sampler, err := telemetry.NewProcSampler(sc.ProcMount); err != nil {
		logger.Warn("process telemetry disabled", "proc_mount", sc.ProcMount, "error", err)
	} else {
		router.Handle(backend.KindProcess, sampler)
	}

	deps := supervisor.Deps{
		Policy:  store,
		Catalog: cat,
		Process: process.New(sc.ProcessConfig(), logger),
		Logger:  logger,
		Metrics: supervisor.MustNewMetrics(registry),
		Tracer:  tracing.Tracer(),
	}
	if sc.ContainerEnabled {
		docker := container.New(sc.ContainerConfig(), container.NewCLIClient(sc.DockerBinary), logger)
		deps.Container = docker
		router.Handle(backend.KindContainer, telemetry.NewContainerSampler(docker))
	}
	deps.Reaper = reaper.New(sc.ReaperConfig(), router, logger)

	sup, err := supervisor.New(sc.SupervisorConfig(), deps)
	if err != nil {
		_ = tracing.Shutdown(context.Background())
		return nil, err
	}
	logger.Debug("supervisor started",
		"workers", len(cat.List()),
		"containers", sc.ContainerEnabled,
		"max_concurrent_sessions", store.MaxConcurrentSessions())

	return &services{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		tracing:  tracing,
		catalog:  cat,
		sup:      sup,
	}, nil
}

// Close shuts the supervisor down and flushes traces.
func (s *services) Close(ctx context.Context) error {
	return errors.Join(s.sup.Shutdown(ctx), s.tracing.Shutdown(ctx))
}
