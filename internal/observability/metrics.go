package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dull-quay940/mcp-supervisor/internal/async"
	"github.com/dull-quay940/mcp-supervisor/internal/logging"
)

// MetricsServer serves a Prometheus registry over HTTP.
type MetricsServer struct {
	config   MetricsConfig
	server   *http.Server
	listener net.Listener
	logger   logging.Logger
}

// NewMetricsServer creates a server for gatherer. A nil gatherer means the
// default registry.
func NewMetricsServer(config MetricsConfig, gatherer prometheus.Gatherer, logger logging.Logger) *MetricsServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(config.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &MetricsServer{
		config: config,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logging.OrNop(logger),
	}
}

// Handler exposes the mux, mainly for tests.
func (m *MetricsServer) Handler() http.Handler { return m.server.Handler }

// Start binds the listener and serves in the background. It is a no-op when
// metrics are disabled.
func (m *MetricsServer) Start() error {
	if !m.config.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.config.Addr, err)
	}
	m.listener = ln
	m.logger.Info("metrics endpoint listening", "addr", ln.Addr().String(), "path", m.config.Path)
	async.Go(m.logger, "metrics-server", func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server stopped", "error", err)
		}
	})
	return nil
}

// Addr returns the bound address, or "" before Start.
func (m *MetricsServer) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Shutdown stops the HTTP server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.listener == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
