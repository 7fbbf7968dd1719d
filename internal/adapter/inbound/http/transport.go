package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transport is the inbound adapter that serves the API over HTTP.
type Transport struct {
	handler         *Handler
	server          *http.Server
	addr            string
	adminKeys       []AdminKey
	shutdownTimeout time.Duration
	logger          *slog.Logger
	metrics         *Metrics
	metricsRegistry *prometheus.Registry
	healthChecker   *HealthChecker
}

// Option is a functional option for configuring Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *Transport) {
		t.addr = addr
	}
}

// WithAdminKeys sets the admin keys the API authenticates against.
func WithAdminKeys(keys []AdminKey) Option {
	return func(t *Transport) {
		t.adminKeys = keys
	}
}

// WithShutdownTimeout bounds graceful shutdown. Default is 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.shutdownTimeout = d
	}
}

// WithLogger sets the logger for the transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *Transport) {
		t.healthChecker = hc
	}
}

// WithMetrics shares a metrics set built by NewServerMetrics with the
// transport, so the engine and /metrics expose the same registry.
func WithMetrics(m *Metrics) Option {
	return func(t *Transport) {
		if m == nil || m.registry == nil {
			return
		}
		t.metrics = m
		t.metricsRegistry = m.registry
	}
}

// NewTransport creates an HTTP transport serving the given handler.
func NewTransport(handler *Handler, opts ...Option) *Transport {
	t := &Transport{
		handler:         handler,
		addr:            "127.0.0.1:8080",
		shutdownTimeout: 10 * time.Second,
		logger:          slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Metrics returns the transport's metrics set, building it and its
// registry on first use. Call before Start when the engine needs the
// same instance.
func (t *Transport) Metrics() *Metrics {
	if t.metrics == nil {
		t.metrics = NewServerMetrics()
		t.metricsRegistry = t.metrics.registry
	}
	return t.metrics
}

// Start begins accepting HTTP connections. It blocks until the context is
// cancelled or the server fails.
func (t *Transport) Start(ctx context.Context) error {
	t.Metrics()

	mux := http.NewServeMux()
	t.handler.Routes(mux)

	// API routes sit behind admin authentication; health and metrics are
	// open for probes and scrapers.
	var api http.Handler = mux
	api = AdminAuthMiddleware(t.adminKeys, t.logger)(api)
	api = RequestIDMiddleware(api)
	api = MetricsMiddleware(t.metrics)(api)

	root := http.NewServeMux()
	if t.healthChecker != nil {
		root.Handle("/health", t.healthChecker.Handler())
	} else {
		root.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
		}))
	}
	root.Handle("/metrics", promhttp.HandlerFor(t.metricsRegistry, promhttp.HandlerOpts{
		Registry: t.metricsRegistry,
	}))
	root.Handle("/", api)

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: root,
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("starting HTTP server", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.shutdownTimeout)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
