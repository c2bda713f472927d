package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ewoutbarendregt/crosscheck/api"
	"github.com/ewoutbarendregt/crosscheck/bus"
	"github.com/ewoutbarendregt/crosscheck/config"
	"github.com/ewoutbarendregt/crosscheck/llm"
	"github.com/ewoutbarendregt/crosscheck/pipeline"
	"github.com/ewoutbarendregt/crosscheck/queue"
	"github.com/ewoutbarendregt/crosscheck/schema"
	"github.com/ewoutbarendregt/crosscheck/telemetry"
	"github.com/ewoutbarendregt/crosscheck/tenant"
	"github.com/ewoutbarendregt/crosscheck/usage"
	"github.com/ewoutbarendregt/crosscheck/worker"
)

const shutdownTimeout = 30 * time.Second

func runServe(configPath, logLevel string) error {
	printBanner()
	logger := setupLogging(logLevel)

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newServeApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := app.Start(ctx); err != nil {
		return err
	}

	logger.Info("Crosscheck admission API ready",
		"version", Version,
		"addr", cfg.HTTP.Addr)

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	app.Stop(shutdownTimeout)
	logger.Info("Crosscheck shutdown complete")
	return nil
}

func runWork(configPath, logLevel string) error {
	printBanner()
	logger := setupLogging(logLevel)

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newWorkApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := app.Start(ctx); err != nil {
		return err
	}

	logger.Info("Crosscheck worker ready",
		"version", Version,
		"concurrency", cfg.Worker.MaxConcurrent)

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	app.Stop(shutdownTimeout)
	logger.Info("Crosscheck shutdown complete")
	return nil
}

// newTracker builds the configured tracker and, when telemetry is enabled,
// the registry backing /metrics.
func newTracker(cfg *config.Config, logger *slog.Logger) (telemetry.Tracker, *prometheus.Registry) {
	if !cfg.Telemetry.Enabled {
		return telemetry.NewNop(), nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return telemetry.NewPrometheus(reg, logger), reg
}

// serveApp wires the admission side: accounting, queue, bus sender, HTTP API.
type serveApp struct {
	logger *slog.Logger

	conn      *bus.Conn
	admission *queue.Admission
	httpSrv   *http.Server
}

func newServeApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*serveApp, error) {
	schemas, err := schema.New()
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	tracker, registry := newTracker(cfg, logger)

	acct := tenant.NewAccounting(cfg.Tenants.Policy(), cfg.Queue.DepthLimit,
		tenant.WithLogger(logger), tenant.WithTracker(tracker))

	// Without a bus the API stays up in degraded mode: submissions are
	// refused with 503 while probes and the usage channel keep working.
	var conn *bus.Conn
	var sender bus.Sender
	if cfg.NATS.URL != "" {
		conn, err = bus.Connect(ctx, cfg.NATS, logger)
		if err != nil {
			return nil, wrapNATSError(err, cfg.NATS.URL)
		}
		if err := conn.EnsureStreams(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		sender = conn.JobSender()
	} else {
		logger.Warn("No NATS URL configured, submissions will be refused")
	}

	admission := queue.NewAdmission(acct, schemas, sender, cfg.Queue.Config,
		queue.WithLogger(logger), queue.WithTracker(tracker))

	httpCfg := cfg.HTTP
	httpCfg.UsageSecret = cfg.Usage.Secret

	opts := []api.Option{api.WithLogger(logger)}
	if registry != nil {
		opts = append(opts, api.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}
	server := api.NewServer(admission, acct, httpCfg, opts...)

	return &serveApp{
		logger:    logger,
		conn:      conn,
		admission: admission,
		httpSrv: &http.Server{
			Addr:              httpCfg.Addr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (a *serveApp) Start(ctx context.Context) error {
	if err := a.admission.Start(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.httpSrv.Addr, err)
	}

	go func() {
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", "error", err)
		}
	}()

	a.logger.Info("HTTP server listening", "addr", ln.Addr().String())
	return nil
}

func (a *serveApp) Stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.httpSrv.Shutdown(ctx); err != nil {
		a.logger.Warn("HTTP server shutdown incomplete", "error", err)
	}
	if err := a.admission.Stop(timeout); err != nil {
		a.logger.Warn("Admission queue stop failed", "error", err)
	}
	if a.conn != nil {
		a.conn.Close()
	}
}

// workApp wires the worker side: bus consumer, LLM pipeline, settlement, and
// a small ops endpoint for health and metrics.
type workApp struct {
	logger *slog.Logger

	conn    *bus.Conn
	worker  *worker.Worker
	httpSrv *http.Server
}

func newWorkApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*workApp, error) {
	if cfg.NATS.URL == "" {
		return nil, fmt.Errorf("nats.url is required for the worker")
	}
	if cfg.LLM.Endpoint == "" {
		return nil, fmt.Errorf("llm.endpoint is required for the worker")
	}

	schemas, err := schema.New()
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	tracker, registry := newTracker(cfg, logger)

	acct := tenant.NewAccounting(cfg.Tenants.Policy(), cfg.Queue.DepthLimit,
		tenant.WithLogger(logger), tenant.WithTracker(tracker))

	conn, err := bus.Connect(ctx, cfg.NATS, logger)
	if err != nil {
		return nil, wrapNATSError(err, cfg.NATS.URL)
	}
	if err := conn.EnsureStreams(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	receiver, err := conn.JobReceiver(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}

	client := llm.NewClient(cfg.LLM.ClientEndpoint(), llm.WithLogger(logger))
	runner := pipeline.NewRunner(client, schemas,
		pipeline.WithLogger(logger), pipeline.WithMaxTokens(cfg.LLM.MaxTokens))

	reporter := usage.NewReporter(cfg.Usage.Endpoint, cfg.Usage.Secret,
		usage.WithLogger(logger))

	w := worker.New(receiver, conn.ResultPublisher(), runner, acct, schemas, reporter,
		cfg.Worker, worker.WithLogger(logger), worker.WithTracker(tracker))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte(`{"status":"ok"}`))
	})
	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	return &workApp{
		logger: logger,
		conn:   conn,
		worker: w,
		httpSrv: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (a *workApp) Start(ctx context.Context) error {
	if err := a.worker.Start(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.httpSrv.Addr, err)
	}

	go func() {
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", "error", err)
		}
	}()

	a.logger.Info("Ops endpoint listening", "addr", ln.Addr().String())
	return nil
}

func (a *workApp) Stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.httpSrv.Shutdown(ctx); err != nil {
		a.logger.Warn("HTTP server shutdown incomplete", "error", err)
	}
	if err := a.worker.Stop(timeout); err != nil {
		a.logger.Warn("Worker stop failed", "error", err)
	}
	a.conn.Close()
}

// wrapNATSError provides guidance when the NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL to point at your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}
