package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"deckflow/internal/backend"
	"deckflow/internal/config"
	"deckflow/internal/deck/reconciler"
	dferrors "deckflow/internal/errors"
	"deckflow/internal/logging"
	"deckflow/internal/observability"
	"deckflow/internal/orchestrator"
	"deckflow/internal/stream"
)

const shutdownTimeout = 5 * time.Second

// app holds everything one command invocation needs.
type app struct {
	cfg     config.RuntimeConfig
	logger  logging.Logger
	metrics *observability.Metrics
	tracer  *observability.TracerProvider
	client  *backend.Client

	shutdown []func(context.Context) error
}

func wireApp(cmd *cobra.Command, flags *globalFlags) (*app, error) {
	cfg, _, err := loadConfig(cmd, flags)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	base := logging.Configure(observabilityLogConfig(cfg))
	a := &app{
		cfg:    cfg,
		logger: logging.FromObservabilityWithComponent(base, "cli"),
	}

	if cfg.Observability.Metrics.Enabled {
		a.metrics = observability.DefaultMetrics()
		server, err := observability.StartMetricsServer(cfg.Observability.Metrics.Addr, base)
		if err != nil {
			return nil, fmt.Errorf("start metrics server: %w", err)
		}
		a.shutdown = append(a.shutdown, server.Shutdown)
	}

	tp, err := observability.NewTracerProvider(cfg.Observability.Tracing)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tp
	a.shutdown = append(a.shutdown, tp.Shutdown)

	a.client = backend.NewClient(backend.Options{
		BaseURL:          cfg.BaseURL,
		Token:            cfg.Token,
		Timeout:          cfg.RequestTimeout,
		MaxResponseBytes: cfg.MaxResponseBytes,
		History:          a.reconcileOptions(),
		Metrics:          a.metrics,
		Tracer:           tp.Tracer(),
	})
	return a, nil
}

// observabilityLogConfig keeps stdout free for command output.
func observabilityLogConfig(cfg config.RuntimeConfig) observability.LogConfig {
	return observability.LogConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: os.Stderr,
	}
}

func (a *app) reconcileOptions() reconciler.Options {
	opts := reconciler.DefaultOptions()
	opts.UserDedupWindow = a.cfg.Reconcile.UserDedupWindow
	opts.DropUnknownAuthors = a.cfg.Reconcile.DropUnknownAuthors
	opts.WorkerAuthors = a.cfg.Reconcile.WorkerAuthors
	opts.DedupCacheSize = a.cfg.Reconcile.DedupCacheSize
	opts.Metrics = a.metrics
	return opts
}

func (a *app) streamOptions() stream.Options {
	sc := a.cfg.Stream
	return stream.Options{
		URL:   a.cfg.StreamURL,
		Token: a.cfg.Token,
		Backoff: dferrors.BackoffConfig{
			MaxAttempts:  sc.ReconnectAttempts,
			BaseDelay:    sc.ReconnectBaseDelay,
			MaxDelay:     sc.ReconnectMaxDelay,
			JitterFactor: 0.2,
		},
		KeepaliveInterval: sc.KeepaliveInterval,
		HandshakeTimeout:  sc.HandshakeTimeout,
		CloseGrace:        sc.CloseGrace,
		BufferSize:        sc.BufferSize,
		Metrics:           a.metrics,
	}
}

func (a *app) orchestrator() (*orchestrator.Orchestrator, error) {
	var runMetrics *orchestrator.Metrics
	if a.metrics != nil {
		runMetrics = orchestrator.MustNewMetrics(nil)
	}
	return orchestrator.New(orchestrator.Options{
		Backend:             a.client,
		Stream:              a.streamOptions(),
		Reconcile:           a.reconcileOptions(),
		StatusWatchInterval: a.cfg.StatusWatchInterval,
		Metrics:             a.metrics,
		RunMetrics:          runMetrics,
		Tracer:              a.tracer.Tracer(),
	})
}

// close flushes the tracer and stops the metrics server.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		if err := a.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown: %v", err)
	}
}

func parseDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", raw)
	}
	return d, nil
}
