// File: cmd/runtime.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/config"
	"github.com/xkilldash9x/remotesuite/internal/controlplane"
	"github.com/xkilldash9x/remotesuite/internal/ledger"
	"github.com/xkilldash9x/remotesuite/internal/observability"
	"github.com/xkilldash9x/remotesuite/internal/orchestrator"
	"github.com/xkilldash9x/remotesuite/internal/telemetry"
	"github.com/xkilldash9x/remotesuite/internal/visual"
)

// Seams replaced in tests.
var (
	connectPool = func(ctx context.Context, url string) (ledger.DBPool, func(), error) {
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return pool, pool.Close, nil
	}
	newPublisher = func(cfg telemetry.NATSConfig) (telemetry.Publisher, error) {
		return telemetry.NewNATSPublisher(cfg)
	}
)

// components holds the collaborators built from configuration for one
// command execution.
type components struct {
	Logger   *zap.Logger
	Client   *controlplane.Client
	Ledger   *ledger.Ledger
	Handlers []orchestrator.Handler
	RunID    string

	closers []func(ctx context.Context) error
}

// initializeComponents wires the optional subsystems the configuration
// enables. On error the already started ones are shut down.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (c *components, err error) {
	c = &components{Logger: logger, RunID: uuid.New().String()}
	defer func() {
		if err != nil {
			c.Shutdown(context.Background())
			c = nil
		}
	}()

	if cfg.Tracing.Enabled {
		tp, err := observability.NewTracerProvider("remotesuite", Version, os.Stderr)
		if err != nil {
			return c, fmt.Errorf("failed to start tracing: %w", err)
		}
		c.closers = append(c.closers, tp.Shutdown)
	}

	if cfg.Metrics.Enabled {
		c.closers = append(c.closers, startMetricsServer(cfg.Metrics.Address, logger))
	}

	var clientOpts []controlplane.Option
	if cfg.Database.URL != "" {
		pool, closePool, err := connectPool(ctx, cfg.Database.URL)
		if err != nil {
			return c, err
		}
		c.closers = append(c.closers, func(context.Context) error { closePool(); return nil })

		l, err := ledger.New(ctx, pool, logger)
		if err != nil {
			return c, fmt.Errorf("failed to initialize ledger: %w", err)
		}
		if err := l.EnsureSchema(ctx); err != nil {
			return c, err
		}
		c.Ledger = l
		c.closers = append(c.closers, l.Flush)
		clientOpts = append(clientOpts, controlplane.WithRecorder(l))
	}
	c.Client = controlplane.NewClient(logger, cfg.ControlPlane, clientOpts...)

	if cfg.Telemetry.Enabled {
		pub, err := newPublisher(telemetry.NATSConfig{URL: cfg.Telemetry.NATSURL, Name: "remotesuite-" + c.RunID})
		if err != nil {
			return c, err
		}
		c.closers = append(c.closers, func(context.Context) error { return pub.Close() })
		c.Handlers = append(c.Handlers, telemetry.NewHandler(logger, pub, cfg.Telemetry.Subject, c.RunID))
	}
	if cfg.Visual.Enabled {
		c.Handlers = append(c.Handlers, visual.NewHandlerFromConfig(logger, cfg.Visual))
	}
	return c, nil
}

// Shutdown releases the components in reverse start order.
func (c *components) Shutdown(ctx context.Context) {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if err := errors.Join(errs...); err != nil {
		c.Logger.Warn("Error during shutdown.", zap.Error(err))
	}
}

func startMetricsServer(addr string, logger *zap.Logger) func(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed.", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics.", zap.String("address", addr))
	return srv.Shutdown
}
