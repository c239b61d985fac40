// Package bootstrap wires configuration, logging, telemetry and alerts and
// runs long-lived components until a termination signal arrives
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade_executor/internal/alert"
	"trade_executor/internal/config"
	"trade_executor/internal/core"
	"trade_executor/pkg/logging"
	"trade_executor/pkg/telemetry"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"
)

// App holds the process-wide dependencies
type App struct {
	ConfigPath string
	Cfg        *config.Config
	Logger     core.ILogger
	Alerts     *alert.AlertManager

	zap       *logging.ZapLogger
	telemetry *telemetry.Telemetry
	meters    *sdkmetric.MeterProvider
}

// NewApp loads the configuration and initializes logging, telemetry and
// alert channels
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// Full OTel setup only when traces are wanted; otherwise metrics alone
	var (
		tel    *telemetry.Telemetry
		meters *sdkmetric.MeterProvider
	)
	switch {
	case cfg.Telemetry.EnableMetrics && cfg.Telemetry.StdoutTraces:
		tel, err = telemetry.Setup(cfg.Telemetry.ServiceName,
			telemetry.WithTraceWriter(os.Stdout),
			telemetry.WithLogWriter(io.Discard),
		)
	case cfg.Telemetry.EnableMetrics:
		meters, err = telemetry.InitMetrics()
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.LogLevel, logging.WithServiceName(cfg.Telemetry.ServiceName))
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	return &App{
		ConfigPath: configPath,
		Cfg:        cfg,
		Logger:     logger,
		Alerts:     alert.NewFromConfig(cfg.Alerts, logger),
		zap:        logger,
		telemetry:  tel,
		meters:     meters,
	}, nil
}

// Runner is a component that runs until its context is cancelled
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

// Run implements Runner
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// SignalContext is cancelled by SIGINT or SIGTERM. Install it before slow
// startup work so a signal during startup takes the graceful path.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Run is RunContext under a fresh SignalContext
func (a *App) Run(runners ...Runner) error {
	ctx, stop := SignalContext()
	defer stop()
	return a.RunContext(ctx, runners...)
}

// RunContext starts every runner and blocks until all of them return.
// Cancelling ctx stops them all; so does the first runner error.
func (a *App) RunContext(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting application", "runners", len(runners))
	for _, r := range runners {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("Application shut down gracefully")
	return nil
}

// Close flushes telemetry, pending alerts and the logger
func (a *App) Close() {
	a.Alerts.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.Logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
	if a.meters != nil {
		if err := a.meters.Shutdown(ctx); err != nil {
			a.Logger.Warn("Meter provider shutdown failed", "error", err)
		}
	}
	_ = a.zap.Sync()
}
