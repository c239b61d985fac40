package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"

	"trade_executor/internal/bootstrap"
	"trade_executor/internal/broker"
	"trade_executor/internal/config"
	"trade_executor/internal/executor"
	"trade_executor/internal/infrastructure/health"
	"trade_executor/internal/infrastructure/metrics"
	"trade_executor/internal/infrastructure/server"
	"trade_executor/internal/store"
	"trade_executor/pkg/liveserver"

	"github.com/joho/godotenv"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	web := flag.Bool("web", false, "Serve the control surface instead of running headless")
	host := flag.String("host", "", "Listen host (overrides config)")
	port := flag.Int("port", 0, "Listen port (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("trade_executor version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// .env is optional
	_ = godotenv.Load()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	if *host != "" {
		app.Cfg.Server.Host = *host
	}
	if *port != 0 {
		app.Cfg.Server.Port = *port
	}
	addr := net.JoinHostPort(app.Cfg.Server.Host, strconv.Itoa(app.Cfg.Server.Port))

	app.Logger.Info("Starting trade_executor",
		"version", version,
		"mode", modeName(*web),
		"adapter", app.Cfg.Adapter,
		"api_url", app.Cfg.APIURL,
	)

	if *web {
		err = runWeb(app, addr)
	} else {
		err = runHeadless(app, addr)
	}
	if err != nil {
		app.Logger.Error("Exiting with error", "error", err)
		app.Close()
		os.Exit(1)
	}
}

func modeName(web bool) string {
	if web {
		return "web"
	}
	return "headless"
}

func runHeadless(app *bootstrap.App, addr string) error {
	ctx, stop := bootstrap.SignalContext()
	defer stop()

	exec, err := executor.New(app.Cfg, executor.Deps{
		Registry: broker.NewRegistry(),
		Logger:   app.Logger,
		Alerter:  app.Alerts,
	})
	if err != nil {
		return err
	}
	// Adapter connect may retry for a while
	if err := exec.Start(ctx); err != nil {
		if ctx.Err() != nil {
			app.Logger.Info("Interrupted while starting")
			return nil
		}
		return err
	}
	defer exec.Stop()

	runners := []bootstrap.Runner{bootstrap.RunnerFunc(exec.Run)}

	if app.Cfg.Telemetry.EnableMetrics {
		pendingPath := app.Cfg.PendingPath()
		hm := health.NewHealthManager(app.Logger)
		hm.Register("pending_store", func() error {
			_, err := store.Inspect(pendingPath)
			return err
		})
		hm.RegisterOptional("executor", func() error {
			if !exec.Running() {
				return fmt.Errorf("executor %s", exec.GetStatus().State)
			}
			return nil
		})
		runners = append(runners, metrics.NewServer(addr, app.Logger, hm))
	}

	return app.RunContext(ctx, runners...)
}

func runWeb(app *bootstrap.App, addr string) error {
	hub := liveserver.NewHub(app.Logger)
	ctrl, err := server.NewController(server.ControllerOptions{
		ConfigPath: app.ConfigPath,
		Registry:   broker.NewRegistry(),
		Logger:     app.Logger,
		Alerter:    app.Alerts,
		Hub:        hub,
		Health:     health.NewHealthManager(app.Logger),
	})
	if err != nil {
		return err
	}
	defer ctrl.Shutdown()

	httpServer := server.NewHTTPServer(addr, ctrl.Routes(), app.Logger)
	return app.Run(
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			hub.Run(ctx)
			return nil
		}),
		httpServer,
	)
}
