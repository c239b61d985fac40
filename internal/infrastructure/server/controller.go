// Package server is the HTTP control surface of the executor
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"trade_executor/internal/broker"
	"trade_executor/internal/config"
	"trade_executor/internal/core"
	"trade_executor/internal/executor"
	"trade_executor/internal/infrastructure/health"
	"trade_executor/internal/store"
	apperrors "trade_executor/pkg/errors"
	"trade_executor/pkg/liveserver"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// ExecutorFactory builds a stopped executor from a freshly loaded config
type ExecutorFactory func(cfg *config.Config) (*executor.Executor, error)

// ControllerOptions configure a Controller
type ControllerOptions struct {
	ConfigPath string
	Registry   *broker.Registry
	Logger     core.ILogger
	Alerter    executor.Alerter
	Hub        *liveserver.Hub
	Health     *health.HealthManager
	NewExec    ExecutorFactory
	// Websocket handler limits
	Stream liveserver.Options
	// TickRateLimit is manual ticks per second; 0 uses the config value
	TickRateLimit float64
}

// Controller owns the current executor and serves the control API. Start and
// stop are serialized by mu.
type Controller struct {
	configPath string
	registry   *broker.Registry
	logger     core.ILogger
	hub        *liveserver.Hub
	health     *health.HealthManager
	newExec    ExecutorFactory
	stream     http.Handler
	tickLimit  *rate.Limiter

	mu       sync.Mutex
	exec     *executor.Executor
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewController creates a controller. The config file is read on every
// request so edits made through POST /api/config apply on the next start.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		opts.Registry = broker.NewRegistry()
	}
	if opts.Hub == nil {
		opts.Hub = liveserver.NewHub(opts.Logger)
	}
	if opts.Health == nil {
		opts.Health = health.NewHealthManager(opts.Logger)
	}

	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.TickRateLimit <= 0 {
		opts.TickRateLimit = cfg.Server.TickRateLimit
	}
	if opts.TickRateLimit <= 0 {
		opts.TickRateLimit = config.DefaultTickRateLimit
	}
	if opts.Stream.AllowedOrigins == nil {
		opts.Stream.AllowedOrigins = cfg.Server.AllowedOrigins
	}

	c := &Controller{
		configPath: opts.ConfigPath,
		registry:   opts.Registry,
		logger:     opts.Logger.WithField("component", "controller"),
		hub:        opts.Hub,
		health:     opts.Health,
		newExec:    opts.NewExec,
		tickLimit:  rate.NewLimiter(rate.Limit(opts.TickRateLimit), 1),
	}
	c.stream = liveserver.NewHandler(c.hub, c.logger, opts.Stream)

	if c.newExec == nil {
		c.newExec = func(cfg *config.Config) (*executor.Executor, error) {
			return executor.New(cfg, executor.Deps{
				Registry: c.registry,
				Logger:   opts.Logger,
				Alerter:  opts.Alerter,
				Events:   c.hub,
			})
		}
	}

	c.health.Register("config", func() error {
		_, err := config.LoadConfig(c.configPath)
		return err
	})
	c.health.Register("pending_store", c.checkStore)
	c.health.RegisterOptional("executor", c.checkExecutor)
	return c, nil
}

// Hub returns the event hub executors publish to
func (c *Controller) Hub() *liveserver.Hub {
	return c.hub
}

// Routes returns the HTTP handler of the control surface
func (c *Controller) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", c.handleStatus)
	mux.HandleFunc("POST /api/start", c.handleStart)
	mux.HandleFunc("POST /api/stop", c.handleStop)
	mux.HandleFunc("POST /api/tick", c.handleTick)
	mux.HandleFunc("GET /api/config", c.handleGetConfig)
	mux.HandleFunc("POST /api/config", c.handleSetConfig)
	mux.HandleFunc("GET /api/adapters", c.handleAdapters)
	mux.HandleFunc("DELETE /api/workers/{symbol}/logs", c.handleClearLogs)
	mux.HandleFunc("GET /health", c.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws", c.stream)
	return mux
}

// StartExecutor builds an executor from the saved config, connects it and
// runs its loop in the background
func (c *Controller) StartExecutor(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exec != nil && c.exec.Running() {
		return apperrors.ErrAlreadyRunning
	}

	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	exec, err := c.newExec(cfg)
	if err != nil {
		return err
	}
	if err := exec.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := exec.Run(runCtx); err != nil {
			c.logger.Error("Run loop exited", "error", err)
		}
	}()

	c.exec = exec
	c.cancel = cancel
	c.loopDone = done
	c.logger.Info("Executor started from control surface", "adapter", cfg.Adapter)
	return nil
}

// StopExecutor stops the running executor and waits for its loop to exit.
// The stopped executor is kept so status still shows its counters.
func (c *Controller) StopExecutor() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exec == nil || !c.exec.Running() {
		return apperrors.ErrNotRunning
	}
	c.stopLocked()
	return nil
}

// Shutdown stops any running executor
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exec != nil {
		c.stopLocked()
	}
}

func (c *Controller) stopLocked() {
	c.exec.Stop()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.loopDone != nil {
		<-c.loopDone
		c.loopDone = nil
	}
	c.logger.Info("Executor stopped from control surface")
}

func (c *Controller) current() *executor.Executor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exec
}

func (c *Controller) handleStatus(w http.ResponseWriter, r *http.Request) {
	if exec := c.current(); exec != nil {
		writeJSON(w, http.StatusOK, exec.GetStatus())
		return
	}

	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, executor.StoppedStatus(cfg.IsValid(), cfg.Adapter, cfg.PollInterval, c.pendingCount(cfg)))
}

func (c *Controller) handleStart(w http.ResponseWriter, r *http.Request) {
	err := c.StartExecutor(r.Context())
	switch {
	case errors.Is(err, apperrors.ErrAlreadyRunning):
		writeError(w, http.StatusBadRequest, "Already running")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (c *Controller) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := c.StopExecutor(); err != nil {
		writeError(w, http.StatusBadRequest, "Not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (c *Controller) handleTick(w http.ResponseWriter, r *http.Request) {
	exec := c.current()
	if exec == nil || !exec.Running() {
		writeError(w, http.StatusBadRequest, "Not running")
		return
	}
	if !c.tickLimit.Allow() {
		writeError(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	// A client hanging up must not abandon a tick halfway
	result, err := exec.Tick(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Not running")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type configView struct {
	APIKey        string                 `json:"api_key"`
	Adapter       string                 `json:"adapter"`
	AdapterConfig map[string]interface{} `json:"adapter_config"`
	APIURL        string                 `json:"api_url"`
	PollInterval  int                    `json:"poll_interval"`
}

func (c *Controller) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	view := configView{
		Adapter:       cfg.Adapter,
		AdapterConfig: c.maskSecrets(cfg.Adapter, cfg.AdapterConfig),
		APIURL:        cfg.APIURL,
		PollInterval:  cfg.PollInterval,
	}
	if cfg.APIKey != "" {
		view.APIKey = config.MaskedValue
	}
	writeJSON(w, http.StatusOK, view)
}

// maskSecrets hides the values of password fields the adapter declares
func (c *Controller) maskSecrets(adapter string, settings map[string]interface{}) map[string]interface{} {
	secret := make(map[string]bool)
	for _, f := range c.registry.Fields(adapter) {
		if f.Type == core.FieldPassword {
			secret[f.Name] = true
		}
	}
	out := make(map[string]interface{}, len(settings))
	for k, v := range settings {
		if secret[k] && v != nil && v != "" {
			v = config.MaskedValue
		}
		out[k] = v
	}
	return out
}

type configUpdate struct {
	APIKey        *string                `json:"api_key"`
	Adapter       *string                `json:"adapter"`
	AdapterConfig map[string]interface{} `json:"adapter_config"`
	APIURL        *string                `json:"api_url"`
	PollInterval  *int                   `json:"poll_interval"`
}

func (c *Controller) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var body configUpdate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cfg.Apply(config.Update{
		APIKey:        body.APIKey,
		Adapter:       body.Adapter,
		AdapterConfig: body.AdapterConfig,
		APIURL:        body.APIURL,
		PollInterval:  body.PollInterval,
	})

	if c.registry.Fields(cfg.Adapter) == nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: %s", apperrors.ErrUnknownAdapter, cfg.Adapter))
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := cfg.Save(c.configPath); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	c.logger.Info("Configuration updated", "adapter", cfg.Adapter, "poll_interval", cfg.PollInterval)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (c *Controller) handleAdapters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.registry.All())
}

func (c *Controller) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if exec := c.current(); exec != nil {
		exec.ClearWorkerLogs(r.PathValue("symbol"))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (c *Controller) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	resp := map[string]interface{}{
		"status":     "ok",
		"components": c.health.GetStatus(),
		"clients":    c.hub.ClientCount(),
	}
	if !c.health.IsHealthy() {
		status = http.StatusServiceUnavailable
		resp["status"] = "unhealthy"
	}
	writeJSON(w, status, resp)
}

func (c *Controller) checkStore() error {
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	_, err = store.Inspect(cfg.PendingPath())
	return err
}

func (c *Controller) checkExecutor() error {
	exec := c.current()
	if exec == nil {
		return nil
	}
	status := exec.GetStatus()
	threshold := exec.Config().Alerts.FailureThreshold
	if status.Running && threshold > 0 && status.ConsecutiveErrors >= int64(threshold) {
		return fmt.Errorf("%d consecutive tick failures", status.ConsecutiveErrors)
	}
	return nil
}

// pendingCount reads the pending file without touching it; a corrupt file
// counts as empty, the same as the store treats it
func (c *Controller) pendingCount(cfg *config.Config) int {
	n, _ := store.Inspect(cfg.PendingPath())
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
