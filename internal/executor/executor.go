// Package executor runs the tick reconciliation loop against a broker adapter
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trade_executor/internal/alert"
	"trade_executor/internal/broker"
	"trade_executor/internal/broker/base"
	"trade_executor/internal/config"
	"trade_executor/internal/core"
	"trade_executor/internal/store"
	"trade_executor/internal/tickapi"
	"trade_executor/pkg/concurrency"
	apperrors "trade_executor/pkg/errors"
	"trade_executor/pkg/telemetry"

	"go.opentelemetry.io/otel/trace"
)

// Alerter notifies operators. Satisfied by *alert.AlertManager.
type Alerter interface {
	Notify(ctx context.Context, incident alert.Incident)
}

// Deps are the collaborators of an Executor. Nil members get defaults built
// from the configuration.
type Deps struct {
	Registry *broker.Registry
	Store    core.IFillStore
	Client   core.ITickClient
	Logger   core.ILogger
	Alerter  Alerter
	Events   core.IEventSink
	Metrics  *telemetry.MetricsHolder
	Clock    func() time.Time
}

// Executor owns one broker session and its tick loop.
//
// mu serializes Start, Stop and Tick for their whole critical section, so a
// manual tick and a timer tick never overlap and Stop waits for an in-flight
// tick. stateMu guards the fields read by GetStatus so status stays readable
// while a tick is running.
type Executor struct {
	cfg      *config.Config
	registry *broker.Registry
	store    core.IFillStore
	client   core.ITickClient
	logger   core.ILogger
	alerter  Alerter
	events   core.IEventSink
	metrics  *telemetry.MetricsHolder
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.Mutex
	adapter core.IBrokerAdapter
	pool    *concurrency.WorkerPool
	stopCh  chan struct{}

	stateMu           sync.RWMutex
	state             string
	tickCount         int64
	lastTickTime      *float64
	errorCount        int64
	consecutiveErrors int64
	lastError         *string
	symbols           []string
	refPrices         map[string]*float64
	workerLogs        map[string][]string
	unsaved           []core.Transaction
}

// New creates a stopped executor
func New(cfg *config.Config, deps Deps) (*Executor, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	logger := deps.Logger.WithField("component", "executor")

	if deps.Registry == nil {
		deps.Registry = broker.NewRegistry()
	}
	if deps.Store == nil {
		fs, err := store.NewFileStore(cfg.PendingPath(), deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open pending store: %w", err)
		}
		deps.Store = fs
	}
	if deps.Client == nil {
		deps.Client = tickapi.NewClient(cfg.TickURL(), cfg.APIKey.Reveal(),
			time.Duration(cfg.TickTimeout)*time.Second, deps.Logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.GetGlobalMetrics()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	e := &Executor{
		cfg:        cfg,
		registry:   deps.Registry,
		store:      deps.Store,
		client:     deps.Client,
		logger:     logger,
		alerter:    deps.Alerter,
		events:     deps.Events,
		metrics:    deps.Metrics,
		tracer:     telemetry.GetTracer("executor"),
		now:        deps.Clock,
		state:      core.StateStopped,
		refPrices:  make(map[string]*float64),
		workerLogs: make(map[string][]string),
	}
	e.metrics.SetPending(e.store.Count())
	return e, nil
}

// Config returns the configuration the executor was built with
func (e *Executor) Config() *config.Config {
	return e.cfg
}

// Running reports whether the executor is in the running state
func (e *Executor) Running() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state == core.StateRunning
}

func (e *Executor) setState(s string) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
	e.metrics.SetRunning(s == core.StateRunning)
}

// Start validates the configuration and connects the adapter. Only a
// successful connect moves the executor to running.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Running() {
		return apperrors.ErrAlreadyRunning
	}

	if !e.cfg.IsValid() {
		e.logger.Error("Invalid config: api_key required")
		e.startFailed(ctx, apperrors.ErrMissingAPIKey)
		return apperrors.ErrMissingAPIKey
	}

	e.setState(core.StateStarting)

	adapter, err := e.registry.New(e.cfg.Adapter, e.cfg.AdapterConfig, base.Env{
		Logger:   e.logger,
		DataPath: e.cfg.DataPath,
	})
	if err != nil {
		e.setState(core.StateStopped)
		err = fmt.Errorf("adapter error: %w", err)
		e.logger.Error("Failed to create adapter", "adapter", e.cfg.Adapter, "error", err)
		e.startFailed(ctx, err)
		return err
	}

	if !e.connect(ctx, adapter) {
		e.setState(core.StateStopped)
		e.disconnect(adapter)
		err := fmt.Errorf("%w: %s", apperrors.ErrAdapterConnect, e.cfg.Adapter)
		e.logger.Error("Failed to connect adapter", "adapter", e.cfg.Adapter)
		e.startFailed(ctx, err)
		return err
	}

	e.adapter = adapter
	e.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "quotes",
		MaxWorkers: e.cfg.QuoteWorkers,
	}, e.logger)
	e.stopCh = make(chan struct{})
	e.setState(core.StateRunning)

	e.logger.Info("Executor started", "adapter", adapter.Name(), "poll_interval", e.cfg.PollInterval)
	e.publish("status", e.GetStatus())
	return nil
}

// connect calls adapter.Connect, treating a panic as a failed connect
func (e *Executor) connect(ctx context.Context, adapter core.IBrokerAdapter) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Adapter error", "adapter", adapter.Name(), "panic", r)
			ok = false
		}
	}()
	return adapter.Connect(ctx)
}

func (e *Executor) disconnect(adapter core.IBrokerAdapter) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Adapter disconnect panicked", "panic", r)
		}
	}()
	adapter.Disconnect()
}

func (e *Executor) startFailed(ctx context.Context, err error) {
	// An interrupted start is an operator action, not an incident
	if e.alerter == nil || ctx.Err() != nil {
		return
	}
	e.alerter.Notify(ctx, alert.Incident{
		Kind:      alert.StartFailed,
		Adapter:   e.cfg.Adapter,
		LastError: err.Error(),
		Time:      e.now(),
	})
}

// Stop moves to stopped and disconnects the adapter. It waits for an
// in-flight tick, is idempotent and safe before Start.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	wasRunning := e.Running()
	e.setState(core.StateStopped)

	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
	if e.adapter != nil {
		e.disconnect(e.adapter)
		e.logger.Info("Disconnected from adapter", "adapter", e.adapter.Name())
		e.adapter = nil
	}
	if e.pool != nil {
		e.pool.Stop()
		e.pool = nil
	}

	if wasRunning {
		e.logger.Info("Executor stopped")
		e.publish("status", e.GetStatus())
	}
}

// Run ticks until Stop is called or ctx is cancelled, sleeping poll_interval
// between ticks. Cancellation only gates the next iteration: the in-flight
// tick runs to completion. On cancellation Run stops the executor.
func (e *Executor) Run(ctx context.Context) error {
	e.mu.Lock()
	stop := e.stopCh
	e.mu.Unlock()
	if stop == nil {
		return apperrors.ErrNotRunning
	}

	interval := time.Duration(e.cfg.PollInterval) * time.Second
	e.logger.Info("Entering main loop", "interval", interval.String())

	for {
		result, err := e.Tick(context.WithoutCancel(ctx))
		if errors.Is(err, apperrors.ErrNotRunning) {
			return nil
		}
		if result != nil && result.Success {
			e.logger.Info("Tick complete",
				"orders_filled", result.OrdersFilled,
				"orders_received", result.OrdersReceived,
				"duration_ms", result.DurationMS)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("Shutdown signal received")
			e.Stop()
			return nil
		case <-stop:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (e *Executor) publish(eventType string, data interface{}) {
	if e.events != nil {
		e.events.Publish(eventType, data)
	}
}
