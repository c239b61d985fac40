package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTicksTotal          = "executor_ticks_total"
	MetricTickErrorsTotal     = "executor_tick_errors_total"
	MetricTickDuration        = "executor_tick_duration_ms"
	MetricRemoteLatency       = "executor_remote_latency_ms"
	MetricOrdersReceivedTotal = "executor_orders_received_total"
	MetricOrdersFilledTotal   = "executor_orders_filled_total"
	MetricOrdersFailedTotal   = "executor_orders_failed_total"
	MetricFilledVolumeTotal   = "executor_filled_volume_total"
	MetricPendingTransactions = "executor_pending_transactions"
	MetricRunning             = "executor_running"
	MetricTrackedSymbols      = "executor_tracked_symbols"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TicksTotal          metric.Int64Counter
	TickErrorsTotal     metric.Int64Counter
	TickDuration        metric.Float64Histogram
	RemoteLatency       metric.Float64Histogram
	OrdersReceivedTotal metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	OrdersFailedTotal   metric.Int64Counter
	FilledVolumeTotal   metric.Int64Counter
	PendingTransactions metric.Int64ObservableGauge
	Running             metric.Int64ObservableGauge
	TrackedSymbols      metric.Int64ObservableGauge

	// State for observable gauges
	mu             sync.RWMutex
	pending        int64
	running        int64
	trackedSymbols int64
	initialized    bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TicksTotal, err = meter.Int64Counter(MetricTicksTotal, metric.WithDescription("Tick cycles attempted"))
	if err != nil {
		return err
	}

	m.TickErrorsTotal, err = meter.Int64Counter(MetricTickErrorsTotal, metric.WithDescription("Tick cycles that failed"))
	if err != nil {
		return err
	}

	m.TickDuration, err = meter.Float64Histogram(MetricTickDuration, metric.WithDescription("Tick cycle duration"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.RemoteLatency, err = meter.Float64Histogram(MetricRemoteLatency, metric.WithDescription("Latency of the remote tick call"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OrdersReceivedTotal, err = meter.Int64Counter(MetricOrdersReceivedTotal, metric.WithDescription("Orders received from the remote service"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Orders filled by the broker"))
	if err != nil {
		return err
	}

	m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal, metric.WithDescription("Orders the broker failed to fill"))
	if err != nil {
		return err
	}

	m.FilledVolumeTotal, err = meter.Int64Counter(MetricFilledVolumeTotal, metric.WithDescription("Shares filled"))
	if err != nil {
		return err
	}

	m.PendingTransactions, err = meter.Int64ObservableGauge(MetricPendingTransactions, metric.WithDescription("Transactions awaiting report"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.pending)
			return nil
		}))
	if err != nil {
		return err
	}

	m.Running, err = meter.Int64ObservableGauge(MetricRunning, metric.WithDescription("Executor running state (1=running, 0=stopped)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.running)
			return nil
		}))
	if err != nil {
		return err
	}

	m.TrackedSymbols, err = meter.Int64ObservableGauge(MetricTrackedSymbols, metric.WithDescription("Symbols tracked from the last tick response"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.trackedSymbols)
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

func (m *MetricsHolder) ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// RecordTick records a finished tick cycle
func (m *MetricsHolder) RecordTick(ctx context.Context, success bool, durationMS float64) {
	if !m.ready() {
		return
	}
	result := attribute.String("result", "success")
	if !success {
		result = attribute.String("result", "failure")
		m.TickErrorsTotal.Add(ctx, 1)
	}
	m.TicksTotal.Add(ctx, 1, metric.WithAttributes(result))
	m.TickDuration.Record(ctx, durationMS, metric.WithAttributes(result))
}

// RecordRemoteLatency records the remote call latency
func (m *MetricsHolder) RecordRemoteLatency(ctx context.Context, ms float64, outcome string) {
	if !m.ready() {
		return
	}
	m.RemoteLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordOrder records a single order execution outcome
func (m *MetricsHolder) RecordOrder(ctx context.Context, symbol, action string, filled bool, shares int) {
	if !m.ready() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("action", action))
	m.OrdersReceivedTotal.Add(ctx, 1, attrs)
	if !filled {
		m.OrdersFailedTotal.Add(ctx, 1, attrs)
		return
	}
	m.OrdersFilledTotal.Add(ctx, 1, attrs)
	m.FilledVolumeTotal.Add(ctx, int64(shares), attrs)
}

// Helpers to update observable state

func (m *MetricsHolder) SetPending(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = int64(count)
}

func (m *MetricsHolder) SetRunning(running bool) {
	val := int64(0)
	if running {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = val
}

func (m *MetricsHolder) SetTrackedSymbols(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackedSymbols = int64(count)
}

// GetPending returns the last observed pending count
func (m *MetricsHolder) GetPending() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending
}

// IsRunning returns the last observed running state
func (m *MetricsHolder) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running == 1
}
