package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trade_executor/internal/alert"
	"trade_executor/internal/core"
	"trade_executor/internal/tickapi"
	apperrors "trade_executor/pkg/errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxWorkerLogs  = 200
	logStampLayout = "060102 15:04:05"
	tickSpanName   = "executor.tick"
)

// Tick runs one reconciliation cycle. The returned error is only
// ErrNotRunning; every cycle-local failure is reported in the result and the
// status counters.
func (e *Executor) Tick(ctx context.Context) (result *core.TickResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.Running() || e.adapter == nil {
		return nil, apperrors.ErrNotRunning
	}

	start := e.now()
	tick := e.beginTick(start)

	ctx, span := e.tracer.Start(ctx, tickSpanName, trace.WithAttributes(
		attribute.Int64("tick", tick),
		attribute.String("adapter", e.adapter.Name()),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("unexpected error: %v", r)
			e.logger.Error("Tick panicked", "tick", tick, "panic", r)
			span.SetStatus(codes.Error, msg)
			result = e.fail(ctx, tick, start, msg)
			err = nil
		}
	}()

	// 1. Snapshot what still has to be reported. Nothing is cleared yet.
	pending := e.pendingSnapshot()
	e.logger.Info("Tick started", "tick", tick, "pending", len(pending))

	// 2. Quotes for symbols tracked from the previous reply
	prices := e.fetchQuotes(ctx, start.Unix())
	span.SetAttributes(
		attribute.Int("tick.pending", len(pending)),
		attribute.Int("tick.prices", len(prices)),
	)

	// 3. One remote call
	resp, callErr := e.client.Tick(ctx, &core.TickRequest{Prices: prices, Transactions: pending})
	if callErr != nil {
		// A 2xx with an unreadable body still acknowledged the report
		if tickapi.Acknowledged(callErr) {
			e.retire()
		}
		span.RecordError(callErr)
		span.SetStatus(codes.Error, callErr.Error())
		e.logger.Error("Tick failed", "tick", tick, "error", callErr)
		return e.fail(ctx, tick, start, callErr.Error()), nil
	}

	// 4. Confirmed success retires everything that was sent
	e.retire()
	e.applyResponse(resp, start)
	e.logger.Info("Tick response received", "tick", tick, "orders", len(resp.Orders), "symbols", len(resp.Prices))

	// 5. Execute in the order received; one bad order never stops the batch
	var fills []core.Transaction
	for _, order := range resp.Orders {
		fill := e.execute(ctx, order)
		e.metrics.RecordOrder(ctx, order.Symbol, order.Action, fill.Success, order.Volume)
		if !fill.Success {
			e.logger.Warn("Order failed", "order_id", order.OrderID, "symbol", order.Symbol, "action", order.Action, "volume", order.Volume, "error", fill.Error)
			continue
		}
		e.logger.Info("Order filled", "order_id", order.OrderID, "symbol", order.Symbol, "action", order.Action,
			"shares", fill.FillShares, "price", fill.FillPrice, "commission", fill.Commission)
		fills = append(fills, core.Transaction{
			OrderID:    order.OrderID,
			Symbol:     order.Symbol,
			Action:     order.Action,
			Volume:     fill.FillShares,
			Price:      fill.FillPrice,
			Commission: fill.Commission,
			Time:       e.now().Unix(),
		})
	}

	// 6. New fills are reported on the next tick
	e.persist(fills)

	duration := e.now().Sub(start).Milliseconds()
	span.SetAttributes(
		attribute.Int("tick.orders_received", len(resp.Orders)),
		attribute.Int("tick.orders_filled", len(fills)),
	)
	e.metrics.RecordTick(ctx, true, float64(duration))
	e.recordSuccess(ctx, tick)

	result = &core.TickResult{
		Success:        true,
		Tick:           tick,
		OrdersReceived: len(resp.Orders),
		OrdersFilled:   len(fills),
		DurationMS:     duration,
	}
	e.publish("tick", result)
	e.publish("status", e.GetStatus())
	return result, nil
}

func (e *Executor) beginTick(now time.Time) int64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.tickCount++
	ts := float64(now.UnixNano()) / float64(time.Second)
	e.lastTickTime = &ts
	return e.tickCount
}

// pendingSnapshot folds fills that could not be written last tick back into
// the store and returns everything awaiting report, never nil.
func (e *Executor) pendingSnapshot() []core.Transaction {
	e.stateMu.Lock()
	unsaved := e.unsaved
	e.stateMu.Unlock()

	if len(unsaved) > 0 {
		if err := e.store.Append(unsaved); err != nil {
			e.logger.Error("Failed to persist buffered fills", "count", len(unsaved), "error", err)
		} else {
			e.stateMu.Lock()
			e.unsaved = nil
			e.stateMu.Unlock()
			unsaved = nil
		}
	}

	pending := append([]core.Transaction{}, e.store.List()...)
	return append(pending, unsaved...)
}

func (e *Executor) fetchQuotes(ctx context.Context, capturedAt int64) map[string]core.PriceSnapshot {
	e.stateMu.RLock()
	symbols := append([]string(nil), e.symbols...)
	refs := make(map[string]*float64, len(e.refPrices))
	for sym, p := range e.refPrices {
		refs[sym] = p
	}
	e.stateMu.RUnlock()

	prices := make(map[string]core.PriceSnapshot, len(symbols))
	if len(symbols) == 0 {
		return prices
	}

	var mu sync.Mutex
	tasks := make([]func(), 0, len(symbols))
	for _, sym := range symbols {
		tasks = append(tasks, func() {
			q := e.quote(ctx, sym, refs[sym])
			if q == nil {
				return
			}
			mu.Lock()
			prices[sym] = core.NewPriceSnapshot(q, capturedAt)
			mu.Unlock()
		})
	}
	e.pool.RunAll(tasks)
	return prices
}

func (e *Executor) quote(ctx context.Context, symbol string, ref *float64) (q *core.Quote) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Quote fetch panicked", "symbol", symbol, "panic", r)
			q = nil
		}
	}()
	return e.adapter.FetchQuote(ctx, symbol, ref)
}

func (e *Executor) execute(ctx context.Context, order core.Order) (fill core.FillResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Order execution panicked", "order_id", order.OrderID, "panic", r)
			fill = core.Failed("unexpected error: %v", r)
		}
	}()
	e.logger.Info("Executing order", "order_id", order.OrderID, "action", order.Action, "symbol", order.Symbol, "volume", order.Volume, "price", order.Price)
	return e.adapter.ExecuteOrder(ctx, order)
}

// retire clears reported transactions from the store and the unsaved buffer
func (e *Executor) retire() {
	if err := e.store.Clear(); err != nil {
		e.logger.Error("Failed to clear pending store", "error", err)
	}
	e.stateMu.Lock()
	e.unsaved = nil
	e.stateMu.Unlock()
	e.metrics.SetPending(e.store.Count())
}

// persist appends new fills. Fills the store rejects stay in memory and are
// sent with the next request.
func (e *Executor) persist(fills []core.Transaction) {
	if len(fills) > 0 {
		if err := e.store.Append(fills); err != nil {
			e.logger.Error("Failed to persist fills", "count", len(fills), "error", err)
			e.stateMu.Lock()
			e.unsaved = append(e.unsaved, fills...)
			e.stateMu.Unlock()
		}
	}
	e.metrics.SetPending(e.pendingCount())
}

func (e *Executor) applyResponse(resp *core.TickResponse, now time.Time) {
	stamp := now.Format(logStampLayout) + " "

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	e.refPrices = make(map[string]*float64, len(resp.Prices))
	e.symbols = make([]string, 0, len(resp.Prices))
	for sym, p := range resp.Prices {
		e.refPrices[sym] = p
		e.symbols = append(e.symbols, sym)
	}
	sort.Strings(e.symbols)

	for sym, lines := range resp.Logs {
		buf := e.workerLogs[sym]
		for _, line := range lines {
			buf = append(buf, stamp+line)
		}
		if len(buf) > maxWorkerLogs {
			buf = append([]string(nil), buf[len(buf)-maxWorkerLogs:]...)
		}
		e.workerLogs[sym] = buf
	}

	e.metrics.SetTrackedSymbols(len(e.symbols))
}

func (e *Executor) fail(ctx context.Context, tick int64, start time.Time, msg string) *core.TickResult {
	duration := e.now().Sub(start).Milliseconds()
	e.metrics.RecordTick(ctx, false, float64(duration))

	e.stateMu.Lock()
	e.errorCount++
	e.consecutiveErrors++
	e.lastError = &msg
	consecutive := e.consecutiveErrors
	e.stateMu.Unlock()

	if threshold := int64(e.cfg.Alerts.FailureThreshold); e.alerter != nil && threshold > 0 && consecutive == threshold {
		e.alerter.Notify(ctx, alert.Incident{
			Kind:        alert.TickFailing,
			Adapter:     e.cfg.Adapter,
			Tick:        tick,
			FailedTicks: consecutive,
			LastError:   msg,
			Time:        e.now(),
		})
	}

	result := &core.TickResult{
		Success:    false,
		Tick:       tick,
		DurationMS: duration,
		Error:      msg,
	}
	e.publish("tick", result)
	e.publish("status", e.GetStatus())
	return result
}

func (e *Executor) recordSuccess(ctx context.Context, tick int64) {
	e.stateMu.Lock()
	previous := e.consecutiveErrors
	e.consecutiveErrors = 0
	e.stateMu.Unlock()

	if threshold := int64(e.cfg.Alerts.FailureThreshold); e.alerter != nil && threshold > 0 && previous >= threshold {
		e.alerter.Notify(ctx, alert.Incident{
			Kind:        alert.Recovered,
			Adapter:     e.cfg.Adapter,
			Tick:        tick,
			FailedTicks: previous,
			Time:        e.now(),
		})
	}
}
