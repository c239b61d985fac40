package executor

import (
	"trade_executor/internal/core"
)

// GetStatus returns a snapshot of the executor state. It never blocks on a
// running tick.
func (e *Executor) GetStatus() core.Status {
	pending := e.pendingCount()

	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	workers := make(map[string]core.WorkerStatus, len(e.symbols))
	for _, sym := range e.symbols {
		workers[sym] = core.WorkerStatus{Price: e.refPrices[sym], Logs: e.logsFor(sym)}
	}
	// Symbols dropped from tracking keep their log history visible
	for sym := range e.workerLogs {
		if _, ok := workers[sym]; !ok {
			workers[sym] = core.WorkerStatus{Logs: e.logsFor(sym)}
		}
	}

	return core.Status{
		Running:             e.state == core.StateRunning,
		State:               e.state,
		TickCount:           e.tickCount,
		LastTickTime:        e.lastTickTime,
		PendingTransactions: pending,
		ConfigValid:         e.cfg.IsValid(),
		Adapter:             e.cfg.Adapter,
		ErrorCount:          e.errorCount,
		ConsecutiveErrors:   e.consecutiveErrors,
		LastError:           e.lastError,
		PollInterval:        e.cfg.PollInterval,
		Workers:             workers,
	}
}

func (e *Executor) logsFor(symbol string) []string {
	logs := e.workerLogs[symbol]
	out := make([]string, len(logs))
	copy(out, logs)
	return out
}

// ClearWorkerLogs empties the log buffer of one symbol and reports whether
// it had one
func (e *Executor) ClearWorkerLogs(symbol string) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	_, ok := e.workerLogs[symbol]
	delete(e.workerLogs, symbol)
	return ok
}

func (e *Executor) pendingCount() int {
	e.stateMu.RLock()
	unsaved := len(e.unsaved)
	e.stateMu.RUnlock()
	return e.store.Count() + unsaved
}

// StoppedStatus describes an executor that does not exist yet, derived from
// the configuration alone
func StoppedStatus(cfgValid bool, adapter string, pollInterval int, pending int) core.Status {
	return core.Status{
		State:               core.StateStopped,
		PendingTransactions: pending,
		ConfigValid:         cfgValid,
		Adapter:             adapter,
		PollInterval:        pollInterval,
		Workers:             map[string]core.WorkerStatus{},
	}
}
