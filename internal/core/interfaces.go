package core

import "context"

// IBrokerAdapter is the pluggable order-execution backend.
//
// Disconnect must be idempotent and safe before Connect. ExecuteBuy and
// ExecuteSell report expected brokerage failures through FillResult.Success
// instead of panicking. FetchQuote may return nil when no quote is available;
// the reference price is only a hint and may be nil.
type IBrokerAdapter interface {
	Name() string
	Connect(ctx context.Context) bool
	Disconnect()
	FetchQuote(ctx context.Context, symbol string, referencePrice *float64) *Quote
	ExecuteBuy(ctx context.Context, symbol string, shares int, price float64) FillResult
	ExecuteSell(ctx context.Context, symbol string, shares int, price float64) FillResult
	ExecuteOrder(ctx context.Context, order Order) FillResult
}

// IFillStore is the durable queue of transactions awaiting report
type IFillStore interface {
	Append(txs []Transaction) error
	List() []Transaction
	Clear() error
	Count() int
}

// ITickClient performs the remote tick call
type ITickClient interface {
	Tick(ctx context.Context, req *TickRequest) (*TickResponse, error)
	URL() string
}

// IEventSink receives executor events for live streaming
type IEventSink interface {
	Publish(eventType string, data interface{})
}

// IHealthMonitor reports component health
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
