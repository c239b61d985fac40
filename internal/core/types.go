package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Order actions
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
)

// OrderID is the remote-issued order identifier. The remote side may send it
// as a JSON string or number; it is always echoed back as a string.
type OrderID string

// UnmarshalJSON accepts both string and numeric identifiers
func (id *OrderID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = OrderID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("order_id must be a string or number: %w", err)
	}
	*id = OrderID(n.String())
	return nil
}

// Order is a remote-issued instruction consumed once per tick
type Order struct {
	OrderID OrderID `json:"order_id"`
	Action  string  `json:"action"`
	Symbol  string  `json:"symbol"`
	Volume  int     `json:"volume"`
	Price   float64 `json:"price"`

	// Invalid explains a volume that could not be read as whole shares.
	// Such an order is rejected on its own instead of failing the batch.
	Invalid string `json:"-"`
}

// UnmarshalJSON accepts a volume written as any integral JSON number
// (10, 10.0, 1e1) or a quoted one
func (o *Order) UnmarshalJSON(data []byte) error {
	type plain Order
	var raw struct {
		plain
		Volume json.RawMessage `json:"volume"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = Order(raw.plain)
	o.Volume, o.Invalid = 0, ""

	if len(raw.Volume) == 0 || string(raw.Volume) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw.Volume, &n); err != nil {
		o.Invalid = fmt.Sprintf("volume %s is not a number", raw.Volume)
		return nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		o.Invalid = fmt.Sprintf("volume %s is not a whole number of shares", n)
		return nil
	}
	o.Volume = int(f)
	return nil
}

// IsBuy reports whether the order action is buy (case-insensitive)
func (o Order) IsBuy() bool {
	return strings.EqualFold(o.Action, ActionBuy)
}

// IsSell reports whether the order action is sell (case-insensitive)
func (o Order) IsSell() bool {
	return strings.EqualFold(o.Action, ActionSell)
}

// Quote is a point-in-time price snapshot. Every field is optional.
type Quote struct {
	Open   *float64
	High   *float64
	Low    *float64
	Close  *float64
	Volume *int64
	Bid    *float64
	Ask    *float64
}

// FillResult is the outcome of attempting to execute one order
type FillResult struct {
	Success    bool    `json:"success"`
	FillPrice  float64 `json:"fill_price,omitempty"`
	FillShares int     `json:"fill_shares,omitempty"`
	Commission float64 `json:"commission,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Filled builds a successful fill result
func Filled(price float64, shares int, commission float64) FillResult {
	return FillResult{Success: true, FillPrice: price, FillShares: shares, Commission: commission}
}

// Failed builds a failed fill result
func Failed(format string, args ...interface{}) FillResult {
	return FillResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Transaction is a durable fill record awaiting report to the remote service
type Transaction struct {
	OrderID    OrderID `json:"order_id"`
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Volume     int     `json:"volume"`
	Price      float64 `json:"price"`
	Commission float64 `json:"commission"`
	Time       int64   `json:"time"`
}

// OHLCV is the candle part of an outbound price snapshot
type OHLCV struct {
	O *float64 `json:"o"`
	H *float64 `json:"h"`
	L *float64 `json:"l"`
	C *float64 `json:"c"`
	V *int64   `json:"v"`
}

// PriceSnapshot is the wire shape of one symbol in the outbound price map
type PriceSnapshot struct {
	OHLCV OHLCV    `json:"ohlcv"`
	Bid   *float64 `json:"bid"`
	Ask   *float64 `json:"ask"`
	Time  int64    `json:"time"`
}

// NewPriceSnapshot maps a quote into the outbound wire shape
func NewPriceSnapshot(q *Quote, capturedAt int64) PriceSnapshot {
	return PriceSnapshot{
		OHLCV: OHLCV{O: q.Open, H: q.High, L: q.Low, C: q.Close, V: q.Volume},
		Bid:   q.Bid,
		Ask:   q.Ask,
		Time:  capturedAt,
	}
}

// TickRequest is the body posted to the remote tick endpoint
type TickRequest struct {
	Prices       map[string]PriceSnapshot `json:"prices"`
	Transactions []Transaction            `json:"transactions"`
}

// TickResponse is the decoded reply of the remote tick endpoint.
// Prices carries bare reference prices, unlike the structured request snapshots.
type TickResponse struct {
	Orders []Order             `json:"orders"`
	Prices map[string]*float64 `json:"prices"`
	Logs   map[string][]string `json:"logs"`
}

// TickResult summarizes one tick cycle
type TickResult struct {
	Success        bool   `json:"success"`
	Tick           int64  `json:"tick,omitempty"`
	OrdersReceived int    `json:"orders_received"`
	OrdersFilled   int    `json:"orders_filled"`
	DurationMS     int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
}

// Executor lifecycle states
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
)

// WorkerStatus is the per-symbol view exposed in status
type WorkerStatus struct {
	Price *float64 `json:"price"`
	Logs  []string `json:"logs"`
}

// Status is the executor status snapshot
type Status struct {
	Running             bool                    `json:"running"`
	State               string                  `json:"state"`
	TickCount           int64                   `json:"tick_count"`
	LastTickTime        *float64                `json:"last_tick_time"`
	PendingTransactions int                     `json:"pending_transactions"`
	ConfigValid         bool                    `json:"config_valid"`
	Adapter             string                  `json:"adapter"`
	ErrorCount          int64                   `json:"error_count"`
	ConsecutiveErrors   int64                   `json:"consecutive_errors"`
	LastError           *string                 `json:"last_error"`
	PollInterval        int                     `json:"poll_interval"`
	Workers             map[string]WorkerStatus `json:"workers"`
}

// Form field types for ConfigField.Type
const (
	FieldText     = "text"
	FieldNumber   = "number"
	FieldPassword = "password"
	FieldSelect   = "select"
	FieldCheckbox = "checkbox"
)

// ConfigField describes one adapter option for the configuration form
type ConfigField struct {
	Name     string      `json:"name"`
	Label    string      `json:"label"`
	Type     string      `json:"type"`
	Required bool        `json:"required,omitempty"`
	Default  interface{} `json:"default,omitempty"`
	Options  []string    `json:"options,omitempty"`
	Help     string      `json:"help,omitempty"`
}
