// Package sandbox implements a paper-trading broker adapter
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"trade_executor/internal/broker/base"
	"trade_executor/internal/core"

	"github.com/shopspring/decimal"
)

// Name is the registry key
const Name = "sandbox"

// walkRange bounds the per-quote random walk (+-0.5%)
const walkRange = 0.005

var (
	spreadRate = decimal.NewFromFloat(0.0001)
	minSpread  = decimal.NewFromFloat(0.01)
)

// Options are the adapter_config keys
type Options struct {
	InitialCash float64 `yaml:"initial_cash"`
	Commission  float64 `yaml:"commission"`
	LedgerPath  string  `yaml:"ledger_path"`
	Seed        int64   `yaml:"seed"`
}

// ConfigFields describes the options for the configuration form
func ConfigFields() []core.ConfigField {
	return []core.ConfigField{
		{
			Name:    "initial_cash",
			Label:   "Initial Cash",
			Type:    "number",
			Default: 0,
			Help:    "Enables a paper ledger that rejects orders beyond cash or position. 0 fills everything.",
		},
		{
			Name:    "commission",
			Label:   "Commission per Order",
			Type:    "number",
			Default: 0,
		},
		{
			Name:  "ledger_path",
			Label: "Ledger Database Path",
			Type:  "text",
			Help:  "Defaults to sandbox.db in the data directory",
		},
	}
}

// Adapter fills every order at the requested price. Intraday quotes are a
// random walk from the reference close.
type Adapter struct {
	opts   Options
	logger core.ILogger

	mu         sync.Mutex
	rng        *rand.Rand
	lastPrices map[string]decimal.Decimal
	ledger     *Ledger
}

// New creates a sandbox adapter from adapter_config settings
func New(settings map[string]interface{}, env base.Env) (*Adapter, error) {
	var opts Options
	if err := base.DecodeSettings(settings, &opts); err != nil {
		return nil, err
	}
	if opts.InitialCash < 0 {
		return nil, fmt.Errorf("initial_cash must not be negative")
	}
	if opts.Commission < 0 {
		return nil, fmt.Errorf("commission must not be negative")
	}
	if opts.LedgerPath == "" && env.DataPath != "" {
		opts.LedgerPath = filepath.Join(env.DataPath, "sandbox.db")
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Adapter{
		opts:       opts,
		logger:     env.Logger.WithField("adapter", Name),
		rng:        rand.New(rand.NewSource(seed)),
		lastPrices: make(map[string]decimal.Decimal),
	}, nil
}

func (a *Adapter) Name() string { return Name }

// Connect always succeeds unless the paper ledger cannot be opened
func (a *Adapter) Connect(ctx context.Context) bool {
	if a.opts.InitialCash <= 0 {
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ledger != nil {
		return true
	}

	ledger, err := OpenLedger(ctx, a.opts.LedgerPath, decimal.NewFromFloat(a.opts.InitialCash))
	if err != nil {
		a.logger.Error("Failed to open paper ledger", "path", a.opts.LedgerPath, "error", err)
		return false
	}
	a.ledger = ledger
	a.logger.Info("Paper ledger opened", "path", a.opts.LedgerPath)
	return true
}

// Disconnect forgets simulated prices and closes the ledger
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastPrices = make(map[string]decimal.Decimal)
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("Failed to close paper ledger", "error", err)
		}
		a.ledger = nil
	}
}

// FetchQuote walks the last simulated price (or the reference) by up to
// +-0.5%. Without a reference price there is no quote.
func (a *Adapter) FetchQuote(ctx context.Context, symbol string, referencePrice *float64) *core.Quote {
	if referencePrice == nil {
		return nil
	}

	a.mu.Lock()
	last, ok := a.lastPrices[symbol]
	if !ok {
		last = decimal.NewFromFloat(*referencePrice)
	}
	change := a.rng.Float64()*2*walkRange - walkRange
	price := last.Mul(decimal.NewFromFloat(1 + change)).Round(2)
	a.lastPrices[symbol] = price
	a.mu.Unlock()

	spread := price.Mul(spreadRate).Round(2)
	if spread.IsZero() {
		spread = minSpread
	}

	closePrice, _ := price.Float64()
	bid, _ := price.Sub(spread).Round(2).Float64()
	ask, _ := price.Add(spread).Round(2).Float64()

	return &core.Quote{
		Close: &closePrice,
		Bid:   &bid,
		Ask:   &ask,
	}
}

func (a *Adapter) ExecuteBuy(ctx context.Context, symbol string, shares int, price float64) core.FillResult {
	return a.execute(ctx, core.ActionBuy, symbol, shares, price)
}

func (a *Adapter) ExecuteSell(ctx context.Context, symbol string, shares int, price float64) core.FillResult {
	return a.execute(ctx, core.ActionSell, symbol, shares, price)
}

func (a *Adapter) ExecuteOrder(ctx context.Context, order core.Order) core.FillResult {
	return base.Dispatch(ctx, a, order)
}

func (a *Adapter) execute(ctx context.Context, side, symbol string, shares int, price float64) core.FillResult {
	if shares <= 0 {
		return core.Failed("invalid shares: %d", shares)
	}

	a.mu.Lock()
	ledger := a.ledger
	a.mu.Unlock()

	if ledger != nil {
		fillID, err := ledger.Record(ctx, side, symbol, int64(shares),
			decimal.NewFromFloat(price), decimal.NewFromFloat(a.opts.Commission))
		if err != nil {
			return core.Failed("%v", err)
		}
		a.logger.Debug("Paper fill recorded", "fill_id", fillID, "side", side, "symbol", symbol, "shares", shares)
	}

	return core.Filled(price, shares, a.opts.Commission)
}

// Ledger returns the paper ledger, or nil when disabled or disconnected
func (a *Adapter) Ledger() *Ledger {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger
}
