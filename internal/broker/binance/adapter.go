// Package binance implements a spot market broker adapter on the Binance REST API
package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"trade_executor/internal/broker/base"
	"trade_executor/internal/core"
	apperrors "trade_executor/pkg/errors"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Name is the registry key
const Name = "binance"

const (
	testnetURL          = "https://testnet.binance.vision"
	defaultQuoteAsset   = "USDT"
	defaultConnectRetry = 3
)

// Binance error codes mapped onto broker error kinds
const (
	codeInvalidSymbol     = -1121
	codeOrderRejected     = -2010
	codeInvalidSignature  = -1022
	codeRejectedMBXKey    = -2015
	codeInsufficientFunds = -2019
)

// Options are the adapter_config keys
type Options struct {
	APIKey         string `yaml:"api_key"`
	SecretKey      string `yaml:"secret_key"`
	Testnet        bool   `yaml:"testnet"`
	BaseURL        string `yaml:"base_url"`
	QuoteAsset     string `yaml:"quote_asset"`
	ConnectRetries int    `yaml:"connect_retries"`
}

// ConfigFields describes the options for the configuration form
func ConfigFields() []core.ConfigField {
	return []core.ConfigField{
		{
			Name:     "api_key",
			Label:    "Binance API Key",
			Type:     core.FieldPassword,
			Required: true,
		},
		{
			Name:     "secret_key",
			Label:    "Binance Secret Key",
			Type:     core.FieldPassword,
			Required: true,
		},
		{
			Name:    "testnet",
			Label:   "Use Spot Testnet",
			Type:    "checkbox",
			Default: true,
		},
		{
			Name:    "quote_asset",
			Label:   "Quote Asset",
			Type:    "select",
			Default: defaultQuoteAsset,
			Options: []string{"USDT", "USDC", "FDUSD", "BTC"},
			Help:    "Appended to symbols that do not already end with it",
		},
	}
}

// Adapter places spot MARKET orders. Order volume is a whole base-asset
// quantity.
type Adapter struct {
	opts   Options
	logger core.ILogger
	client *gobinance.Client

	mu        sync.RWMutex
	connected bool
}

// New creates a Binance adapter from adapter_config settings
func New(settings map[string]interface{}, env base.Env) (*Adapter, error) {
	opts := Options{
		Testnet:        true,
		QuoteAsset:     defaultQuoteAsset,
		ConnectRetries: defaultConnectRetry,
	}
	if err := base.DecodeSettings(settings, &opts); err != nil {
		return nil, err
	}
	opts.QuoteAsset = strings.ToUpper(strings.TrimSpace(opts.QuoteAsset))
	if opts.ConnectRetries < 0 {
		opts.ConnectRetries = 0
	}

	client := gobinance.NewClient(opts.APIKey, opts.SecretKey)
	switch {
	case opts.BaseURL != "":
		client.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	case opts.Testnet:
		client.BaseURL = testnetURL
	}

	return &Adapter{
		opts:   opts,
		logger: env.Logger.WithField("adapter", Name),
		client: client,
	}, nil
}

func (a *Adapter) Name() string { return Name }

// Connect pings the API and synchronizes the request clock, retrying with
// backoff
func (a *Adapter) Connect(ctx context.Context) bool {
	if a.opts.APIKey == "" || a.opts.SecretKey == "" {
		a.logger.Error("Binance api_key and secret_key are required")
		return false
	}

	rp := retrypolicy.NewBuilder[any]().
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(a.opts.ConnectRetries).
		Build()

	attempt := 0
	err := failsafe.With[any](rp).WithContext(ctx).Run(func() error {
		attempt++
		if err := a.client.NewPingService().Do(ctx); err != nil {
			a.logger.Warn("Binance ping failed", "attempt", attempt, "error", err)
			return err
		}
		offset, err := a.client.NewSetServerTimeService().Do(ctx)
		if err != nil {
			return err
		}
		a.logger.Debug("Binance clock synchronized", "offset_ms", offset)
		return nil
	})
	if err != nil {
		a.logger.Error("Binance connection failed", "error", err)
		return false
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.logger.Info("Connected to Binance", "url", a.client.BaseURL)
	return true
}

// Disconnect marks the adapter disconnected. The REST client holds no session.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
}

func (a *Adapter) isConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// pair maps a ticker such as BTC onto the exchange pair BTCUSDT
func (a *Adapter) pair(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if a.opts.QuoteAsset == "" || strings.HasSuffix(s, a.opts.QuoteAsset) {
		return s
	}
	return s + a.opts.QuoteAsset
}

// FetchQuote combines 24h ticker statistics with the order book top. The
// reference price is unused.
func (a *Adapter) FetchQuote(ctx context.Context, symbol string, referencePrice *float64) *core.Quote {
	if !a.isConnected() {
		return nil
	}
	pair := a.pair(symbol)

	stats, err := a.client.NewListPriceChangeStatsService().Symbol(pair).Do(ctx)
	if err != nil || len(stats) == 0 {
		a.logger.Warn("Failed to get 24h stats", "symbol", pair, "error", err)
		return nil
	}
	s := stats[0]

	q := &core.Quote{
		Open:   parseFloat(s.OpenPrice),
		High:   parseFloat(s.HighPrice),
		Low:    parseFloat(s.LowPrice),
		Close:  parseFloat(s.LastPrice),
		Volume: parseInt(s.Volume),
		Bid:    parseFloat(s.BidPrice),
		Ask:    parseFloat(s.AskPrice),
	}

	books, err := a.client.NewListBookTickersService().Symbol(pair).Do(ctx)
	if err != nil {
		a.logger.Warn("Failed to get book ticker", "symbol", pair, "error", err)
	} else if len(books) > 0 {
		if bid := parseFloat(books[0].BidPrice); bid != nil {
			q.Bid = bid
		}
		if ask := parseFloat(books[0].AskPrice); ask != nil {
			q.Ask = ask
		}
	}

	if q.Close == nil && q.Bid == nil {
		return nil
	}
	return q
}

func (a *Adapter) ExecuteBuy(ctx context.Context, symbol string, shares int, price float64) core.FillResult {
	return a.placeMarketOrder(ctx, symbol, gobinance.SideTypeBuy, shares)
}

func (a *Adapter) ExecuteSell(ctx context.Context, symbol string, shares int, price float64) core.FillResult {
	return a.placeMarketOrder(ctx, symbol, gobinance.SideTypeSell, shares)
}

func (a *Adapter) ExecuteOrder(ctx context.Context, order core.Order) core.FillResult {
	return base.Dispatch(ctx, a, order)
}

func (a *Adapter) placeMarketOrder(ctx context.Context, symbol string, side gobinance.SideType, shares int) core.FillResult {
	if !a.isConnected() {
		return core.Failed("Not connected")
	}
	if shares <= 0 {
		return core.Failed("invalid shares: %d", shares)
	}
	pair := a.pair(symbol)

	resp, err := a.client.NewCreateOrderService().
		Symbol(pair).
		Side(side).
		Type(gobinance.OrderTypeMarket).
		Quantity(strconv.Itoa(shares)).
		NewClientOrderID(uuid.NewString()).
		NewOrderRespType(gobinance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return core.Failed("%v", classify(err))
	}

	// A market order that expired after trading part of its size still holds
	// the executed shares
	executed, err := decimal.NewFromString(resp.ExecutedQuantity)
	if err != nil || executed.IntPart() <= 0 {
		if resp.Status != gobinance.OrderStatusTypeFilled {
			return core.Failed("Order not filled: %s", resp.Status)
		}
		return core.Failed("Order not filled: executed quantity %q", resp.ExecutedQuantity)
	}
	if resp.Status != gobinance.OrderStatusTypeFilled {
		a.logger.Warn("Order partially filled", "order_id", resp.OrderID, "symbol", pair,
			"status", resp.Status, "requested", shares, "executed", resp.ExecutedQuantity)
	}
	quote, err := decimal.NewFromString(resp.CummulativeQuoteQuantity)
	if err != nil {
		return core.Failed("invalid quote quantity %q", resp.CummulativeQuoteQuantity)
	}

	commission := decimal.Zero
	for _, f := range resp.Fills {
		if c, err := decimal.NewFromString(f.Commission); err == nil {
			commission = commission.Add(c)
		}
	}

	fillPrice, _ := quote.Div(executed).Round(8).Float64()
	fee, _ := commission.Float64()

	a.logger.Info("Order filled", "order_id", resp.OrderID, "symbol", pair, "side", side,
		"executed", resp.ExecutedQuantity, "price", fillPrice)
	return core.Filled(fillPrice, int(executed.IntPart()), fee)
}

// classify maps exchange error codes onto broker error kinds
func classify(err error) error {
	if !common.IsAPIError(err) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	apiErr := err.(*common.APIError)
	switch apiErr.Code {
	case codeInvalidSymbol:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, apiErr.Message)
	case codeInsufficientFunds:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Message)
	case codeInvalidSignature, codeRejectedMBXKey:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, apiErr.Message)
	case codeOrderRejected:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, apiErr.Message)
	default:
		return fmt.Errorf("binance error %d: %s", apiErr.Code, apiErr.Message)
	}
}

func parseFloat(s string) *float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	f, _ := d.Float64()
	return &f
}

func parseInt(s string) *int64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	v := d.IntPart()
	return &v
}
