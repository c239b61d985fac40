// Package ibkr implements a broker adapter for the Interactive Brokers
// Client Portal gateway
package ibkr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"trade_executor/internal/broker/base"
	"trade_executor/internal/core"
	apperrors "trade_executor/pkg/errors"
	pkghttp "trade_executor/pkg/http"

	"github.com/google/uuid"
)

// Name is the registry key
const Name = "ibkr"

const (
	defaultHost        = "127.0.0.1"
	defaultPort        = 5000
	defaultFillTimeout = 30
	defaultFillPollMS  = 1000
	requestTimeout     = 10 * time.Second
	maxReplyPrompts    = 5

	// Snapshot field ids: last, bid, ask, open, high, low, volume
	snapshotFields = "31,84,86,7295,70,71,87"
)

// Options are the adapter_config keys
type Options struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	AccountID   string `yaml:"account_id"`
	FillTimeout int    `yaml:"fill_timeout"`
	InsecureTLS bool   `yaml:"insecure_tls"`
	BaseURL     string `yaml:"base_url"`
	FillPollMS  int    `yaml:"fill_poll_ms"`
}

// ConfigFields describes the options for the configuration form
func ConfigFields() []core.ConfigField {
	return []core.ConfigField{
		{
			Name:    "host",
			Label:   "Gateway Host",
			Type:    "text",
			Default: defaultHost,
		},
		{
			Name:    "port",
			Label:   "Gateway Port",
			Type:    "number",
			Default: defaultPort,
			Help:    "Client Portal gateway HTTPS port",
		},
		{
			Name:  "account_id",
			Label: "Account ID",
			Type:  "text",
			Help:  "Leave empty to use the first account of the session",
		},
		{
			Name:    "fill_timeout",
			Label:   "Fill Timeout (seconds)",
			Type:    "number",
			Default: defaultFillTimeout,
		},
		{
			Name:    "insecure_tls",
			Label:   "Accept Self-Signed Certificate",
			Type:    "checkbox",
			Default: true,
		},
	}
}

// Adapter places market orders through the gateway's REST API
type Adapter struct {
	opts   Options
	logger core.ILogger
	client *pkghttp.Client

	mu        sync.RWMutex
	connected bool
	account   string
	conids    map[string]int64
}

// New creates an IBKR adapter from adapter_config settings
func New(settings map[string]interface{}, env base.Env) (*Adapter, error) {
	opts := Options{
		Host:        defaultHost,
		Port:        defaultPort,
		FillTimeout: defaultFillTimeout,
		InsecureTLS: true,
		FillPollMS:  defaultFillPollMS,
	}
	if err := base.DecodeSettings(settings, &opts); err != nil {
		return nil, err
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d", apperrors.ErrInvalidOrderParameter, opts.Port)
	}
	if opts.FillTimeout <= 0 {
		opts.FillTimeout = defaultFillTimeout
	}
	if opts.FillPollMS <= 0 {
		opts.FillPollMS = defaultFillPollMS
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s:%d/v1/api", opts.Host, opts.Port)
	}

	return &Adapter{
		opts:   opts,
		logger: env.Logger.WithField("adapter", Name),
		client: pkghttp.NewClient(baseURL, requestTimeout, nil, pkghttp.WithInsecureTLS(opts.InsecureTLS)),
		conids: make(map[string]int64),
	}, nil
}

func (a *Adapter) Name() string { return Name }

type authStatus struct {
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	Message       string `json:"message"`
}

type accountsResponse struct {
	Accounts        []string `json:"accounts"`
	SelectedAccount string   `json:"selectedAccount"`
}

// Connect checks the brokerage session and resolves the trading account
func (a *Adapter) Connect(ctx context.Context) bool {
	var status authStatus
	if err := a.getJSON(ctx, "/iserver/auth/status", nil, &status); err != nil {
		a.logger.Error("IBKR connection failed", "error", err)
		return false
	}
	if !status.Authenticated {
		a.logger.Error("IBKR session not authenticated", "message", status.Message, "competing", status.Competing)
		return false
	}

	account := a.opts.AccountID
	if account == "" {
		var accounts accountsResponse
		if err := a.getJSON(ctx, "/iserver/accounts", nil, &accounts); err != nil {
			a.logger.Error("Failed to list IBKR accounts", "error", err)
			return false
		}
		switch {
		case accounts.SelectedAccount != "":
			account = accounts.SelectedAccount
		case len(accounts.Accounts) > 0:
			account = accounts.Accounts[0]
		default:
			a.logger.Error("IBKR session has no accounts")
			return false
		}
	}

	a.mu.Lock()
	a.connected = true
	a.account = account
	a.mu.Unlock()

	a.logger.Info("Connected to IBKR gateway", "account", account, "url", a.client.BaseURL())
	return true
}

// Disconnect ends the gateway session. Safe to call at any time.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	wasConnected := a.connected
	a.connected = false
	a.account = ""
	a.mu.Unlock()

	if !wasConnected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := a.client.Post(ctx, "/logout", nil); err != nil {
		a.logger.Warn("IBKR logout failed", "error", err)
	}
}

func (a *Adapter) session() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.account, a.connected
}

type secdefResult struct {
	Conid  flexInt `json:"conid"`
	Symbol string  `json:"symbol"`
}

// conid resolves and caches the contract id of a stock symbol
func (a *Adapter) conid(ctx context.Context, symbol string) (int64, error) {
	a.mu.RLock()
	id, ok := a.conids[symbol]
	a.mu.RUnlock()
	if ok {
		return id, nil
	}

	var results []secdefResult
	if err := a.getJSON(ctx, "/iserver/secdef/search", map[string]string{"symbol": symbol}, &results); err != nil {
		return 0, err
	}
	for _, r := range results {
		if r.Conid > 0 && (r.Symbol == "" || strings.EqualFold(r.Symbol, symbol)) {
			a.mu.Lock()
			a.conids[symbol] = int64(r.Conid)
			a.mu.Unlock()
			return int64(r.Conid), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
}

// FetchQuote returns a market data snapshot. The reference price is unused.
func (a *Adapter) FetchQuote(ctx context.Context, symbol string, referencePrice *float64) *core.Quote {
	if _, ok := a.session(); !ok {
		return nil
	}

	id, err := a.conid(ctx, symbol)
	if err != nil {
		a.logger.Warn("Failed to resolve contract", "symbol", symbol, "error", err)
		return nil
	}

	var rows []map[string]interface{}
	params := map[string]string{"conids": fmt.Sprint(id), "fields": snapshotFields}
	if err := a.getJSON(ctx, "/iserver/marketdata/snapshot", params, &rows); err != nil {
		a.logger.Warn("Failed to get quote", "symbol", symbol, "error", err)
		return nil
	}
	if len(rows) == 0 {
		return nil
	}
	return quoteFromSnapshot(rows[0])
}

func quoteFromSnapshot(row map[string]interface{}) *core.Quote {
	last := parsePrice(row["31"])
	bid := parsePrice(row["84"])
	if last == nil && bid == nil {
		return nil
	}
	return &core.Quote{
		Open:   parsePrice(row["7295"]),
		High:   parsePrice(row["70"]),
		Low:    parsePrice(row["71"]),
		Close:  last,
		Volume: parseVolume(row["87"]),
		Bid:    bid,
		Ask:    parsePrice(row["86"]),
	}
}

func (a *Adapter) ExecuteBuy(ctx context.Context, symbol string, shares int, price float64) core.FillResult {
	return a.placeMarketOrder(ctx, symbol, "BUY", shares)
}

func (a *Adapter) ExecuteSell(ctx context.Context, symbol string, shares int, price float64) core.FillResult {
	return a.placeMarketOrder(ctx, symbol, "SELL", shares)
}

func (a *Adapter) ExecuteOrder(ctx context.Context, order core.Order) core.FillResult {
	return base.Dispatch(ctx, a, order)
}

type orderRequest struct {
	Conid     int64  `json:"conid"`
	OrderType string `json:"orderType"`
	Side      string `json:"side"`
	Quantity  int    `json:"quantity"`
	TIF       string `json:"tif"`
	COID      string `json:"cOID"`
}

// orderReply is one element of an order placement or reply response. Either
// ID+Message (a confirmation prompt) or OrderID is set.
type orderReply struct {
	ID          string   `json:"id"`
	Message     []string `json:"message"`
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
}

type orderStatus struct {
	OrderStatus  string     `json:"order_status"`
	CumFill      flexFloat  `json:"cum_fill"`
	AveragePrice flexFloat  `json:"average_price"`
	Commission   *flexFloat `json:"commission"`
}

func (a *Adapter) placeMarketOrder(ctx context.Context, symbol, side string, shares int) core.FillResult {
	account, ok := a.session()
	if !ok {
		return core.Failed("Not connected")
	}
	if shares <= 0 {
		return core.Failed("invalid shares: %d", shares)
	}

	id, err := a.conid(ctx, symbol)
	if err != nil {
		return core.Failed("%v", err)
	}

	body := map[string][]orderRequest{
		"orders": {{
			Conid:     id,
			OrderType: "MKT",
			Side:      side,
			Quantity:  shares,
			TIF:       "DAY",
			COID:      uuid.NewString(),
		}},
	}
	raw, err := a.client.Post(ctx, fmt.Sprintf("/iserver/account/%s/orders", account), body)
	if err != nil {
		return core.Failed("%v", describe(err))
	}

	orderID, err := a.confirm(ctx, raw)
	if err != nil {
		return core.Failed("%v", err)
	}
	a.logger.Info("Order submitted", "order_id", orderID, "symbol", symbol, "side", side, "shares", shares)

	return a.awaitFill(ctx, orderID)
}

// confirm answers confirmation prompts until the gateway returns an order id
func (a *Adapter) confirm(ctx context.Context, raw []byte) (string, error) {
	for i := 0; i <= maxReplyPrompts; i++ {
		replies, err := decodeReplies(raw)
		if err != nil {
			return "", err
		}
		if len(replies) == 0 {
			return "", fmt.Errorf("%w: empty order response", apperrors.ErrOrderRejected)
		}

		r := replies[0]
		if r.OrderID != "" {
			return r.OrderID, nil
		}
		if r.ID == "" {
			return "", fmt.Errorf("%w: unexpected order response", apperrors.ErrOrderRejected)
		}

		a.logger.Debug("Confirming order prompt", "reply_id", r.ID, "message", strings.Join(r.Message, "; "))
		raw, err = a.client.Post(ctx, "/iserver/reply/"+r.ID, map[string]bool{"confirmed": true})
		if err != nil {
			return "", describe(err)
		}
	}
	return "", fmt.Errorf("%w: too many confirmation prompts", apperrors.ErrOrderRejected)
}

func decodeReplies(raw []byte) ([]orderReply, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var e struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(raw, &e); err == nil && e.Error != "" {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, e.Error)
		}
		var single orderReply
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("invalid order response: %w", err)
		}
		return []orderReply{single}, nil
	}

	var replies []orderReply
	if err := json.Unmarshal(raw, &replies); err != nil {
		return nil, fmt.Errorf("invalid order response: %w", err)
	}
	return replies, nil
}

// awaitFill polls the order status until it is filled, terminal, or the fill
// timeout elapses
func (a *Adapter) awaitFill(ctx context.Context, orderID string) core.FillResult {
	deadline := time.Now().Add(time.Duration(a.opts.FillTimeout) * time.Second)
	poll := time.Duration(a.opts.FillPollMS) * time.Millisecond

	last := "Unknown"
	for {
		var st orderStatus
		if err := a.getJSON(ctx, "/iserver/account/order/status/"+orderID, nil, &st); err != nil {
			a.logger.Warn("Failed to poll order status", "order_id", orderID, "error", err)
		} else {
			last = st.OrderStatus
			switch strings.ToLower(st.OrderStatus) {
			case "filled":
				commission := 0.0
				if st.Commission != nil {
					commission = float64(*st.Commission)
				}
				return core.Filled(float64(st.AveragePrice), int(st.CumFill), commission)
			case "cancelled", "inactive", "rejected":
				return core.Failed("Order not filled: %s", st.OrderStatus)
			}
		}

		if !time.Now().Add(poll).Before(deadline) {
			return core.Failed("Order not filled: %s", last)
		}
		select {
		case <-ctx.Done():
			return core.Failed("Order not filled: %v", ctx.Err())
		case <-time.After(poll):
		}
	}
}

func (a *Adapter) getJSON(ctx context.Context, path string, params map[string]string, out interface{}) error {
	raw, err := a.client.Get(ctx, path, params)
	if err != nil {
		return describe(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid response from %s: %w", path, err)
	}
	return nil
}

// describe maps gateway failures onto broker error kinds
func describe(err error) error {
	var apiErr *pkghttp.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, string(apiErr.Body))
		default:
			return fmt.Errorf("gateway returned %d: %s", apiErr.StatusCode, string(apiErr.Body))
		}
	}
	return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
}
