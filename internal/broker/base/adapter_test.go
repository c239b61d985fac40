package base

import (
	"context"
	"testing"

	"trade_executor/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAdapter struct {
	calls []string
}

func (r *recordingAdapter) Name() string                     { return "recording" }
func (r *recordingAdapter) Connect(ctx context.Context) bool { return true }
func (r *recordingAdapter) Disconnect()                      {}
func (r *recordingAdapter) FetchQuote(ctx context.Context, symbol string, ref *float64) *core.Quote {
	return nil
}
func (r *recordingAdapter) ExecuteBuy(ctx context.Context, symbol string, shares int, price float64) core.FillResult {
	r.calls = append(r.calls, "buy:"+symbol)
	return core.Filled(price, shares, 0)
}
func (r *recordingAdapter) ExecuteSell(ctx context.Context, symbol string, shares int, price float64) core.FillResult {
	r.calls = append(r.calls, "sell:"+symbol)
	return core.Filled(price, shares, 0)
}
func (r *recordingAdapter) ExecuteOrder(ctx context.Context, order core.Order) core.FillResult {
	return Dispatch(ctx, r, order)
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	a := &recordingAdapter{}

	tests := []struct {
		name    string
		order   core.Order
		success bool
		errPart string
	}{
		{"buy", core.Order{Action: "buy", Symbol: "AAPL", Volume: 10, Price: 100}, true, ""},
		{"sell uppercase", core.Order{Action: "SELL", Symbol: "MSFT", Volume: 1, Price: 400}, true, ""},
		{"unknown action", core.Order{Action: "hold", Symbol: "AAPL", Volume: 1}, false, "unknown action"},
		{"zero volume", core.Order{Action: "buy", Symbol: "AAPL", Volume: 0}, false, "volume"},
		{"empty symbol", core.Order{Action: "buy", Volume: 1}, false, "symbol"},
		{"unreadable volume", core.Order{Action: "buy", Symbol: "AAPL", Invalid: "volume 2.5 is not a whole number of shares"}, false, "whole number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.ExecuteOrder(ctx, tt.order)
			assert.Equal(t, tt.success, res.Success)
			if tt.errPart != "" {
				assert.Contains(t, res.Error, tt.errPart)
			}
		})
	}

	assert.Equal(t, []string{"buy:AAPL", "sell:MSFT"}, a.calls)
}

type sampleOptions struct {
	Host      string  `yaml:"host"`
	Port      int     `yaml:"port"`
	AccountID string  `yaml:"account_id"`
	Insecure  bool    `yaml:"insecure_tls"`
	Cash      float64 `yaml:"initial_cash"`
}

func TestDecodeSettings(t *testing.T) {
	opts := sampleOptions{Host: "127.0.0.1", Port: 5000, Insecure: true}

	err := DecodeSettings(map[string]interface{}{
		"port":         "7497",
		"account_id":   "00123",
		"insecure_tls": "false",
		"initial_cash": 2500.5,
		"unknown":      "ignored",
	}, &opts)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", opts.Host, "absent keys keep defaults")
	assert.Equal(t, 7497, opts.Port)
	assert.Equal(t, "00123", opts.AccountID)
	assert.False(t, opts.Insecure)
	assert.Equal(t, 2500.5, opts.Cash)
}

func TestDecodeSettings_Invalid(t *testing.T) {
	var opts sampleOptions
	err := DecodeSettings(map[string]interface{}{"port": "not-a-number"}, &opts)
	assert.Error(t, err)
}

func TestDecodeSettings_Empty(t *testing.T) {
	opts := sampleOptions{Port: 1}
	require.NoError(t, DecodeSettings(nil, &opts))
	assert.Equal(t, 1, opts.Port)
}
