// Package base provides common functionality for broker adapters
package base

import (
	"context"
	"fmt"
	"strings"

	"trade_executor/internal/core"

	"gopkg.in/yaml.v3"
)

// Env carries process-level dependencies handed to every adapter factory
type Env struct {
	Logger   core.ILogger
	DataPath string
}

// Dispatch routes an order to ExecuteBuy or ExecuteSell by its action
func Dispatch(ctx context.Context, a core.IBrokerAdapter, order core.Order) core.FillResult {
	if order.Invalid != "" {
		return core.Failed("invalid order: %s", order.Invalid)
	}
	if order.Symbol == "" {
		return core.Failed("invalid order: empty symbol")
	}
	if order.Volume <= 0 {
		return core.Failed("invalid order: volume must be positive, got %d", order.Volume)
	}

	switch strings.ToLower(order.Action) {
	case core.ActionBuy:
		return a.ExecuteBuy(ctx, order.Symbol, order.Volume, order.Price)
	case core.ActionSell:
		return a.ExecuteSell(ctx, order.Symbol, order.Volume, order.Price)
	default:
		return core.Failed("unknown action: %s", order.Action)
	}
}

// DecodeSettings maps an adapter_config mapping onto an options struct with
// yaml tags. Keys match option names. Scalars sent as strings by a form
// ("7497", "true") decode into numeric and boolean fields. Fields absent from
// the mapping keep their current value.
func DecodeSettings(settings map[string]interface{}, out interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	var node yaml.Node
	if err := node.Encode(settings); err != nil {
		return fmt.Errorf("failed to encode adapter settings: %w", err)
	}
	loosenScalars(&node)

	if err := node.Decode(out); err != nil {
		return fmt.Errorf("invalid adapter settings: %w", err)
	}
	return nil
}

// loosenScalars drops explicit string tags so the decoder resolves scalar
// types from their text.
func loosenScalars(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" {
		n.Tag = ""
		n.Style = 0
	}
	for _, child := range n.Content {
		loosenScalars(child)
	}
}

// SafeFloat returns a pointer to v
func SafeFloat(v float64) *float64 {
	return &v
}

// SafeInt returns a pointer to v
func SafeInt(v int64) *int64 {
	return &v
}
