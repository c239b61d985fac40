// Package broker provides the broker adapter registry
package broker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"trade_executor/internal/broker/base"
	"trade_executor/internal/broker/binance"
	"trade_executor/internal/broker/ibkr"
	"trade_executor/internal/broker/sandbox"
	"trade_executor/internal/core"
	apperrors "trade_executor/pkg/errors"
)

// Factory builds an adapter from its adapter_config mapping
type Factory func(settings map[string]interface{}, env base.Env) (core.IBrokerAdapter, error)

type entry struct {
	factory Factory
	fields  []core.ConfigField
}

// Registry maps adapter keys to factories and their form fields
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewEmptyRegistry creates a registry without built-in adapters
func NewEmptyRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// NewRegistry creates a registry with the built-in adapters
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	r.Register(sandbox.Name, func(settings map[string]interface{}, env base.Env) (core.IBrokerAdapter, error) {
		return sandbox.New(settings, env)
	}, sandbox.ConfigFields())
	r.Register(ibkr.Name, func(settings map[string]interface{}, env base.Env) (core.IBrokerAdapter, error) {
		return ibkr.New(settings, env)
	}, ibkr.ConfigFields())
	r.Register(binance.Name, func(settings map[string]interface{}, env base.Env) (core.IBrokerAdapter, error) {
		return binance.New(settings, env)
	}, binance.ConfigFields())
	return r
}

// Register adds or replaces an adapter
func (r *Registry) Register(name string, factory Factory, fields []core.ConfigField) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fields == nil {
		fields = []core.ConfigField{}
	}
	r.entries[strings.ToLower(name)] = entry{factory: factory, fields: fields}
}

// New creates the adapter registered under name
func (r *Registry) New(name string, settings map[string]interface{}, env base.Env) (core.IBrokerAdapter, error) {
	r.mu.RLock()
	e, ok := r.entries[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (available: %s)", apperrors.ErrUnknownAdapter, name, strings.Join(r.Names(), ", "))
	}
	if settings == nil {
		settings = map[string]interface{}{}
	}
	return e.factory(settings, env)
}

// Names returns the registered adapter keys, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fields returns the form fields of an adapter, or nil when unknown
func (r *Registry) Fields(name string) []core.ConfigField {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return append([]core.ConfigField{}, e.fields...)
}

// All returns every adapter with its form fields
func (r *Registry) All() map[string][]core.ConfigField {
	out := make(map[string][]core.ConfigField)
	for _, name := range r.Names() {
		out[name] = r.Fields(name)
	}
	return out
}
