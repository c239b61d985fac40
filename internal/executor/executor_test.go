package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trade_executor/internal/alert"
	"trade_executor/internal/broker"
	"trade_executor/internal/broker/base"
	"trade_executor/internal/config"
	"trade_executor/internal/core"
	"trade_executor/internal/store"
	"trade_executor/internal/tickapi"
	apperrors "trade_executor/pkg/errors"
	"trade_executor/pkg/logging"
	"trade_executor/pkg/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

type mockAdapter struct {
	mu           sync.Mutex
	connectOK    bool
	connectPanic bool
	quotes       map[string]*core.Quote
	quoteRefs    map[string]*float64
	fill         func(order core.Order) core.FillResult
	executed     []core.Order
	disconnects  int
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		connectOK: true,
		quotes:    map[string]*core.Quote{},
		quoteRefs: map[string]*float64{},
	}
}

func (m *mockAdapter) Name() string { return "mock" }

func (m *mockAdapter) Connect(ctx context.Context) bool {
	if m.connectPanic {
		panic("gateway exploded")
	}
	return m.connectOK
}

func (m *mockAdapter) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
}

func (m *mockAdapter) FetchQuote(ctx context.Context, symbol string, ref *float64) *core.Quote {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quoteRefs[symbol] = ref
	return m.quotes[symbol]
}

func (m *mockAdapter) ExecuteBuy(ctx context.Context, symbol string, shares int, price float64) core.FillResult {
	return m.run(core.Order{Symbol: symbol, Action: core.ActionBuy, Volume: shares, Price: price})
}

func (m *mockAdapter) ExecuteSell(ctx context.Context, symbol string, shares int, price float64) core.FillResult {
	return m.run(core.Order{Symbol: symbol, Action: core.ActionSell, Volume: shares, Price: price})
}

func (m *mockAdapter) ExecuteOrder(ctx context.Context, order core.Order) core.FillResult {
	return base.Dispatch(ctx, m, order)
}

func (m *mockAdapter) run(order core.Order) core.FillResult {
	m.mu.Lock()
	m.executed = append(m.executed, order)
	fill := m.fill
	m.mu.Unlock()
	if fill != nil {
		return fill(order)
	}
	return core.Filled(order.Price, order.Volume, 0)
}

func (m *mockAdapter) disconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

type fakeClient struct {
	mu          sync.Mutex
	requests    []core.TickRequest
	respond     func(n int, req *core.TickRequest) (*core.TickResponse, error)
	delay       time.Duration
	inflight    int32
	maxInflight int32
}

func (f *fakeClient) Tick(ctx context.Context, req *core.TickRequest) (*core.TickResponse, error) {
	cur := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		prev := atomic.LoadInt32(&f.maxInflight)
		if cur <= prev || atomic.CompareAndSwapInt32(&f.maxInflight, prev, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.requests = append(f.requests, *req)
	n := len(f.requests)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return &core.TickResponse{}, nil
	}
	return respond(n, req)
}

func (f *fakeClient) URL() string { return "http://tick.test" }

func (f *fakeClient) request(i int) core.TickRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type fakeAlerter struct {
	mu        sync.Mutex
	incidents []alert.Incident
}

func (f *fakeAlerter) Notify(ctx context.Context, incident alert.Incident) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incidents = append(f.incidents, incident)
}

func (f *fakeAlerter) sent() []alert.Incident {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]alert.Incident(nil), f.incidents...)
}

// flakyStore fails the first n appends
type flakyStore struct {
	*store.MemoryStore
	failures int
}

func (s *flakyStore) Append(txs []core.Transaction) error {
	if len(txs) > 0 && s.failures > 0 {
		s.failures--
		return errors.New("disk full")
	}
	return s.MemoryStore.Append(txs)
}

type fixture struct {
	exec    *Executor
	adapter *mockAdapter
	client  *fakeClient
	store   core.IFillStore
	alerter *fakeAlerter
	cfg     *config.Config
}

func newFixture(t *testing.T, mutate ...func(*config.Config, *Deps)) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.APIKey = "tt_test"
	cfg.Adapter = "mock"
	cfg.PollInterval = 1
	cfg.DataPath = t.TempDir()

	f := &fixture{
		adapter: newMockAdapter(),
		client:  &fakeClient{},
		alerter: &fakeAlerter{},
		cfg:     cfg,
	}

	registry := broker.NewEmptyRegistry()
	registry.Register("mock", func(settings map[string]interface{}, env base.Env) (core.IBrokerAdapter, error) {
		return f.adapter, nil
	}, nil)

	deps := Deps{
		Registry: registry,
		Store:    store.NewMemoryStore(),
		Client:   f.client,
		Logger:   logging.NewNop(),
		Alerter:  f.alerter,
		Metrics:  &telemetry.MetricsHolder{},
		Clock:    func() time.Time { return fixedNow },
	}
	for _, m := range mutate {
		m(cfg, &deps)
	}
	f.store = deps.Store

	exec, err := New(cfg, deps)
	require.NoError(t, err)
	f.exec = exec
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.exec.Start(context.Background()))
	t.Cleanup(f.exec.Stop)
}

func price(v float64) *float64 { return &v }

func TestTick_FillIsStoredForNextReport(t *testing.T) {
	f := newFixture(t)
	f.client.respond = func(n int, req *core.TickRequest) (*core.TickResponse, error) {
		return &core.TickResponse{
			Orders: []core.Order{{OrderID: "o1", Action: "buy", Symbol: "AAPL", Volume: 10, Price: 100.0}},
			Prices: map[string]*float64{},
			Logs:   map[string][]string{},
		}, nil
	}
	f.start(t)

	result, err := f.exec.Tick(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, int64(1), result.Tick)
	assert.Equal(t, 1, result.OrdersReceived)
	assert.Equal(t, 1, result.OrdersFilled)

	assert.Equal(t, []core.Transaction{{
		OrderID: "o1", Symbol: "AAPL", Action: "buy", Volume: 10, Price: 100.0, Commission: 0, Time: fixedNow.Unix(),
	}}, f.store.List())

	// Nothing from this tick was reported in this tick
	assert.Empty(t, f.client.request(0).Transactions)
}

func TestTick_TransportFailureKeepsPending(t *testing.T) {
	existing := core.Transaction{OrderID: "o0", Symbol: "MSFT", Action: "sell", Volume: 5, Price: 410.2, Time: 1700000000}
	f := newFixture(t, func(cfg *config.Config, d *Deps) {
		d.Store = store.NewMemoryStore(existing)
	})
	f.client.respond = func(n int, req *core.TickRequest) (*core.TickResponse, error) {
		return nil, &tickapi.TransportError{Err: errors.New("connection refused")}
	}
	f.start(t)

	result, err := f.exec.Tick(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "ConnectionError: connection refused", result.Error)
	assert.Equal(t, []core.Transaction{existing}, f.store.List())
	assert.Equal(t, []core.Transaction{existing}, f.client.request(0).Transactions)

	status := f.exec.GetStatus()
	assert.Equal(t, int64(1), status.ErrorCount)
	require.NotNil(t, status.LastError)
	assert.Equal(t, "ConnectionError: connection refused", *status.LastError)
	assert.Equal(t, 1, status.PendingTransactions)
}

func TestTick_RemoteRejectionKeepsPending(t *testing.T) {
	existing := core.Transaction{OrderID: "o0", Symbol: "MSFT", Action: "buy", Volume: 1, Price: 400}
	f := newFixture(t, func(cfg *config.Config, d *Deps) {
		d.Store = store.NewMemoryStore(existing)
	})
	f.client.respond = func(n int, req *core.TickRequest) (*core.TickResponse, error) {
		return nil, &tickapi.RemoteError{StatusCode: 401, Detail: "Invalid API key"}
	}
	f.start(t)

	result, err := f.exec.Tick(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "401: Invalid API key", result.Error)
	assert.Equal(t, 1, f.store.Count())
	assert.Empty(t, f.adapter.executed)
}

func TestTick_TimeoutKeepsPending(t *testing.T) {
	existing := core.Transaction{OrderID: "o0", Symbol: "SPY", Action: "buy", Volume: 3, Price: 500}
	f := newFixture(t, func(cfg *config.Config, d *Deps) {
		d.Store = store.NewMemoryStore(existing)
	})
	f.client.respond = func(n int, req *core.TickRequest) (*core.TickResponse, error) {
		return nil, &tickapi.TimeoutError{URL: "http://tick.test", After: 5 * time.Second}
	}
	f.start(t)

	result, err := f.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "Timeout: http://tick.test did not respond in 5s", result.Error)
	assert.Equal(t, 1, f.store.Count())
}

func TestTick_DecodeErrorRetiresReportedFills(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, d *Deps) {
		d.Store = store.NewMemoryStore(core.Transaction{OrderID: "o0", Symbol: "SPY", Action: "buy", Volume: 3, Price: 500})
	})
	f.client.respond = func(n int, req *core.TickRequest) (*core.TickResponse, error) {
		return nil, &tickapi.DecodeError{Err: errors.New("unexpected token")}
	}
	f.start(t)

	result, err := f.exec.Tick(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 0, f.store.Count())
	assert.Equal(t, int64(1), f.exec.GetStatus().ErrorCount)
}

func TestTick_PartialBatchFailure(t *testing.T) {
	f := newFixture(t)
	f.adapter.fill = func(order core.Order) core.FillResult {
		if order.Symbol == "TSLA" {
			return core.Failed("Order not filled: Rejected")
		}
		return core.Filled(order.Price+0.05, order.Volume, 1.0)
	}
	f.client.respond = func(n int, req *core.TickRequest) (*core.TickResponse, error) {
		return &core.TickResponse{Orders: []core.Order{
			{OrderID: "o1", Action: "buy", Symbol: "AAPL", Volume: 10, Price: 100},
			{OrderID: "o2", Action: "sell", Symbol: "TSLA", Volume: 2, Price: 250},
			{OrderID: "o3", Action: "sell", Symbol: "NVDA", Volume: 4, Price: 900},
		}}, nil
	}
	f.start(t)

	result, err := f.exec.Tick(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.OrdersReceived)
	assert.Equal(t, 2, result.OrdersFilled)

	stored := f.store.List()
	require.Len(t, stored, 2)
	assert.Equal(t, core.OrderID("o1"), stored[0].OrderID)
	assert.Equal(t, core.OrderID("o3"), stored[1].OrderID)
	// Actual fill values, not the order's reference price
	assert.InDelta(t, 900.05, stored[1].Price, 1e-9)
	assert.InDelta(t, 1.0, stored[1].Commission, 1e-9)
	assert.Len(t, f.adapter.executed, 3)
}

func TestTick_InvalidOrderDoesNotStopBatch(t *testing.T) {
	f := newFixture(t)
	f.client.respond = func(n int, req *core.TickRequest) (*core.TickResponse, error) {
		return &core.TickResponse{Orders: []core.Order{
			{OrderID: "bad", Action: "hold", Symbol: "AAPL", Volume: 1, Price: 1},
			{OrderID: "zero", Action: "buy", Symbol: "AAPL", Volume: 0, Price: 1},
			{OrderID: "ok", Action: "BUY", Symbol: "AAPL", Volume: 1, Price: 1},
		}}, nil
	}
	f.start(t)

	result, err := f.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.OrdersReceived)
	assert.Equal(t, 1, result.OrdersFilled)
}

func TestTick_AtLeastOnceAcrossCycles(t *testing.T) {
	f := newFixture(t)
	f.client.respond = func(n int, req *core.TickRequest) (*core.TickResponse, error) {
		switch n {
		case 1:
			return &core.TickResponse{Orders: []core.Order{{OrderID: "o1", Action: "buy", Symbol: "AAPL", Volume: 10, Price: 100}}}, nil
		case 2:
			return nil, &tickapi.TransportError{Err: errors.New("reset by peer")}
		default:
			return &core.TickResponse{}, nil
		}
	}
	f.start(t)

	for i := 0; i < 4; i++ {
		_, err := f.exec.Tick(context.Background())
		require.NoError(t, err)
	}

	assert.Empty(t, f.client.request(0).Transactions)
	require.Len(t, f.client.request(1).Transactions, 1)
	require.Len(t, f.client.request(2).Transactions, 1)
	assert.Equal(t, core.OrderID("o1"), f.client.request(2).Transactions[0].OrderID)
	assert.Empty(t, f.client.request(3).Transactions)
	assert.Equal(t, 0, f.store.Count())
}

func TestTick_UnsavedFillsAreStillReported(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, d *Deps) {
		d.Store = &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 2}
	})
	f.client.respond = func(n int, req *core.TickRequest) (*core.TickResponse, error) {
		if n == 1 {
			return &core.TickResponse{Orders: []core.Order{{OrderID: "o1", Action: "sell", Symbol: "AAPL", Volume: 2, Price: 101}}}, nil
		}
		return &core.TickResponse{}, nil
	}
	f.start(t)

	_, err := f.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, f.store.Count())
	assert.Equal(t, 1, f.exec.GetStatus().PendingTransactions)

	_, err = f.exec.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, f.client.request(1).Transactions, 1)
	assert.Equal(t, core.OrderID("o1"), f.client.request(1).Transactions[0].OrderID)
	assert.Equal(t, 0, f.exec.GetStatus().PendingTransactions)
}

func TestTick_QuotesFollowTrackedSymbols(t *testing.T) {
	f := newFixture(t)
	f.adapter.quotes["AAPL"] = &core.Quote{Close: price(187.2), Bid: price(187.1), Ask: price(187.3)}
	f.client.respond = func(n int, req *core.TickRequest) (*core.TickResponse, error) {
		switch n {
		case 1:
			return &core.TickResponse{Prices: map[string]*float64{"AAPL": price(186.5), "HALT": price(12)}}, nil
		case 2:
			return &core.TickResponse{Prices: map[string]*float64{"MSFT": nil}}, nil
		default:
			return &core.TickResponse{}, nil
		}
	}
	f.start(t)

	for i := 0; i < 4; i++ {
		_, err := f.exec.Tick(context.Background())
		require.NoError(t, err)
	}

	// First tick has nothing tracked yet
	assert.Empty(t, f.client.request(0).Prices)
	assert.NotNil(t, f.client.request(0).Prices)

	second := f.client.request(1).Prices
	require.Len(t, second, 1)
	assert.Equal(t, 187.2, *second["AAPL"].OHLCV.C)
	assert.Equal(t, fixedNow.Unix(), second["AAPL"].Time)
	require.NotNil(t, f.adapter.quoteRefs["AAPL"])
	assert.Equal(t, 186.5, *f.adapter.quoteRefs["AAPL"])
	assert.Contains(t, f.adapter.quoteRefs, "HALT")

	// Tracked set was replaced; MSFT has no reference and no quote
	assert.Empty(t, f.client.request(2).Prices)
	assert.Contains(t, f.adapter.quoteRefs, "MSFT")
	assert.Nil(t, f.adapter.quoteRefs["MSFT"])

	// A reply without prices clears tracking
	assert.Empty(t, f.client.request(3).Prices)
	assert.Empty(t, f.exec.GetStatus().Workers)
}

func TestTick_WorkerLogsAreStampedAndCapped(t *testing.T) {
	f := newFixture(t)
	lines := make([]string, 250)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i)
	}
	f.client.respond = func(n int, req *core.TickRequest) (*core.TickResponse, error) {
		return &core.TickResponse{
			Prices: map[string]*float64{"AAPL": price(186.5)},
			Logs:   map[string][]string{"AAPL": lines},
		}, nil
	}
	f.start(t)

	_, err := f.exec.Tick(context.Background())
	require.NoError(t, err)

	worker := f.exec.GetStatus().Workers["AAPL"]
	require.Len(t, worker.Logs, 200)
	assert.Equal(t, "260302 09:30:00 line 50", worker.Logs[0])
	assert.Equal(t, "260302 09:30:00 line 249", worker.Logs[199])
	assert.Equal(t, 186.5, *worker.Price)

	assert.True(t, f.exec.ClearWorkerLogs("AAPL"))
	assert.Empty(t, f.exec.GetStatus().Workers["AAPL"].Logs)
	assert.False(t, f.exec.ClearWorkerLogs("NOPE"))
}

func TestTick_RecoversPanics(t *testing.T) {
	f := newFixture(t)
	f.adapter.fill = func(order core.Order) core.FillResult {
		if order.Symbol == "BOOM" {
			panic("broker bug")
		}
		return core.Filled(order.Price, order.Volume, 0)
	}
	f.client.respond = func(n int, req *core.TickRequest) (*core.TickResponse, error) {
		if n == 2 {
			panic("client bug")
		}
		return &core.TickResponse{Orders: []core.Order{
			{OrderID: "o1", Action: "buy", Symbol: "BOOM", Volume: 1, Price: 1},
			{OrderID: "o2", Action: "buy", Symbol: "AAPL", Volume: 1, Price: 1},
		}}, nil
	}
	f.start(t)

	result, err := f.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.OrdersFilled)

	result, err = f.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "client bug")
	assert.True(t, f.exec.Running())
	assert.Equal(t, 1, f.store.Count())
}

func TestTick_NotRunning(t *testing.T) {
	f := newFixture(t)
	_, err := f.exec.Tick(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotRunning)
}

func TestTick_FailureAlertsAndRecovery(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, d *Deps) {
		cfg.Alerts.FailureThreshold = 2
	})
	f.client.respond = func(n int, req *core.TickRequest) (*core.TickResponse, error) {
		if n <= 3 {
			return nil, &tickapi.RemoteError{StatusCode: 503}
		}
		return &core.TickResponse{}, nil
	}
	f.start(t)

	for i := 0; i < 5; i++ {
		_, err := f.exec.Tick(context.Background())
		require.NoError(t, err)
	}

	sent := f.alerter.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, alert.TickFailing, sent[0].Kind)
	assert.Equal(t, "mock", sent[0].Adapter)
	assert.Equal(t, int64(2), sent[0].Tick)
	assert.Equal(t, int64(2), sent[0].FailedTicks)
	assert.Equal(t, "503", sent[0].LastError)
	assert.Equal(t, fixedNow, sent[0].Time)

	assert.Equal(t, alert.Recovered, sent[1].Kind)
	assert.Equal(t, alert.Info, sent[1].Level())
	assert.Equal(t, int64(4), sent[1].Tick)
	assert.Equal(t, int64(3), sent[1].FailedTicks)

	status := f.exec.GetStatus()
	assert.Equal(t, int64(3), status.ErrorCount)
	assert.Equal(t, int64(0), status.ConsecutiveErrors)
	assert.Equal(t, int64(5), status.TickCount)
	require.NotNil(t, status.LastTickTime)
	assert.InDelta(t, float64(fixedNow.Unix()), *status.LastTickTime, 1e-6)
}

func TestStart_RequiresAPIKey(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, d *Deps) {
		cfg.APIKey = ""
	})

	err := f.exec.Start(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrMissingAPIKey)
	assert.False(t, f.exec.Running())
	assert.False(t, f.exec.GetStatus().ConfigValid)
	sent := f.alerter.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, alert.StartFailed, sent[0].Kind)
	assert.Contains(t, sent[0].LastError, "api_key")
}

func TestStart_InterruptedDoesNotAlert(t *testing.T) {
	f := newFixture(t)
	f.adapter.connectOK = false

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.exec.Start(ctx)
	assert.ErrorIs(t, err, apperrors.ErrAdapterConnect)
	assert.Empty(t, f.alerter.sent())
}

func TestStart_ConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.adapter.connectOK = false

	err := f.exec.Start(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAdapterConnect)
	assert.Equal(t, core.StateStopped, f.exec.GetStatus().State)
	assert.Equal(t, 1, f.adapter.disconnectCount())
}

func TestStart_ConnectPanic(t *testing.T) {
	f := newFixture(t)
	f.adapter.connectPanic = true

	err := f.exec.Start(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAdapterConnect)
	assert.False(t, f.exec.Running())
}

func TestStart_UnknownAdapter(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, d *Deps) {
		cfg.Adapter = "nope"
	})

	err := f.exec.Start(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrUnknownAdapter)
	assert.False(t, f.exec.Running())
}

func TestStart_AlreadyRunning(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	assert.ErrorIs(t, f.exec.Start(context.Background()), apperrors.ErrAlreadyRunning)
	assert.Equal(t, core.StateRunning, f.exec.GetStatus().State)
}

func TestStop_Idempotent(t *testing.T) {
	f := newFixture(t)
	assert.NotPanics(t, f.exec.Stop)

	require.NoError(t, f.exec.Start(context.Background()))
	f.exec.Stop()
	f.exec.Stop()

	assert.False(t, f.exec.Running())
	assert.Equal(t, 1, f.adapter.disconnectCount())

	// Restart after stop
	require.NoError(t, f.exec.Start(context.Background()))
	assert.True(t, f.exec.Running())
	f.exec.Stop()
}

func TestRun_ManualTicksNeverOverlapLoop(t *testing.T) {
	f := newFixture(t)
	f.client.delay = 20 * time.Millisecond
	f.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.exec.Run(ctx) }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.exec.Tick(context.Background())
		}()
	}
	wg.Wait()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run loop did not exit")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.client.maxInflight))
	assert.False(t, f.exec.Running())
	assert.GreaterOrEqual(t, f.exec.GetStatus().TickCount, int64(9))
	assert.Equal(t, 1, f.adapter.disconnectCount())
}

func TestRun_CancelDuringTickFinishesItBeforeDisconnect(t *testing.T) {
	f := newFixture(t)
	f.client.delay = 200 * time.Millisecond
	f.client.respond = func(n int, req *core.TickRequest) (*core.TickResponse, error) {
		if n > 1 {
			return &core.TickResponse{}, nil
		}
		return &core.TickResponse{
			Orders: []core.Order{{OrderID: "o1", Action: "buy", Symbol: "AAPL", Volume: 10, Price: 100.0}},
		}, nil
	}
	f.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.exec.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&f.client.inflight) == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run loop did not exit")
	}

	assert.False(t, f.exec.Running())
	assert.Equal(t, int64(1), f.exec.GetStatus().TickCount)
	require.Equal(t, 1, f.store.Count())
	assert.Equal(t, core.OrderID("o1"), f.store.List()[0].OrderID)
	assert.Equal(t, 1, f.adapter.disconnectCount())
}

func TestRun_ExitsOnStop(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	done := make(chan error, 1)
	go func() { done <- f.exec.Run(context.Background()) }()

	require.Eventually(t, func() bool { return f.exec.GetStatus().TickCount >= 1 }, time.Second, 10*time.Millisecond)
	f.exec.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run loop did not exit")
	}
}

func TestRun_NotStarted(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.exec.Run(context.Background()), apperrors.ErrNotRunning)
}

func TestStatus_Shape(t *testing.T) {
	f := newFixture(t)
	status := f.exec.GetStatus()

	assert.False(t, status.Running)
	assert.Equal(t, core.StateStopped, status.State)
	assert.Nil(t, status.LastTickTime)
	assert.Nil(t, status.LastError)
	assert.Equal(t, "mock", status.Adapter)
	assert.Equal(t, 1, status.PollInterval)
	assert.NotNil(t, status.Workers)
}

func TestNew_DefaultsToFileStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataPath = t.TempDir()

	exec, err := New(cfg, Deps{Logger: logging.NewNop(), Metrics: &telemetry.MetricsHolder{}})
	require.NoError(t, err)
	assert.Equal(t, cfg.TickURL(), exec.client.URL())
	assert.Equal(t, 0, exec.GetStatus().PendingTransactions)

	_, err = New(cfg, Deps{})
	assert.Error(t, err)
}
