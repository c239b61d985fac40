package tickapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trade_executor/internal/core"
	apperrors "trade_executor/pkg/errors"
	"trade_executor/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emptyRequest() *core.TickRequest {
	return &core.TickRequest{Prices: map[string]core.PriceSnapshot{}, Transactions: []core.Transaction{}}
}

func TestTick_SendsBearerAndPayload(t *testing.T) {
	var (
		gotAuth      string
		gotRequestID string
		gotBody      map[string]json.RawMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-ID")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{"orders":[{"order_id":42,"action":"buy","symbol":"AAPL","volume":10,"price":100.5}],"prices":{"AAPL":100.5,"MSFT":null},"logs":{"AAPL":["bought"]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tt_key", 2*time.Second, logging.NewNop())
	closePrice := 186.5
	req := &core.TickRequest{
		Prices: map[string]core.PriceSnapshot{
			"AAPL": core.NewPriceSnapshot(&core.Quote{Close: &closePrice}, 1700000000),
		},
		Transactions: []core.Transaction{{OrderID: "o1", Symbol: "AAPL", Action: "buy", Volume: 10, Price: 100, Time: 1700000000}},
	}

	resp, err := c.Tick(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tt_key", gotAuth)
	assert.NotEmpty(t, gotRequestID)
	assert.JSONEq(t, `{"AAPL":{"ohlcv":{"o":null,"h":null,"l":null,"c":186.5,"v":null},"bid":null,"ask":null,"time":1700000000}}`, string(gotBody["prices"]))
	assert.JSONEq(t, `[{"order_id":"o1","symbol":"AAPL","action":"buy","volume":10,"price":100,"commission":0,"time":1700000000}]`, string(gotBody["transactions"]))

	require.Len(t, resp.Orders, 1)
	assert.Equal(t, core.OrderID("42"), resp.Orders[0].OrderID)
	assert.Equal(t, 10, resp.Orders[0].Volume)
	require.Contains(t, resp.Prices, "MSFT")
	assert.Nil(t, resp.Prices["MSFT"])
	assert.InDelta(t, 100.5, *resp.Prices["AAPL"], 1e-9)
	assert.Equal(t, []string{"bought"}, resp.Logs["AAPL"])
}

func TestTick_EmptyMapsSerializeAsObjects(t *testing.T) {
	var raw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		raw = string(b)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second, logging.NewNop())
	resp, err := c.Tick(context.Background(), emptyRequest())
	require.NoError(t, err)
	assert.JSONEq(t, `{"prices":{},"transactions":[]}`, raw)
	assert.Empty(t, resp.Orders)
}

func TestTick_TimeoutIsEnforcedExternally(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()
	defer close(release)

	// The transport itself has no deadline; only the external bound applies
	c := NewClient(srv.URL, "k", 200*time.Millisecond, logging.NewNop(), WithHTTPClient(&http.Client{}))

	start := time.Now()
	_, err := c.Tick(context.Background(), emptyRequest())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 2*time.Second)
	assert.ErrorIs(t, err, apperrors.ErrTickTimeout)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "Timeout: "+srv.URL+" did not respond in 200ms", err.Error())
	assert.False(t, Acknowledged(err))
}

func TestTick_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url, "k", time.Second, logging.NewNop())
	_, err := c.Tick(context.Background(), emptyRequest())

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.True(t, strings.HasPrefix(err.Error(), "ConnectionError: "))
	assert.False(t, Acknowledged(err))
}

func TestTick_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	c := NewClient(srv.URL, "k", 5*time.Second, logging.NewNop())
	_, err := c.Tick(ctx, emptyRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTick_RemoteError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"detail string", http.StatusUnauthorized, `{"detail":"Invalid API key"}`, "401: Invalid API key"},
		{"error string", http.StatusBadRequest, `{"error":"bad symbol"}`, "400: bad symbol"},
		{"nested error", http.StatusForbidden, `{"detail":{"error":"model paused","code":7}}`, "403: model paused"},
		{"no detail", http.StatusInternalServerError, `{}`, "500"},
		{"plain text", http.StatusBadGateway, `upstream unavailable`, "502: upstream unavailable"},
		{"empty body", http.StatusServiceUnavailable, ``, "503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "k", time.Second, logging.NewNop())
			_, err := c.Tick(context.Background(), emptyRequest())

			var re *RemoteError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tt.status, re.StatusCode)
			assert.Equal(t, tt.want, err.Error())
			assert.False(t, Acknowledged(err))
		})
	}
}

func TestTick_MalformedSuccessBodyIsAcknowledged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"orders": "nope"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second, logging.NewNop())
	_, err := c.Tick(context.Background(), emptyRequest())

	require.Error(t, err)
	assert.True(t, Acknowledged(err))
	assert.ErrorIs(t, err, apperrors.ErrMalformedOrders)
}

func TestExtractDetail(t *testing.T) {
	long := strings.Repeat("x", 500)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"detail wins over error", `{"detail":"d","error":"e"}`, "d"},
		{"empty detail falls back to error", `{"detail":"","error":"e"}`, "e"},
		{"nested error object", `{"error":{"error":"inner"}}`, "inner"},
		{"nested object without error key", `{"detail":{"msg":"m"}}`, `{"msg":"m"}`},
		{"list detail", `{"detail":[{"loc":["body"],"msg":"field required"}]}`, `[{"loc":["body"],"msg":"field required"}]`},
		{"json array body", `["a"]`, ""},
		{"raw text truncated", long, strings.Repeat("x", 200)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractDetail([]byte(tt.body)))
		})
	}
}

func TestTick_BadVolumeRejectsOnlyThatOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"orders":[
			{"order_id":"o1","action":"buy","symbol":"AAPL","volume":10.0,"price":100},
			{"order_id":"o2","action":"sell","symbol":"MSFT","volume":"ten","price":400}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second, logging.NewNop())
	resp, err := c.Tick(context.Background(), emptyRequest())
	require.NoError(t, err)

	require.Len(t, resp.Orders, 2)
	assert.Equal(t, 10, resp.Orders[0].Volume)
	assert.Empty(t, resp.Orders[0].Invalid)
	assert.Equal(t, core.OrderID("o2"), resp.Orders[1].OrderID)
	assert.NotEmpty(t, resp.Orders[1].Invalid)
}
