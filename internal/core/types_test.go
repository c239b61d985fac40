package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderID_AcceptsStringOrNumber(t *testing.T) {
	var ids []OrderID
	require.NoError(t, json.Unmarshal([]byte(`["o1", 42]`), &ids))
	assert.Equal(t, []OrderID{"o1", "42"}, ids)

	var id OrderID
	assert.Error(t, json.Unmarshal([]byte(`true`), &id))
}

func TestOrder_UnmarshalVolume(t *testing.T) {
	tests := []struct {
		name    string
		volume  string
		want    int
		invalid bool
	}{
		{"integer", `10`, 10, false},
		{"integral float", `10.0`, 10, false},
		{"exponent", `1e1`, 10, false},
		{"quoted", `"7"`, 7, false},
		{"missing", `null`, 0, false},
		{"fractional", `2.5`, 0, true},
		{"word", `"ten"`, 0, true},
		{"object", `{}`, 0, true},
		{"too large", `1e12`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var o Order
			body := `{"order_id":"o1","action":"buy","symbol":"AAPL","price":100.5,"volume":` + tt.volume + `}`
			require.NoError(t, json.Unmarshal([]byte(body), &o))

			assert.Equal(t, OrderID("o1"), o.OrderID)
			assert.Equal(t, "AAPL", o.Symbol)
			assert.Equal(t, 100.5, o.Price)
			assert.Equal(t, tt.want, o.Volume)
			assert.Equal(t, tt.invalid, o.Invalid != "", o.Invalid)
		})
	}
}
