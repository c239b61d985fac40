package ibkr

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// flexInt decodes a JSON number or numeric string
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	d, ok := parseDecimal(data)
	if !ok {
		*f = 0
		return nil
	}
	*f = flexInt(d.IntPart())
	return nil
}

// flexFloat decodes a JSON number or numeric string
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	d, ok := parseDecimal(data)
	if !ok {
		*f = 0
		return nil
	}
	v, _ := d.Float64()
	*f = flexFloat(v)
	return nil
}

func parseDecimal(data []byte) (decimal.Decimal, bool) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return decimal.Zero, false
	}
	return toDecimal(v)
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), true
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(t), ",", "")
		// Snapshot prices carry a C (prior close) or H (halted) prefix
		s = strings.TrimLeft(s, "CH")
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}

// parsePrice converts a snapshot field to a price, nil when missing or not
// numeric
func parsePrice(v interface{}) *float64 {
	d, ok := toDecimal(v)
	if !ok {
		return nil
	}
	f, _ := d.Float64()
	return &f
}

var volumeSuffixes = map[string]decimal.Decimal{
	"K": decimal.NewFromInt(1_000),
	"M": decimal.NewFromInt(1_000_000),
	"B": decimal.NewFromInt(1_000_000_000),
}

// parseVolume converts a snapshot volume such as "52.3M" to shares
func parseVolume(v interface{}) *int64 {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if n := len(s); n > 1 {
			if mult, ok := volumeSuffixes[strings.ToUpper(s[n-1:])]; ok {
				d, ok := toDecimal(s[:n-1])
				if !ok {
					return nil
				}
				out := d.Mul(mult).IntPart()
				return &out
			}
		}
	}
	d, ok := toDecimal(v)
	if !ok {
		return nil
	}
	out := d.IntPart()
	return &out
}
