// Package convert provides numeric conversion helpers shared by the
// exchange adapter and the decision payload layer.
package convert

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ToFloat64 converts various numeric types to float64.
// Returns 0 for unsupported types, parse failures and non-finite values.
func ToFloat64(v any) float64 {
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		return Finite(t)
	case float32:
		return Finite(float64(t))
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case uint64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return Finite(f)
	case string:
		return ParseFloat(t)
	default:
		return 0
	}
}

// ParseFloat parses exchange string fields ("0.0012", "") leniently.
func ParseFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return Finite(f)
}

// Finite maps NaN and ±Inf to 0.
func Finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func Abs(v float64) float64 {
	return math.Abs(Finite(v))
}

func FormatFloat(v float64) string {
	return strconv.FormatFloat(Finite(v), 'f', -1, 64)
}
