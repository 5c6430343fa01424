package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"BTC/USDT":      "BTCUSDT",
		"btcusdt":       "BTCUSDT",
		"ETH/USDT:USDT": "ETHUSDT",
		"sol_usdt":      "SOLUSDT",
		" doge-usdt ":   "DOGEUSDT",
		"XYZ":           "XYZ",
		"":              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestNormalizeListDedup(t *testing.T) {
	got := NormalizeList([]string{"BTC/USDT", "btcusdt", "ETHUSDT", " "})
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)
}

func TestAllowlist(t *testing.T) {
	a := NewAllowlist([]string{"BTC/USDT", "ethusdt"})
	assert.True(t, a.Contains("BTCUSDT"))
	assert.True(t, a.Contains("eth/usdt"))
	assert.False(t, a.Contains("SOLUSDT"))
	assert.False(t, Allowlist{}.Contains("BTCUSDT"))
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, a.Symbols())
}
