package binance

import (
	"strings"
	"time"
)

type Config struct {
	APIKey      string
	SecretKey   string
	RESTBaseURL string
	HTTPTimeout time.Duration
	Testnet     bool

	// HedgeMode sends PositionSide on every order so opposite-direction
	// positions on one symbol can coexist.
	HedgeMode       bool
	DefaultLeverage int
	QuoteAsset      string
	HistoryLookback time.Duration

	ProxyEnabled bool
	RESTProxyURL string
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		if out.Testnet {
			out.RESTBaseURL = "https://testnet.binancefuture.com"
		} else {
			out.RESTBaseURL = "https://fapi.binance.com"
		}
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.DefaultLeverage <= 0 {
		out.DefaultLeverage = 5
	}
	out.QuoteAsset = strings.ToUpper(strings.TrimSpace(out.QuoteAsset))
	if out.QuoteAsset == "" {
		out.QuoteAsset = "USDT"
	}
	if out.HistoryLookback <= 0 {
		out.HistoryLookback = 24 * time.Hour
	}
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	return out
}
