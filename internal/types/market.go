package types

import (
	"sort"
	"time"
)

// Ticker carries the latest price and funding rate for one symbol.
// FundingRate is a fraction (0.0001 == 0.01%).
type Ticker struct {
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	MarkPrice   float64   `json:"mark_price,omitempty"`
	FundingRate float64   `json:"funding_rate"`
	Timestamp   time.Time `json:"timestamp"`
}

// MarketData is one gathered market view. Errors holds per-symbol fetch
// failures that were tolerated.
type MarketData struct {
	Tickers   map[string]Ticker `json:"tickers"`
	FetchedAt time.Time         `json:"fetched_at"`
	Errors    map[string]string `json:"errors,omitempty"`
}

func (m MarketData) Ticker(symbol string) (Ticker, bool) {
	t, ok := m.Tickers[symbol]
	return t, ok
}

func (m MarketData) Price(symbol string) float64 {
	return m.Tickers[symbol].Price
}

// Age reports how old the snapshot is at now.
func (m MarketData) Age(now time.Time) time.Duration {
	if m.FetchedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(m.FetchedAt)
}

func (m MarketData) Symbols() []string {
	out := make([]string, 0, len(m.Tickers))
	for s := range m.Tickers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ContractSpec is the exchange-defined order sizing and precision metadata.
type ContractSpec struct {
	Symbol       string  `json:"symbol"`
	MinOrderSize float64 `json:"min_order_size"`
	MaxOrderSize float64 `json:"max_order_size"`
	TickSize     float64 `json:"tick_size"`
	StepSize     float64 `json:"step_size"`
	MinNotional  float64 `json:"min_notional,omitempty"`
}
