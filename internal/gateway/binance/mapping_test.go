package binance

import (
	"strings"
	"testing"

	"tradeloop/internal/types"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientOrderID(t *testing.T) {
	assert.Equal(t, "tl-agent_1-1700000000000", clientOrderID("tl-agent 1-1700000000000"))
	long := strings.Repeat("a", 40) + "-tail"
	id := clientOrderID(long)
	assert.Len(t, id, 36)
	assert.True(t, strings.HasSuffix(id, "-tail"))
	assert.Equal(t, "", clientOrderID("  "))
}

func TestSpecFromSymbol(t *testing.T) {
	s := futures.Symbol{
		Symbol: "BTCUSDT",
		Filters: []map[string]interface{}{
			{"filterType": "PRICE_FILTER", "tickSize": "0.10"},
			{"filterType": "LOT_SIZE", "minQty": "0.001", "maxQty": "1000", "stepSize": "0.001"},
			{"filterType": "MIN_NOTIONAL", "notional": "5"},
		},
	}
	spec := specFromSymbol(s)
	assert.Equal(t, "BTCUSDT", spec.Symbol)
	assert.InDelta(t, 0.1, spec.TickSize, 1e-12)
	assert.InDelta(t, 0.001, spec.MinOrderSize, 1e-12)
	assert.InDelta(t, 1000, spec.MaxOrderSize, 1e-12)
	assert.InDelta(t, 0.001, spec.StepSize, 1e-12)
	assert.InDelta(t, 5, spec.MinNotional, 1e-12)
}

func TestTradableSymbol(t *testing.T) {
	ok := futures.Symbol{Symbol: "BTCUSDT", Status: "TRADING", ContractType: futures.ContractTypePerpetual, QuoteAsset: "USDT"}
	assert.True(t, tradableSymbol(ok, "USDT"))
	halted := ok
	halted.Status = "SETTLING"
	assert.False(t, tradableSymbol(halted, "USDT"))
	other := ok
	other.QuoteAsset = "USDC"
	assert.False(t, tradableSymbol(other, "USDT"))
}

func TestPositionFromRisk(t *testing.T) {
	t.Run("flat row skipped", func(t *testing.T) {
		_, ok := positionFromRisk(&futures.PositionRisk{Symbol: "BTCUSDT", PositionAmt: "0"}, 5)
		assert.False(t, ok)
	})
	t.Run("one-way short from sign", func(t *testing.T) {
		p, ok := positionFromRisk(&futures.PositionRisk{
			Symbol:           "ETHUSDT",
			PositionSide:     "BOTH",
			PositionAmt:      "-2",
			EntryPrice:       "100",
			MarkPrice:        "95",
			UnRealizedProfit: "10",
			IsolatedMargin:   "0",
		}, 10)
		require.True(t, ok)
		assert.Equal(t, types.SideShort, p.Side)
		assert.InDelta(t, 2, p.Size, 1e-12)
		assert.Equal(t, types.MarginCross, p.MarginMode)
		// margin = 100*2/10 = 20, pnl 10 -> 50%
		assert.InDelta(t, 50, p.UnrealizedPnLPct, 1e-9)
	})
	t.Run("hedge long isolated", func(t *testing.T) {
		p, ok := positionFromRisk(&futures.PositionRisk{
			Symbol:           "BTCUSDT",
			PositionSide:     "LONG",
			PositionAmt:      "0.5",
			EntryPrice:       "60000",
			MarkPrice:        "59000",
			UnRealizedProfit: "-500",
			IsolatedMargin:   "5000",
		}, 5)
		require.True(t, ok)
		assert.Equal(t, types.SideLong, p.Side)
		assert.Equal(t, types.MarginIsolated, p.MarginMode)
		assert.Equal(t, "BTCUSDT:LONG", p.IsolatedID)
		assert.InDelta(t, -10, p.UnrealizedPnLPct, 1e-9)
	})
}

func TestClosedOrderFromOrder(t *testing.T) {
	filled := &futures.Order{
		Symbol:           "BTCUSDT",
		OrderID:          42,
		Status:           futures.OrderStatusTypeFilled,
		Side:             futures.SideTypeSell,
		Type:             futures.OrderTypeStopMarket,
		ReduceOnly:       true,
		ExecutedQuantity: "0.01",
		AvgPrice:         "61000",
		UpdateTime:       1700000000000,
	}
	c, ok := closedOrderFromOrder(filled, false)
	require.True(t, ok)
	assert.Equal(t, "42", c.OrderID)
	assert.Equal(t, types.SideLong, c.ClosesSide())
	assert.InDelta(t, 61000, c.AvgPrice, 1e-9)

	entry := *filled
	entry.ReduceOnly = false
	_, ok = closedOrderFromOrder(&entry, false)
	assert.False(t, ok, "opening order is not a close")

	hedged := entry
	hedged.PositionSide = futures.PositionSideTypeLong
	_, ok = closedOrderFromOrder(&hedged, true)
	assert.True(t, ok, "hedge-mode sell on LONG reduces")

	pending := *filled
	pending.Status = futures.OrderStatusTypeNew
	_, ok = closedOrderFromOrder(&pending, false)
	assert.False(t, ok)
}
