package binance

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"tradeloop/internal/pkg/convert"
	"tradeloop/internal/types"

	"github.com/adshao/go-binance/v2/futures"
)

var clientIDPattern = regexp.MustCompile(`[^\.A-Z\:/a-z0-9_-]`)

// clientOrderID makes an idempotency key acceptable to Binance
// (^[\.A-Z\:/a-z0-9_-]{1,36}$).
func clientOrderID(key string) string {
	key = clientIDPattern.ReplaceAllString(strings.TrimSpace(key), "_")
	if len(key) > 36 {
		key = key[len(key)-36:]
	}
	return key
}

func filterString(f map[string]interface{}, key string) string {
	v, ok := f[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// specFromSymbol reads PRICE_FILTER, LOT_SIZE and MIN_NOTIONAL.
func specFromSymbol(s futures.Symbol) types.ContractSpec {
	spec := types.ContractSpec{Symbol: s.Symbol}
	for _, f := range s.Filters {
		switch filterString(f, "filterType") {
		case "PRICE_FILTER":
			spec.TickSize = convert.ParseFloat(filterString(f, "tickSize"))
		case "LOT_SIZE":
			spec.MinOrderSize = convert.ParseFloat(filterString(f, "minQty"))
			spec.MaxOrderSize = convert.ParseFloat(filterString(f, "maxQty"))
			spec.StepSize = convert.ParseFloat(filterString(f, "stepSize"))
		case "MIN_NOTIONAL":
			spec.MinNotional = convert.ParseFloat(filterString(f, "notional"))
		}
	}
	return spec
}

func tradableSymbol(s futures.Symbol, quote string) bool {
	if s.Status != "" && !strings.EqualFold(s.Status, "TRADING") {
		return false
	}
	if s.ContractType != "" && s.ContractType != futures.ContractTypePerpetual {
		return false
	}
	return quote == "" || strings.EqualFold(s.QuoteAsset, quote)
}

// positionFromRisk maps a position-risk row; ok is false for flat rows.
// Hold time is filled later from trade history.
func positionFromRisk(p *futures.PositionRisk, leverage float64) (types.PositionSnapshot, bool) {
	if p == nil {
		return types.PositionSnapshot{}, false
	}
	amt := convert.ParseFloat(p.PositionAmt)
	if amt == 0 {
		return types.PositionSnapshot{}, false
	}
	side := types.SideLong
	switch strings.ToUpper(p.PositionSide) {
	case string(futures.PositionSideTypeLong):
		side = types.SideLong
	case string(futures.PositionSideTypeShort):
		side = types.SideShort
	default:
		if amt < 0 {
			side = types.SideShort
		}
	}
	size := math.Abs(amt)
	entry := convert.ParseFloat(p.EntryPrice)
	mark := convert.ParseFloat(p.MarkPrice)
	pnl := convert.ParseFloat(p.UnRealizedProfit)
	isolated := convert.ParseFloat(p.IsolatedMargin)

	out := types.PositionSnapshot{
		Symbol:         p.Symbol,
		Side:           side,
		Size:           size,
		EntryPrice:     entry,
		CurrentPrice:   mark,
		UnrealizedPnL:  pnl,
		Leverage:       leverage,
		MarginMode:     types.MarginCross,
		IsolatedMargin: isolated,
	}
	margin := isolated
	if isolated > 0 {
		out.MarginMode = types.MarginIsolated
		out.IsolatedID = p.Symbol + ":" + string(side)
	} else if leverage > 0 {
		margin = entry * size / leverage
	}
	if margin > 0 {
		out.UnrealizedPnLPct = convert.Finite(pnl / margin * 100)
	}
	return out, true
}

// closedOrderFromOrder keeps filled orders that reduced a position.
func closedOrderFromOrder(o *futures.Order, hedge bool) (types.ClosedOrder, bool) {
	if o == nil || o.Status != futures.OrderStatusTypeFilled {
		return types.ClosedOrder{}, false
	}
	reduces := o.ReduceOnly || o.ClosePosition
	if hedge {
		ps := o.PositionSide
		reduces = reduces ||
			(ps == futures.PositionSideTypeLong && o.Side == futures.SideTypeSell) ||
			(ps == futures.PositionSideTypeShort && o.Side == futures.SideTypeBuy)
	}
	if !reduces {
		return types.ClosedOrder{}, false
	}
	qty := convert.ParseFloat(o.ExecutedQuantity)
	if qty <= 0 {
		return types.ClosedOrder{}, false
	}
	side := types.OrderSideSell
	if o.Side == futures.SideTypeBuy {
		side = types.OrderSideBuy
	}
	return types.ClosedOrder{
		OrderID:  fmt.Sprintf("%d", o.OrderID),
		Symbol:   o.Symbol,
		Side:     side,
		Type:     string(o.Type),
		Quantity: qty,
		AvgPrice: convert.ParseFloat(o.AvgPrice),
		ClosedAt: time.UnixMilli(o.UpdateTime),
	}, true
}

func sideType(s types.OrderSide) futures.SideType {
	if s == types.OrderSideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func positionSideType(s types.Side) futures.PositionSideType {
	if s == types.SideShort {
		return futures.PositionSideTypeShort
	}
	return futures.PositionSideTypeLong
}
