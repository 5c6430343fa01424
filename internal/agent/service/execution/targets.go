package execution

import (
	"tradeloop/internal/types"

	"github.com/shopspring/decimal"
)

// Targets is a take-profit / stop-loss price pair.
type Targets struct {
	TakeProfit float64
	StopLoss   float64
}

// Recompute keeps each target's percentage distance from entry and
// re-applies it to fresh: target * fresh / entry.
func Recompute(t Targets, entry, fresh float64) Targets {
	if entry <= 0 || fresh <= 0 || entry == fresh {
		return t
	}
	e := decimal.NewFromFloat(entry)
	f := decimal.NewFromFloat(fresh)
	scale := func(v float64) float64 {
		if v <= 0 {
			return v
		}
		out, _ := decimal.NewFromFloat(v).Mul(f).Div(e).Float64()
		return out
	}
	return Targets{TakeProfit: scale(t.TakeProfit), StopLoss: scale(t.StopLoss)}
}

// Sane reports whether TP and SL sit on the correct sides of price.
func Sane(side types.Side, price float64, t Targets) bool {
	if price <= 0 || t.TakeProfit <= 0 || t.StopLoss <= 0 {
		return false
	}
	switch side {
	case types.SideLong:
		return t.TakeProfit > price && t.StopLoss < price
	case types.SideShort:
		return t.TakeProfit < price && t.StopLoss > price
	}
	return false
}

// Default builds a pair at fixed percentage distances from price.
func Default(side types.Side, price, takeProfitPct, stopLossPct float64) Targets {
	p := decimal.NewFromFloat(price)
	hundred := decimal.NewFromInt(100)
	up := func(pct float64) float64 {
		out, _ := p.Mul(hundred.Add(decimal.NewFromFloat(pct))).Div(hundred).Float64()
		return out
	}
	down := func(pct float64) float64 {
		out, _ := p.Mul(hundred.Sub(decimal.NewFromFloat(pct))).Div(hundred).Float64()
		return out
	}
	if side == types.SideShort {
		return Targets{TakeProfit: down(takeProfitPct), StopLoss: up(stopLossPct)}
	}
	return Targets{TakeProfit: up(takeProfitPct), StopLoss: down(stopLossPct)}
}

// Resolve recomputes t against fresh and falls back to the default pair
// when the result fails the directional check. fallback reports which path
// was taken.
func Resolve(side types.Side, t Targets, entry, fresh, takeProfitPct, stopLossPct float64) (out Targets, fallback bool) {
	out = Recompute(t, entry, fresh)
	if Sane(side, fresh, out) {
		return out, false
	}
	return Default(side, fresh, takeProfitPct, stopLossPct), true
}
