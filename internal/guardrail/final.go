package guardrail

import (
	"time"

	"tradeloop/internal/types"
)

type FinalInput struct {
	Source          string
	Positions       []types.PositionSnapshot
	Balance         types.Balance
	WeeklyPnL       float64
	LastSourceTrade time.Time
	TradesToday     int
	Now             time.Time
}

// Final is the last programmatic gate before an order is built.
func (e *Engine) Final(in FinalInput) Verdict {
	l, _ := e.snapshot()
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	if l.MaxPositions > 0 && len(in.Positions) >= l.MaxPositions {
		return Deny(RulePositionCap, "max concurrent positions reached: %d/%d", len(in.Positions), l.MaxPositions)
	}
	if drawdownBreached(l, in.WeeklyPnL, in.Balance) {
		return Deny(RuleDrawdown, "weekly drawdown limit breached: pnl %.2f", in.WeeklyPnL)
	}
	if l.SourceCooldown > 0 && !in.LastSourceTrade.IsZero() {
		if since := now.Sub(in.LastSourceTrade); since < l.SourceCooldown {
			return Deny(RuleCooldown, "source %s traded %s ago, cooldown %s",
				in.Source, since.Truncate(time.Second), l.SourceCooldown)
		}
	}
	if l.MaxDailyTrades > 0 && in.TradesToday >= l.MaxDailyTrades {
		return Deny(RuleDailyTrades, "daily trade cap reached: %d/%d", in.TradesToday, l.MaxDailyTrades)
	}
	return Allow()
}
