package guardrail

import (
	"tradeloop/internal/triage"
	"tradeloop/internal/types"
)

type Fallback string

const (
	FallbackNone                Fallback = ""
	FallbackManageAny           Fallback = "manage_any"
	FallbackManageSameDirection Fallback = "manage_same_direction"
)

type Candidate struct {
	Symbol      string
	Side        types.Side
	FundingRate float64
}

type HardInput struct {
	Candidate Candidate
	Balance   types.Balance
	WeeklyPnL float64
	Positions []types.PositionSnapshot
}

// HardResult carries the verdict plus, for the cap rules, the existing
// position to manage instead of opening a new one.
type HardResult struct {
	Verdict
	Fallback Fallback
	Target   *types.PositionSnapshot
}

// Hard evaluates the seven entry guardrails in fixed order:
// position cap, balance, drawdown, same-direction cap, funding, duplicate,
// allowlist. Each one short-circuits.
func (e *Engine) Hard(in HardInput) HardResult {
	l, allow := e.snapshot()
	c := in.Candidate

	if !c.Side.Valid() || c.Symbol == "" {
		return HardResult{Verdict: Deny(RuleInvalidRequest, "candidate needs symbol and LONG/SHORT side")}
	}

	if l.MaxPositions > 0 && len(in.Positions) >= l.MaxPositions {
		res := HardResult{
			Verdict:  Deny(RulePositionCap, "position cap reached: %d/%d", len(in.Positions), l.MaxPositions),
			Fallback: FallbackManageAny,
		}
		if p, ok := triage.LargestPnL(in.Positions, ""); ok {
			res.Target = &p
		}
		return res
	}
	if !balanceOK(l, in.Balance) {
		return HardResult{Verdict: Deny(RuleBalance, "insufficient balance: %.2f < %.2f", in.Balance.Available, l.MinBalance)}
	}
	if drawdownBreached(l, in.WeeklyPnL, in.Balance) {
		return HardResult{Verdict: Deny(RuleDrawdown, "weekly drawdown limit breached: pnl %.2f", in.WeeklyPnL)}
	}
	if l.MaxSameDirection > 0 {
		if n := types.CountBySide(in.Positions)[c.Side]; n >= l.MaxSameDirection {
			res := HardResult{
				Verdict:  Deny(RuleDirectionCap, "%s cap reached: %d/%d", c.Side, n, l.MaxSameDirection),
				Fallback: FallbackManageSameDirection,
			}
			if p, ok := triage.LargestPnL(in.Positions, c.Side); ok {
				res.Target = &p
			}
			return res
		}
	}
	if fundingAgainst(l, c.Side, c.FundingRate) {
		return HardResult{Verdict: Deny(RuleFunding, "funding %.5f too extreme for %s (limit %.5f)",
			c.FundingRate, c.Side, l.FundingExtreme)}
	}
	for _, p := range in.Positions {
		// 反向对冲允许
		if p.Symbol == c.Symbol && p.Side == c.Side {
			return HardResult{Verdict: Deny(RuleDuplicate, "%s %s already open", c.Symbol, c.Side)}
		}
	}
	if !allow.Contains(c.Symbol) {
		return HardResult{Verdict: Deny(RuleAllowlist, "%s not on trading allowlist", c.Symbol)}
	}
	return HardResult{Verdict: Allow()}
}
