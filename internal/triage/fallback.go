package triage

import (
	"tradeloop/internal/pkg/convert"
	"tradeloop/internal/types"
)

// LargestPnL picks the position with the largest |P&L %|, optionally only
// among one side. This is the guardrail fallback heuristic and is kept
// separate from the urgency ordering on purpose.
func LargestPnL(positions []types.PositionSnapshot, side types.Side) (types.PositionSnapshot, bool) {
	var (
		best  types.PositionSnapshot
		found bool
	)
	for _, p := range positions {
		if side != "" && p.Side != side {
			continue
		}
		if !found || convert.Abs(p.UnrealizedPnLPct) > convert.Abs(best.UnrealizedPnLPct) {
			best = p
			found = true
		}
	}
	return best, found
}
