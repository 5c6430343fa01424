package guardrail

import (
	"fmt"

	"tradeloop/internal/triage"
	"tradeloop/internal/types"
)

type Route string

const (
	RouteSkip           Route = "skip"
	RouteFullPipeline   Route = "full_pipeline"
	RouteManageUrgent   Route = "manage_urgent"
	RouteManageModerate Route = "manage_moderate"
)

type PreflightInput struct {
	Balance   types.Balance
	WeeklyPnL float64
	Positions []types.PositionSnapshot
}

// PreflightResult decides whether the costly pipeline runs at all. It never
// opens a position by itself.
type PreflightResult struct {
	Verdict
	Route          Route
	OpenDirections []types.Side
	Assessments    []triage.Assessment
	Focus          *triage.Assessment
}

// Preflight runs the four cheap checks in order and short-circuits on the
// first one that decides the route.
func (e *Engine) Preflight(in PreflightInput) PreflightResult {
	l, _ := e.snapshot()

	if !balanceOK(l, in.Balance) {
		return PreflightResult{
			Verdict: Deny(RuleBalance, "insufficient balance: %.2f < %.2f", in.Balance.Available, l.MinBalance).
				WithCostSaved(l.PipelineCost),
			Route: RouteSkip,
		}
	}
	if drawdownBreached(l, in.WeeklyPnL, in.Balance) {
		return PreflightResult{
			Verdict: Deny(RuleDrawdown, "weekly drawdown limit breached: pnl %.2f", in.WeeklyPnL).
				WithCostSaved(l.PipelineCost),
			Route: RouteSkip,
		}
	}

	counts := types.CountBySide(in.Positions)
	atCap := l.MaxPositions > 0 && len(in.Positions) >= l.MaxPositions
	longCapped := l.MaxSameDirection > 0 && counts[types.SideLong] >= l.MaxSameDirection
	shortCapped := l.MaxSameDirection > 0 && counts[types.SideShort] >= l.MaxSameDirection
	if !(atCap && longCapped && shortCapped) {
		var open []types.Side
		if !longCapped {
			open = append(open, types.SideLong)
		}
		if !shortCapped {
			open = append(open, types.SideShort)
		}
		return PreflightResult{Verdict: Allow(), Route: RouteFullPipeline, OpenDirections: open}
	}

	assessments := triage.Assess(in.Positions, l.Urgency)
	res := PreflightResult{Assessments: assessments}
	switch triage.Highest(assessments) {
	case types.UrgencyVeryUrgent:
		res.Route = RouteManageUrgent
		res.Verdict = Verdict{Allowed: true, Rule: RulePositionCap,
			Reason:             fmt.Sprintf("fully capped, urgent: %s", assessments[0].Reason),
			EstimatedCostSaved: positive(l.PipelineCost - l.ManagementCost)}
		res.Focus = &res.Assessments[0]
	case types.UrgencyModerate:
		res.Route = RouteManageModerate
		res.Verdict = Verdict{Allowed: true, Rule: RulePositionCap,
			Reason:             fmt.Sprintf("fully capped, moderate: %s", assessments[0].Reason),
			EstimatedCostSaved: positive(l.PipelineCost - l.ManagementCost)}
		res.Focus = &res.Assessments[0]
	default:
		res.Route = RouteSkip
		res.Verdict = Deny(RuleAllLow, "fully capped and all %d positions low urgency", len(in.Positions)).
			WithCostSaved(l.PipelineCost)
	}
	return res
}

func positive(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
