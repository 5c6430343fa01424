// Package triage classifies open positions by how urgently they need
// management, so the engine can skip the decision pipeline when nothing
// needs attention.
package triage

import (
	"fmt"
	"math"
	"sort"
	"time"

	"tradeloop/internal/pkg/convert"
	"tradeloop/internal/types"
)

// Thresholds are percentages of margin (10 means 10%) plus a hold limit.
// Partial take-profit is the band [PartialTakeProfitPct, TakeProfitPct).
type Thresholds struct {
	TakeProfitPct        float64
	PartialTakeProfitPct float64
	StopLossPct          float64
	MaxHold              time.Duration
}

// Classify applies the rules in order; the first match wins.
func Classify(p types.PositionSnapshot, th Thresholds) types.PositionUrgency {
	pnl := convert.Finite(p.UnrealizedPnLPct)
	hold := p.HoldTime
	if hold < 0 {
		hold = 0
	}
	tp := convert.Finite(th.TakeProfitPct)
	partial := convert.Finite(th.PartialTakeProfitPct)
	sl := math.Abs(convert.Finite(th.StopLossPct))

	switch {
	case tp > 0 && pnl >= tp:
		return types.PositionUrgency{Urgency: types.UrgencyVeryUrgent,
			Reason: fmt.Sprintf("pnl %.2f%% reached take-profit %.2f%%", pnl, tp)}
	case sl > 0 && pnl <= -sl:
		return types.PositionUrgency{Urgency: types.UrgencyVeryUrgent,
			Reason: fmt.Sprintf("pnl %.2f%% hit stop-loss -%.2f%%", pnl, sl)}
	case th.MaxHold > 0 && hold >= th.MaxHold:
		return types.PositionUrgency{Urgency: types.UrgencyVeryUrgent,
			Reason: fmt.Sprintf("held %s, max %s", hold.Truncate(time.Minute), th.MaxHold)}
	case partial > 0 && pnl >= partial && (tp <= 0 || pnl < tp):
		return types.PositionUrgency{Urgency: types.UrgencyModerate,
			Reason: fmt.Sprintf("pnl %.2f%% in partial take-profit band", pnl)}
	case sl > 0 && pnl <= -sl/2:
		return types.PositionUrgency{Urgency: types.UrgencyModerate,
			Reason: fmt.Sprintf("pnl %.2f%% past half stop-loss", pnl)}
	case th.MaxHold > 0 && float64(hold) >= 0.75*float64(th.MaxHold):
		return types.PositionUrgency{Urgency: types.UrgencyModerate,
			Reason: fmt.Sprintf("held %s, approaching max %s", hold.Truncate(time.Minute), th.MaxHold)}
	default:
		return types.PositionUrgency{Urgency: types.UrgencyLow, Reason: "within normal range"}
	}
}

type Assessment struct {
	Position types.PositionSnapshot
	types.PositionUrgency
}

// Assess classifies every position and sorts by urgency rank, then by
// |P&L %| descending.
func Assess(positions []types.PositionSnapshot, th Thresholds) []Assessment {
	out := make([]Assessment, 0, len(positions))
	for _, p := range positions {
		out = append(out, Assessment{Position: p, PositionUrgency: Classify(p, th)})
	}
	SortByUrgency(out)
	return out
}

func SortByUrgency(items []Assessment) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Urgency != items[j].Urgency {
			return items[i].Urgency < items[j].Urgency
		}
		return convert.Abs(items[i].Position.UnrealizedPnLPct) > convert.Abs(items[j].Position.UnrealizedPnLPct)
	})
}

// Highest returns the most urgent level present; UrgencyLow when empty.
func Highest(items []Assessment) types.Urgency {
	if len(items) == 0 {
		return types.UrgencyLow
	}
	best := items[0].Urgency
	for _, it := range items[1:] {
		if it.Urgency < best {
			best = it.Urgency
		}
	}
	return best
}
