package triage

import (
	"math"
	"testing"
	"time"

	"tradeloop/internal/types"

	"github.com/stretchr/testify/assert"
)

func testThresholds() Thresholds {
	return Thresholds{TakeProfitPct: 10, PartialTakeProfitPct: 5, StopLossPct: 5, MaxHold: 24 * time.Hour}
}

func pos(pnl float64, hold time.Duration) types.PositionSnapshot {
	return types.PositionSnapshot{Symbol: "BTCUSDT", Side: types.SideLong, UnrealizedPnLPct: pnl, HoldTime: hold}
}

func TestClassifyRules(t *testing.T) {
	th := testThresholds()
	cases := []struct {
		name string
		pos  types.PositionSnapshot
		want types.Urgency
	}{
		{"take profit", pos(10, time.Hour), types.UrgencyVeryUrgent},
		{"stop loss", pos(-5, time.Hour), types.UrgencyVeryUrgent},
		{"max hold", pos(0, 24*time.Hour), types.UrgencyVeryUrgent},
		{"partial band", pos(6, time.Hour), types.UrgencyModerate},
		{"half stop", pos(-2.5, time.Hour), types.UrgencyModerate},
		{"long hold", pos(1, 18*time.Hour), types.UrgencyModerate},
		{"normal", pos(1, time.Hour), types.UrgencyLow},
		{"nan neutral", pos(math.NaN(), time.Hour), types.UrgencyLow},
		{"inf neutral", pos(math.Inf(-1), time.Hour), types.UrgencyLow},
	}
	for _, tc := range cases {
		got := Classify(tc.pos, th)
		assert.Equal(t, tc.want, got.Urgency, tc.name)
		assert.NotEmpty(t, got.Reason, tc.name)
	}
}

func TestClassifyMonotonicInPnL(t *testing.T) {
	th := testThresholds()
	prev := types.UrgencyLow
	for pnl := 0.0; pnl <= 20; pnl += 0.25 {
		u := Classify(pos(pnl, time.Hour), th).Urgency
		assert.LessOrEqual(t, int(u), int(prev), "gain %.2f", pnl)
		prev = u
	}
	prev = types.UrgencyLow
	for pnl := 0.0; pnl >= -20; pnl -= 0.25 {
		u := Classify(pos(pnl, time.Hour), th).Urgency
		assert.LessOrEqual(t, int(u), int(prev), "loss %.2f", pnl)
		prev = u
	}
}

func TestAssessOrdering(t *testing.T) {
	th := testThresholds()
	positions := []types.PositionSnapshot{
		{Symbol: "A", UnrealizedPnLPct: 1, HoldTime: time.Hour},
		{Symbol: "B", UnrealizedPnLPct: -3, HoldTime: time.Hour},
		{Symbol: "C", UnrealizedPnLPct: 12, HoldTime: time.Hour},
		{Symbol: "D", UnrealizedPnLPct: -7, HoldTime: time.Hour},
		{Symbol: "E", UnrealizedPnLPct: 6, HoldTime: time.Hour},
	}
	got := Assess(positions, th)
	order := make([]string, 0, len(got))
	for _, a := range got {
		order = append(order, a.Position.Symbol)
	}
	assert.Equal(t, []string{"C", "D", "E", "B", "A"}, order)
	assert.Equal(t, types.UrgencyVeryUrgent, Highest(got))
	assert.Equal(t, types.UrgencyLow, Highest(nil))
}

func TestLargestPnL(t *testing.T) {
	positions := []types.PositionSnapshot{
		{Symbol: "A", Side: types.SideLong, UnrealizedPnLPct: 2},
		{Symbol: "B", Side: types.SideLong, UnrealizedPnLPct: -4},
		{Symbol: "C", Side: types.SideShort, UnrealizedPnLPct: 9},
	}
	best, ok := LargestPnL(positions, types.SideLong)
	assert.True(t, ok)
	assert.Equal(t, "B", best.Symbol)

	best, ok = LargestPnL(positions, "")
	assert.True(t, ok)
	assert.Equal(t, "C", best.Symbol)

	_, ok = LargestPnL(nil, types.SideShort)
	assert.False(t, ok)
}
