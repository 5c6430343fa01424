package guardrail

import (
	"math"
	"sync"
	"time"

	"tradeloop/internal/pkg/symbol"
	"tradeloop/internal/triage"
	"tradeloop/internal/types"
)

// Limits is the externally supplied risk configuration.
type Limits struct {
	MaxPositions      int
	MaxSameDirection  int
	MinBalance        float64
	WeeklyDrawdownPct float64
	FundingExtreme    float64
	SourceCooldown    time.Duration
	MaxDailyTrades    int
	EmergencyClosePct float64
	Allowlist         []string
	Urgency           triage.Thresholds

	// rough cost units of one full decision pipeline and of one
	// management-only call, used for cost-saved accounting
	PipelineCost   float64
	ManagementCost float64
}

// Engine evaluates Limits. All methods are pure with respect to their
// inputs; limits may be swapped at runtime via SetLimits.
type Engine struct {
	mu        sync.RWMutex
	limits    Limits
	allowlist symbol.Allowlist
}

func New(limits Limits) *Engine {
	e := &Engine{}
	e.SetLimits(limits)
	return e
}

func (e *Engine) SetLimits(limits Limits) {
	allow := symbol.NewAllowlist(limits.Allowlist)
	e.mu.Lock()
	e.limits = limits
	e.allowlist = allow
	e.mu.Unlock()
}

func (e *Engine) Limits() Limits {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limits
}

func (e *Engine) snapshot() (Limits, symbol.Allowlist) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limits, e.allowlist
}

func balanceOK(l Limits, b types.Balance) bool {
	return b.Available >= l.MinBalance
}

// drawdownBreached compares trailing weekly P&L to the balance.
func drawdownBreached(l Limits, weeklyPnL float64, b types.Balance) bool {
	if l.WeeklyDrawdownPct <= 0 || weeklyPnL >= 0 {
		return false
	}
	if b.Total <= 0 {
		return true
	}
	return weeklyPnL/b.Total*100 < -l.WeeklyDrawdownPct
}

// fundingAgainst reports whether funding is extreme against side.
// Longs pay positive funding, shorts pay negative funding.
func fundingAgainst(l Limits, side types.Side, funding float64) bool {
	if l.FundingExtreme <= 0 || math.IsNaN(funding) {
		return false
	}
	switch side {
	case types.SideLong:
		return funding > l.FundingExtreme
	case types.SideShort:
		return funding < -l.FundingExtreme
	}
	return false
}

// EmergencyCandidates returns positions whose loss is at or past the
// emergency-close threshold.
func (e *Engine) EmergencyCandidates(positions []types.PositionSnapshot) []types.PositionSnapshot {
	l, _ := e.snapshot()
	if l.EmergencyClosePct <= 0 {
		return nil
	}
	var out []types.PositionSnapshot
	for _, p := range positions {
		pct := p.UnrealizedPnLPct
		if math.IsNaN(pct) || math.IsInf(pct, 0) {
			continue
		}
		if pct <= -l.EmergencyClosePct {
			out = append(out, p)
		}
	}
	return out
}
