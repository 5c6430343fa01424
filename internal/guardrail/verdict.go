// Package guardrail holds the deterministic safety checks that gate every
// decision regardless of what the decision service says.
package guardrail

import (
	"fmt"
)

// Verdict is the uniform result of every check. A denial is an expected
// outcome, not an error.
type Verdict struct {
	Allowed            bool    `json:"allowed"`
	Rule               string  `json:"rule,omitempty"`
	Reason             string  `json:"reason,omitempty"`
	EstimatedCostSaved float64 `json:"estimated_cost_saved,omitempty"`
}

func Allow() Verdict {
	return Verdict{Allowed: true}
}

func Deny(rule, format string, args ...any) Verdict {
	return Verdict{Allowed: false, Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

func (v Verdict) WithCostSaved(cost float64) Verdict {
	v.EstimatedCostSaved = cost
	return v
}

func (v Verdict) String() string {
	if v.Allowed {
		return "allowed"
	}
	if v.Rule == "" {
		return "denied: " + v.Reason
	}
	return fmt.Sprintf("denied[%s]: %s", v.Rule, v.Reason)
}

const (
	RuleBalance        = "min_balance"
	RuleDrawdown       = "weekly_drawdown"
	RulePositionCap    = "position_cap"
	RuleDirectionCap   = "same_direction_cap"
	RuleFunding        = "funding_extreme"
	RuleDuplicate      = "duplicate_position"
	RuleAllowlist      = "symbol_allowlist"
	RuleCooldown       = "source_cooldown"
	RuleDailyTrades    = "daily_trade_cap"
	RuleAllLow         = "all_positions_low"
	RuleInvalidRequest = "invalid_request"
)
