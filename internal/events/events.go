// Package events is the typed signal channel the engine publishes to.
// Consumers (metrics, notifier, http status) subscribe without the engine
// knowing about them.
package events

import (
	"time"

	"tradeloop/internal/types"
)

type Type string

const (
	CycleStarted        Type = "cycle_started"
	CycleCompleted      Type = "cycle_completed"
	OpportunitySelected Type = "opportunity_selected"
	ChampionSelected    Type = "champion_selected"
	RiskCouncilVerdict  Type = "risk_council_verdict"
	TradeExecuted       Type = "trade_executed"
	PositionManaged     Type = "position_managed"
	SafetyCheckFailed   Type = "safety_check_failed"
	EmergencyClose      Type = "emergency_close"
	SnapshotWriteFailed Type = "snapshot_write_failed"
	EngineHalted        Type = "engine_halted"
)

// Event is one emitted signal. Payload holds one of the payload structs
// below, matching Type.
type Event struct {
	Type    Type      `json:"type"`
	Cycle   int64     `json:"cycle"`
	TraceID string    `json:"trace_id,omitempty"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

type CyclePayload struct {
	Cycle types.TradingCycle `json:"cycle"`
}

type OpportunityPayload struct {
	SourceID  string `json:"source_id"`
	Symbol    string `json:"symbol"`
	Action    string `json:"action"`
	Rationale string `json:"rationale"`
}

type ChampionPayload struct {
	ChampionID     string  `json:"champion_id"`
	Symbol         string  `json:"symbol"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
	RiskLevel      string  `json:"risk_level"`
}

type VerdictPayload struct {
	Symbol     string   `json:"symbol"`
	Approved   bool     `json:"approved"`
	VetoReason string   `json:"veto_reason,omitempty"`
	Adjusted   bool     `json:"adjusted"`
	Warnings   []string `json:"warnings,omitempty"`
}

type TradePayload struct {
	Order  types.ExecutionOrder `json:"order"`
	Result types.OrderResult    `json:"result"`
}

type ManagePayload struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	ManageType string  `json:"manage_type"`
	Reason     string  `json:"reason"`
	Quantity   float64 `json:"quantity,omitempty"`
}

type SafetyPayload struct {
	Stage  string `json:"stage"`
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
	Symbol string `json:"symbol,omitempty"`
}

type EmergencyPayload struct {
	Position types.PositionSnapshot `json:"position"`
	Reason   string                 `json:"reason"`
	Err      string                 `json:"error,omitempty"`
}

type SnapshotFailurePayload struct {
	Minute time.Time `json:"minute"`
	Err    string    `json:"error"`
}

type HaltPayload struct {
	Failures int    `json:"failures"`
	Reason   string `json:"reason"`
}
