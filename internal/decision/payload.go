// Package decision is the typed boundary to the external decision service.
// Raw replies are validated (structure, schema, semantics) before any field
// is handed to the engine.
package decision

import (
	"strings"

	"tradeloop/internal/types"
)

type Action string

const (
	ActionLong   Action = "LONG"
	ActionShort  Action = "SHORT"
	ActionManage Action = "MANAGE"
)

// Side maps LONG/SHORT to a position side; MANAGE has none.
func (a Action) Side() (types.Side, bool) {
	switch a {
	case ActionLong:
		return types.SideLong, true
	case ActionShort:
		return types.SideShort, true
	}
	return "", false
}

// Opportunity is the coin-selection stage result.
type Opportunity struct {
	SourceID  string `json:"source_id"`
	Symbol    string `json:"symbol"`
	Action    Action `json:"action"`
	Rationale string `json:"rationale"`
}

type PriceTarget struct {
	Take float64 `json:"take"`
	Stop float64 `json:"stop"`
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// DeepAnalysis is the championship stage result. PositionSize is notional
// in the quote asset.
type DeepAnalysis struct {
	ChampionID     string      `json:"champion_id"`
	Confidence     float64     `json:"confidence"`
	Thesis         string      `json:"thesis"`
	Recommendation Action      `json:"recommendation"`
	PriceTarget    PriceTarget `json:"price_target"`
	PositionSize   float64     `json:"position_size"`
	RiskLevel      RiskLevel   `json:"risk_level"`
}

type Adjustments struct {
	PositionSize float64 `json:"position_size,omitempty"`
	TakeProfit   float64 `json:"take_profit,omitempty"`
	StopLoss     float64 `json:"stop_loss,omitempty"`
}

func (a *Adjustments) Empty() bool {
	return a == nil || (a.PositionSize == 0 && a.TakeProfit == 0 && a.StopLoss == 0)
}

type RiskVerdict struct {
	Approved    bool         `json:"approved"`
	VetoReason  string       `json:"veto_reason,omitempty"`
	Adjustments *Adjustments `json:"adjustments,omitempty"`
	Warnings    []string     `json:"warnings"`
}

type ManageType string

const (
	ManageHold             ManageType = "HOLD"
	ManageClose            ManageType = "CLOSE"
	ManagePartialClose     ManageType = "PARTIAL_CLOSE"
	ManageAdjustStop       ManageType = "ADJUST_STOP"
	ManageAdjustTakeProfit ManageType = "ADJUST_TAKE_PROFIT"
	ManageAddMargin        ManageType = "ADD_MARGIN"
)

// ManagementDirective is the position-management stage result.
type ManagementDirective struct {
	ManageType    ManageType `json:"manage_type"`
	Conviction    float64    `json:"conviction"`
	Reason        string     `json:"reason"`
	ClosePercent  float64    `json:"close_percent,omitempty"`
	NewStopLoss   float64    `json:"new_stop_loss,omitempty"`
	NewTakeProfit float64    `json:"new_take_profit,omitempty"`
	MarginAmount  float64    `json:"margin_amount,omitempty"`
}

func normalizeAction(a Action) Action {
	return Action(strings.ToUpper(strings.TrimSpace(string(a))))
}
