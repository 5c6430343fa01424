package types

import (
	"fmt"
	"time"
)

type CycleOutcome string

const (
	OutcomeRunning  CycleOutcome = "running"
	OutcomeTraded   CycleOutcome = "traded"
	OutcomeManaged  CycleOutcome = "managed"
	OutcomeSkipped  CycleOutcome = "skipped"
	OutcomeRejected CycleOutcome = "rejected"
	OutcomeNoAction CycleOutcome = "no_action"
	OutcomeFailed   CycleOutcome = "failed"
)

// TradingCycle is created at loop-iteration start, mutated throughout and
// sealed once at the end. Only the engine owns it.
type TradingCycle struct {
	Number          int64         `json:"number"`
	TraceID         string        `json:"trace_id"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         time.Time     `json:"ended_at,omitempty"`
	SymbolsAnalyzed []string      `json:"symbols_analyzed,omitempty"`
	TradesExecuted  int           `json:"trades_executed"`
	DecisionRounds  int           `json:"decision_rounds"`
	Errors          []string      `json:"errors,omitempty"`
	Outcome         CycleOutcome  `json:"outcome"`
	Reason          string        `json:"reason,omitempty"`
	CostSaved       float64       `json:"cost_saved,omitempty"`
	Duration        time.Duration `json:"duration"`
}

func NewTradingCycle(number int64, traceID string, now time.Time) *TradingCycle {
	return &TradingCycle{
		Number:    number,
		TraceID:   traceID,
		StartedAt: now,
		Outcome:   OutcomeRunning,
	}
}

func (c *TradingCycle) AddError(err error) {
	if c == nil || err == nil {
		return
	}
	c.Errors = append(c.Errors, err.Error())
}

func (c *TradingCycle) AddErrorf(format string, args ...any) {
	if c == nil {
		return
	}
	c.Errors = append(c.Errors, fmt.Sprintf(format, args...))
}

// Finish records the outcome unless one was already set.
func (c *TradingCycle) Finish(outcome CycleOutcome, reason string) {
	if c == nil || c.Outcome != OutcomeRunning {
		return
	}
	c.Outcome = outcome
	c.Reason = reason
}

func (c *TradingCycle) Sealed() bool {
	return c != nil && !c.EndedAt.IsZero()
}

// Seal closes the record. A cycle still running at seal time ends as no_action.
func (c *TradingCycle) Seal(now time.Time) {
	if c == nil || c.Sealed() {
		return
	}
	if c.Outcome == OutcomeRunning {
		c.Outcome = OutcomeNoAction
	}
	c.EndedAt = now
	c.Duration = now.Sub(c.StartedAt)
}

// Snapshot returns a copy safe to hand to observers.
func (c *TradingCycle) Snapshot() TradingCycle {
	if c == nil {
		return TradingCycle{}
	}
	out := *c
	out.SymbolsAnalyzed = append([]string(nil), c.SymbolsAnalyzed...)
	out.Errors = append([]string(nil), c.Errors...)
	return out
}
