package engine

import (
	"context"
	"fmt"

	"tradeloop/internal/agent/service/execution"
	"tradeloop/internal/decision"
	"tradeloop/internal/triage"
	"tradeloop/internal/types"
)

// manage asks the decision service what to do with one position and applies
// the directive. lightweight selects the cheaper management prompt used for
// MODERATE preflight routes.
func (e *Engine) manage(ctx context.Context, cycle *types.TradingCycle, a triage.Assessment, md types.MarketData, lightweight bool) error {
	pos := a.Position
	directive, err := e.decider.RunPositionManagement(ctx, decision.NewManagementRequest(a, md, lightweight))
	cycle.DecisionRounds++
	if err != nil {
		return fmt.Errorf("position management %s: %w", pos.Key(), err)
	}
	e.log.Infof("cycle #%d manage %s [%s]: %s conviction=%.2f %s",
		cycle.Number, pos.Key(), a.Urgency, directive.ManageType, directive.Conviction, directive.Reason)
	if directive.ManageType == decision.ManageHold {
		cycle.Finish(types.OutcomeNoAction, fmt.Sprintf("hold %s: %s", pos.Key(), directive.Reason))
		return nil
	}

	fresh, err := e.market.Refresh(ctx, md, []string{pos.Symbol})
	if err != nil {
		return fmt.Errorf("refresh before managing %s: %w", pos.Key(), err)
	}
	res, err := e.executor.Manage(ctx, execution.ManageRequest{
		Cycle:     cycle.Number,
		TraceID:   cycle.TraceID,
		Position:  pos,
		Directive: directive,
		Market:    fresh,
	})
	if err != nil {
		return fmt.Errorf("manage %s: %w", pos.Key(), err)
	}
	if !res.Executed {
		cycle.Finish(types.OutcomeNoAction, res.Reason)
		return nil
	}
	cycle.Finish(types.OutcomeManaged, fmt.Sprintf("%s %s: %s", directive.ManageType, pos.Key(), directive.Reason))
	return nil
}
