package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeloop/internal/agent/service/execution"
	"tradeloop/internal/decision"
	"tradeloop/internal/events"
	"tradeloop/internal/guardrail"
	"tradeloop/internal/portfolio"
	"tradeloop/internal/store"
	"tradeloop/internal/triage"
	"tradeloop/internal/types"
)

// runPipeline drives selection → guardrails → analysis → guardrails →
// risk council → final gate → execution. It opens at most one position.
func (e *Engine) runPipeline(ctx context.Context, cycle *types.TradingCycle, md types.MarketData, view portfolio.View, open []types.Side) error {
	limits := e.guardrails.Limits()

	opp, err := e.decider.SelectOpportunity(ctx, decision.OpportunityRequest{
		Market:         md,
		Positions:      view.Positions,
		OpenDirections: open,
		Allowlist:      limits.Allowlist,
	})
	cycle.DecisionRounds++
	if err != nil {
		return fmt.Errorf("select opportunity: %w", err)
	}
	e.publish(cycle, events.OpportunitySelected, events.OpportunityPayload{
		SourceID:  opp.SourceID,
		Symbol:    opp.Symbol,
		Action:    string(opp.Action),
		Rationale: opp.Rationale,
	})
	e.log.Infof("cycle #%d opportunity %s %s from %s", cycle.Number, opp.Action, opp.Symbol, opp.SourceID)

	if opp.Action == decision.ActionManage {
		if opp.Symbol == "" {
			return fmt.Errorf("%w: manage opportunity without symbol from %s", decision.ErrInvalidPayload, opp.SourceID)
		}
		target, ok := largestFor(view.Positions, opp.Symbol)
		if !ok {
			cycle.Finish(types.OutcomeNoAction, fmt.Sprintf("manage requested for %s without an open position", opp.Symbol))
			return nil
		}
		return e.manage(ctx, cycle, e.assess(target), md, false)
	}
	side, _ := opp.Action.Side()

	if stop, err := e.checkHard(ctx, cycle, "selection", opp.Symbol, side, md, view); stop || err != nil {
		return err
	}

	md, err = e.market.Refresh(ctx, md, []string{opp.Symbol})
	if err != nil {
		return fmt.Errorf("refresh before analysis: %w", err)
	}
	analysisPrice := md.Price(opp.Symbol)
	analysis, err := e.decider.RunDeepAnalysis(ctx, decision.AnalysisRequest{
		Symbol:      opp.Symbol,
		Action:      opp.Action,
		Market:      md,
		Opportunity: opp,
		Positions:   view.Positions,
		Balance:     view.Balance,
	})
	cycle.DecisionRounds++
	if err != nil {
		return fmt.Errorf("deep analysis: %w", err)
	}
	e.publish(cycle, events.ChampionSelected, events.ChampionPayload{
		ChampionID:     analysis.ChampionID,
		Symbol:         opp.Symbol,
		Recommendation: string(analysis.Recommendation),
		Confidence:     analysis.Confidence,
		RiskLevel:      string(analysis.RiskLevel),
	})
	if analysis.Recommendation != opp.Action {
		cycle.Finish(types.OutcomeRejected, fmt.Sprintf("champion %s recommends %s, selection was %s",
			analysis.ChampionID, analysis.Recommendation, opp.Action))
		return nil
	}

	if stop, err := e.checkHard(ctx, cycle, "analysis", opp.Symbol, side, md, view); stop || err != nil {
		return err
	}

	md, err = e.market.Refresh(ctx, md, []string{opp.Symbol})
	if err != nil {
		return fmt.Errorf("refresh before risk council: %w", err)
	}
	verdict, err := e.decider.RunRiskCouncil(ctx, decision.RiskRequest{
		Symbol:    opp.Symbol,
		Decision:  analysis,
		Market:    md,
		Balance:   view.Balance,
		Positions: view.Positions,
		RecentPnL: view.WeeklyPnL,
	})
	cycle.DecisionRounds++
	if err != nil {
		return fmt.Errorf("risk council: %w", err)
	}
	e.publish(cycle, events.RiskCouncilVerdict, events.VerdictPayload{
		Symbol:     opp.Symbol,
		Approved:   verdict.Approved,
		VetoReason: verdict.VetoReason,
		Adjusted:   !verdict.Adjustments.Empty(),
		Warnings:   verdict.Warnings,
	})
	if len(verdict.Warnings) > 0 {
		e.log.Warnf("cycle #%d risk council warnings for %s: %s", cycle.Number, opp.Symbol, strings.Join(verdict.Warnings, "; "))
	}
	if !verdict.Approved {
		cycle.Finish(types.OutcomeRejected, "risk council veto: "+verdict.VetoReason)
		return nil
	}
	size, targets := applyAdjustments(analysis, verdict.Adjustments)

	source := analysis.ChampionID
	if source == "" {
		source = opp.SourceID
	}
	if v, err := e.finalGate(ctx, source, view); err != nil {
		return err
	} else if !v.Allowed {
		e.safetyFailed(cycle, "final", v, opp.Symbol)
		cycle.Finish(types.OutcomeRejected, v.Reason)
		return nil
	}

	res, err := e.executor.Open(ctx, execution.EntryRequest{
		Cycle:         cycle.Number,
		TraceID:       cycle.TraceID,
		Source:        source,
		Symbol:        opp.Symbol,
		Side:          side,
		Notional:      size,
		AnalysisPrice: analysisPrice,
		Targets:       targets,
		Reason:        analysis.Thesis,
		Market:        md,
	})
	if err != nil {
		return fmt.Errorf("execute %s %s: %w", opp.Symbol, side, err)
	}
	if !res.Executed {
		cycle.Finish(types.OutcomeRejected, res.Reason)
		return nil
	}
	cycle.TradesExecuted++
	cycle.Finish(types.OutcomeTraded, fmt.Sprintf("opened %s %s via %s", opp.Symbol, side, source))
	return nil
}

// checkHard runs the entry guardrails. On a cap rejection with a fallback
// target the cycle manages that position instead. stop reports that the
// pipeline must not continue.
func (e *Engine) checkHard(ctx context.Context, cycle *types.TradingCycle, stage, symbol string, side types.Side, md types.MarketData, view portfolio.View) (bool, error) {
	ticker, _ := md.Ticker(symbol)
	res := e.guardrails.Hard(guardrail.HardInput{
		Candidate: guardrail.Candidate{Symbol: symbol, Side: side, FundingRate: ticker.FundingRate},
		Balance:   view.Balance,
		WeeklyPnL: view.WeeklyPnL,
		Positions: view.Positions,
	})
	if res.Allowed {
		return false, nil
	}
	e.safetyFailed(cycle, "guardrail:"+stage, res.Verdict, symbol)
	if res.Target != nil {
		e.log.Infof("cycle #%d %s %s rejected (%s), managing %s instead",
			cycle.Number, symbol, side, res.Rule, res.Target.Key())
		return true, e.manage(ctx, cycle, e.assess(*res.Target), md, false)
	}
	cycle.Finish(types.OutcomeRejected, res.Reason)
	return true, nil
}

func (e *Engine) finalGate(ctx context.Context, source string, view portfolio.View) (guardrail.Verdict, error) {
	now := e.nowFn()
	y, m, d := now.UTC().Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	today, err := e.history.CountTradesSince(ctx, e.cfg.PortfolioID, midnight)
	if err != nil {
		return guardrail.Verdict{}, fmt.Errorf("daily trade count: %w", err)
	}
	var lastTrade time.Time
	last, err := e.history.LastTradeBySource(ctx, e.cfg.PortfolioID, source)
	switch {
	case err == nil:
		lastTrade = last.OpenedAt
	case !errors.Is(err, store.ErrNotFound):
		return guardrail.Verdict{}, fmt.Errorf("last trade of %s: %w", source, err)
	}
	return e.guardrails.Final(guardrail.FinalInput{
		Source:          source,
		Positions:       view.Positions,
		Balance:         view.Balance,
		WeeklyPnL:       view.WeeklyPnL,
		LastSourceTrade: lastTrade,
		TradesToday:     today,
		Now:             now,
	}), nil
}

// applyAdjustments overlays non-zero risk-council adjustments on the
// champion's size and targets.
func applyAdjustments(a decision.DeepAnalysis, adj *decision.Adjustments) (float64, execution.Targets) {
	size := a.PositionSize
	t := execution.Targets{TakeProfit: a.PriceTarget.Take, StopLoss: a.PriceTarget.Stop}
	if adj.Empty() {
		return size, t
	}
	if adj.PositionSize > 0 {
		size = adj.PositionSize
	}
	if adj.TakeProfit > 0 {
		t.TakeProfit = adj.TakeProfit
	}
	if adj.StopLoss > 0 {
		t.StopLoss = adj.StopLoss
	}
	return size, t
}

func (e *Engine) assess(p types.PositionSnapshot) triage.Assessment {
	return triage.Assessment{
		Position:        p,
		PositionUrgency: triage.Classify(p, e.guardrails.Limits().Urgency),
	}
}

// largestFor returns the open position on symbol with the largest |P&L|.
func largestFor(positions []types.PositionSnapshot, symbol string) (types.PositionSnapshot, bool) {
	var onSymbol []types.PositionSnapshot
	for _, p := range positions {
		if p.Symbol == symbol {
			onSymbol = append(onSymbol, p)
		}
	}
	return triage.LargestPnL(onSymbol, "")
}
