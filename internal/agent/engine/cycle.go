package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"tradeloop/internal/events"
	"tradeloop/internal/guardrail"
	"tradeloop/internal/portfolio"
	"tradeloop/internal/types"

	"github.com/google/uuid"
)

// runCycle executes one iteration. Every path, including panics, seals the
// cycle, persists it and publishes CycleCompleted.
func (e *Engine) runCycle(ctx context.Context) (cycle *types.TradingCycle) {
	cycle = types.NewTradingCycle(e.seq.Add(1), uuid.NewString(), e.nowFn())
	e.publish(cycle, events.CycleStarted, events.CyclePayload{Cycle: cycle.Snapshot()})

	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("cycle #%d panic: %v\n%s", cycle.Number, r, debug.Stack())
			cycle.AddErrorf("panic: %v", r)
			cycle.Finish(types.OutcomeFailed, fmt.Sprintf("panic: %v", r))
		}
		e.finalize(cycle)
	}()

	if err := e.cycleBody(ctx, cycle); err != nil {
		cycle.AddError(err)
		cycle.Finish(types.OutcomeFailed, err.Error())
		e.log.Errorf("cycle #%d trace=%s failed: %v", cycle.Number, cycle.TraceID, err)
	}
	if ctx.Err() == nil && e.reconciler != nil {
		rep, err := e.reconciler.Reconcile(ctx, cycle.Number, cycle.TraceID)
		if err != nil {
			// 对账失败记录到本轮，不计入熔断
			cycle.AddErrorf("reconcile: %v", err)
			e.log.Warnf("cycle #%d reconcile: %v", cycle.Number, err)
		} else {
			e.openPositions.Store(int64(len(rep.View.Positions)))
		}
		if rep.ClosesRecorded > 0 {
			e.log.Infof("cycle #%d booked %d exchange-side closes", cycle.Number, rep.ClosesRecorded)
		}
	}
	return cycle
}

func (e *Engine) finalize(cycle *types.TradingCycle) {
	cycle.Seal(e.nowFn())
	if e.cycles != nil {
		// 停止时 ctx 已取消，仍要落库
		if err := e.cycles.SaveCycle(context.Background(), cycle.Snapshot()); err != nil {
			e.log.Warnf("cycle #%d not persisted: %v", cycle.Number, err)
		}
	}
	e.lastMu.Lock()
	e.last = cycle
	e.lastMu.Unlock()
	e.log.Infof("cycle #%d %s in %s: %s (rounds=%d trades=%d errors=%d saved=%.2f)",
		cycle.Number, cycle.Outcome, cycle.Duration.Truncate(time.Millisecond), cycle.Reason,
		cycle.DecisionRounds, cycle.TradesExecuted, len(cycle.Errors), cycle.CostSaved)
	e.publish(cycle, events.CycleCompleted, events.CyclePayload{Cycle: cycle.Snapshot()})
}

func (e *Engine) publish(cycle *types.TradingCycle, typ events.Type, payload any) {
	e.events.Publish(events.Event{
		Type:    typ,
		Cycle:   cycle.Number,
		TraceID: cycle.TraceID,
		At:      e.nowFn(),
		Payload: payload,
	})
}

// cycleBody: contracts → market data → breaker → positions → emergency
// closes → preflight routing → pipeline or management.
func (e *Engine) cycleBody(ctx context.Context, cycle *types.TradingCycle) error {
	symbols := e.cfg.Symbols
	e.contracts.RefreshIfNeeded(ctx, symbols)

	md, err := e.market.Gather(ctx, symbols)
	if err != nil {
		return fmt.Errorf("market data: %w", err)
	}
	cycle.SymbolsAnalyzed = md.Symbols()

	if !e.breaker.Allow() {
		return ErrCircuitOpen
	}

	view, err := e.positions.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	e.openPositions.Store(int64(len(view.Positions)))

	if handled, err := e.emergencyCloses(ctx, cycle, view); handled || err != nil {
		return err
	}

	pre := e.guardrails.Preflight(guardrail.PreflightInput{
		Balance:   view.Balance,
		WeeklyPnL: view.WeeklyPnL,
		Positions: view.Positions,
	})
	cycle.CostSaved += pre.EstimatedCostSaved
	switch pre.Route {
	case guardrail.RouteSkip:
		if pre.Rule == guardrail.RuleBalance || pre.Rule == guardrail.RuleDrawdown {
			e.safetyFailed(cycle, "preflight", pre.Verdict, "")
		}
		cycle.Finish(types.OutcomeSkipped, pre.Reason)
		return nil
	case guardrail.RouteManageUrgent, guardrail.RouteManageModerate:
		e.log.Infof("cycle #%d preflight %s: %s", cycle.Number, pre.Route, pre.Reason)
		return e.manage(ctx, cycle, *pre.Focus, md, pre.Route == guardrail.RouteManageModerate)
	default:
		return e.runPipeline(ctx, cycle, md, view, pre.OpenDirections)
	}
}

// emergencyCloses market-closes positions past the emergency loss level.
// handled is true when at least one close was attempted; the cycle then
// ends without consulting the decision service.
func (e *Engine) emergencyCloses(ctx context.Context, cycle *types.TradingCycle, view portfolio.View) (bool, error) {
	candidates := e.guardrails.EmergencyCandidates(view.Positions)
	if len(candidates) == 0 {
		return false, nil
	}
	limit := e.guardrails.Limits().EmergencyClosePct
	var errs []error
	closed := 0
	for _, p := range candidates {
		reason := fmt.Sprintf("unrealized %.2f%% at or below -%.2f%%", p.UnrealizedPnLPct, limit)
		e.log.Warnf("cycle #%d emergency close %s: %s", cycle.Number, p.Key(), reason)
		if err := e.executor.EmergencyClose(ctx, cycle.Number, cycle.TraceID, p, reason); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}
	if err := errors.Join(errs...); err != nil {
		return true, fmt.Errorf("emergency close: %w", err)
	}
	cycle.Finish(types.OutcomeManaged, fmt.Sprintf("emergency closed %d position(s)", closed))
	return true, nil
}

func (e *Engine) safetyFailed(cycle *types.TradingCycle, stage string, v guardrail.Verdict, symbol string) {
	e.log.Infof("cycle #%d %s guardrail %s: %s", cycle.Number, stage, v.Rule, v.Reason)
	e.publish(cycle, events.SafetyCheckFailed, events.SafetyPayload{
		Stage:  stage,
		Rule:   v.Rule,
		Reason: v.Reason,
		Symbol: symbol,
	})
}
