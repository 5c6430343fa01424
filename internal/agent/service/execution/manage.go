package execution

import (
	"context"
	"fmt"

	"tradeloop/internal/contracts"
	"tradeloop/internal/decision"
	"tradeloop/internal/events"
	"tradeloop/internal/types"
)

// ManageRequest applies a validated management directive to one position.
type ManageRequest struct {
	Cycle     int64
	TraceID   string
	Position  types.PositionSnapshot
	Directive decision.ManagementDirective
	Market    types.MarketData
}

func (c *Coordinator) Manage(ctx context.Context, req ManageRequest) (Result, error) {
	now := c.nowFn()
	pos := req.Position
	d := req.Directive
	if d.ManageType == decision.ManageHold {
		return aborted("hold: %s", d.Reason), nil
	}
	ticker, reason := c.freshTicker(req.Market, pos.Symbol, now)
	if reason != "" {
		c.log.Warnf("manage %s %s aborted: %s", pos.Key(), d.ManageType, reason)
		return aborted("%s", reason), nil
	}

	var (
		res Result
		err error
	)
	switch d.ManageType {
	case decision.ManageClose:
		res, err = c.close(ctx, pos, pos.Size, string(d.ManageType)+": "+d.Reason)
	case decision.ManagePartialClose:
		res, err = c.partialClose(ctx, pos, d)
	case decision.ManageAdjustStop:
		res, err = c.adjustProtection(ctx, pos, ticker.Price, Targets{StopLoss: d.NewStopLoss})
	case decision.ManageAdjustTakeProfit:
		res, err = c.adjustProtection(ctx, pos, ticker.Price, Targets{TakeProfit: d.NewTakeProfit})
	case decision.ManageAddMargin:
		res, err = c.addMargin(ctx, pos, d.MarginAmount)
	default:
		return aborted("unsupported manage type %q", d.ManageType), nil
	}
	if err != nil || !res.Executed {
		return res, err
	}
	c.events.Publish(events.Event{
		Type:    events.PositionManaged,
		Cycle:   req.Cycle,
		TraceID: req.TraceID,
		At:      now,
		Payload: events.ManagePayload{
			Symbol:     pos.Symbol,
			Side:       string(pos.Side),
			ManageType: string(d.ManageType),
			Reason:     d.Reason,
			Quantity:   filledQty(res),
		},
	})
	return res, nil
}

func filledQty(r Result) float64 {
	if r.Fill != nil {
		return r.Fill.FilledQty
	}
	return 0
}

func (c *Coordinator) close(ctx context.Context, pos types.PositionSnapshot, qty float64, reason string) (Result, error) {
	creq := types.CloseRequest{
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		Quantity:       qty,
		IdempotencyKey: c.IdempotencyKey("close-"+pos.Symbol, c.nowFn()),
		Reason:         reason,
	}
	fill, err := c.orders.ClosePosition(ctx, creq)
	if err != nil {
		return Result{}, fmt.Errorf("close %s: %w", pos.Key(), err)
	}
	c.recordClose(ctx, pos, fill, qty, reason)
	c.log.Infof("closed %s qty=%.6f @ %.6f (%s)", pos.Key(), fill.FilledQty, fill.AvgPrice, reason)
	return Result{Executed: true, Fill: &fill}, nil
}

func (c *Coordinator) partialClose(ctx context.Context, pos types.PositionSnapshot, d decision.ManagementDirective) (Result, error) {
	if d.ClosePercent >= 100 {
		return c.close(ctx, pos, pos.Size, "PARTIAL_CLOSE 100%: "+d.Reason)
	}
	spec, ok := c.resolveSpec(ctx, pos.Symbol)
	if !ok {
		return aborted("%s", ReasonSpecsUnavailable), nil
	}
	qty, ok, why := contracts.NormalizeQuantity(spec, pos.Size*d.ClosePercent/100)
	if !ok {
		return aborted("partial close %.1f%%: %s", d.ClosePercent, why), nil
	}
	return c.close(ctx, pos, qty, fmt.Sprintf("PARTIAL_CLOSE %.1f%%: %s", d.ClosePercent, d.Reason))
}

// adjustProtection replaces one protection leg after checking it sits on
// the right side of the current price.
func (c *Coordinator) adjustProtection(ctx context.Context, pos types.PositionSnapshot, price float64, t Targets) (Result, error) {
	long := pos.Side == types.SideLong
	switch {
	case t.StopLoss > 0:
		if (long && t.StopLoss >= price) || (!long && t.StopLoss <= price) {
			return aborted("stop %.6f on wrong side of price %.6f for %s", t.StopLoss, price, pos.Side), nil
		}
	case t.TakeProfit > 0:
		if (long && t.TakeProfit <= price) || (!long && t.TakeProfit >= price) {
			return aborted("take profit %.6f on wrong side of price %.6f for %s", t.TakeProfit, price, pos.Side), nil
		}
	default:
		return aborted("no protection price given"), nil
	}
	if spec, ok := c.resolveSpec(ctx, pos.Symbol); ok {
		t.StopLoss = contracts.RoundPrice(spec, t.StopLoss)
		t.TakeProfit = contracts.RoundPrice(spec, t.TakeProfit)
	}
	err := c.orders.UpdateProtection(ctx, types.ProtectionRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Size,
		TakeProfit: t.TakeProfit,
		StopLoss:   t.StopLoss,
	})
	if err != nil {
		return Result{}, fmt.Errorf("update protection %s: %w", pos.Key(), err)
	}
	return Result{Executed: true}, nil
}

func (c *Coordinator) addMargin(ctx context.Context, pos types.PositionSnapshot, amount float64) (Result, error) {
	if pos.MarginMode != types.MarginIsolated {
		return aborted("margin adjustment requires an isolated position"), nil
	}
	if amount <= 0 {
		return aborted("margin amount must be positive"), nil
	}
	if err := c.orders.AdjustIsolatedMargin(ctx, pos.Symbol, pos.Side, amount); err != nil {
		return Result{}, fmt.Errorf("add margin %s: %w", pos.Key(), err)
	}
	return Result{Executed: true}, nil
}

// EmergencyClose market-closes pos without consulting the decision service.
func (c *Coordinator) EmergencyClose(ctx context.Context, cycle int64, traceID string, pos types.PositionSnapshot, reason string) error {
	_, err := c.close(ctx, pos, pos.Size, "emergency: "+reason)
	payload := events.EmergencyPayload{Position: pos, Reason: reason}
	if err != nil {
		payload.Err = err.Error()
	}
	c.events.Publish(events.Event{
		Type:    events.EmergencyClose,
		Cycle:   cycle,
		TraceID: traceID,
		At:      c.nowFn(),
		Payload: payload,
	})
	return err
}
