package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tradeloop/internal/pkg/convert"
	"tradeloop/internal/types"

	"github.com/adshao/go-binance/v2/futures"
)

const (
	orderTypeTakeProfitMarket = futures.OrderType("TAKE_PROFIT_MARKET")
	orderTypeStopMarket       = futures.OrderTypeStopMarket
)

// PlaceOrder opens a position with a market order, then attaches reduce-only
// TP/SL legs. A failed protection leg is logged, the entry stands.
func (e *Exchange) PlaceOrder(ctx context.Context, order types.ExecutionOrder) (types.OrderResult, error) {
	if err := e.ready(); err != nil {
		return types.OrderResult{}, err
	}
	if !order.Side.Valid() {
		return types.OrderResult{}, fmt.Errorf("invalid side %q", order.Side)
	}
	if order.Quantity <= 0 {
		return types.OrderResult{}, fmt.Errorf("quantity must be positive")
	}
	if err := e.ensureLeverage(ctx, order.Symbol, int(order.Leverage)); err != nil {
		return types.OrderResult{}, err
	}
	side := order.Side.OpenOrderSide()
	svc := e.client.NewCreateOrderService().
		Symbol(order.Symbol).
		Side(sideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(convert.FormatFloat(order.Quantity)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if id := clientOrderID(order.IdempotencyKey); id != "" {
		svc = svc.NewClientOrderID(id)
	}
	if e.cfg.HedgeMode {
		svc = svc.PositionSide(positionSideType(order.Side))
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("create order %s: %w", order.Symbol, err)
	}
	result := orderResult(res, side, order.ReferencePrice)
	e.log.Infof("entry filled %s %s qty=%.6f avg=%.6f id=%s",
		order.Symbol, order.Side, result.FilledQty, result.AvgPrice, result.OrderID)

	qty := result.FilledQty
	if qty <= 0 {
		qty = order.Quantity
	}
	if err := e.placeProtection(ctx, types.ProtectionRequest{
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   qty,
		TakeProfit: order.TakeProfit,
		StopLoss:   order.StopLoss,
	}); err != nil {
		e.log.Warnf("protection for %s failed: %v", order.Symbol, err)
	}
	return result, nil
}

// ClosePosition sends a reduce-only market order.
func (e *Exchange) ClosePosition(ctx context.Context, req types.CloseRequest) (types.OrderResult, error) {
	if err := e.ready(); err != nil {
		return types.OrderResult{}, err
	}
	qty := req.Quantity
	if qty <= 0 {
		positions, err := e.Positions(ctx)
		if err != nil {
			return types.OrderResult{}, err
		}
		for _, p := range positions {
			if p.Symbol == req.Symbol && p.Side == req.Side {
				qty = p.Size
				break
			}
		}
		if qty <= 0 {
			return types.OrderResult{}, fmt.Errorf("no open %s position on %s", req.Side, req.Symbol)
		}
	}
	side := req.Side.CloseOrderSide()
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(sideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(convert.FormatFloat(qty)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if id := clientOrderID(req.IdempotencyKey); id != "" {
		svc = svc.NewClientOrderID(id)
	}
	if e.cfg.HedgeMode {
		svc = svc.PositionSide(positionSideType(req.Side))
	} else {
		svc = svc.ReduceOnly(true)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("close %s %s: %w", req.Symbol, req.Side, err)
	}
	return orderResult(res, side, 0), nil
}

// UpdateProtection cancels resting TP/SL legs for the position, then
// places the requested ones.
func (e *Exchange) UpdateProtection(ctx context.Context, req types.ProtectionRequest) error {
	if err := e.ready(); err != nil {
		return err
	}
	open, err := e.client.NewListOpenOrdersService().Symbol(req.Symbol).Do(ctx)
	if err != nil {
		return fmt.Errorf("list open orders %s: %w", req.Symbol, err)
	}
	closeSide := sideType(req.Side.CloseOrderSide())
	for _, o := range open {
		if o == nil || o.Side != closeSide {
			continue
		}
		if e.cfg.HedgeMode && o.PositionSide != positionSideType(req.Side) {
			continue
		}
		cancel := (req.TakeProfit > 0 && o.Type == orderTypeTakeProfitMarket) ||
			(req.StopLoss > 0 && o.Type == orderTypeStopMarket)
		if !cancel {
			continue
		}
		if _, err := e.client.NewCancelOrderService().Symbol(req.Symbol).OrderID(o.OrderID).Do(ctx); err != nil {
			return fmt.Errorf("cancel %s order %d: %w", req.Symbol, o.OrderID, err)
		}
	}
	return e.placeProtection(ctx, req)
}

func (e *Exchange) placeProtection(ctx context.Context, req types.ProtectionRequest) error {
	var errs []string
	if req.TakeProfit > 0 {
		if err := e.placeTrigger(ctx, req, orderTypeTakeProfitMarket, req.TakeProfit); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if req.StopLoss > 0 {
		if err := e.placeTrigger(ctx, req, orderTypeStopMarket, req.StopLoss); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (e *Exchange) placeTrigger(ctx context.Context, req types.ProtectionRequest, typ futures.OrderType, price float64) error {
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(sideType(req.Side.CloseOrderSide())).
		Type(typ).
		StopPrice(convert.FormatFloat(price)).
		WorkingType(futures.WorkingTypeMarkPrice)
	if req.Quantity > 0 {
		svc = svc.Quantity(convert.FormatFloat(req.Quantity))
	} else {
		svc = svc.ClosePosition(true)
	}
	if e.cfg.HedgeMode {
		svc = svc.PositionSide(positionSideType(req.Side))
	} else if req.Quantity > 0 {
		svc = svc.ReduceOnly(true)
	}
	if _, err := svc.Do(ctx); err != nil {
		return fmt.Errorf("%s %s @ %s: %w", typ, req.Symbol, convert.FormatFloat(price), err)
	}
	return nil
}

// ClosedOrders returns filled reducing orders for the given symbols since
// the given time (bounded by HistoryLookback).
func (e *Exchange) ClosedOrders(ctx context.Context, symbols []string, since time.Time) ([]types.ClosedOrder, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	floor := time.Now().Add(-e.cfg.HistoryLookback)
	if since.Before(floor) {
		since = floor
	}
	var out []types.ClosedOrder
	for _, sym := range symbols {
		orders, err := e.client.NewListOrdersService().
			Symbol(sym).
			StartTime(since.UnixMilli()).
			Limit(500).
			Do(ctx)
		if err != nil {
			return out, fmt.Errorf("list orders %s: %w", sym, err)
		}
		for _, o := range orders {
			if c, ok := closedOrderFromOrder(o, e.cfg.HedgeMode); ok {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func orderResult(res *futures.CreateOrderResponse, side types.OrderSide, fallbackPrice float64) types.OrderResult {
	if res == nil {
		return types.OrderResult{Side: side, Timestamp: time.Now()}
	}
	avg := convert.ParseFloat(res.AvgPrice)
	if avg <= 0 {
		avg = fallbackPrice
	}
	ts := time.Now()
	if res.UpdateTime > 0 {
		ts = time.UnixMilli(res.UpdateTime)
	}
	return types.OrderResult{
		OrderID:   strconv.FormatInt(res.OrderID, 10),
		Symbol:    res.Symbol,
		Side:      side,
		FilledQty: convert.ParseFloat(res.ExecutedQuantity),
		AvgPrice:  avg,
		Status:    string(res.Status),
		Timestamp: ts,
	}
}
