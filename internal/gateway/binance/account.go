package binance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradeloop/internal/pkg/convert"
	"tradeloop/internal/types"
)

func (e *Exchange) Balance(ctx context.Context) (types.Balance, error) {
	if err := e.ready(); err != nil {
		return types.Balance{}, err
	}
	res, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return types.Balance{}, fmt.Errorf("get account: %w", err)
	}
	for _, a := range res.Assets {
		if a == nil || !strings.EqualFold(a.Asset, e.cfg.QuoteAsset) {
			continue
		}
		return types.Balance{
			Asset:         a.Asset,
			Total:         convert.ParseFloat(a.WalletBalance),
			Available:     convert.ParseFloat(a.AvailableBalance),
			UnrealizedPnL: convert.ParseFloat(a.UnrealizedProfit),
			UpdatedAt:     time.Now(),
		}, nil
	}
	return types.Balance{Asset: e.cfg.QuoteAsset, UpdatedAt: time.Now()}, nil
}

func (e *Exchange) Positions(ctx context.Context) ([]types.PositionSnapshot, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	rows, err := e.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("position risk: %w", err)
	}
	out := make([]types.PositionSnapshot, 0, len(rows))
	for _, row := range rows {
		lev := float64(e.leverageFor(row.Symbol))
		if p, ok := positionFromRisk(row, lev); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (e *Exchange) leverageFor(symbol string) int {
	e.levMu.Lock()
	defer e.levMu.Unlock()
	if lev, ok := e.leverage[symbol]; ok {
		return lev
	}
	return e.cfg.DefaultLeverage
}

// ensureLeverage pushes lev to the exchange once per symbol/value.
func (e *Exchange) ensureLeverage(ctx context.Context, symbol string, lev int) error {
	if lev <= 0 {
		lev = e.cfg.DefaultLeverage
	}
	e.levMu.Lock()
	current, ok := e.leverage[symbol]
	e.levMu.Unlock()
	if ok && current == lev {
		return nil
	}
	if _, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(lev).Do(ctx); err != nil {
		return fmt.Errorf("change leverage %s x%d: %w", symbol, lev, err)
	}
	e.levMu.Lock()
	e.leverage[symbol] = lev
	e.levMu.Unlock()
	return nil
}

// AdjustIsolatedMargin adds margin to an isolated position.
func (e *Exchange) AdjustIsolatedMargin(ctx context.Context, symbol string, side types.Side, amount float64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("margin amount must be positive")
	}
	svc := e.client.NewUpdatePositionMarginService().
		Symbol(symbol).
		Type(1).
		Amount(convert.FormatFloat(amount))
	if e.cfg.HedgeMode {
		svc = svc.PositionSide(positionSideType(side))
	}
	if err := svc.Do(ctx); err != nil {
		return fmt.Errorf("add isolated margin %s: %w", symbol, err)
	}
	e.log.Infof("added %.4f margin to %s %s", amount, symbol, side)
	return nil
}
