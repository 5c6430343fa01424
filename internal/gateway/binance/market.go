package binance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradeloop/internal/pkg/convert"
	"tradeloop/internal/types"
)

// Ticker 合并最新成交价与 premium index（标记价、资金费率）。
func (e *Exchange) Ticker(ctx context.Context, symbol string) (types.Ticker, error) {
	if err := e.ready(); err != nil {
		return types.Ticker{}, err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return types.Ticker{}, fmt.Errorf("list prices %s: %w", symbol, err)
	}
	out := types.Ticker{Symbol: symbol, Timestamp: time.Now()}
	for _, p := range prices {
		if p != nil && strings.EqualFold(p.Symbol, symbol) {
			out.Price = convert.ParseFloat(p.Price)
			break
		}
	}
	premium, err := e.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return types.Ticker{}, fmt.Errorf("premium index %s: %w", symbol, err)
	}
	for _, item := range premium {
		if item == nil || !strings.EqualFold(item.Symbol, symbol) {
			continue
		}
		out.MarkPrice = convert.ParseFloat(item.MarkPrice)
		out.FundingRate = convert.ParseFloat(item.LastFundingRate)
		break
	}
	if out.Price <= 0 {
		out.Price = out.MarkPrice
	}
	if out.Price <= 0 {
		return types.Ticker{}, fmt.Errorf("no price for %s", symbol)
	}
	return out, nil
}

// ContractSpecs loads sizing/precision filters for every tradable perpetual
// quoted in the configured asset.
func (e *Exchange) ContractSpecs(ctx context.Context) (map[string]types.ContractSpec, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	out := make(map[string]types.ContractSpec, len(info.Symbols))
	for _, s := range info.Symbols {
		if !tradableSymbol(s, e.cfg.QuoteAsset) {
			continue
		}
		out[s.Symbol] = specFromSymbol(s)
	}
	e.log.Debugf("loaded %d contract specs", len(out))
	return out, nil
}
