package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"tradeloop/internal/logger"
	"tradeloop/internal/types"

	"golang.org/x/sync/errgroup"
)

// ErrNoMarketData is returned when every symbol in a gather failed.
var ErrNoMarketData = errors.New("no market data")

type TickerSource interface {
	Ticker(ctx context.Context, symbol string) (types.Ticker, error)
}

type ServiceParams struct {
	Source TickerSource
	// max concurrent ticker calls
	Concurrency int
	// drift above this percentage between two gathers is logged
	DriftTolerancePct float64
}

// Service gathers per-symbol market data concurrently with partial
// tolerance: one symbol failing never aborts the others.
type Service struct {
	source      TickerSource
	concurrency int
	tolerance   float64
	nowFn       func() time.Time
	log         logger.Component
}

func NewService(p ServiceParams) *Service {
	if p.Concurrency <= 0 {
		p.Concurrency = 8
	}
	return &Service{
		source:      p.Source,
		concurrency: p.Concurrency,
		tolerance:   p.DriftTolerancePct,
		nowFn:       time.Now,
		log:         logger.With("market"),
	}
}

// Gather fetches tickers for symbols. FetchedAt is the time the gather
// started, so Age never under-reports staleness.
func (s *Service) Gather(ctx context.Context, symbols []string) (types.MarketData, error) {
	symbols = dedupe(symbols)
	out := types.MarketData{
		Tickers:   make(map[string]types.Ticker, len(symbols)),
		FetchedAt: s.nowFn(),
	}
	if len(symbols) == 0 {
		return out, fmt.Errorf("%w: no symbols requested", ErrNoMarketData)
	}
	if s.source == nil {
		return out, fmt.Errorf("%w: ticker source not configured", ErrNoMarketData)
	}

	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)
	for _, sym := range symbols {
		sym := sym
		group.Go(func() error {
			t, err := s.source.Ticker(gctx, sym)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if out.Errors == nil {
					out.Errors = make(map[string]string)
				}
				out.Errors[sym] = err.Error()
				return nil
			}
			if t.Symbol == "" {
				t.Symbol = sym
			}
			out.Tickers[sym] = t
			return nil
		})
	}
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return out, err
	}
	if len(out.Errors) > 0 {
		s.log.Warnf("ticker fetch failed for %d/%d symbols: %v", len(out.Errors), len(symbols), keys(out.Errors))
	}
	if len(out.Tickers) == 0 {
		return out, fmt.Errorf("%w: all %d symbols failed", ErrNoMarketData, len(symbols))
	}
	return out, nil
}

// Refresh re-gathers symbols and logs any price drift against prev that
// exceeds the tolerance.
func (s *Service) Refresh(ctx context.Context, prev types.MarketData, symbols []string) (types.MarketData, error) {
	next, err := s.Gather(ctx, symbols)
	if err != nil {
		return next, err
	}
	for _, sym := range next.Symbols() {
		pct, ok := Drift(prev, next, sym)
		if !ok || s.tolerance <= 0 {
			continue
		}
		if math.Abs(pct) > s.tolerance {
			s.log.Infof("price drift %s %.3f%% over %s (tolerance %.2f%%)",
				sym, pct, next.FetchedAt.Sub(prev.FetchedAt).Truncate(time.Millisecond), s.tolerance)
		}
	}
	return next, nil
}

// Drift returns the percentage move of symbol between two snapshots.
func Drift(prev, next types.MarketData, symbol string) (float64, bool) {
	a, okA := prev.Ticker(symbol)
	b, okB := next.Ticker(symbol)
	if !okA || !okB || a.Price <= 0 {
		return 0, false
	}
	return (b.Price - a.Price) / a.Price * 100, true
}

func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		s := strings.ToUpper(strings.TrimSpace(sym))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
