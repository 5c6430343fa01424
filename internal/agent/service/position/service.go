package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeloop/internal/logger"
	"tradeloop/internal/portfolio"
	"tradeloop/internal/store"
	"tradeloop/internal/types"

	"golang.org/x/sync/errgroup"
)

const weeklyWindow = 7 * 24 * time.Hour

type AccountSource interface {
	Balance(ctx context.Context) (types.Balance, error)
	Positions(ctx context.Context) ([]types.PositionSnapshot, error)
}

type TradeLookup interface {
	OpenTradeFor(ctx context.Context, portfolioID, symbol string, side types.Side) (store.TradeRecord, error)
	RealizedPnLSince(ctx context.Context, portfolioID string, since time.Time) (float64, error)
}

// Service rebuilds the shared portfolio book from the exchange. Balance
// and positions are read concurrently; hold time and weekly P&L come from
// local trade history.
type Service struct {
	account AccountSource
	trades  TradeLookup
	book    *portfolio.Book
	nowFn   func() time.Time
	log     logger.Component
}

func NewService(account AccountSource, trades TradeLookup, book *portfolio.Book) *Service {
	return &Service{
		account: account,
		trades:  trades,
		book:    book,
		nowFn:   time.Now,
		log:     logger.With("position"),
	}
}

func (s *Service) Book() *portfolio.Book {
	return s.book
}

// Refresh re-reads balance and positions and updates the book. A failure
// of either exchange read fails the refresh and leaves the book untouched.
func (s *Service) Refresh(ctx context.Context) (portfolio.View, error) {
	if s.account == nil {
		return s.book.View(), fmt.Errorf("account source not configured")
	}
	var (
		bal       types.Balance
		positions []types.PositionSnapshot
	)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		b, err := s.account.Balance(gctx)
		if err != nil {
			return fmt.Errorf("balance: %w", err)
		}
		bal = b
		return nil
	})
	group.Go(func() error {
		p, err := s.account.Positions(gctx)
		if err != nil {
			return fmt.Errorf("positions: %w", err)
		}
		positions = p
		return nil
	})
	if err := group.Wait(); err != nil {
		return s.book.View(), err
	}

	now := s.nowFn()
	s.enrichHoldTime(ctx, positions, now)
	weekly := bal.UnrealizedPnL
	if s.trades != nil {
		realized, err := s.trades.RealizedPnLSince(ctx, s.book.ID(), now.Add(-weeklyWindow))
		if err != nil {
			s.log.Warnf("weekly realized pnl unavailable: %v", err)
		} else {
			weekly += realized
		}
	}
	s.book.Update(bal, positions, weekly, now)
	return s.book.View(), nil
}

func (s *Service) enrichHoldTime(ctx context.Context, positions []types.PositionSnapshot, now time.Time) {
	if s.trades == nil {
		return
	}
	for i := range positions {
		p := &positions[i]
		rec, err := s.trades.OpenTradeFor(ctx, s.book.ID(), p.Symbol, p.Side)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.log.Debugf("open trade lookup %s %s: %v", p.Symbol, p.Side, err)
			}
			continue
		}
		if !rec.OpenedAt.IsZero() {
			p.OpenedAt = rec.OpenedAt
			p.HoldTime = now.Sub(rec.OpenedAt)
		}
	}
}
