package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradeloop/internal/portfolio"
	"tradeloop/internal/store"
	"tradeloop/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAccount struct {
	mock.Mock
}

func (m *MockAccount) Balance(ctx context.Context) (types.Balance, error) {
	args := m.Called()
	return args.Get(0).(types.Balance), args.Error(1)
}

func (m *MockAccount) Positions(ctx context.Context) ([]types.PositionSnapshot, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.PositionSnapshot), args.Error(1)
}

type MockTrades struct {
	mock.Mock
}

func (m *MockTrades) OpenTradeFor(ctx context.Context, portfolioID, symbol string, side types.Side) (store.TradeRecord, error) {
	args := m.Called(portfolioID, symbol, side)
	return args.Get(0).(store.TradeRecord), args.Error(1)
}

func (m *MockTrades) RealizedPnLSince(ctx context.Context, portfolioID string, since time.Time) (float64, error) {
	args := m.Called(portfolioID, since)
	return args.Get(0).(float64), args.Error(1)
}

func TestPositionService_Refresh(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	acct := new(MockAccount)
	acct.On("Balance").Return(types.Balance{Total: 1000, Available: 900, UnrealizedPnL: -20}, nil)
	acct.On("Positions").Return([]types.PositionSnapshot{
		{Symbol: "BTCUSDT", Side: types.SideLong, Size: 0.1},
		{Symbol: "ETHUSDT", Side: types.SideShort, Size: 2},
	}, nil)

	trades := new(MockTrades)
	trades.On("OpenTradeFor", "p1", "BTCUSDT", types.SideLong).
		Return(store.TradeRecord{OpenedAt: now.Add(-3 * time.Hour)}, nil)
	trades.On("OpenTradeFor", "p1", "ETHUSDT", types.SideShort).
		Return(store.TradeRecord{}, store.ErrNotFound)
	trades.On("RealizedPnLSince", "p1", now.Add(-weeklyWindow)).Return(-30.0, nil)

	svc := NewService(acct, trades, portfolio.NewBook("p1"))
	svc.nowFn = func() time.Time { return now }

	view, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p1", view.ID)
	assert.Equal(t, 3*time.Hour, view.Positions[0].HoldTime)
	assert.Zero(t, view.Positions[1].HoldTime)
	assert.InDelta(t, -50, view.WeeklyPnL, 1e-9)
	assert.Equal(t, now, view.UpdatedAt)
	trades.AssertExpectations(t)
}

func TestPositionService_RefreshFailureKeepsBook(t *testing.T) {
	acct := new(MockAccount)
	acct.On("Balance").Return(types.Balance{}, errors.New("418 teapot"))
	acct.On("Positions").Return(nil, nil)

	book := portfolio.NewBook("p1")
	book.Update(types.Balance{Total: 500}, nil, 0, time.Unix(1, 0))
	svc := NewService(acct, nil, book)

	view, err := svc.Refresh(context.Background())
	assert.ErrorContains(t, err, "balance")
	assert.Equal(t, 500.0, view.Balance.Total)
}
