package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradeloop/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTickerSource struct {
	mock.Mock
}

func (m *MockTickerSource) Ticker(ctx context.Context, symbol string) (types.Ticker, error) {
	args := m.Called(symbol)
	return args.Get(0).(types.Ticker), args.Error(1)
}

func TestGatherToleratesPartialFailure(t *testing.T) {
	src := new(MockTickerSource)
	src.On("Ticker", "BTCUSDT").Return(types.Ticker{Symbol: "BTCUSDT", Price: 60000, FundingRate: 0.0001}, nil)
	src.On("Ticker", "ETHUSDT").Return(types.Ticker{}, errors.New("timeout"))

	svc := NewService(ServiceParams{Source: src})
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.nowFn = func() time.Time { return fixed }

	md, err := svc.Gather(context.Background(), []string{"ethusdt", "BTCUSDT", "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, fixed, md.FetchedAt)
	assert.Equal(t, []string{"BTCUSDT"}, md.Symbols())
	assert.Equal(t, "timeout", md.Errors["ETHUSDT"])
	src.AssertNumberOfCalls(t, "Ticker", 2)
}

func TestGatherAllFailed(t *testing.T) {
	src := new(MockTickerSource)
	src.On("Ticker", mock.Anything).Return(types.Ticker{}, errors.New("down"))

	_, err := NewService(ServiceParams{Source: src}).Gather(context.Background(), []string{"BTCUSDT"})
	assert.ErrorIs(t, err, ErrNoMarketData)

	_, err = NewService(ServiceParams{Source: src}).Gather(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoMarketData)
}

func TestDrift(t *testing.T) {
	prev := types.MarketData{Tickers: map[string]types.Ticker{"BTCUSDT": {Price: 100}}}
	next := types.MarketData{Tickers: map[string]types.Ticker{"BTCUSDT": {Price: 102}}}
	pct, ok := Drift(prev, next, "BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 2.0, pct, 1e-9)

	_, ok = Drift(prev, next, "ETHUSDT")
	assert.False(t, ok)
}

func TestRefreshReturnsNewSnapshot(t *testing.T) {
	src := new(MockTickerSource)
	src.On("Ticker", "BTCUSDT").Return(types.Ticker{Symbol: "BTCUSDT", Price: 105}, nil)
	svc := NewService(ServiceParams{Source: src, DriftTolerancePct: 1})

	prev := types.MarketData{Tickers: map[string]types.Ticker{"BTCUSDT": {Price: 100}}, FetchedAt: time.Now().Add(-time.Minute)}
	next, err := svc.Refresh(context.Background(), prev, []string{"BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, 105.0, next.Price("BTCUSDT"))
	assert.True(t, next.FetchedAt.After(prev.FetchedAt))
}
