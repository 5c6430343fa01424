package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradeloop/internal/events"
	"tradeloop/internal/portfolio"
	"tradeloop/internal/store"
	"tradeloop/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) ClosedOrders(ctx context.Context, symbols []string, since time.Time) ([]types.ClosedOrder, error) {
	args := m.Called(symbols, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.ClosedOrder), args.Error(1)
}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) OpenTrades(ctx context.Context, portfolioID string) ([]store.TradeRecord, error) {
	args := m.Called(portfolioID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.TradeRecord), args.Error(1)
}

func (m *MockStore) HasCloseOrder(ctx context.Context, orderID string) (bool, error) {
	args := m.Called(orderID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) RecordClose(ctx context.Context, rec store.CloseRecord) (bool, error) {
	args := m.Called(rec)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) UpsertBalance(ctx context.Context, portfolioID string, bal types.Balance, openPositions int) error {
	return m.Called(portfolioID, bal, openPositions).Error(0)
}

func (m *MockStore) SaveSnapshot(ctx context.Context, snap store.Snapshot) (bool, error) {
	args := m.Called(snap)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) DeleteSnapshotsBefore(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(before)
	return args.Get(0).(int64), args.Error(1)
}

type stubPositions struct {
	view portfolio.View
	err  error
}

func (s stubPositions) Refresh(ctx context.Context) (portfolio.View, error) {
	return s.view, s.err
}

type capture struct {
	events []events.Event
}

func (c *capture) Publish(evt events.Event) { c.events = append(c.events, evt) }

var now = time.Date(2024, 5, 1, 12, 30, 42, 0, time.UTC)

func TestMatchTrade_ClosestRemainingSize(t *testing.T) {
	trades := []store.TradeRecord{
		{ID: 1, Symbol: "BTCUSDT", Side: types.SideLong, RemainingQty: 0.5, OpenedAt: now.Add(-2 * time.Hour)},
		{ID: 2, Symbol: "BTCUSDT", Side: types.SideLong, RemainingQty: 0.2, OpenedAt: now.Add(-time.Hour)},
		{ID: 3, Symbol: "BTCUSDT", Side: types.SideShort, RemainingQty: 0.2, OpenedAt: now.Add(-time.Hour)},
		{ID: 4, Symbol: "ETHUSDT", Side: types.SideLong, RemainingQty: 0.2, OpenedAt: now.Add(-time.Hour)},
	}
	sell := types.ClosedOrder{OrderID: "x", Symbol: "BTCUSDT", Side: types.OrderSideSell, Quantity: 0.19, ClosedAt: now}
	assert.Equal(t, 1, MatchTrade(trades, sell))

	buy := types.ClosedOrder{OrderID: "y", Symbol: "BTCUSDT", Side: types.OrderSideBuy, Quantity: 0.5, ClosedAt: now}
	assert.Equal(t, 2, MatchTrade(trades, buy))

	early := types.ClosedOrder{OrderID: "z", Symbol: "ETHUSDT", Side: types.OrderSideSell, Quantity: 0.2, ClosedAt: now.Add(-3 * time.Hour)}
	assert.Equal(t, -1, MatchTrade(trades, early))
}

func TestSyncCloses_RecordsEachOrderOnce(t *testing.T) {
	st := new(MockStore)
	hist := new(MockHistory)
	opened := now.Add(-time.Hour)
	st.On("OpenTrades", "p1").Return([]store.TradeRecord{
		{ID: 7, Symbol: "BTCUSDT", Side: types.SideLong, Quantity: 1, RemainingQty: 1, EntryPrice: 100, OpenedAt: opened},
	}, nil)
	hist.On("ClosedOrders", []string{"BTCUSDT"}, opened).Return([]types.ClosedOrder{
		{OrderID: "tp-1", Symbol: "BTCUSDT", Side: types.OrderSideSell, Type: "TAKE_PROFIT_MARKET", Quantity: 1, AvgPrice: 110, ClosedAt: now},
		{OrderID: "loop-1", Symbol: "BTCUSDT", Side: types.OrderSideSell, Type: "MARKET", Quantity: 1, AvgPrice: 105, ClosedAt: now.Add(-time.Minute)},
	}, nil)
	st.On("HasCloseOrder", "loop-1").Return(true, nil)
	st.On("HasCloseOrder", "tp-1").Return(false, nil)
	st.On("RecordClose", mock.MatchedBy(func(r store.CloseRecord) bool {
		return r.TradeID == 7 && r.OrderID == "tp-1" && r.Quantity == 1 && r.RealizedPnL == 10
	})).Return(true, nil).Once()

	r := New(Config{PortfolioID: "p1"}, hist, st, st, stubPositions{}, nil)
	n, err := r.SyncCloses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	st.AssertExpectations(t)
}

func TestSyncCloses_NoOpenTradesSkipsHistory(t *testing.T) {
	st := new(MockStore)
	hist := new(MockHistory)
	st.On("OpenTrades", "main").Return(nil, nil)

	r := New(Config{}, hist, st, st, stubPositions{}, nil)
	n, err := r.SyncCloses(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	hist.AssertNotCalled(t, "ClosedOrders", mock.Anything, mock.Anything)
}

func TestReconcile_SnapshotPerMinuteAndHourlyPrune(t *testing.T) {
	st := new(MockStore)
	view := portfolio.View{
		ID:        "p1",
		Balance:   types.Balance{Total: 1000},
		Positions: []types.PositionSnapshot{{Symbol: "BTCUSDT", Side: types.SideLong, Size: 1}},
	}
	st.On("OpenTrades", "p1").Return(nil, nil)
	st.On("UpsertBalance", "p1", view.Balance, 1).Return(nil)
	atMinute := func(m time.Time) interface{} {
		return mock.MatchedBy(func(s store.Snapshot) bool {
			return s.Minute.Equal(m) && s.OpenPositions == 1
		})
	}
	first := now.Truncate(time.Minute)
	second := now.Add(10 * time.Minute).Truncate(time.Minute)
	st.On("SaveSnapshot", atMinute(first)).Return(true, nil).Once()
	st.On("SaveSnapshot", atMinute(second)).Return(true, nil).Once()
	// 同一分钟再次写入由唯一索引去重
	st.On("SaveSnapshot", atMinute(second)).Return(false, nil).Once()
	st.On("DeleteSnapshotsBefore", now.Add(-7*24*time.Hour)).Return(int64(3), nil).Once()

	r := New(Config{PortfolioID: "p1"}, new(MockHistory), st, st, stubPositions{view: view}, nil)
	clock := now
	r.nowFn = func() time.Time { return clock }

	rep, err := r.Reconcile(context.Background(), 1, "t1")
	require.NoError(t, err)
	assert.True(t, rep.SnapshotWritten)
	assert.Equal(t, int64(3), rep.Pruned)

	clock = now.Add(10 * time.Minute)
	rep, err = r.Reconcile(context.Background(), 2, "t2")
	require.NoError(t, err)
	assert.True(t, rep.SnapshotWritten)
	assert.Zero(t, rep.Pruned)

	clock = now.Add(10*time.Minute + 5*time.Second)
	rep, err = r.Reconcile(context.Background(), 3, "t3")
	require.NoError(t, err)
	assert.False(t, rep.SnapshotWritten)

	st.AssertNumberOfCalls(t, "SaveSnapshot", 3)
	st.AssertNumberOfCalls(t, "DeleteSnapshotsBefore", 1)
	st.AssertExpectations(t)
}

func TestReconcile_SnapshotFailureEmitsEvent(t *testing.T) {
	st := new(MockStore)
	pub := &capture{}
	st.On("OpenTrades", "main").Return(nil, nil)
	st.On("UpsertBalance", "main", mock.Anything, 0).Return(nil)
	st.On("SaveSnapshot", mock.Anything).Return(false, errors.New("database is locked"))
	st.On("DeleteSnapshotsBefore", mock.Anything).Return(int64(0), nil)

	r := New(Config{}, new(MockHistory), st, st, stubPositions{}, pub)
	r.nowFn = func() time.Time { return now }

	rep, err := r.Reconcile(context.Background(), 4, "t4")
	require.NoError(t, err)
	assert.False(t, rep.SnapshotWritten)
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.SnapshotWriteFailed, pub.events[0].Type)
	assert.Equal(t, int64(4), pub.events[0].Cycle)
}

func TestReconcile_RefreshFailureSkipsSnapshot(t *testing.T) {
	st := new(MockStore)
	st.On("OpenTrades", "main").Return(nil, nil)
	st.On("DeleteSnapshotsBefore", mock.Anything).Return(int64(0), nil)

	r := New(Config{}, new(MockHistory), st, st, stubPositions{err: errors.New("timeout")}, nil)
	_, err := r.Reconcile(context.Background(), 1, "")
	assert.ErrorContains(t, err, "refresh positions")
	st.AssertNotCalled(t, "SaveSnapshot", mock.Anything)
	st.AssertNotCalled(t, "UpsertBalance", mock.Anything, mock.Anything, mock.Anything)
}
