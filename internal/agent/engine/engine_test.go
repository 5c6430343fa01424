package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradeloop/internal/agent/service/execution"
	"tradeloop/internal/agent/service/reconcile"
	"tradeloop/internal/decision"
	"tradeloop/internal/events"
	"tradeloop/internal/guardrail"
	"tradeloop/internal/pkg/backoff"
	"tradeloop/internal/portfolio"
	"tradeloop/internal/store"
	"tradeloop/internal/triage"
	"tradeloop/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeContracts struct {
	mu         sync.Mutex
	refreshErr error
	refreshes  int
	resets     int
}

func (f *fakeContracts) Get(symbol string) (types.ContractSpec, bool) {
	return types.ContractSpec{Symbol: symbol}, true
}

func (f *fakeContracts) RefreshIfNeeded(ctx context.Context, symbols []string) bool { return false }

func (f *fakeContracts) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeContracts) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeContracts) setErr(err error) {
	f.mu.Lock()
	f.refreshErr = err
	f.mu.Unlock()
}

func (f *fakeContracts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type fakeMarket struct {
	prices    map[string]float64
	funding   map[string]float64
	err       error
	refreshes atomic.Int32
}

func (f *fakeMarket) Gather(ctx context.Context, symbols []string) (types.MarketData, error) {
	if f.err != nil {
		return types.MarketData{}, f.err
	}
	md := types.MarketData{Tickers: map[string]types.Ticker{}, FetchedAt: time.Now()}
	for s, p := range f.prices {
		md.Tickers[s] = types.Ticker{Symbol: s, Price: p, FundingRate: f.funding[s], Timestamp: md.FetchedAt}
	}
	return md, nil
}

func (f *fakeMarket) Refresh(ctx context.Context, prev types.MarketData, symbols []string) (types.MarketData, error) {
	f.refreshes.Add(1)
	return f.Gather(ctx, symbols)
}

type fakePositions struct {
	view portfolio.View
	err  error
}

func (f fakePositions) Refresh(ctx context.Context) (portfolio.View, error) {
	return f.view, f.err
}

type MockDecider struct {
	mock.Mock
}

func (m *MockDecider) SelectOpportunity(ctx context.Context, req decision.OpportunityRequest) (decision.Opportunity, error) {
	args := m.Called(req)
	return args.Get(0).(decision.Opportunity), args.Error(1)
}

func (m *MockDecider) RunDeepAnalysis(ctx context.Context, req decision.AnalysisRequest) (decision.DeepAnalysis, error) {
	args := m.Called(req)
	return args.Get(0).(decision.DeepAnalysis), args.Error(1)
}

func (m *MockDecider) RunRiskCouncil(ctx context.Context, req decision.RiskRequest) (decision.RiskVerdict, error) {
	args := m.Called(req)
	return args.Get(0).(decision.RiskVerdict), args.Error(1)
}

func (m *MockDecider) RunPositionManagement(ctx context.Context, req decision.ManagementRequest) (decision.ManagementDirective, error) {
	args := m.Called(req)
	return args.Get(0).(decision.ManagementDirective), args.Error(1)
}

type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Open(ctx context.Context, req execution.EntryRequest) (execution.Result, error) {
	args := m.Called(req)
	return args.Get(0).(execution.Result), args.Error(1)
}

func (m *MockExecutor) Manage(ctx context.Context, req execution.ManageRequest) (execution.Result, error) {
	args := m.Called(req)
	return args.Get(0).(execution.Result), args.Error(1)
}

func (m *MockExecutor) EmergencyClose(ctx context.Context, cycle int64, traceID string, pos types.PositionSnapshot, reason string) error {
	return m.Called(pos, reason).Error(0)
}

type fakeReconciler struct {
	calls  atomic.Int32
	resets atomic.Int32
}

func (f *fakeReconciler) Reconcile(ctx context.Context, cycle int64, traceID string) (reconcile.Report, error) {
	f.calls.Add(1)
	return reconcile.Report{}, nil
}

func (f *fakeReconciler) Reset() { f.resets.Add(1) }

type fakeHistory struct {
	today int
	last  store.TradeRecord
}

func (f fakeHistory) CountTradesSince(ctx context.Context, portfolioID string, since time.Time) (int, error) {
	return f.today, nil
}

func (f fakeHistory) LastTradeBySource(ctx context.Context, portfolioID, source string) (store.TradeRecord, error) {
	if f.last.ID == 0 {
		return store.TradeRecord{}, store.ErrNotFound
	}
	return f.last, nil
}

type fakeCycles struct {
	mu    sync.Mutex
	saved []types.TradingCycle
}

func (f *fakeCycles) SaveCycle(ctx context.Context, c types.TradingCycle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, c)
	return nil
}

func (f *fakeCycles) RecentCycles(ctx context.Context, limit int) ([]types.TradingCycle, error) {
	return nil, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func testLimits() guardrail.Limits {
	return guardrail.Limits{
		MaxPositions:      5,
		MaxSameDirection:  2,
		MinBalance:        100,
		WeeklyDrawdownPct: 10,
		FundingExtreme:    0.001,
		SourceCooldown:    30 * time.Minute,
		MaxDailyTrades:    3,
		EmergencyClosePct: 15,
		Allowlist:         []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		Urgency: triage.Thresholds{
			TakeProfitPct: 10, PartialTakeProfitPct: 5, StopLossPct: 5, MaxHold: 24 * time.Hour,
		},
		PipelineCost:   1,
		ManagementCost: 0.2,
	}
}

type harness struct {
	engine    *Engine
	contracts *fakeContracts
	market    *fakeMarket
	decider   *MockDecider
	executor  *MockExecutor
	recon     *fakeReconciler
	cycles    *fakeCycles
	events    *recorder
}

func newHarness(view portfolio.View, cfg Config) *harness {
	h := &harness{
		contracts: &fakeContracts{},
		market:    &fakeMarket{prices: map[string]float64{"BTCUSDT": 100, "ETHUSDT": 50, "SOLUSDT": 20}},
		decider:   new(MockDecider),
		executor:  new(MockExecutor),
		recon:     &fakeReconciler{},
		cycles:    &fakeCycles{},
		events:    &recorder{},
	}
	if cfg.Symbols == nil {
		cfg.Symbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	}
	if cfg.CycleInterval == 0 {
		cfg.CycleInterval = time.Minute
	}
	h.engine = New(Params{
		Config:     cfg,
		Contracts:  h.contracts,
		Market:     h.market,
		Positions:  fakePositions{view: view},
		Decider:    h.decider,
		Guardrails: guardrail.New(testLimits()),
		Executor:   h.executor,
		Reconciler: h.recon,
		History:    fakeHistory{},
		Cycles:     h.cycles,
		Events:     h.events,
	})
	h.engine.startup = backoff.Policy{Base: time.Millisecond, Factor: 2, MaxMultiplier: 4}
	return h
}

func flatView() portfolio.View {
	return portfolio.View{ID: "main", Balance: types.Balance{Total: 1000, Available: 1000}}
}

func TestCycle_TradesThroughFullPipeline(t *testing.T) {
	h := newHarness(flatView(), Config{})
	h.decider.On("SelectOpportunity", mock.Anything).
		Return(decision.Opportunity{SourceID: "scout", Symbol: "BTCUSDT", Action: decision.ActionLong}, nil)
	h.decider.On("RunDeepAnalysis", mock.Anything).Return(decision.DeepAnalysis{
		ChampionID: "alpha", Confidence: 0.8, Recommendation: decision.ActionLong,
		PriceTarget: decision.PriceTarget{Take: 110, Stop: 95}, PositionSize: 200, RiskLevel: decision.RiskMedium,
	}, nil)
	h.decider.On("RunRiskCouncil", mock.Anything).Return(decision.RiskVerdict{
		Approved: true, Adjustments: &decision.Adjustments{PositionSize: 150}, Warnings: []string{"thin book"},
	}, nil)
	h.executor.On("Open", mock.MatchedBy(func(r execution.EntryRequest) bool {
		return r.Source == "alpha" && r.Notional == 150 && r.AnalysisPrice == 100 &&
			r.Targets == execution.Targets{TakeProfit: 110, StopLoss: 95} && r.Side == types.SideLong
	})).Return(execution.Result{Executed: true}, nil).Once()

	cycle := h.engine.runCycle(context.Background())
	assert.Equal(t, types.OutcomeTraded, cycle.Outcome)
	assert.Equal(t, 1, cycle.TradesExecuted)
	assert.Equal(t, 3, cycle.DecisionRounds)
	assert.True(t, cycle.Sealed())
	assert.Equal(t, []events.Type{
		events.CycleStarted, events.OpportunitySelected, events.ChampionSelected,
		events.RiskCouncilVerdict, events.CycleCompleted,
	}, h.events.types())
	assert.EqualValues(t, 1, h.recon.calls.Load())
	require.Len(t, h.cycles.saved, 1)
	h.executor.AssertExpectations(t)
}

func TestCycle_SameDirectionCapManagesLargestPnL(t *testing.T) {
	view := flatView()
	view.Positions = []types.PositionSnapshot{
		{Symbol: "BTCUSDT", Side: types.SideLong, Size: 1, UnrealizedPnLPct: 2},
		{Symbol: "SOLUSDT", Side: types.SideLong, Size: 1, UnrealizedPnLPct: -7},
		{Symbol: "XRPUSDT", Side: types.SideLong, Size: 1, UnrealizedPnLPct: 4},
	}
	h := newHarness(view, Config{})
	h.decider.On("SelectOpportunity", mock.Anything).
		Return(decision.Opportunity{SourceID: "scout", Symbol: "ETHUSDT", Action: decision.ActionLong}, nil)
	h.decider.On("RunPositionManagement", mock.MatchedBy(func(r decision.ManagementRequest) bool {
		return r.Position.Symbol == "SOLUSDT"
	})).Return(decision.ManagementDirective{ManageType: decision.ManageClose, Reason: "cut"}, nil).Once()
	h.executor.On("Manage", mock.Anything).Return(execution.Result{Executed: true}, nil).Once()

	cycle := h.engine.runCycle(context.Background())
	assert.Equal(t, types.OutcomeManaged, cycle.Outcome)
	h.decider.AssertNotCalled(t, "RunDeepAnalysis", mock.Anything)
	h.executor.AssertNotCalled(t, "Open", mock.Anything)
	assert.Contains(t, h.events.types(), events.SafetyCheckFailed)
	h.decider.AssertExpectations(t)
}

func TestCycle_RiskVetoIsNotAFailure(t *testing.T) {
	h := newHarness(flatView(), Config{})
	h.decider.On("SelectOpportunity", mock.Anything).
		Return(decision.Opportunity{SourceID: "s", Symbol: "ETHUSDT", Action: decision.ActionShort}, nil)
	h.decider.On("RunDeepAnalysis", mock.Anything).Return(decision.DeepAnalysis{
		ChampionID: "beta", Recommendation: decision.ActionShort,
		PriceTarget: decision.PriceTarget{Take: 45, Stop: 52}, PositionSize: 100,
	}, nil)
	h.decider.On("RunRiskCouncil", mock.Anything).
		Return(decision.RiskVerdict{Approved: false, VetoReason: "correlated exposure"}, nil)

	next, stop := h.engine.iterate(context.Background())
	assert.False(t, stop)
	assert.Equal(t, time.Minute, next)
	last, ok := h.engine.LastCycle()
	require.True(t, ok)
	assert.Equal(t, types.OutcomeRejected, last.Outcome)
	assert.Equal(t, "risk council veto: correlated exposure", last.Reason)
	assert.Zero(t, h.engine.breaker.Failures())
	h.executor.AssertNotCalled(t, "Open", mock.Anything)
}

func TestCycle_ChampionDisagreementRejects(t *testing.T) {
	h := newHarness(flatView(), Config{})
	h.decider.On("SelectOpportunity", mock.Anything).
		Return(decision.Opportunity{SourceID: "s", Symbol: "ETHUSDT", Action: decision.ActionLong}, nil)
	h.decider.On("RunDeepAnalysis", mock.Anything).
		Return(decision.DeepAnalysis{ChampionID: "c", Recommendation: decision.ActionShort}, nil)

	cycle := h.engine.runCycle(context.Background())
	assert.Equal(t, types.OutcomeRejected, cycle.Outcome)
	h.decider.AssertNotCalled(t, "RunRiskCouncil", mock.Anything)
}

func TestCycle_InsufficientBalanceSkipsBeforeDecisionService(t *testing.T) {
	view := flatView()
	view.Balance = types.Balance{Total: 99.99, Available: 99.99}
	h := newHarness(view, Config{})

	cycle := h.engine.runCycle(context.Background())
	assert.Equal(t, types.OutcomeSkipped, cycle.Outcome)
	assert.Contains(t, cycle.Reason, "insufficient balance")
	assert.Positive(t, cycle.CostSaved)
	assert.Contains(t, h.events.types(), events.SafetyCheckFailed)
	h.decider.AssertNotCalled(t, "SelectOpportunity", mock.Anything)
}

func TestCycle_EmergencyCloseSkipsDecisionService(t *testing.T) {
	view := flatView()
	view.Positions = []types.PositionSnapshot{{Symbol: "BTCUSDT", Side: types.SideLong, Size: 1, UnrealizedPnLPct: -16}}
	h := newHarness(view, Config{})
	h.executor.On("EmergencyClose", view.Positions[0], mock.Anything).Return(nil).Once()

	cycle := h.engine.runCycle(context.Background())
	assert.Equal(t, types.OutcomeManaged, cycle.Outcome)
	h.decider.AssertNotCalled(t, "SelectOpportunity", mock.Anything)
	h.executor.AssertExpectations(t)
}

func TestIterate_MalformedPayloadCountsAndBacksOff(t *testing.T) {
	h := newHarness(flatView(), Config{})
	h.decider.On("SelectOpportunity", mock.Anything).
		Return(decision.Opportunity{}, fmt.Errorf("%w: action missing", decision.ErrInvalidPayload))

	next, stop := h.engine.iterate(context.Background())
	assert.False(t, stop)
	assert.Equal(t, 90*time.Second, next)
	assert.Equal(t, 1, h.engine.breaker.Failures())
	last, _ := h.engine.LastCycle()
	assert.Equal(t, types.OutcomeFailed, last.Outcome)
	require.NotEmpty(t, last.Errors)
}

func TestIterate_BreakerHaltsEngine(t *testing.T) {
	h := newHarness(flatView(), Config{FailureThreshold: 3})
	h.market.err = errors.New("connection reset")

	for i := 0; i < 2; i++ {
		_, stop := h.engine.iterate(context.Background())
		require.False(t, stop)
	}
	next, stop := h.engine.iterate(context.Background())
	assert.True(t, stop)
	assert.Zero(t, next)
	assert.True(t, h.engine.Status().Halted)
	assert.Contains(t, h.events.types(), events.EngineHalted)

	err := h.engine.Start(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)

	require.NoError(t, h.engine.Cleanup(context.Background()))
	assert.False(t, h.engine.Status().Halted)
	assert.Zero(t, h.engine.breaker.Failures())
}

func TestStart_AbortsWithoutContractMetadata(t *testing.T) {
	h := newHarness(flatView(), Config{})
	h.contracts.refreshErr = errors.New("exchangeInfo 503")

	err := h.engine.Start(context.Background())
	assert.ErrorContains(t, err, "contract metadata unavailable")
	assert.Equal(t, 4, h.contracts.count())
	assert.False(t, h.engine.Running())
}

func TestStart_ConcurrentCallsStartOnce(t *testing.T) {
	h := newHarness(flatView(), Config{CycleInterval: time.Hour})
	h.market.err = errors.New("offline")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.engine.Start(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.contracts.count())
	assert.True(t, h.engine.Running())

	require.NoError(t, h.engine.Cleanup(context.Background()))
	assert.False(t, h.engine.Running())
	assert.Equal(t, 1, h.contracts.resets)
	assert.EqualValues(t, 1, h.recon.resets.Load())
}

func TestCleanup_WithoutStartIsSafe(t *testing.T) {
	h := newHarness(flatView(), Config{})
	assert.ErrorIs(t, h.engine.Stop(), ErrNotRunning)
	assert.NoError(t, h.engine.Cleanup(context.Background()))
	assert.NoError(t, h.engine.Cleanup(context.Background()))
}

func cappedView(focus types.PositionSnapshot) portfolio.View {
	view := flatView()
	view.Positions = []types.PositionSnapshot{
		focus,
		{Symbol: "ETHUSDT", Side: types.SideLong, Size: 1, UnrealizedPnLPct: 1},
		{Symbol: "SOLUSDT", Side: types.SideLong, Size: 1, UnrealizedPnLPct: -1},
		{Symbol: "XRPUSDT", Side: types.SideShort, Size: 1, UnrealizedPnLPct: 0.5},
		{Symbol: "ADAUSDT", Side: types.SideShort, Size: 1, UnrealizedPnLPct: -0.5},
	}
	return view
}

func TestCycle_CappedUrgentPositionIsManagedWithoutPipeline(t *testing.T) {
	h := newHarness(cappedView(types.PositionSnapshot{Symbol: "BTCUSDT", Side: types.SideLong, Size: 1, UnrealizedPnLPct: 12}), Config{})
	h.decider.On("RunPositionManagement", mock.MatchedBy(func(r decision.ManagementRequest) bool {
		return r.Position.Symbol == "BTCUSDT" && !r.Lightweight && r.Urgency == types.UrgencyVeryUrgent.String()
	})).Return(decision.ManagementDirective{ManageType: decision.ManageClose, Reason: "take profit"}, nil).Once()
	h.executor.On("Manage", mock.MatchedBy(func(r execution.ManageRequest) bool {
		return r.Position.Symbol == "BTCUSDT"
	})).Return(execution.Result{Executed: true}, nil).Once()

	cycle := h.engine.runCycle(context.Background())
	assert.Equal(t, types.OutcomeManaged, cycle.Outcome)
	assert.Equal(t, 1, cycle.DecisionRounds)
	assert.InDelta(t, 0.8, cycle.CostSaved, 1e-9)
	h.decider.AssertNotCalled(t, "SelectOpportunity", mock.Anything)
	h.decider.AssertNotCalled(t, "RunDeepAnalysis", mock.Anything)
	h.executor.AssertNotCalled(t, "Open", mock.Anything)
	h.decider.AssertExpectations(t)
	h.executor.AssertExpectations(t)
}

func TestCycle_CappedModeratePositionUsesLightweightManagement(t *testing.T) {
	h := newHarness(cappedView(types.PositionSnapshot{Symbol: "BTCUSDT", Side: types.SideLong, Size: 1, UnrealizedPnLPct: 6}), Config{})
	h.decider.On("RunPositionManagement", mock.MatchedBy(func(r decision.ManagementRequest) bool {
		return r.Position.Symbol == "BTCUSDT" && r.Lightweight && r.Urgency == types.UrgencyModerate.String()
	})).Return(decision.ManagementDirective{ManageType: decision.ManageHold, Reason: "trend intact"}, nil).Once()

	cycle := h.engine.runCycle(context.Background())
	assert.Equal(t, types.OutcomeNoAction, cycle.Outcome)
	assert.Contains(t, cycle.Reason, "hold BTCUSDT")
	h.decider.AssertNotCalled(t, "SelectOpportunity", mock.Anything)
	h.executor.AssertNotCalled(t, "Manage", mock.Anything)
	h.decider.AssertExpectations(t)
}

func TestCycle_ManageOpportunityWithoutSymbolFails(t *testing.T) {
	h := newHarness(flatView(), Config{})
	h.decider.On("SelectOpportunity", mock.Anything).
		Return(decision.Opportunity{SourceID: "scout", Action: decision.ActionManage}, nil)

	cycle := h.engine.runCycle(context.Background())
	assert.Equal(t, types.OutcomeFailed, cycle.Outcome)
	assert.Contains(t, cycle.Reason, "manage opportunity without symbol")
	h.decider.AssertNotCalled(t, "RunPositionManagement", mock.Anything)
}

func TestStop_DuringStartupAbortsStart(t *testing.T) {
	h := newHarness(flatView(), Config{})
	h.engine.startup = backoff.Policy{Base: 200 * time.Millisecond, Factor: 2, MaxMultiplier: 4}
	h.contracts.setErr(errors.New("exchangeInfo 503"))

	errc := make(chan error, 1)
	go func() { errc <- h.engine.Start(context.Background()) }()
	require.Eventually(t, func() bool { return h.contracts.count() >= 1 }, time.Second, time.Millisecond)
	h.contracts.setErr(nil)

	assert.NoError(t, h.engine.Stop())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrNotRunning)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.False(t, h.engine.Running())
	assert.Equal(t, 1, h.contracts.count())
	assert.Empty(t, h.cycles.saved)
	h.decider.AssertNotCalled(t, "SelectOpportunity", mock.Anything)
}

func TestCleanup_DuringStartupAbortsStartAndAllowsRestart(t *testing.T) {
	h := newHarness(flatView(), Config{CycleInterval: time.Hour})
	h.engine.startup = backoff.Policy{Base: 200 * time.Millisecond, Factor: 2, MaxMultiplier: 4}
	h.contracts.setErr(errors.New("exchangeInfo 503"))
	h.market.err = errors.New("offline")

	errc := make(chan error, 1)
	go func() { errc <- h.engine.Start(context.Background()) }()
	require.Eventually(t, func() bool { return h.contracts.count() >= 1 }, time.Second, time.Millisecond)
	h.contracts.setErr(nil)

	require.NoError(t, h.engine.Cleanup(context.Background()))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrNotRunning)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Cleanup")
	}
	assert.False(t, h.engine.Running())

	require.NoError(t, h.engine.Start(context.Background()))
	assert.True(t, h.engine.Running())
	require.NoError(t, h.engine.Cleanup(context.Background()))
	assert.False(t, h.engine.Running())
}
