// Package interfaces declares the ports the engine and its services depend
// on. Concrete adapters live under internal/gateway and internal/store.
package interfaces

import (
	"context"
	"time"

	"tradeloop/internal/decision"
	"tradeloop/internal/store"
	"tradeloop/internal/types"
)

// Exchange is the futures venue.
type Exchange interface {
	Ticker(ctx context.Context, symbol string) (types.Ticker, error)
	Balance(ctx context.Context) (types.Balance, error)
	Positions(ctx context.Context) ([]types.PositionSnapshot, error)
	PlaceOrder(ctx context.Context, order types.ExecutionOrder) (types.OrderResult, error)
	ClosePosition(ctx context.Context, req types.CloseRequest) (types.OrderResult, error)
	UpdateProtection(ctx context.Context, req types.ProtectionRequest) error
	AdjustIsolatedMargin(ctx context.Context, symbol string, side types.Side, amount float64) error
	ContractSpecs(ctx context.Context) (map[string]types.ContractSpec, error)
	ClosedOrders(ctx context.Context, symbols []string, since time.Time) ([]types.ClosedOrder, error)
}

// TradeStore is the trade-record side of persistence.
type TradeStore interface {
	CreateTrade(ctx context.Context, rec *store.TradeRecord) error
	OpenTrades(ctx context.Context, portfolioID string) ([]store.TradeRecord, error)
	OpenTradeFor(ctx context.Context, portfolioID, symbol string, side types.Side) (store.TradeRecord, error)
	RecordClose(ctx context.Context, rec store.CloseRecord) (bool, error)
	HasCloseOrder(ctx context.Context, orderID string) (bool, error)
	CountTradesSince(ctx context.Context, portfolioID string, since time.Time) (int, error)
	LastTradeBySource(ctx context.Context, portfolioID, source string) (store.TradeRecord, error)
	RealizedPnLSince(ctx context.Context, portfolioID string, since time.Time) (float64, error)
}

// PortfolioStore mirrors balances and performance snapshots.
type PortfolioStore interface {
	UpsertBalance(ctx context.Context, portfolioID string, bal types.Balance, openPositions int) error
	SaveSnapshot(ctx context.Context, snap store.Snapshot) (bool, error)
	DeleteSnapshotsBefore(ctx context.Context, before time.Time) (int64, error)
}

type CycleStore interface {
	SaveCycle(ctx context.Context, c types.TradingCycle) error
	RecentCycles(ctx context.Context, limit int) ([]types.TradingCycle, error)
}

// Store is everything the gorm store provides.
type Store interface {
	TradeStore
	PortfolioStore
	CycleStore
}

// ContractCache resolves exchange metadata per symbol.
type ContractCache interface {
	Get(symbol string) (types.ContractSpec, bool)
	RefreshIfNeeded(ctx context.Context, symbols []string) bool
	Refresh(ctx context.Context) error
	Reset()
}

// Decider is the validated facade over the external decision service.
type Decider interface {
	SelectOpportunity(ctx context.Context, req decision.OpportunityRequest) (decision.Opportunity, error)
	RunDeepAnalysis(ctx context.Context, req decision.AnalysisRequest) (decision.DeepAnalysis, error)
	RunRiskCouncil(ctx context.Context, req decision.RiskRequest) (decision.RiskVerdict, error)
	RunPositionManagement(ctx context.Context, req decision.ManagementRequest) (decision.ManagementDirective, error)
}
