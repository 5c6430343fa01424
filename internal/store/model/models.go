package model

import (
	"gorm.io/datatypes"
)

type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "open"
	TradeStatusClosed TradeStatus = "closed"
)

// TradeModel is one entry executed by the engine. Remaining quantity shrinks
// as close records arrive.
type TradeModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	PortfolioID    string         `gorm:"column:portfolio_id;index:idx_trades_portfolio_opened,priority:1"`
	Symbol         string         `gorm:"column:symbol;index"`
	Side           string         `gorm:"column:side"`
	Quantity       float64        `gorm:"column:quantity"`
	RemainingQty   float64        `gorm:"column:remaining_qty"`
	EntryPrice     float64        `gorm:"column:entry_price"`
	TakeProfit     float64        `gorm:"column:take_profit"`
	StopLoss       float64        `gorm:"column:stop_loss"`
	Leverage       float64        `gorm:"column:leverage"`
	Source         string         `gorm:"column:source;index"`
	IdempotencyKey string         `gorm:"column:idempotency_key;uniqueIndex"`
	EntryOrderID   string         `gorm:"column:entry_order_id"`
	Status         TradeStatus    `gorm:"column:status;index"`
	RealizedPnL    float64        `gorm:"column:realized_pnl"`
	CloseReason    string         `gorm:"column:close_reason"`
	Meta           datatypes.JSON `gorm:"column:meta;type:TEXT"`
	OpenedAtUnix   int64          `gorm:"column:opened_at;index:idx_trades_portfolio_opened,priority:2"`
	ClosedAtUnix   int64          `gorm:"column:closed_at"`
	UpdatedAtUnix  int64          `gorm:"column:updated_at"`
}

func (TradeModel) TableName() string { return "trades" }

// TradeCloseModel records one reduce fill. OrderID is unique so each
// exchange close is recorded exactly once.
type TradeCloseModel struct {
	ID           int64   `gorm:"column:id;primaryKey"`
	TradeID      int64   `gorm:"column:trade_id;index"`
	OrderID      string  `gorm:"column:order_id;uniqueIndex"`
	Quantity     float64 `gorm:"column:quantity"`
	Price        float64 `gorm:"column:price"`
	RealizedPnL  float64 `gorm:"column:realized_pnl"`
	Reason       string  `gorm:"column:reason"`
	ClosedAtUnix int64   `gorm:"column:closed_at;index"`
}

func (TradeCloseModel) TableName() string { return "trade_closes" }

type PortfolioBalanceModel struct {
	PortfolioID   string  `gorm:"column:portfolio_id;primaryKey"`
	Asset         string  `gorm:"column:asset"`
	Total         float64 `gorm:"column:total"`
	Available     float64 `gorm:"column:available"`
	UnrealizedPnL float64 `gorm:"column:unrealized_pnl"`
	OpenPositions int     `gorm:"column:open_positions"`
	UpdatedAtUnix int64   `gorm:"column:updated_at"`
}

func (PortfolioBalanceModel) TableName() string { return "portfolio_balances" }

type PerformanceSnapshotModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	PortfolioID   string         `gorm:"column:portfolio_id;uniqueIndex:idx_snapshot_minute,priority:1"`
	MinuteUnix    int64          `gorm:"column:minute;uniqueIndex:idx_snapshot_minute,priority:2;index"`
	Total         float64        `gorm:"column:total"`
	Available     float64        `gorm:"column:available"`
	UnrealizedPnL float64        `gorm:"column:unrealized_pnl"`
	OpenPositions int            `gorm:"column:open_positions"`
	Positions     datatypes.JSON `gorm:"column:positions;type:TEXT"`
}

func (PerformanceSnapshotModel) TableName() string { return "performance_snapshots" }

type CycleModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	Number         int64          `gorm:"column:number;index"`
	TraceID        string         `gorm:"column:trace_id;uniqueIndex"`
	Outcome        string         `gorm:"column:outcome"`
	Reason         string         `gorm:"column:reason"`
	TradesExecuted int            `gorm:"column:trades_executed"`
	DecisionRounds int            `gorm:"column:decision_rounds"`
	CostSaved      float64        `gorm:"column:cost_saved"`
	Symbols        datatypes.JSON `gorm:"column:symbols;type:TEXT"`
	Errors         datatypes.JSON `gorm:"column:errors;type:TEXT"`
	StartedAtUnix  int64          `gorm:"column:started_at;index"`
	EndedAtUnix    int64          `gorm:"column:ended_at"`
	DurationMs     int64          `gorm:"column:duration_ms"`
}

func (CycleModel) TableName() string { return "cycles" }
