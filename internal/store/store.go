// Package store defines the persistence records the engine reads and
// writes. The gorm implementation lives in gormstore.
package store

import (
	"errors"
	"time"

	"tradeloop/internal/types"
)

var ErrNotFound = errors.New("record not found")

type TradeRecord struct {
	ID             int64
	PortfolioID    string
	Symbol         string
	Side           types.Side
	Quantity       float64
	RemainingQty   float64
	EntryPrice     float64
	TakeProfit     float64
	StopLoss       float64
	Leverage       float64
	Source         string
	IdempotencyKey string
	EntryOrderID   string
	Open           bool
	RealizedPnL    float64
	CloseReason    string
	OpenedAt       time.Time
	ClosedAt       time.Time
}

// CloseRecord is one reduce fill applied to a trade.
type CloseRecord struct {
	TradeID     int64
	OrderID     string
	Quantity    float64
	Price       float64
	RealizedPnL float64
	Reason      string
	ClosedAt    time.Time
}

// Snapshot is a per-minute performance sample.
type Snapshot struct {
	PortfolioID   string
	Minute        time.Time
	Balance       types.Balance
	OpenPositions int
	Positions     []types.PositionSnapshot
}

// RealizedPnL computes the P&L of closing qty of a trade at price.
func RealizedPnL(side types.Side, entry, exit, qty float64) float64 {
	if side == types.SideShort {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}
