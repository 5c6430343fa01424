// Package portfolio holds the single shared portfolio the engine trades
// for. It is referenced by id everywhere it is persisted.
package portfolio

import (
	"strings"
	"sync"
	"time"

	"tradeloop/internal/types"
)

const DefaultID = "main"

// View is an immutable copy of the book at one point in time.
type View struct {
	ID        string                   `json:"portfolio_id"`
	Balance   types.Balance            `json:"balance"`
	Positions []types.PositionSnapshot `json:"positions"`
	WeeklyPnL float64                  `json:"weekly_pnl"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// Book is rebuilt from the exchange every cycle; it is never the source of
// truth for positions.
type Book struct {
	id string

	mu        sync.RWMutex
	balance   types.Balance
	positions []types.PositionSnapshot
	weeklyPnL float64
	updatedAt time.Time
}

func NewBook(id string) *Book {
	id = strings.TrimSpace(id)
	if id == "" {
		id = DefaultID
	}
	return &Book{id: id}
}

func (b *Book) ID() string {
	return b.id
}

func (b *Book) Update(bal types.Balance, positions []types.PositionSnapshot, weeklyPnL float64, at time.Time) {
	cp := append([]types.PositionSnapshot(nil), positions...)
	b.mu.Lock()
	b.balance = bal
	b.positions = cp
	b.weeklyPnL = weeklyPnL
	b.updatedAt = at
	b.mu.Unlock()
}

func (b *Book) View() View {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return View{
		ID:        b.id,
		Balance:   b.balance,
		Positions: append([]types.PositionSnapshot(nil), b.positions...),
		WeeklyPnL: b.weeklyPnL,
		UpdatedAt: b.updatedAt,
	}
}

// Reset clears everything but the id.
func (b *Book) Reset() {
	b.mu.Lock()
	b.balance = types.Balance{}
	b.positions = nil
	b.weeklyPnL = 0
	b.updatedAt = time.Time{}
	b.mu.Unlock()
}

// Find returns the position for symbol and side.
func (v View) Find(symbol string, side types.Side) (types.PositionSnapshot, bool) {
	for _, p := range v.Positions {
		if p.Symbol == symbol && p.Side == side {
			return p, true
		}
	}
	return types.PositionSnapshot{}, false
}
