package types

import (
	"strings"
	"time"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return SideLong, true
	case "SHORT", "SELL":
		return SideShort, true
	default:
		return "", false
	}
}

func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OpenOrderSide is the order side that opens a position on s.
func (s Side) OpenOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// CloseOrderSide is the order side that reduces a position on s.
func (s Side) CloseOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

// PositionSnapshot is rebuilt from the exchange every cycle. The exchange is
// the source of truth; snapshots are never persisted as such.
//
// UnrealizedPnLPct is the return on margin in percent (5 means +5%).
type PositionSnapshot struct {
	Symbol           string        `json:"symbol"`
	Side             Side          `json:"side"`
	Size             float64       `json:"size"`
	EntryPrice       float64       `json:"entry_price"`
	CurrentPrice     float64       `json:"current_price"`
	UnrealizedPnL    float64       `json:"unrealized_pnl"`
	UnrealizedPnLPct float64       `json:"unrealized_pnl_pct"`
	Leverage         float64       `json:"leverage,omitempty"`
	HoldTime         time.Duration `json:"hold_time"`
	OpenedAt         time.Time     `json:"opened_at,omitempty"`
	MarginMode       MarginMode    `json:"margin_mode"`
	IsolatedMargin   float64       `json:"isolated_margin,omitempty"`
	IsolatedID       string        `json:"isolated_id,omitempty"`
}

func (p PositionSnapshot) Notional() float64 {
	return p.Size * p.CurrentPrice
}

func (p PositionSnapshot) Key() string {
	return p.Symbol + ":" + string(p.Side)
}

// CountBySide returns the number of open positions per side.
func CountBySide(positions []PositionSnapshot) map[Side]int {
	out := map[Side]int{SideLong: 0, SideShort: 0}
	for _, p := range positions {
		if p.Side.Valid() {
			out[p.Side]++
		}
	}
	return out
}

type Balance struct {
	Asset         string    `json:"asset"`
	Total         float64   `json:"total"`
	Available     float64   `json:"available"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Urgency ranks how soon a position needs attention. Lower is more urgent.
type Urgency int

const (
	UrgencyVeryUrgent Urgency = iota
	UrgencyModerate
	UrgencyLow
)

func (u Urgency) String() string {
	switch u {
	case UrgencyVeryUrgent:
		return "VERY_URGENT"
	case UrgencyModerate:
		return "MODERATE"
	case UrgencyLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

type PositionUrgency struct {
	Urgency Urgency `json:"urgency"`
	Reason  string  `json:"reason"`
}
