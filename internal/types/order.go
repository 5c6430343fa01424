package types

import "time"

// ExecutionOrder is built only after every guardrail has passed.
type ExecutionOrder struct {
	Symbol         string  `json:"symbol"`
	Side           Side    `json:"side"`
	Quantity       float64 `json:"quantity"`
	ReferencePrice float64 `json:"reference_price"`
	TakeProfit     float64 `json:"take_profit"`
	StopLoss       float64 `json:"stop_loss"`
	Leverage       float64 `json:"leverage,omitempty"`
	IdempotencyKey string  `json:"idempotency_key"`
	Source         string  `json:"source"`
	Reason         string  `json:"reason,omitempty"`
}

type OrderResult struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      OrderSide `json:"side"`
	FilledQty float64   `json:"filled_qty"`
	AvgPrice  float64   `json:"avg_price"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// CloseRequest closes Quantity of a position; Quantity <= 0 closes all of it.
type CloseRequest struct {
	Symbol         string  `json:"symbol"`
	Side           Side    `json:"side"`
	Quantity       float64 `json:"quantity"`
	IdempotencyKey string  `json:"idempotency_key"`
	Reason         string  `json:"reason,omitempty"`
}

// ProtectionRequest places or replaces reduce-only TP/SL orders. A zero
// price leaves that leg untouched.
type ProtectionRequest struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Quantity   float64 `json:"quantity"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
}

// ClosedOrder is a filled reduce-only order from exchange history.
type ClosedOrder struct {
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     OrderSide `json:"side"`
	Type     string    `json:"type"`
	Quantity float64   `json:"quantity"`
	AvgPrice float64   `json:"avg_price"`
	ClosedAt time.Time `json:"closed_at"`
}

// ClosesSide returns the position side a reduce-only order closes.
func (o ClosedOrder) ClosesSide() Side {
	if o.Side == OrderSideBuy {
		return SideShort
	}
	return SideLong
}
