package contracts

import (
	"fmt"

	"tradeloop/internal/types"

	"github.com/shopspring/decimal"
)

// NormalizeQuantity clamps qty to the contract's max and floors it to the step
// size. ok is false when the result is below the exchange minimum.
func NormalizeQuantity(spec types.ContractSpec, qty float64) (out float64, ok bool, reason string) {
	if qty <= 0 {
		return 0, false, "quantity must be positive"
	}
	if spec.MaxOrderSize > 0 && qty > spec.MaxOrderSize {
		qty = spec.MaxOrderSize
	}
	q := decimal.NewFromFloat(qty)
	if spec.StepSize > 0 {
		step := decimal.NewFromFloat(spec.StepSize)
		q = q.Div(step).Floor().Mul(step)
	}
	out, _ = q.Float64()
	if out <= 0 || (spec.MinOrderSize > 0 && out < spec.MinOrderSize) {
		return out, false, fmt.Sprintf("quantity %s below minimum %s",
			q.String(), decimal.NewFromFloat(spec.MinOrderSize).String())
	}
	return out, true, ""
}

// RoundPrice rounds price to the nearest tick.
func RoundPrice(spec types.ContractSpec, price float64) float64 {
	if price <= 0 || spec.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(spec.TickSize)
	out, _ := decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick).Float64()
	return out
}
