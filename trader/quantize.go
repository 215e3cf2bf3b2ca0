package trader

import (
	"math"
	"strconv"
	"strings"

	"ocobot/exchange"
)

// notionalSafetyMargin pads the minimum-notional floor because the
// notional is computed from a price that may move before submission.
const notionalSafetyMargin = 1.03

// QuantizePrice floors a price onto the symbol's tick grid. Flooring,
// never rounding up, keeps sell prices inside the acceptable band.
func QuantizePrice(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return roundTo(math.Floor(price/tick+1e-9)*tick, 12)
}

// QuantizeQty floors a quantity onto the symbol's lot-step grid.
func QuantizeQty(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return roundTo(math.Floor(qty/step+1e-9)*step, 12)
}

// EnsureNotional raises qty (never the price) to the smallest
// step-aligned quantity whose notional clears the symbol minimum with
// the safety margin. A qty already clearing the minimum is unchanged.
func EnsureNotional(qty, price float64, rule *exchange.SymbolRule) float64 {
	if rule.MinNotional <= 0 || price <= 0 || rule.StepSize <= 0 {
		return qty
	}
	if qty*price >= rule.MinNotional {
		return qty
	}
	need := rule.MinNotional * notionalSafetyMargin / price
	steps := math.Ceil(need/rule.StepSize - 1e-9)
	return roundTo(steps*rule.StepSize, 12)
}

// FormatPrice renders a grid-aligned price with exactly the precision
// the tick size implies.
func FormatPrice(price float64, rule *exchange.SymbolRule) string {
	return strconv.FormatFloat(price, 'f', decimalsOf(rule.TickSize), 64)
}

// FormatQty renders a grid-aligned quantity with the lot-step precision.
func FormatQty(qty float64, rule *exchange.SymbolRule) string {
	return strconv.FormatFloat(qty, 'f', decimalsOf(rule.StepSize), 64)
}

// decimalsOf counts the decimal places of a grid unit (0.001 -> 3).
func decimalsOf(unit float64) int {
	s := strconv.FormatFloat(unit, 'f', -1, 64)
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return len(s) - i - 1
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
