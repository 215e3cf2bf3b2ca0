package trader

import (
	"context"
	"math"
	"time"

	"ocobot/logger"
)

const (
	settlePollInterval = 300 * time.Millisecond
	settlePollAttempts = 10
	settleTolerance    = 0.999 // free balance covering 99.9% of the fill counts as settled

	// sellSafetyBuffer shaves exit quantities so fee deductions and
	// balance-reporting lag cannot push a sell past the free balance.
	sellSafetyBuffer = 0.999
)

// SettlementWaiter bridges the gap between an order fill and the
// exchange ledger reflecting it.
type SettlementWaiter struct {
	ex Exchange
}

func NewSettlementWaiter(ex Exchange) *SettlementWaiter {
	return &SettlementWaiter{ex: ex}
}

// Wait polls the free balance of asset until it covers filledQty within
// tolerance, bounded by the poll budget. It always returns the
// best-known free balance, even on timeout: the caller must size the
// exit to at most this figure, not the original fill.
func (w *SettlementWaiter) Wait(ctx context.Context, asset string, filledQty float64) float64 {
	var best float64
	for i := 0; i < settlePollAttempts; i++ {
		free, _, err := w.ex.AssetBalance(ctx, asset)
		if err != nil {
			logger.Warnf("⚠️  Balance fetch attempt %d failed: %v", i+1, err)
		} else {
			if free > best {
				best = free
			}
			if free >= filledQty*settleTolerance {
				logger.Debugf("Balance settled after %d polls (free %.8f, need %.8f)", i+1, free, filledQty)
				return free
			}
		}
		if err := sleepCtx(ctx, settlePollInterval); err != nil {
			break
		}
	}
	logger.Warnf("⚠️  Balance not fully settled for %s; proceeding with best-known %.8f (filled %.8f)",
		asset, best, filledQty)
	return best
}

// SafeSellQty sizes an exit order: at most the lesser of the filled
// quantity and the free balance, scaled by the safety buffer and
// floored to the lot step.
func SafeSellQty(filledQty, freeBalance, step float64) float64 {
	q := math.Min(filledQty, freeBalance) * sellSafetyBuffer
	return QuantizeQty(q, step)
}
