package trader

import (
	"context"
	"fmt"
	"time"

	"ocobot/exchange"
	"ocobot/logger"
)

const fillMonitorInterval = 15 * time.Second

// trackedOrder is a protective order observed resting in a previous
// pass. When it disappears from the open set, the monitor checks
// whether it filled.
type trackedOrder struct {
	symbol string
	kind   string // "TP" or "SL"
	price  float64
}

// fillMonitorPass diffs the currently resting protective orders against
// the previous snapshot. An order that vanished and reports FILLED hit
// its target; any sibling protective orders on the same symbol are then
// canceled so a manually placed or degraded pair still behaves as
// one-cancels-other.
func (e *Engine) fillMonitorPass(ctx context.Context) {
	open, err := e.ex.OpenOrders(ctx, "")
	if err != nil {
		logger.Warnf("⚠️  Fill monitor: open orders fetch failed: %v", err)
		return
	}

	current := make(map[int64]trackedOrder)
	for _, o := range open {
		kind := protectiveKind(o.Type)
		if kind == "" || o.Side != "SELL" {
			continue
		}
		price := o.Price
		if kind == "SL" && o.StopPrice > 0 {
			price = o.StopPrice
		}
		current[o.OrderID] = trackedOrder{symbol: o.Symbol, kind: kind, price: price}
	}

	e.trackedMu.Lock()
	prev := e.tracked
	e.tracked = current
	e.trackedMu.Unlock()

	for id, t := range prev {
		if _, still := current[id]; still {
			continue
		}
		o, err := e.ex.GetOrder(ctx, t.symbol, id)
		if err != nil {
			logger.Warnf("⚠️  Fill monitor: order %d lookup failed: %v", id, err)
			continue
		}
		if o.Status != "FILLED" {
			// Canceled or expired; nothing hit.
			continue
		}

		if t.kind == "TP" {
			e.notify(fmt.Sprintf("🎯 TP HIT on %s @ $%.6f", t.symbol, t.price))
		} else {
			e.notify(fmt.Sprintf("🛑 SL HIT on %s @ $%.6f", t.symbol, t.price))
		}
		e.emit("order_filled", map[string]interface{}{
			"symbol": t.symbol, "order_id": id, "kind": t.kind, "price": t.price,
		})

		e.cancelSiblings(ctx, t.symbol, id, current)
	}
}

// cancelSiblings cancels remaining protective sells on symbol after one
// leg filled.
func (e *Engine) cancelSiblings(ctx context.Context, symbol string, filledID int64, current map[int64]trackedOrder) {
	for id, t := range current {
		if t.symbol != symbol || id == filledID {
			continue
		}
		if err := e.ex.CancelOrder(ctx, symbol, id); err != nil {
			logger.Warnf("⚠️  Fill monitor: sibling cancel %d failed: %v", id, err)
			continue
		}
		logger.Infof("🧹 Canceled sibling %s order %d on %s", t.kind, id, symbol)
	}
}

// protectiveOrdersBySymbol groups resting protective sells by symbol.
// Shared by the watchdog and the audit pass.
func protectiveOrdersBySymbol(open []*exchange.Order) map[string][]*exchange.Order {
	out := make(map[string][]*exchange.Order)
	for _, o := range open {
		if o.Side != "SELL" || protectiveKind(o.Type) == "" {
			continue
		}
		out[o.Symbol] = append(out[o.Symbol], o)
	}
	return out
}
