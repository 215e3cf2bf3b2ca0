package trader

import (
	"context"
	"fmt"
	"time"

	"ocobot/logger"
)

const auditInterval = 5 * time.Minute

// auditPass looks for half-brackets: symbols where exactly one side of
// the protective pair rests. It only reports; a lone leg may be
// intentional (manual intervention, trailing takeover in progress), so
// the operator decides.
func (e *Engine) auditPass(ctx context.Context) {
	open, err := e.ex.OpenOrders(ctx, "")
	if err != nil {
		logger.Warnf("⚠️  Audit: open orders fetch failed: %v", err)
		return
	}

	for symbol, orders := range protectiveOrdersBySymbol(open) {
		hasTP, hasSL := false, false
		for _, o := range orders {
			switch protectiveKind(o.Type) {
			case "TP":
				hasTP = true
			case "SL":
				hasSL = true
			}
		}
		if hasTP == hasSL {
			continue
		}

		missing := "SL"
		if hasSL {
			missing = "TP"
		}
		e.notify(fmt.Sprintf("⚠️ Audit: %s missing %s side of OCO (%d protective orders resting)",
			symbol, missing, len(orders)))
		e.emit("audit_half_bracket", map[string]interface{}{
			"symbol": symbol, "missing": missing, "resting": len(orders),
		})
	}
}
