package trader

import (
	"context"
	"fmt"
	"time"

	"ocobot/logger"
)

const (
	classifierInterval     = 5 * time.Second
	classifierHistoryDepth = 10
)

// classifierPass settles bookkeeping for brackets whose legs are no
// longer both resting: it scans recent order history for the filled
// child of each tracked order list, names the outcome, reports it and
// retires the record. Classification goes by order type; when the
// exchange reports a type outside the protective set the price relation
// to the recorded entry decides, and the event is flagged so the
// heuristic call is auditable.
func (e *Engine) classifierPass(ctx context.Context) {
	records, err := e.brackets.List()
	if err != nil {
		logger.Warnf("⚠️  Classifier: bracket list failed: %v", err)
		return
	}

	for _, rec := range records {
		history, err := e.ex.OrderHistory(ctx, rec.Symbol, classifierHistoryDepth)
		if err != nil {
			logger.Warnf("⚠️  Classifier: history fetch for %s failed: %v", rec.Symbol, err)
			continue
		}

		// Newest first.
		for i := len(history) - 1; i >= 0; i-- {
			o := history[i]
			if o.OrderListID != rec.OrderListID || o.Status != "FILLED" {
				continue
			}

			exitPrice := o.Price
			if exitPrice == 0 && o.ExecutedQty > 0 {
				exitPrice = o.CumQuote / o.ExecutedQty
			}

			outcome := protectiveKind(o.Type)
			heuristic := false
			if outcome == "" {
				heuristic = true
				if exitPrice >= rec.EntryPrice {
					outcome = "TP"
				} else {
					outcome = "SL"
				}
			}

			pnlPct := (exitPrice/rec.EntryPrice - 1) * 100
			if outcome == "TP" {
				e.notify(fmt.Sprintf("🏁 %s bracket closed in PROFIT: $%.6f → $%.6f (%+.2f%%)",
					rec.Symbol, rec.EntryPrice, exitPrice, pnlPct))
			} else {
				e.notify(fmt.Sprintf("🏁 %s bracket closed at STOP: $%.6f → $%.6f (%+.2f%%)",
					rec.Symbol, rec.EntryPrice, exitPrice, pnlPct))
			}

			payload := map[string]interface{}{
				"symbol":   rec.Symbol,
				"oco_id":   rec.OrderListID,
				"outcome":  outcome,
				"entry":    rec.EntryPrice,
				"exit":     exitPrice,
				"pnl_pct":  pnlPct,
				"order_id": o.OrderID,
			}
			if heuristic {
				payload["classified_by"] = "price_heuristic"
			}
			e.emit("bracket_closed", payload)

			if err := e.brackets.Delete(rec.OrderListID); err != nil {
				logger.Warnf("⚠️  Classifier: record delete %d failed: %v", rec.OrderListID, err)
			}
			break
		}
	}
}
