package trader

import (
	"context"
	"fmt"
	"time"

	"ocobot/config"
	"ocobot/exchange"
	"ocobot/logger"
)

const (
	trailingRESTFallback   = 2 * time.Second
	trailingSubmitAttempts = 3
	trailingSubmitBackoff  = time.Second
)

// priceStream is the live price feed the trailing watcher consumes.
// Satisfied by exchange.TickerStream; stubbed in tests.
type priceStream interface {
	Start() error
	Prices() <-chan float64
	Close()
}

// runTrailingEntry executes the trailing-TP mode: market entry, a fixed
// protective stop, then a price watcher that at the activation level
// swaps the fixed stop for an exchange-native trailing stop. Between
// cancel of the fixed stop and acceptance of the trailing stop the
// position is briefly naked; a trailing stop the exchange refuses after
// the retry budget therefore ends in a flatten.
func (e *Engine) runTrailingEntry(ctx context.Context, s config.Settings, symbol string, spend, stop float64) error {
	e.transition(symbol, StateEntryPending, nil)

	entry, err := e.entry.MarketBuy(ctx, symbol, spend)
	if err != nil {
		e.notify(fmt.Sprintf("❌ Execution failed: %v", err))
		return err
	}
	e.transition(symbol, StateEntryFilled, map[string]interface{}{
		"qty": entry.FilledQty, "avg_price": entry.AvgPrice,
	})

	rule, err := e.ex.SymbolRule(ctx, symbol)
	if err != nil {
		return e.flattenAndWrap(ctx, symbol, entry.FilledQty, tradeErr(KindValidation, "trailing", err))
	}

	free := e.settle.Wait(ctx, rule.BaseAsset, entry.FilledQty)
	e.transition(symbol, StateBalanceSettled, map[string]interface{}{"free": free})

	qty := SafeSellQty(entry.FilledQty, free, rule.StepSize)
	if qty <= 0 {
		return e.flattenAndWrap(ctx, symbol, entry.FilledQty,
			tradeErrf(KindValidation, "trailing", "no sellable balance after settlement (free %.8f)", free))
	}

	st := QuantizePrice(stop, rule.TickSize)
	sl := QuantizePrice(st*(1-stopLimitOffsetFrac), rule.TickSize)
	if sl >= st {
		sl = QuantizePrice(st-rule.TickSize, rule.TickSize)
	}
	if st <= 0 || sl <= 0 || st >= entry.AvgPrice {
		return e.flattenAndWrap(ctx, symbol, entry.FilledQty,
			tradeErrf(KindValidation, "trailing", "unusable stop %.8f against fill %.8f", st, entry.AvgPrice))
	}

	ack, err := e.ex.StopLossLimitSell(ctx, symbol, FormatQty(qty, rule), FormatPrice(st, rule), FormatPrice(sl, rule))
	if err != nil {
		return e.flattenAndWrap(ctx, symbol, entry.FilledQty, tradeErr(KindValidation, "trailing", err))
	}
	e.transition(symbol, StateBracketSubmitted, map[string]interface{}{"stop_order_id": ack.OrderID})

	activation := roundTo(entry.AvgPrice*(1.0+s.TrailingTPActivationPct), 8)
	e.notify(fmt.Sprintf(
		"✅ BUY filled %.8f %s @ $%.6f\n🛑 Fixed SL set @ $%.6f\n📈 Trailing activates @ $%.6f (pullback %.2f%%)",
		entry.FilledQty, symbol, entry.AvgPrice, st, activation, s.TrailingTPPullbackPct*100))
	e.emit("trailing_armed", map[string]interface{}{
		"symbol": symbol, "fill": entry.AvgPrice, "stop": st,
		"activation": activation, "pullback_pct": s.TrailingTPPullbackPct,
	})

	e.spawnTrailingWatcher(symbol, rule, qty, entry.AvgPrice, activation, s, ack.OrderID)
	return nil
}

// spawnTrailingWatcher runs the watcher under the engine's watcher
// group so shutdown can drain it, with the same panic isolation the
// reconciliation loops get.
func (e *Engine) spawnTrailingWatcher(symbol string, rule *exchange.SymbolRule, qty, fillPrice, activation float64, s config.Settings, stopOrderID int64) {
	e.watcherWG.Add(1)
	go func() {
		defer e.watcherWG.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("❌ Trailing watcher for %s panicked: %v", symbol, r)
			}
		}()
		e.watchTrailing(symbol, rule, qty, fillPrice, activation, s, stopOrderID)
	}()
}

// StopWatchers signals all position watchers and waits for them to
// drain. Called once at shutdown.
func (e *Engine) StopWatchers() {
	e.watcherOnce.Do(func() { close(e.watcherStop) })
	e.watcherWG.Wait()
}

// watchTrailing waits for the activation price, then performs the
// takeover. Runs until takeover, stop-out (the fixed stop disappearing
// from the book) or shutdown via StopWatchers.
func (e *Engine) watchTrailing(symbol string, rule *exchange.SymbolRule, qty, fillPrice, activation float64, s config.Settings, stopOrderID int64) {
	stream := e.newStream(symbol, s.UseTestnet)
	streaming := stream.Start() == nil
	if streaming {
		defer stream.Close()
	} else {
		logger.Warnf("⚠️  Ticker stream unavailable for %s, polling REST only", symbol)
	}

	fallback := time.NewTicker(trailingRESTFallback)
	defer fallback.Stop()

	ctx := context.Background()
	for {
		var price float64
		if streaming {
			select {
			case <-e.watcherStop:
				return
			case price = <-stream.Prices():
			case <-fallback.C:
				price, _ = e.ex.LastPrice(ctx, symbol)
			}
		} else {
			select {
			case <-e.watcherStop:
				return
			case <-fallback.C:
				price, _ = e.ex.LastPrice(ctx, symbol)
			}
		}
		if price <= 0 {
			continue
		}

		if price >= activation {
			e.takeoverTrailing(ctx, symbol, rule, qty, fillPrice, price, s, stopOrderID)
			return
		}

		// The fixed stop filling ends the watch; the fill monitor and
		// classifier own the reporting.
		if o, err := e.ex.GetOrder(ctx, symbol, stopOrderID); err == nil {
			switch o.Status {
			case "FILLED", "CANCELED", "EXPIRED":
				logger.Infof("ℹ️  Trailing watch for %s ended (stop order %s)", symbol, o.Status)
				return
			}
		}
	}
}

// takeoverTrailing cancels the fixed stop and installs the trailing
// stop. Submission failures are retried with escalating noise; running
// out of retries flattens, because by then the fixed stop is gone.
func (e *Engine) takeoverTrailing(ctx context.Context, symbol string, rule *exchange.SymbolRule, qty, fillPrice, price float64, s config.Settings, stopOrderID int64) {
	e.notify(fmt.Sprintf("📈 %s hit activation $%.6f — switching to trailing stop", symbol, price))

	if err := e.ex.CancelOrder(ctx, symbol, stopOrderID); err != nil {
		// Already filled or already gone; the trailing submit below
		// will fail on balance if the position is closed.
		logger.Warnf("⚠️  Fixed stop cancel failed for %s: %v", symbol, err)
	}

	// Limit floor for the trailing order: worst acceptable execution.
	limit := QuantizePrice(price*(1-s.TrailingTPPullbackPct)*(1-stopLimitOffsetFrac), rule.TickSize)
	bips := int(s.TrailingTPPullbackPct*10000 + 0.5)
	if bips < 10 {
		bips = 10
	}

	var lastErr error
	for attempt := 1; attempt <= trailingSubmitAttempts; attempt++ {
		ack, err := e.ex.TrailingStopSell(ctx, symbol, FormatQty(qty, rule), FormatPrice(limit, rule), bips)
		if err == nil {
			e.transition(symbol, StateBracketVerified, map[string]interface{}{"trailing_order_id": ack.OrderID})
			e.notify(fmt.Sprintf("🚀 Trailing stop live on %s: delta %d bips, floor $%.6f (entry $%.6f)",
				symbol, bips, limit, fillPrice))
			e.emit("trailing_active", map[string]interface{}{
				"symbol": symbol, "order_id": ack.OrderID, "delta_bips": bips, "floor": limit,
			})
			return
		}
		lastErr = err
		if exchange.IsInsufficientBalance(err) {
			// Stop filled in the race; nothing left to protect.
			logger.Infof("ℹ️  Trailing submit for %s found no balance; position closed", symbol)
			return
		}
		e.notify(fmt.Sprintf("⚠️ Trailing stop submit failed for %s (attempt %d/%d): %v",
			symbol, attempt, trailingSubmitAttempts, err))
		time.Sleep(trailingSubmitBackoff)
	}

	// Position is naked and the exchange will not take the trailing
	// order. Exit now.
	e.notify(fmt.Sprintf("🚨 Trailing stop could not be placed on %s — flattening: %v", symbol, lastErr))
	if err := e.Flatten(ctx, symbol, qty); err != nil {
		e.transition(symbol, StateFlattenFailed, map[string]interface{}{"error": err.Error()})
		e.notify(fmt.Sprintf("🚨 *FATAL*: flatten failed for %s — position is UNPROTECTED: %v", symbol, err))
		return
	}
	e.transition(symbol, StateFlattened, nil)
	e.notify(fmt.Sprintf("✅ Position flattened for %s", symbol))
}
