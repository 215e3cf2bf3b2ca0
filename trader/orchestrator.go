package trader

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"ocobot/config"
	"ocobot/events"
	"ocobot/exchange"
	"ocobot/logger"
	"ocobot/notify"
	"ocobot/store"
)

const (
	// duplicateWindow suppresses re-entrant execution of what is most
	// likely the same broadcast signal.
	duplicateWindow = 180 * time.Second

	// bracketAttempts bounds the resize-and-retry loop for
	// insufficient-balance rejections.
	bracketAttempts = 3
)

// pairRe pulls the base asset out of display names like
// "Solana (SOL/USDC)".
var pairRe = regexp.MustCompile(`([A-Za-z0-9]{2,10})\s*/`)

type recentSignal struct {
	symbol string
	entry  float64
	at     time.Time
}

// Engine is the atomic bracket orchestrator: it drives one signal
// through entry, settlement and bracket placement, with compensating
// flatten on any failure after a fill. Per run it takes one settings
// snapshot, so a config reload never changes parameters
// mid-transaction.
type Engine struct {
	ex       Exchange
	brackets *store.BracketStore
	notifier notify.Notifier
	emitter  *events.Emitter
	settings *config.Loader

	entry  *EntryExecutor
	settle *SettlementWaiter
	placer *BracketPlacer

	recentMu sync.Mutex
	recent   []recentSignal

	trackedMu sync.Mutex
	tracked   map[int64]trackedOrder

	// newStream builds the live price feed for trailing watchers;
	// replaced in tests.
	newStream   func(symbol string, testnet bool) priceStream
	watcherWG   sync.WaitGroup
	watcherStop chan struct{}
	watcherOnce sync.Once
}

func NewEngine(ex Exchange, brackets *store.BracketStore, notifier notify.Notifier, emitter *events.Emitter, settings *config.Loader) *Engine {
	return &Engine{
		ex:       ex,
		brackets: brackets,
		notifier: notifier,
		emitter:  emitter,
		settings: settings,
		entry:    NewEntryExecutor(ex),
		settle:   NewSettlementWaiter(ex),
		placer:   NewBracketPlacer(ex),
		tracked:  make(map[int64]trackedOrder),
		newStream: func(symbol string, testnet bool) priceStream {
			return exchange.NewTickerStream(symbol, testnet)
		},
		watcherStop: make(chan struct{}),
	}
}

// HandleSignal executes one signal end to end. The returned error
// reports why the signal did not reach a protected position; a skipped
// signal (duplicate, slippage, unfilled limit) returns nil.
func (e *Engine) HandleSignal(ctx context.Context, sig *Signal) error {
	s := e.settings.Snapshot()

	if sig.Entry <= 0 || len(sig.TakeProfits) == 0 {
		return tradeErrf(KindValidation, "signal", "signal missing entry or take-profit")
	}

	e.emit("signal_parsed", map[string]interface{}{
		"currency": sig.Currency,
		"entry":    sig.Entry,
		"stop":     sig.Stop,
		"tp1":      sig.TakeProfits[0],
	})
	e.notify(fmt.Sprintf("🚀 *New Signal Detected!*\nCurrency: `%s`\nEntry: `$%v`\nTargets: `%v`",
		sig.Currency, sig.Entry, sig.TakeProfits))

	symbol, err := e.resolvePair(ctx, sig, s.QuoteAsset)
	if err != nil {
		return err
	}
	if symbol == "" {
		e.emit("error", map[string]interface{}{"msg": fmt.Sprintf("pair not found for %s", sig.Currency)})
		e.notify(fmt.Sprintf("❌ Pair not found for %s", sig.Currency))
		return nil
	}
	e.notify(fmt.Sprintf("✅ Pair resolved: *%s*", symbol))

	if e.isDuplicate(symbol, sig.Entry) {
		e.emit("skip_duplicate", map[string]interface{}{"symbol": symbol, "entry": sig.Entry})
		e.notify(fmt.Sprintf("⚠️ Duplicate signal ignored for %s", symbol))
		return nil
	}

	rule, err := e.ex.SymbolRule(ctx, symbol)
	if err != nil {
		return tradeErr(KindValidation, "signal", err)
	}

	// Sizing against the free quote balance.
	freeQuote, _, err := e.ex.AssetBalance(ctx, rule.QuoteAsset)
	if err != nil {
		return tradeErr(KindTransient, "signal", err)
	}
	capPct := s.CapitalEntryPctDefault
	if !s.OverrideCapitalEnabled && sig.CapitalPct != nil {
		capPct = *sig.CapitalPct
	}
	spend := freeQuote * capPct
	if !s.DryRun && spend < s.MinNotionalUSD {
		e.emit("skip", map[string]interface{}{"msg": fmt.Sprintf("not enough quote: %.2f", freeQuote)})
		e.notify(fmt.Sprintf("⚠️ Not enough quote balance (%.2f %s)", freeQuote, rule.QuoteAsset))
		return nil
	}

	last, err := e.ex.LastPrice(ctx, symbol)
	if err != nil {
		return tradeErr(KindTransient, "signal", err)
	}

	// A signal without a stop gets the default stop distance, widened
	// by the slippage allowance.
	stop := 0.0
	if sig.Stop != nil {
		stop = *sig.Stop
	} else {
		stop = sig.Entry * (1.0 - (s.DefaultSLPct + s.MaxSlippagePct))
		e.notify(fmt.Sprintf("⚠️ No SL in signal — using default: $%.6f", stop))
	}

	acceptable := math.Abs(last-sig.Entry)/sig.Entry <= s.MaxSlippagePct
	if !acceptable && !s.UseLimitIfSlippageExceeds {
		e.emit("skip_slippage", map[string]interface{}{"symbol": symbol})
		e.notify("⏸️ Skipped (slippage too high)")
		return nil
	}

	tp := sig.TakeProfits[0]

	if s.DryRun {
		e.simulate(s, symbol, rule.QuoteAsset, freeQuote, capPct, spend, last, tp, stop)
		return nil
	}

	switch {
	case !acceptable && s.UseLimitIfSlippageExceeds:
		return e.runLimitEntry(ctx, s, symbol, spend, sig.Entry, tp, stop)
	case s.ExitMode == config.ExitModeTrailingTP && !s.OverrideTPEnabled && !s.OverrideSLEnabled:
		return e.runTrailingEntry(ctx, s, symbol, spend, stop)
	default:
		return e.runMarketEntry(ctx, s, symbol, spend, tp, stop)
	}
}

// runMarketEntry is the standard path: market buy then atomic bracket.
func (e *Engine) runMarketEntry(ctx context.Context, s config.Settings, symbol string, spend, tp, stop float64) error {
	e.transition(symbol, StateEntryPending, nil)

	entry, err := e.entry.MarketBuy(ctx, symbol, spend)
	if err != nil {
		// No fill, no compensation needed.
		e.emit("error", map[string]interface{}{"msg": err.Error()})
		e.notify(fmt.Sprintf("❌ Execution failed: %v", err))
		return err
	}
	e.transition(symbol, StateEntryFilled, map[string]interface{}{
		"qty": entry.FilledQty, "avg_price": entry.AvgPrice,
	})

	tp, stop, overridden := applyOverrides(s, entry.AvgPrice, tp, stop)
	res, err := e.protectFill(ctx, symbol, entry, tp, stop)
	if err != nil {
		return err
	}
	e.announceBracket(s, entry, res, overridden)
	return nil
}

// runLimitEntry rests a limit order at the signal price when live price
// has drifted past the slippage allowance.
func (e *Engine) runLimitEntry(ctx context.Context, s config.Settings, symbol string, spend, limitPrice, tp, stop float64) error {
	tif := time.Duration(s.LimitTimeInForceSec) * time.Second

	entry, err := e.entry.LimitBuy(ctx, symbol, spend, limitPrice, tif, func(orderID int64) {
		e.notify(fmt.Sprintf("🟡 LIMIT order placed (slippage > max)\nPair: %s\nLimit: $%.6f\nTIF: %ds\nOrderId: %d",
			symbol, limitPrice, s.LimitTimeInForceSec, orderID))
	})
	if err != nil {
		e.notify(fmt.Sprintf("❌ Execution failed: %v", err))
		return err
	}
	if entry == nil {
		e.emit("limit_cancel", map[string]interface{}{"symbol": symbol})
		e.notify(fmt.Sprintf("⏸️ LIMIT order canceled (not filled)\nPair: %s\nLimit: $%.6f\nWaited: %ds",
			symbol, limitPrice, s.LimitTimeInForceSec))
		return nil
	}
	e.transition(symbol, StateEntryFilled, map[string]interface{}{
		"qty": entry.FilledQty, "avg_price": entry.AvgPrice,
	})

	tp, stop, overridden := applyOverrides(s, entry.AvgPrice, tp, stop)
	res, err := e.protectFill(ctx, symbol, entry, tp, stop)
	if err != nil {
		return err
	}
	e.announceBracket(s, entry, res, overridden)
	return nil
}

// protectFill owns everything after a fill: the validation gate,
// settlement wait, the bounded resize-retry bracket loop, registration,
// and the compensating flatten when all of it fails. No path exits with
// a filled position and no attempted protection.
func (e *Engine) protectFill(ctx context.Context, symbol string, entry *EntryResult, tp, stop float64) (*BracketResult, error) {
	rule, err := e.ex.SymbolRule(ctx, symbol)
	if err != nil {
		return nil, e.flattenAndWrap(ctx, symbol, entry.FilledQty, tradeErr(KindValidation, "bracket", err))
	}

	// A bracket must never be attempted against an inverted price
	// relation.
	tpQ := QuantizePrice(tp, rule.TickSize)
	stQ := QuantizePrice(stop, rule.TickSize)
	if !(tpQ > entry.AvgPrice && entry.AvgPrice > stQ) {
		return nil, e.flattenAndWrap(ctx, symbol, entry.FilledQty,
			tradeErrf(KindValidation, "bracket",
				"invalid price relation after fill: TP %.8f | fill %.8f | SL %.8f (need TP > fill > SL)",
				tpQ, entry.AvgPrice, stQ))
	}

	free := e.settle.Wait(ctx, rule.BaseAsset, entry.FilledQty)
	e.transition(symbol, StateBalanceSettled, map[string]interface{}{"free": free})

	qty := SafeSellQty(entry.FilledQty, free, rule.StepSize)
	if qty <= 0 {
		return nil, e.flattenAndWrap(ctx, symbol, entry.FilledQty,
			tradeErrf(KindValidation, "bracket", "no sellable balance after settlement (free %.8f)", free))
	}

	var lastErr error
	for attempt := 1; attempt <= bracketAttempts; attempt++ {
		res, err := e.placer.Place(ctx, BracketSpec{
			Symbol:      symbol,
			Qty:         qty,
			TakeProfit:  tp,
			StopTrigger: stop,
		})
		if err == nil {
			e.transition(symbol, StateBracketSubmitted, map[string]interface{}{"oco_id": res.OrderListID})
			if !res.Verified {
				e.emit("bracket_verify_timeout", map[string]interface{}{"oco_id": res.OrderListID})
				e.notify(fmt.Sprintf("⚠️ Bracket %d accepted but not verified in time", res.OrderListID))
			}
			e.transition(symbol, StateBracketVerified, map[string]interface{}{"oco_id": res.OrderListID})

			if err := e.brackets.Put(&store.BracketRecord{
				OrderListID: res.OrderListID,
				Symbol:      symbol,
				EntryPrice:  entry.AvgPrice,
			}); err != nil {
				// Tracking loss degrades reconciliation, not safety.
				logger.Errorf("❌ Failed to record bracket %d: %v", res.OrderListID, err)
			}
			return res, nil
		}

		lastErr = err
		if KindOf(err) != KindTransient || attempt == bracketAttempts {
			break
		}

		// Insufficient balance: re-query and shrink.
		freshFree, _, balErr := e.ex.AssetBalance(ctx, rule.BaseAsset)
		if balErr != nil {
			logger.Warnf("⚠️  Balance re-fetch failed on retry %d: %v", attempt, balErr)
			freshFree = free
		}
		shrunk := SafeSellQty(qty, freshFree, rule.StepSize)
		if shrunk >= qty {
			shrunk = QuantizeQty(qty*(1-stopLimitOffsetFrac)-rule.StepSize, rule.StepSize)
		}
		logger.Warnf("⚠️  Bracket rejected (insufficient balance), resizing %.8f → %.8f (attempt %d/%d)",
			qty, shrunk, attempt, bracketAttempts)
		qty = shrunk
		if qty <= 0 {
			break
		}
	}

	return nil, e.flattenAndWrap(ctx, symbol, entry.FilledQty, lastErr)
}

// flattenAndWrap issues the compensating market sell and folds its
// outcome into the causing error. A failed flatten is the one truly
// fatal state: capital exposed with no exit and no automatic remedy.
func (e *Engine) flattenAndWrap(ctx context.Context, symbol string, qty float64, cause error) error {
	e.transition(symbol, StateFlattening, map[string]interface{}{"cause": cause.Error()})
	e.notify(fmt.Sprintf("⚠️ Flatten triggered for %s: %v", symbol, cause))

	if err := e.Flatten(ctx, symbol, qty); err != nil {
		e.transition(symbol, StateFlattenFailed, map[string]interface{}{"error": err.Error()})
		e.notify(fmt.Sprintf("🚨 *FATAL*: flatten failed for %s — position is UNPROTECTED: %v", symbol, err))
		return tradeErrf(KindFatal, "flatten", "%v; flatten also failed: %v", cause, err)
	}

	e.transition(symbol, StateFlattened, nil)
	e.notify(fmt.Sprintf("✅ Position flattened for %s", symbol))
	return cause
}

// Flatten market-sells qty of symbol immediately.
func (e *Engine) Flatten(ctx context.Context, symbol string, qty float64) error {
	rule, err := e.ex.SymbolRule(ctx, symbol)
	if err != nil {
		return err
	}
	q := QuantizeQty(qty, rule.StepSize)
	if q <= 0 {
		return fmt.Errorf("flatten quantity rounds to zero (%.12f)", qty)
	}
	_, err = e.ex.MarketSell(ctx, symbol, FormatQty(q, rule))
	return err
}

// applyOverrides recomputes TP/SL relative to the actual fill when the
// operator has overrides enabled.
func applyOverrides(s config.Settings, fillPrice, tp, stop float64) (float64, float64, bool) {
	overridden := false
	if s.OverrideTPEnabled {
		tp = roundTo(fillPrice*(1.0+s.OverrideTPPct), 8)
		overridden = true
	}
	if s.OverrideSLEnabled {
		if s.OverrideSLAsAbsolute {
			stop = roundTo(fillPrice-s.OverrideSLPct, 8)
		} else {
			stop = roundTo(fillPrice*(1.0-s.OverrideSLPct), 8)
		}
		overridden = true
	}
	return tp, stop, overridden
}

func (e *Engine) announceBracket(s config.Settings, entry *EntryResult, res *BracketResult, overridden bool) {
	mode := "mainnet"
	if s.UseTestnet {
		mode = "testnet"
	}
	spec := res.Spec

	profitPct := (spec.TakeProfit/entry.AvgPrice - 1) * 100
	lossPct := (entry.AvgPrice/spec.StopTrigger - 1) * 100

	if overridden {
		e.notify(fmt.Sprintf(
			"✅ BUY filled %.8f %s @ $%.6f (%s)\n⚙️ Override applied:\n   • TP $%.6f (+%.2f%%)\n   • SL $%.6f (-%.2f%%)\n🆔 OCO ID: %d",
			entry.FilledQty, entry.Symbol, entry.AvgPrice, mode,
			spec.TakeProfit, profitPct, spec.StopTrigger, lossPct, res.OrderListID))
	} else {
		e.notify(fmt.Sprintf(
			"✅ BUY filled %.8f %s @ $%.6f (%s)\n🎯 OCO set → TP $%.6f, SL $%.6f/%.6f\n🆔 OCO ID: %d",
			entry.FilledQty, entry.Symbol, entry.AvgPrice, mode,
			spec.TakeProfit, spec.StopTrigger, spec.StopLimit, res.OrderListID))
	}
	e.emit("bracket_placed", map[string]interface{}{
		"symbol":     entry.Symbol,
		"oco_id":     res.OrderListID,
		"qty":        spec.Qty,
		"fill":       entry.AvgPrice,
		"tp":         spec.TakeProfit,
		"sl_trigger": spec.StopTrigger,
		"sl_limit":   spec.StopLimit,
		"overridden": overridden,
	})
}

func (e *Engine) simulate(s config.Settings, symbol, quoteAsset string, freeQuote, capPct, spend, last, tp, stop float64) {
	simTP, simSL, overridden := applyOverrides(s, last, tp, stop)
	profitPct := (simTP/last - 1) * 100
	lossPct := (last/simSL - 1) * 100

	note := ""
	if overridden {
		note = "\n⚙️ Override enabled"
	}
	e.notify(fmt.Sprintf(
		"🧪 *SIMULATION ONLY — No order placed*\nPair: %s\nBalance: %.4f %s\nCapital %%: %.2f%%\nSpend: %.4f %s\nPrice: $%.6f\n─────────────────\n🎯 TP: $%.6f (+%.2f%%)\n🛑 SL: $%.6f (-%.2f%%)%s",
		symbol, freeQuote, quoteAsset, capPct*100, spend, quoteAsset, last,
		simTP, profitPct, simSL, lossPct, note))
	e.emit("debug", map[string]interface{}{"msg": "stop before buy — simulation mode"})
}

// resolvePair maps the signal's base-asset hint onto a tradable symbol
// for the configured quote, falling back from USD to USDT.
func (e *Engine) resolvePair(ctx context.Context, sig *Signal, quote string) (string, error) {
	base := sig.SymbolHint
	if base == "" {
		if m := pairRe.FindStringSubmatch(sig.Currency); m != nil {
			base = m[1]
		}
	}
	base = strings.ToUpper(strings.TrimSpace(base))
	if base == "" {
		return "", tradeErrf(KindValidation, "pair resolution", "empty base asset in signal %q", sig.Currency)
	}

	quote = strings.ToUpper(quote)
	quotes := []string{quote}
	if quote == "USD" {
		quotes = append(quotes, "USDT")
	}

	for _, q := range quotes {
		symbol, err := e.ex.FindSymbol(ctx, base, q)
		if err != nil {
			return "", tradeErr(KindTransient, "pair resolution", err)
		}
		if symbol != "" {
			return symbol, nil
		}
	}
	return "", nil
}

// isDuplicate records the signal and reports whether the same
// symbol+entry was seen inside the suppression window.
func (e *Engine) isDuplicate(symbol string, entry float64) bool {
	now := time.Now()
	entry = roundTo(entry, 6)

	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	kept := e.recent[:0]
	for _, r := range e.recent {
		if now.Sub(r.at) < duplicateWindow {
			kept = append(kept, r)
		}
	}
	e.recent = kept

	for _, r := range e.recent {
		if r.symbol == symbol && math.Abs(r.entry-entry) < 1e-6 {
			return true
		}
	}
	e.recent = append(e.recent, recentSignal{symbol: symbol, entry: entry, at: now})
	return false
}

func (e *Engine) transition(symbol string, st State, fields map[string]interface{}) {
	payload := map[string]interface{}{"symbol": symbol, "state": string(st)}
	for k, v := range fields {
		payload[k] = v
	}
	e.emit("state", payload)
	logger.WithFields(map[string]interface{}{"symbol": symbol}).Infof("state → %s", st)
}

func (e *Engine) emit(eventType string, payload map[string]interface{}) {
	if e.emitter != nil {
		e.emitter.Emit(eventType, payload)
	}
}

// notify delivers a status message; delivery failure is best-effort by
// policy and never unwinds a trade.
func (e *Engine) notify(text string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Send(text); err != nil {
		logger.Warnf("⚠️  Notification delivery failed: %v", err)
	}
}
