package trader

import (
	"context"
	"math"
	"time"

	"ocobot/exchange"
	"ocobot/logger"
)

const (
	// stopLimitOffsetFrac places the stop-limit just under the stop
	// trigger so the limit leg can actually execute once triggered.
	stopLimitOffsetFrac = 0.001

	verifyTimeout      = 5 * time.Second
	verifyPollInterval = 500 * time.Millisecond
)

// BracketPlacer computes exchange-acceptable exit prices and submits
// the paired take-profit/stop-loss order. It never flattens on its own:
// the orchestrator owns compensation, because a rejected bracket may
// first be retried with a resized quantity.
type BracketPlacer struct {
	ex Exchange
}

func NewBracketPlacer(ex Exchange) *BracketPlacer {
	return &BracketPlacer{ex: ex}
}

// Place quantizes the spec, repairs the stop-limit/stop-trigger
// relation, enforces minimum notional on both legs, shifts triggers the
// live price has already crossed, submits the OCO and confirms the legs
// are live. The returned spec carries the prices actually submitted.
func (p *BracketPlacer) Place(ctx context.Context, spec BracketSpec) (*BracketResult, error) {
	rule, err := p.ex.SymbolRule(ctx, spec.Symbol)
	if err != nil {
		return nil, tradeErr(KindValidation, "bracket place", err)
	}

	tp := QuantizePrice(spec.TakeProfit, rule.TickSize)
	st := QuantizePrice(spec.StopTrigger, rule.TickSize)
	sl := spec.StopLimit
	if sl == 0 {
		sl = st * (1 - stopLimitOffsetFrac)
	}
	sl = QuantizePrice(sl, rule.TickSize)

	// The stop-limit must rest strictly below the trigger; adjust
	// downward rather than reject.
	if sl >= st {
		sl = QuantizePrice(st-rule.TickSize, rule.TickSize)
	}

	qty := QuantizeQty(spec.Qty, rule.StepSize)
	if qty <= 0 {
		return nil, tradeErrf(KindValidation, "bracket place", "computed exit quantity is zero")
	}

	// After the settlement wait the market may have crossed a trigger
	// already; Binance rejects such orders as immediately triggerable.
	// Shift the crossed trigger one tick past the live price instead.
	last, err := p.ex.LastPrice(ctx, spec.Symbol)
	if err != nil {
		return nil, tradeErr(KindTransient, "bracket place", err)
	}
	if last <= st {
		oldST, oldSL := st, sl
		st = QuantizePrice(last-rule.TickSize, rule.TickSize)
		sl = QuantizePrice(st*(1-stopLimitOffsetFrac), rule.TickSize)
		if sl >= st {
			sl = QuantizePrice(st-rule.TickSize, rule.TickSize)
		}
		logger.Warnf("⚙️  SL shifted %.8f→%.8f / %.8f→%.8f (last %.8f <= trigger)", oldST, st, oldSL, sl, last)
	}
	if last >= tp {
		oldTP := tp
		tp = QuantizePrice(last+rule.TickSize, rule.TickSize)
		if tp <= last {
			tp = roundTo(tp+rule.TickSize, 12)
		}
		logger.Warnf("⚙️  TP shifted %.8f→%.8f (last %.8f >= TP)", oldTP, tp, last)
	}

	// Notional is enforced against the final prices: a shifted trigger
	// can pull the stop leg back under the exchange minimum.
	qty = EnsureNotional(qty, math.Min(tp, sl), rule)

	if st <= 0 || sl <= 0 || sl >= st || tp <= st {
		return nil, tradeErrf(KindValidation, "bracket place",
			"unacceptable exit prices after adjustment: tp=%.8f trigger=%.8f limit=%.8f last=%.8f", tp, st, sl, last)
	}

	ack, err := p.ex.PlaceOCOSell(ctx, spec.Symbol,
		FormatQty(qty, rule), FormatPrice(tp, rule), FormatPrice(st, rule), FormatPrice(sl, rule))
	if err != nil {
		if exchange.IsInsufficientBalance(err) {
			return nil, tradeErr(KindTransient, "bracket place", err)
		}
		return nil, tradeErr(KindValidation, "bracket place", err)
	}
	if ack.OrderListID == 0 {
		return nil, tradeErrf(KindValidation, "bracket place", "OCO response missing order list id")
	}

	res := &BracketResult{
		OrderListID: ack.OrderListID,
		Spec: BracketSpec{
			Symbol:      spec.Symbol,
			Qty:         qty,
			TakeProfit:  tp,
			StopTrigger: st,
			StopLimit:   sl,
		},
		Verified: p.verify(ctx, spec.Symbol, ack.OrderListID),
	}
	return res, nil
}

// verify polls open orders until both legs of the list are observed
// resting. Timing out is best-effort: the bracket was accepted, the
// caller only loses the confirmation.
func (p *BracketPlacer) verify(ctx context.Context, symbol string, orderListID int64) bool {
	deadline := time.Now().Add(verifyTimeout)
	for time.Now().Before(deadline) {
		open, err := p.ex.OpenOrders(ctx, symbol)
		if err == nil {
			legs := 0
			for _, o := range open {
				if o.OrderListID == orderListID {
					legs++
				}
			}
			if legs >= 2 {
				return true
			}
		}
		if err := sleepCtx(ctx, verifyPollInterval); err != nil {
			return false
		}
	}
	return false
}
