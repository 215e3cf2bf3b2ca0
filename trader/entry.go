package trader

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"ocobot/logger"
)

const (
	marketPollInterval = time.Second
	marketPollAttempts = 20
	limitPollInterval  = 2 * time.Second
)

// EntryExecutor places buy orders and waits for fills.
type EntryExecutor struct {
	ex Exchange
}

func NewEntryExecutor(ex Exchange) *EntryExecutor {
	return &EntryExecutor{ex: ex}
}

// MarketBuy spends spendQuote (quote units) at market and polls until
// the order is filled. The returned average price is cumulative quote
// spent divided by filled quantity; market orders can fill at several
// prices. A market order that never reaches FILLED inside the poll
// budget is an exchange-side anomaly and fatal.
func (x *EntryExecutor) MarketBuy(ctx context.Context, symbol string, spendQuote float64) (*EntryResult, error) {
	rule, err := x.ex.SymbolRule(ctx, symbol)
	if err != nil {
		return nil, tradeErr(KindValidation, "market buy", err)
	}
	last, err := x.ex.LastPrice(ctx, symbol)
	if err != nil {
		return nil, tradeErr(KindTransient, "market buy", err)
	}

	qty := QuantizeQty(spendQuote/last, rule.StepSize)
	if qty <= 0 {
		return nil, tradeErrf(KindValidation, "market buy",
			"computed quantity is zero (spend %.4f @ %.8f, step %v)", spendQuote, last, rule.StepSize)
	}

	logger.Infof("🛒 Market buy %s %s (%.2f %s @ %.8f)", FormatQty(qty, rule), symbol, spendQuote, rule.QuoteAsset, last)

	ack, err := x.ex.MarketBuy(ctx, symbol, FormatQty(qty, rule), newClientOrderID())
	if err != nil {
		return nil, tradeErr(KindTransient, "market buy", err)
	}

	for i := 0; i < marketPollAttempts; i++ {
		o, err := x.ex.GetOrder(ctx, symbol, ack.OrderID)
		if err == nil && o.Status == "FILLED" && o.ExecutedQty > 0 {
			avg := o.CumQuote / o.ExecutedQty
			logger.Infof("✅ Market buy filled: %.8f %s @ %.8f", o.ExecutedQty, symbol, avg)
			return &EntryResult{
				Symbol:    symbol,
				OrderID:   ack.OrderID,
				FilledQty: o.ExecutedQty,
				AvgPrice:  avg,
			}, nil
		}
		if err != nil {
			logger.Warnf("⚠️  Order status poll failed (attempt %d): %v", i+1, err)
		}
		if err := sleepCtx(ctx, marketPollInterval); err != nil {
			return nil, tradeErr(KindFatal, "market buy", err)
		}
	}
	return nil, tradeErrf(KindFatal, "market buy",
		"order %d not filled within poll budget", ack.OrderID)
}

// LimitBuy rests a GTC limit order at limitPrice and waits up to tif
// for the fill, then cancels. onPlaced, when set, fires as soon as the
// order is accepted, before the fill is known. A nil result with nil
// error means the order expired unfilled: not fatal, the caller skips
// the signal. A partial fill discovered at cancel time is returned as a
// fill so the position gets protected.
func (x *EntryExecutor) LimitBuy(ctx context.Context, symbol string, spendQuote, limitPrice float64, tif time.Duration, onPlaced func(orderID int64)) (*EntryResult, error) {
	rule, err := x.ex.SymbolRule(ctx, symbol)
	if err != nil {
		return nil, tradeErr(KindValidation, "limit buy", err)
	}

	px := QuantizePrice(limitPrice, rule.TickSize)
	qty := QuantizeQty(spendQuote/px, rule.StepSize)
	if qty <= 0 {
		return nil, tradeErrf(KindValidation, "limit buy",
			"computed quantity is zero (spend %.4f @ %.8f)", spendQuote, px)
	}

	ack, err := x.ex.LimitBuy(ctx, symbol, FormatQty(qty, rule), FormatPrice(px, rule), newClientOrderID())
	if err != nil {
		return nil, tradeErr(KindTransient, "limit buy", err)
	}
	if onPlaced != nil {
		onPlaced(ack.OrderID)
	}

	deadline := time.Now().Add(tif)
	for time.Now().Before(deadline) {
		o, err := x.ex.GetOrder(ctx, symbol, ack.OrderID)
		if err == nil && o.Status == "FILLED" && o.ExecutedQty > 0 {
			return &EntryResult{
				Symbol:    symbol,
				OrderID:   ack.OrderID,
				FilledQty: o.ExecutedQty,
				AvgPrice:  o.CumQuote / o.ExecutedQty,
			}, nil
		}
		if err := sleepCtx(ctx, limitPollInterval); err != nil {
			break
		}
	}

	// Time-in-force elapsed. Cancel rather than leave a resting order.
	if err := x.ex.CancelOrder(ctx, symbol, ack.OrderID); err != nil {
		logger.Warnf("⚠️  Limit order %d cancel failed: %v", ack.OrderID, err)
	}

	// The cancel races the fill; take whatever executed.
	if o, err := x.ex.GetOrder(ctx, symbol, ack.OrderID); err == nil && o.ExecutedQty > 0 {
		logger.Infof("⚡ Limit order %d partially filled before cancel: %.8f", ack.OrderID, o.ExecutedQty)
		return &EntryResult{
			Symbol:    symbol,
			OrderID:   ack.OrderID,
			FilledQty: o.ExecutedQty,
			AvgPrice:  o.CumQuote / o.ExecutedQty,
		}, nil
	}
	return nil, nil
}

// newClientOrderID builds a unique id inside Binance's 36-char limit.
func newClientOrderID() string {
	return "br-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// sleepCtx sleeps unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
