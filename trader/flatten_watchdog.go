package trader

import (
	"context"
	"fmt"
	"strings"

	"ocobot/exchange"
	"ocobot/logger"
)

// watchdogDustNotional is the position value, in quote units, below
// which a holding is dust and not worth a market sell.
const watchdogDustNotional = 10.0

// flattenWatchdogPass hunts for naked positions: a non-quote holding of
// real size with no protective sell order resting against it. Any found
// position is market-sold immediately. This is the last line of defense
// behind the atomic bracket path.
func (e *Engine) flattenWatchdogPass(ctx context.Context) {
	s := e.settings.Snapshot()
	if s.DryRun {
		return
	}

	balances, err := e.ex.Balances(ctx)
	if err != nil {
		logger.Warnf("⚠️  Watchdog: balances fetch failed: %v", err)
		return
	}
	open, err := e.ex.OpenOrders(ctx, "")
	if err != nil {
		logger.Warnf("⚠️  Watchdog: open orders fetch failed: %v", err)
		return
	}
	protected := protectiveOrdersBySymbol(open)

	quotes := []string{strings.ToUpper(s.QuoteAsset), "USDT", "USDC"}

	for asset, bal := range balances {
		if isQuoteAsset(asset) || bal.Free <= 0 {
			continue
		}

		symbol, rule := e.resolveHolding(ctx, asset, quotes)
		if symbol == "" {
			continue
		}
		if len(protected[symbol]) > 0 {
			continue
		}

		last, err := e.ex.LastPrice(ctx, symbol)
		if err != nil {
			logger.Warnf("⚠️  Watchdog: price fetch for %s failed: %v", symbol, err)
			continue
		}
		qty := QuantizeQty(bal.Free*sellSafetyBuffer, rule.StepSize)
		if qty <= 0 || qty*last < watchdogDustNotional {
			continue
		}

		e.notify(fmt.Sprintf("⚠️ *Flatten*: %s holds %.8f %s (~$%.2f) with no protective orders — selling at market",
			symbol, bal.Free, asset, bal.Free*last))

		if _, err := e.ex.MarketSell(ctx, symbol, FormatQty(qty, rule)); err != nil {
			logger.Errorf("❌ Watchdog: flatten sell %s failed: %v", symbol, err)
			e.notify(fmt.Sprintf("🚨 Watchdog flatten FAILED for %s: %v", symbol, err))
			continue
		}
		e.emit("watchdog_flatten", map[string]interface{}{
			"symbol": symbol, "asset": asset, "qty": qty, "price": last,
		})
	}
}

// resolveHolding finds a tradable symbol for an asset against the
// preferred quotes, returning its rules alongside.
func (e *Engine) resolveHolding(ctx context.Context, asset string, quotes []string) (string, *exchange.SymbolRule) {
	for _, q := range quotes {
		symbol, err := e.ex.FindSymbol(ctx, asset, q)
		if err != nil || symbol == "" {
			continue
		}
		rule, err := e.ex.SymbolRule(ctx, symbol)
		if err != nil {
			continue
		}
		return symbol, rule
	}
	return "", nil
}

func isQuoteAsset(asset string) bool {
	switch asset {
	case "USDT", "USDC", "BUSD", "FDUSD", "USD":
		return true
	}
	return false
}
