package trader

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"ocobot/exchange"
)

// fakeExchange is an in-memory venue for engine tests. Market buys fill
// immediately at the configured last price; OCO submissions consume the
// queued responses in order so rejection-then-accept sequences can be
// scripted.
type fakeExchange struct {
	mu sync.Mutex

	rule exchange.SymbolRule
	last float64
	free map[string]float64

	nextID  int64
	orders  map[int64]*exchange.Order
	open    []*exchange.Order
	history []*exchange.Order

	ocoErrs  []error // popped per PlaceOCOSell call; nil entry means accept
	ocoCalls []fakeOCOCall

	marketSells []string
	cancels     []int64

	stopSells     []fakeStopCall
	trailingSells []fakeTrailingCall
	trailingErrs  []error

	// fillLimitOrders fills limit buys immediately at their limit
	// price; limitFillOnCancel reports that much base quantity executed
	// when a resting limit order is canceled.
	fillLimitOrders   bool
	limitFillOnCancel float64
}

type fakeOCOCall struct {
	Symbol, Qty, TakeProfit, StopTrigger, StopLimit string
}

type fakeStopCall struct {
	Symbol, Qty, StopPrice, LimitPrice string
}

type fakeTrailingCall struct {
	Symbol, Qty, LimitPrice string
	DeltaBips               int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		rule: exchange.SymbolRule{
			Symbol:      "SOLUSDT",
			BaseAsset:   "SOL",
			QuoteAsset:  "USDT",
			TickSize:    0.1,
			StepSize:    0.001,
			MinQty:      0.001,
			MinNotional: 5,
		},
		last:   100,
		free:   map[string]float64{"USDT": 1000},
		orders: make(map[int64]*exchange.Order),
	}
}

func (f *fakeExchange) SymbolRule(ctx context.Context, symbol string) (*exchange.SymbolRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if symbol != f.rule.Symbol {
		return nil, fmt.Errorf("symbol %s not found in exchange info", symbol)
	}
	r := f.rule
	return &r, nil
}

func (f *fakeExchange) FindSymbol(ctx context.Context, base, quote string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if base+quote == f.rule.Symbol {
		return f.rule.Symbol, nil
	}
	return "", nil
}

func (f *fakeExchange) LastPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, nil
}

func (f *fakeExchange) AssetBalance(ctx context.Context, asset string) (float64, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free[asset], 0, nil
}

func (f *fakeExchange) Balances(ctx context.Context) (map[string]exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]exchange.Balance, len(f.free))
	for a, v := range f.free {
		out[a] = exchange.Balance{Free: v}
	}
	return out, nil
}

func (f *fakeExchange) MarketBuy(ctx context.Context, symbol, qty, clientOrderID string) (*exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, _ := strconv.ParseFloat(qty, 64)
	f.nextID++
	o := &exchange.Order{
		OrderID:     f.nextID,
		OrderListID: -1,
		Symbol:      symbol,
		Side:        "BUY",
		Type:        "MARKET",
		Status:      "FILLED",
		OrigQty:     q,
		ExecutedQty: q,
		CumQuote:    q * f.last,
	}
	f.orders[o.OrderID] = o
	f.free[f.rule.BaseAsset] += q
	return &exchange.OrderAck{OrderID: o.OrderID, ClientOrderID: clientOrderID}, nil
}

func (f *fakeExchange) LimitBuy(ctx context.Context, symbol, qty, price, clientOrderID string) (*exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, _ := strconv.ParseFloat(qty, 64)
	p, _ := strconv.ParseFloat(price, 64)
	f.nextID++
	o := &exchange.Order{
		OrderID:     f.nextID,
		OrderListID: -1,
		Symbol:      symbol,
		Side:        "BUY",
		Type:        "LIMIT",
		Status:      "NEW",
		Price:       p,
		OrigQty:     q,
	}
	if f.fillLimitOrders {
		o.Status = "FILLED"
		o.ExecutedQty = q
		o.CumQuote = q * p
		f.free[f.rule.BaseAsset] += q
	}
	f.orders[o.OrderID] = o
	return &exchange.OrderAck{OrderID: o.OrderID, ClientOrderID: clientOrderID}, nil
}

func (f *fakeExchange) MarketSell(ctx context.Context, symbol, qty string) (*exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marketSells = append(f.marketSells, qty)
	f.nextID++
	return &exchange.OrderAck{OrderID: f.nextID}, nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, symbol string, orderID int64) (*exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d not found", orderID)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	if o, ok := f.orders[orderID]; ok && o.Status == "NEW" {
		if o.Type == "LIMIT" && f.limitFillOnCancel > 0 {
			o.ExecutedQty = f.limitFillOnCancel
			o.CumQuote = f.limitFillOnCancel * o.Price
			f.free[f.rule.BaseAsset] += f.limitFillOnCancel
		}
		o.Status = "CANCELED"
	}
	return nil
}

func (f *fakeExchange) PlaceOCOSell(ctx context.Context, symbol, qty, takeProfit, stopTrigger, stopLimit string) (*exchange.OCOAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ocoCalls = append(f.ocoCalls, fakeOCOCall{symbol, qty, takeProfit, stopTrigger, stopLimit})

	if len(f.ocoErrs) > 0 {
		err := f.ocoErrs[0]
		f.ocoErrs = f.ocoErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	f.nextID++
	listID := f.nextID
	tp, _ := strconv.ParseFloat(takeProfit, 64)
	st, _ := strconv.ParseFloat(stopTrigger, 64)
	q, _ := strconv.ParseFloat(qty, 64)
	for _, leg := range []struct {
		typ   string
		price float64
		stop  float64
	}{
		{"LIMIT_MAKER", tp, 0},
		{"STOP_LOSS_LIMIT", 0, st},
	} {
		f.nextID++
		o := &exchange.Order{
			OrderID:     f.nextID,
			OrderListID: listID,
			Symbol:      symbol,
			Side:        "SELL",
			Type:        leg.typ,
			Status:      "NEW",
			Price:       leg.price,
			StopPrice:   leg.stop,
			OrigQty:     q,
		}
		f.orders[o.OrderID] = o
		f.open = append(f.open, o)
	}
	return &exchange.OCOAck{OrderListID: listID}, nil
}

func (f *fakeExchange) StopLossLimitSell(ctx context.Context, symbol, qty, stopPrice, limitPrice string) (*exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopSells = append(f.stopSells, fakeStopCall{symbol, qty, stopPrice, limitPrice})
	f.nextID++
	sp, _ := strconv.ParseFloat(stopPrice, 64)
	q, _ := strconv.ParseFloat(qty, 64)
	o := &exchange.Order{
		OrderID:     f.nextID,
		OrderListID: -1,
		Symbol:      symbol,
		Side:        "SELL",
		Type:        "STOP_LOSS_LIMIT",
		Status:      "NEW",
		StopPrice:   sp,
		OrigQty:     q,
	}
	f.orders[o.OrderID] = o
	f.open = append(f.open, o)
	return &exchange.OrderAck{OrderID: o.OrderID}, nil
}

func (f *fakeExchange) TrailingStopSell(ctx context.Context, symbol, qty, limitPrice string, trailingDeltaBips int) (*exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trailingSells = append(f.trailingSells, fakeTrailingCall{symbol, qty, limitPrice, trailingDeltaBips})
	if len(f.trailingErrs) > 0 {
		err := f.trailingErrs[0]
		f.trailingErrs = f.trailingErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.nextID++
	return &exchange.OrderAck{OrderID: f.nextID}, nil
}

func (f *fakeExchange) OpenOrders(ctx context.Context, symbol string) ([]*exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*exchange.Order, 0, len(f.open))
	for _, o := range f.open {
		if o.Status != "NEW" {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeExchange) OrderHistory(ctx context.Context, symbol string, limit int) ([]*exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*exchange.Order, 0, len(f.history))
	for _, o := range f.history {
		if o.Symbol == symbol {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeExchange) trailingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.trailingSells)
}

func (f *fakeExchange) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

// recordingNotifier captures notification texts for assertions.
type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *recordingNotifier) Send(text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}
