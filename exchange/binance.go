// Package exchange wraps the Binance spot REST API behind the small
// surface the trading core needs: trading rules, prices, balances,
// orders, OCO brackets and trailing stops.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	"ocobot/logger"
)

const testnetBaseURL = "https://testnet.binance.vision"

// Binance API error codes the client decides on.
const (
	codeInvalidSymbol       = -1121
	codeInsufficientBalance = -2010
)

// SymbolRule holds the per-symbol trading constraints the quantizer
// works against.
type SymbolRule struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	TickSize    float64 // minimum price increment
	StepSize    float64 // minimum quantity increment
	MinQty      float64
	MinNotional float64 // minimum price*qty per order
}

// Balance is the free/locked amount of one asset.
type Balance struct {
	Free   float64
	Locked float64
}

// Order is a normalized exchange order.
type Order struct {
	OrderID     int64
	OrderListID int64 // -1 when the order is not part of an OCO
	Symbol      string
	Side        string
	Type        string
	Status      string
	Price       float64
	StopPrice   float64
	OrigQty     float64
	ExecutedQty float64
	CumQuote    float64
	Time        time.Time
}

// OrderAck acknowledges an accepted order.
type OrderAck struct {
	OrderID       int64
	ClientOrderID string
}

// OCOAck acknowledges an accepted OCO order list.
type OCOAck struct {
	OrderListID int64
	OrderIDs    []int64
}

// Client is the Binance spot client. Symbol rules are cached briefly;
// rules are assumed stable within one order's lifecycle but are
// re-fetched across executions.
type Client struct {
	api *binance.Client

	ruleCache map[string]ruleEntry
	ruleTTL   time.Duration
	ruleMu    sync.Mutex
}

type ruleEntry struct {
	rule    *SymbolRule
	fetched time.Time
}

// NewClient creates a spot client and syncs the local clock offset with
// the exchange so signed requests are not rejected for timestamp drift.
func NewClient(apiKey, secretKey string, testnet bool) *Client {
	api := binance.NewClient(apiKey, secretKey)
	if testnet {
		api.BaseURL = testnetBaseURL
	}

	if offset, err := api.NewSetServerTimeService().Do(context.Background()); err != nil {
		logger.Warnf("⚠️  Could not sync Binance server time: %v", err)
	} else {
		logger.Infof("✅ Binance time synced (offset: %d ms)", offset)
	}

	return &Client{
		api:       api,
		ruleCache: make(map[string]ruleEntry),
		ruleTTL:   time.Minute,
	}
}

// NewClientForTest wraps a preconfigured go-binance client (tests point
// BaseURL at an httptest server).
func NewClientForTest(api *binance.Client) *Client {
	return &Client{
		api:       api,
		ruleCache: make(map[string]ruleEntry),
		ruleTTL:   time.Minute,
	}
}

// SymbolRule fetches the trading rules for one symbol. A symbol with no
// fetchable rules is a hard error: the caller must abort rather than
// guess a grid.
func (c *Client) SymbolRule(ctx context.Context, symbol string) (*SymbolRule, error) {
	c.ruleMu.Lock()
	if e, ok := c.ruleCache[symbol]; ok && time.Since(e.fetched) < c.ruleTTL {
		c.ruleMu.Unlock()
		return e.rule, nil
	}
	c.ruleMu.Unlock()

	info, err := c.api.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange info for %s: %w", symbol, err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rule, err := ruleFromSymbol(s)
		if err != nil {
			return nil, err
		}
		c.ruleMu.Lock()
		c.ruleCache[symbol] = ruleEntry{rule: rule, fetched: time.Now()}
		c.ruleMu.Unlock()
		return rule, nil
	}
	return nil, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

// FindSymbol resolves base/quote to a tradable symbol, or "" when the
// pair does not exist. Only the invalid-symbol rejection counts as
// not-found; rate limits, auth and timestamp errors are returned so the
// caller can retry instead of discarding the signal.
func (c *Client) FindSymbol(ctx context.Context, base, quote string) (string, error) {
	symbol := strings.ToUpper(base) + strings.ToUpper(quote)
	rule, err := c.SymbolRule(ctx, symbol)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeInvalidSymbol {
			return "", nil
		}
		if strings.Contains(err.Error(), "not found in exchange info") {
			return "", nil
		}
		return "", err
	}
	if rule == nil {
		return "", nil
	}
	return symbol, nil
}

func ruleFromSymbol(s binance.Symbol) (*SymbolRule, error) {
	rule := &SymbolRule{
		Symbol:     s.Symbol,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
	}

	// Filters arrive as loosely typed maps; values are strings.
	for _, f := range s.Filters {
		ft, _ := f["filterType"].(string)
		switch ft {
		case "PRICE_FILTER":
			rule.TickSize = filterFloat(f, "tickSize")
		case "LOT_SIZE":
			rule.StepSize = filterFloat(f, "stepSize")
			rule.MinQty = filterFloat(f, "minQty")
		case "NOTIONAL", "MIN_NOTIONAL":
			rule.MinNotional = filterFloat(f, "minNotional")
		}
	}

	if rule.TickSize <= 0 || rule.StepSize <= 0 {
		return nil, fmt.Errorf("symbol %s has incomplete filters (tick=%v step=%v)",
			s.Symbol, rule.TickSize, rule.StepSize)
	}
	return rule, nil
}

func filterFloat(f map[string]interface{}, key string) float64 {
	s, _ := f[key].(string)
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// LastPrice returns the latest traded price for a symbol.
func (c *Client) LastPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price returned for %s", symbol)
	}
	return parseFloat(prices[0].Price), nil
}

// AssetBalance returns the free and locked amount of one asset.
func (c *Client) AssetBalance(ctx context.Context, asset string) (free, locked float64, err error) {
	balances, err := c.Balances(ctx)
	if err != nil {
		return 0, 0, err
	}
	b := balances[strings.ToUpper(asset)]
	return b.Free, b.Locked, nil
}

// Balances returns all non-zero asset balances.
func (c *Client) Balances(ctx context.Context) (map[string]Balance, error) {
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}

	out := make(map[string]Balance, len(acct.Balances))
	for _, b := range acct.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out[strings.ToUpper(b.Asset)] = Balance{Free: free, Locked: locked}
	}
	return out, nil
}

// MarketBuy submits a market buy for qty (base units).
func (c *Client) MarketBuy(ctx context.Context, symbol, qty, clientOrderID string) (*OrderAck, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeBuy).
		Type(binance.OrderTypeMarket).
		Quantity(qty)
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("market buy %s failed: %w", symbol, err)
	}
	return &OrderAck{OrderID: resp.OrderID, ClientOrderID: resp.ClientOrderID}, nil
}

// LimitBuy submits a GTC limit buy.
func (c *Client) LimitBuy(ctx context.Context, symbol, qty, price, clientOrderID string) (*OrderAck, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeBuy).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(qty).
		Price(price)
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("limit buy %s failed: %w", symbol, err)
	}
	return &OrderAck{OrderID: resp.OrderID, ClientOrderID: resp.ClientOrderID}, nil
}

// MarketSell submits a market sell. This is the flatten primitive.
func (c *Client) MarketSell(ctx context.Context, symbol, qty string) (*OrderAck, error) {
	resp, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeMarket).
		Quantity(qty).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("market sell %s failed: %w", symbol, err)
	}
	return &OrderAck{OrderID: resp.OrderID, ClientOrderID: resp.ClientOrderID}, nil
}

// GetOrder fetches one order by id.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	o, err := c.api.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order %d: %w", orderID, err)
	}
	return normalizeOrder(o), nil
}

// CancelOrder cancels one resting order.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := c.api.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel order %d: %w", orderID, err)
	}
	return nil
}

// PlaceOCOSell submits the paired take-profit/stop-loss exit. Prices
// must already be grid-aligned and formatted by the caller.
func (c *Client) PlaceOCOSell(ctx context.Context, symbol, qty, takeProfit, stopTrigger, stopLimit string) (*OCOAck, error) {
	resp, err := c.api.NewCreateOCOService().
		Symbol(symbol).
		Side(binance.SideTypeSell).
		Quantity(qty).
		Price(takeProfit).
		StopPrice(stopTrigger).
		StopLimitPrice(stopLimit).
		StopLimitTimeInForce(binance.TimeInForceTypeGTC).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("OCO sell %s failed: %w", symbol, err)
	}
	ack := &OCOAck{OrderListID: resp.OrderListID}
	for _, o := range resp.Orders {
		ack.OrderIDs = append(ack.OrderIDs, o.OrderID)
	}
	return ack, nil
}

// StopLossLimitSell places a fixed protective stop (trigger + limit).
func (c *Client) StopLossLimitSell(ctx context.Context, symbol, qty, stopPrice, limitPrice string) (*OrderAck, error) {
	resp, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeStopLossLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(qty).
		StopPrice(stopPrice).
		Price(limitPrice).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("stop-loss sell %s failed: %w", symbol, err)
	}
	return &OrderAck{OrderID: resp.OrderID, ClientOrderID: resp.ClientOrderID}, nil
}

// TrailingStopSell places an exchange-native trailing stop sell.
// trailingDeltaBips is the pullback in basis points (50 = 0.5%).
func (c *Client) TrailingStopSell(ctx context.Context, symbol, qty, limitPrice string, trailingDeltaBips int) (*OrderAck, error) {
	resp, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeStopLossLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(qty).
		Price(limitPrice).
		TrailingDelta(strconv.Itoa(trailingDeltaBips)).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("trailing stop sell %s failed: %w", symbol, err)
	}
	return &OrderAck{OrderID: resp.OrderID, ClientOrderID: resp.ClientOrderID}, nil
}

// OpenOrders lists resting orders; empty symbol lists all symbols.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]*Order, error) {
	svc := c.api.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	return normalizeOrders(orders), nil
}

// OrderHistory lists the most recent orders for a symbol.
func (c *Client) OrderHistory(ctx context.Context, symbol string, limit int) ([]*Order, error) {
	orders, err := c.api.NewListOrdersService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list order history for %s: %w", symbol, err)
	}
	return normalizeOrders(orders), nil
}

func normalizeOrders(in []*binance.Order) []*Order {
	out := make([]*Order, 0, len(in))
	for _, o := range in {
		out = append(out, normalizeOrder(o))
	}
	return out
}

func normalizeOrder(o *binance.Order) *Order {
	return &Order{
		OrderID:     o.OrderID,
		OrderListID: o.OrderListId,
		Symbol:      o.Symbol,
		Side:        string(o.Side),
		Type:        string(o.Type),
		Status:      string(o.Status),
		Price:       parseFloat(o.Price),
		StopPrice:   parseFloat(o.StopPrice),
		OrigQty:     parseFloat(o.OrigQuantity),
		ExecutedQty: parseFloat(o.ExecutedQuantity),
		CumQuote:    parseFloat(o.CummulativeQuoteQuantity),
		Time:        time.UnixMilli(o.Time),
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// IsInsufficientBalance reports whether an exchange error is the
// "Account has insufficient balance" rejection (code -2010). This is
// the only rejection the bracket placer may retry with a resized
// quantity.
func IsInsufficientBalance(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeInsufficientBalance
	}
	return false
}
