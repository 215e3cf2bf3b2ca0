package trader

import (
	"context"

	"ocobot/exchange"
)

// Signal is a validated trading instruction from the external parser.
// The core does not re-parse it; it only enforces its own
// price-relationship checks. Immutable once handed in.
type Signal struct {
	Currency    string    `json:"currency"`     // display name, e.g. "Solana (SOL/USDC)"
	SymbolHint  string    `json:"symbol_hint"`  // base asset hint, e.g. "SOL"
	Entry       float64   `json:"entry"`        // entry price hint
	Stop        *float64  `json:"stop"`         // nil: use the default stop distance
	TakeProfits []float64 `json:"take_profits"` // 1-3 targets, nearest first
	CapitalPct  *float64  `json:"capital_pct"`  // nil: use the configured default
	PeriodHours int       `json:"period_hours"` // holding-period hint, informational
}

// EntryResult is the terminal outcome of a filled entry order. The
// average price is true cost (cumulative quote spent / filled qty), not
// the requested price.
type EntryResult struct {
	Symbol    string
	OrderID   int64
	FilledQty float64
	AvgPrice  float64
}

// BracketSpec describes the paired exit to install. Side is always
// sell: only long spot entries are modeled.
type BracketSpec struct {
	Symbol      string
	Qty         float64
	TakeProfit  float64
	StopTrigger float64
	StopLimit   float64 // 0: derived one offset below the trigger
}

// BracketResult acknowledges an accepted bracket. Verified is false
// when the legs could not be confirmed live before the verification
// timeout; the bracket is still accepted by the exchange.
type BracketResult struct {
	OrderListID int64
	Spec        BracketSpec
	Verified    bool
}

// State names one stop of the atomic bracket state machine.
type State string

const (
	StateEntryPending     State = "ENTRY_PENDING"
	StateEntryFilled      State = "ENTRY_FILLED"
	StateBalanceSettled   State = "BALANCE_SETTLED"
	StateBracketSubmitted State = "BRACKET_SUBMITTED"
	StateBracketVerified  State = "BRACKET_VERIFIED" // terminal success
	StateFlattening       State = "FLATTENING"
	StateFlattened        State = "FLATTENED"      // terminal, position closed
	StateFlattenFailed    State = "FLATTEN_FAILED" // terminal, naked position
)

// Exchange is the venue surface the core trades against. Implemented
// by exchange.Client; faked in tests.
type Exchange interface {
	SymbolRule(ctx context.Context, symbol string) (*exchange.SymbolRule, error)
	FindSymbol(ctx context.Context, base, quote string) (string, error)
	LastPrice(ctx context.Context, symbol string) (float64, error)
	AssetBalance(ctx context.Context, asset string) (free, locked float64, err error)
	Balances(ctx context.Context) (map[string]exchange.Balance, error)
	MarketBuy(ctx context.Context, symbol, qty, clientOrderID string) (*exchange.OrderAck, error)
	LimitBuy(ctx context.Context, symbol, qty, price, clientOrderID string) (*exchange.OrderAck, error)
	MarketSell(ctx context.Context, symbol, qty string) (*exchange.OrderAck, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*exchange.Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	PlaceOCOSell(ctx context.Context, symbol, qty, takeProfit, stopTrigger, stopLimit string) (*exchange.OCOAck, error)
	StopLossLimitSell(ctx context.Context, symbol, qty, stopPrice, limitPrice string) (*exchange.OrderAck, error)
	TrailingStopSell(ctx context.Context, symbol, qty, limitPrice string, trailingDeltaBips int) (*exchange.OrderAck, error)
	OpenOrders(ctx context.Context, symbol string) ([]*exchange.Order, error)
	OrderHistory(ctx context.Context, symbol string, limit int) ([]*exchange.Order, error)
}

// protectiveKind maps an exchange order type to the bracket leg it
// implements. The take-profit leg of a spot OCO rests as LIMIT_MAKER.
func protectiveKind(orderType string) string {
	switch orderType {
	case "TAKE_PROFIT", "TAKE_PROFIT_LIMIT", "LIMIT_MAKER":
		return "TP"
	case "STOP_LOSS", "STOP_LOSS_LIMIT":
		return "SL"
	}
	return ""
}
