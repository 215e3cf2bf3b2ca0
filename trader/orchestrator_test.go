package trader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocobot/config"
	"ocobot/store"
)

func newTestEngine(t *testing.T, f *fakeExchange, cfgJSON string) (*Engine, *recordingNotifier) {
	t.Helper()
	dir := t.TempDir()

	cfgPath := filepath.Join(dir, "config.json")
	if cfgJSON == "" {
		cfgJSON = "{}"
	}
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgJSON), 0o644))

	st, err := store.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	n := &recordingNotifier{}
	return NewEngine(f, st.Bracket(), n, nil, config.NewLoader(cfgPath)), n
}

func floatPtr(v float64) *float64 { return &v }

func solSignal(entry, stop, tp float64) *Signal {
	return &Signal{
		Currency:    "Solana (SOL/USDT)",
		SymbolHint:  "SOL",
		Entry:       entry,
		Stop:        floatPtr(stop),
		TakeProfits: []float64{tp},
	}
}

func notified(n *recordingNotifier, substr string) bool {
	for _, txt := range n.all() {
		if strings.Contains(txt, substr) {
			return true
		}
	}
	return false
}

func TestHandleSignalPlacesBracketAfterMarketFill(t *testing.T) {
	f := newFakeExchange()
	f.last = 100
	e, n := newTestEngine(t, f, "")

	err := e.HandleSignal(context.Background(), solSignal(100, 95, 110))
	require.NoError(t, err)

	require.Len(t, f.ocoCalls, 1)
	assert.Empty(t, f.marketSells, "no flatten on the happy path")

	// 1000 USDT × 80% default capital at 100 fills 8.0; the exit is
	// buffered below the fill.
	call := f.ocoCalls[0]
	assert.Equal(t, "SOLUSDT", call.Symbol)
	assert.Equal(t, "7.992", call.Qty)
	assert.Equal(t, "110.0", call.TakeProfit)
	assert.Equal(t, "95.0", call.StopTrigger)

	assert.True(t, notified(n, "OCO set"))

	recs, err := e.brackets.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "SOLUSDT", recs[0].Symbol)
	assert.Equal(t, 100.0, recs[0].EntryPrice)
}

func TestHandleSignalFlattensOnInvalidPriceRelation(t *testing.T) {
	f := newFakeExchange()
	f.last = 105 // fill lands above the signal's take-profit
	e, n := newTestEngine(t, f, "")

	err := e.HandleSignal(context.Background(), solSignal(105, 100, 102))
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	assert.Empty(t, f.ocoCalls, "no bracket may be attempted on an inverted relation")
	require.Len(t, f.marketSells, 1, "the filled position must be flattened")
	assert.True(t, notified(n, "Flatten"))
}

func TestHandleSignalRetriesInsufficientBalanceWithSmallerQty(t *testing.T) {
	f := newFakeExchange()
	f.last = 100
	f.ocoErrs = []error{
		&common.APIError{Code: -2010, Message: "Account has insufficient balance for requested action."},
		nil,
	}
	e, _ := newTestEngine(t, f, "")

	err := e.HandleSignal(context.Background(), solSignal(100, 95, 110))
	require.NoError(t, err)

	require.Len(t, f.ocoCalls, 2)
	assert.Less(t, f.ocoCalls[1].Qty, f.ocoCalls[0].Qty)
	assert.Empty(t, f.marketSells)
}

func TestHandleSignalFlattensWhenRetriesExhaust(t *testing.T) {
	f := newFakeExchange()
	f.last = 100
	insufficient := &common.APIError{Code: -2010, Message: "Account has insufficient balance for requested action."}
	f.ocoErrs = []error{insufficient, insufficient, insufficient}
	e, _ := newTestEngine(t, f, "")

	err := e.HandleSignal(context.Background(), solSignal(100, 95, 110))
	require.Error(t, err)

	assert.Len(t, f.ocoCalls, bracketAttempts)
	assert.Len(t, f.marketSells, 1)
}

func TestHandleSignalSuppressesDuplicates(t *testing.T) {
	f := newFakeExchange()
	f.last = 100
	e, n := newTestEngine(t, f, "")

	require.NoError(t, e.HandleSignal(context.Background(), solSignal(100, 95, 110)))
	require.NoError(t, e.HandleSignal(context.Background(), solSignal(100, 95, 110)))

	assert.Len(t, f.ocoCalls, 1)
	assert.True(t, notified(n, "Duplicate"))
}

func TestHandleSignalSkipsOnExcessSlippage(t *testing.T) {
	f := newFakeExchange()
	f.last = 100
	e, _ := newTestEngine(t, f, "")

	// Signal priced 10% away from the market; limit fallback disabled.
	err := e.HandleSignal(context.Background(), solSignal(90, 85, 99))
	require.NoError(t, err)
	assert.Empty(t, f.ocoCalls)
	assert.Empty(t, f.marketSells)
}

func TestHandleSignalLimitEntryCanceledWhenUnfilled(t *testing.T) {
	f := newFakeExchange()
	f.last = 100 // 10% above the signal price, beyond the slippage allowance
	cfg := `{"use_limit_if_slippage_exceeds": true, "limit_time_in_force_sec": 1}`
	e, n := newTestEngine(t, f, cfg)

	err := e.HandleSignal(context.Background(), solSignal(90, 85, 110))
	require.NoError(t, err, "an expired limit order is a skip, not a failure")

	assert.True(t, notified(n, "LIMIT order placed"))
	assert.True(t, notified(n, "LIMIT order canceled"))
	require.Len(t, f.cancels, 1)
	assert.Empty(t, f.ocoCalls, "nothing filled, nothing to protect")
	assert.Empty(t, f.marketSells)
}

func TestHandleSignalLimitEntryFillGetsBracket(t *testing.T) {
	f := newFakeExchange()
	f.last = 100
	f.fillLimitOrders = true
	cfg := `{"use_limit_if_slippage_exceeds": true, "limit_time_in_force_sec": 5}`
	e, n := newTestEngine(t, f, cfg)

	err := e.HandleSignal(context.Background(), solSignal(90, 85, 110))
	require.NoError(t, err)

	require.Len(t, f.ocoCalls, 1)
	call := f.ocoCalls[0]
	// 800 USDT at the 90.0 limit buys 8.888; the exit is buffered.
	assert.Equal(t, "8.879", call.Qty)
	assert.Equal(t, "110.0", call.TakeProfit)
	assert.Equal(t, "85.0", call.StopTrigger)
	assert.True(t, notified(n, "OCO set"))

	recs, err := e.brackets.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 90.0, recs[0].EntryPrice, "entry recorded at the limit fill, not the signal hint")
}

func TestHandleSignalLimitPartialFillIsProtected(t *testing.T) {
	f := newFakeExchange()
	f.last = 100
	f.limitFillOnCancel = 2.5 // discovered executed qty when the cancel lands
	cfg := `{"use_limit_if_slippage_exceeds": true, "limit_time_in_force_sec": 1}`
	e, _ := newTestEngine(t, f, cfg)

	err := e.HandleSignal(context.Background(), solSignal(90, 85, 110))
	require.NoError(t, err)

	require.Len(t, f.cancels, 1)
	require.Len(t, f.ocoCalls, 1, "a partial fill rescued at cancel time still gets a bracket")
	assert.Equal(t, "2.497", f.ocoCalls[0].Qty)
	assert.Empty(t, f.marketSells)
}

func TestHandleSignalDryRunPlacesNoOrders(t *testing.T) {
	f := newFakeExchange()
	f.last = 100
	e, n := newTestEngine(t, f, `{"dry_run": true}`)

	require.NoError(t, e.HandleSignal(context.Background(), solSignal(100, 95, 110)))
	assert.Empty(t, f.ocoCalls)
	assert.Empty(t, f.marketSells)
	assert.True(t, notified(n, "SIMULATION"))
}

func TestHandleSignalUnknownPairIsReportedNotFatal(t *testing.T) {
	f := newFakeExchange()
	e, n := newTestEngine(t, f, "")

	sig := solSignal(100, 95, 110)
	sig.Currency = "Nonexistent (XYZ/USDT)"
	sig.SymbolHint = "XYZ"

	require.NoError(t, e.HandleSignal(context.Background(), sig))
	assert.True(t, notified(n, "Pair not found"))
}

func TestHandleSignalUsesDefaultStopWhenMissing(t *testing.T) {
	f := newFakeExchange()
	f.last = 100
	e, n := newTestEngine(t, f, "")

	sig := solSignal(100, 0, 110)
	sig.Stop = nil
	require.NoError(t, e.HandleSignal(context.Background(), sig))

	require.Len(t, f.ocoCalls, 1)
	// Default stop distance 10% plus the 1.5% slippage allowance.
	assert.Equal(t, "88.5", f.ocoCalls[0].StopTrigger)
	assert.True(t, notified(n, "default"))
}

func TestHandleSignalAppliesOverrides(t *testing.T) {
	f := newFakeExchange()
	f.last = 100
	cfg := `{"override_tp_enabled": true, "override_tp_pct": 0.05, "override_sl_enabled": true, "override_sl_pct": 0.02}`
	e, _ := newTestEngine(t, f, cfg)

	require.NoError(t, e.HandleSignal(context.Background(), solSignal(100, 95, 110)))

	require.Len(t, f.ocoCalls, 1)
	call := f.ocoCalls[0]
	// Recomputed from the 100.0 fill, not the signal.
	assert.Equal(t, "105.0", call.TakeProfit)
	assert.Equal(t, "98.0", call.StopTrigger)
}

func TestIsDuplicateWindowAndTolerance(t *testing.T) {
	f := newFakeExchange()
	e, _ := newTestEngine(t, f, "")

	assert.False(t, e.isDuplicate("SOLUSDT", 100.0))
	assert.True(t, e.isDuplicate("SOLUSDT", 100.0))
	// Different price or symbol is a different signal.
	assert.False(t, e.isDuplicate("SOLUSDT", 100.5))
	assert.False(t, e.isDuplicate("ETHUSDT", 100.0))
}
