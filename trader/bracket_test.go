package trader

import (
	"context"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceDerivesAndRepairsStopLimit(t *testing.T) {
	f := newFakeExchange()
	f.last = 100
	p := NewBracketPlacer(f)

	res, err := p.Place(context.Background(), BracketSpec{
		Symbol:      "SOLUSDT",
		Qty:         1.0,
		TakeProfit:  110.27,
		StopTrigger: 95.0,
	})
	require.NoError(t, err)
	require.Len(t, f.ocoCalls, 1)

	call := f.ocoCalls[0]
	assert.Equal(t, "110.2", call.TakeProfit) // floored to tick
	assert.Equal(t, "95.0", call.StopTrigger)
	// Derived limit 95 × 0.999 = 94.905, floored to tick 0.1 → 94.9.
	assert.Equal(t, "94.9", call.StopLimit)

	assert.True(t, res.Verified)
	assert.Equal(t, 110.2, res.Spec.TakeProfit)
	assert.Equal(t, 94.9, res.Spec.StopLimit)
}

func TestPlaceShiftsCrossedStopTrigger(t *testing.T) {
	f := newFakeExchange()
	f.last = 94.0 // already below the requested trigger
	p := NewBracketPlacer(f)

	_, err := p.Place(context.Background(), BracketSpec{
		Symbol:      "SOLUSDT",
		Qty:         1.0,
		TakeProfit:  110.0,
		StopTrigger: 95.0,
	})
	require.NoError(t, err)
	require.Len(t, f.ocoCalls, 1)

	call := f.ocoCalls[0]
	// Trigger moves one tick below the live price.
	assert.Equal(t, "93.9", call.StopTrigger)
	assert.Equal(t, "93.8", call.StopLimit)
}

func TestPlaceShiftsCrossedTakeProfit(t *testing.T) {
	f := newFakeExchange()
	f.last = 112.0
	p := NewBracketPlacer(f)

	_, err := p.Place(context.Background(), BracketSpec{
		Symbol:      "SOLUSDT",
		Qty:         1.0,
		TakeProfit:  110.0,
		StopTrigger: 95.0,
	})
	require.NoError(t, err)
	require.Len(t, f.ocoCalls, 1)
	assert.Equal(t, "112.1", f.ocoCalls[0].TakeProfit)
}

func TestPlaceRaisesQuantityToMinNotional(t *testing.T) {
	f := newFakeExchange()
	f.last = 100
	p := NewBracketPlacer(f)

	res, err := p.Place(context.Background(), BracketSpec{
		Symbol:      "SOLUSDT",
		Qty:         0.01, // 0.01 × 94.9 < min notional 5
		TakeProfit:  110.0,
		StopTrigger: 95.0,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Spec.Qty*res.Spec.StopLimit, 5.0)
}

func TestPlaceKeepsNotionalAfterTriggerShift(t *testing.T) {
	f := newFakeExchange()
	f.last = 60 // far below the requested trigger, forcing a large shift
	p := NewBracketPlacer(f)

	// 0.054 × 94.9 clears the minimum at the requested stop, but not at
	// the shifted one near 60.
	res, err := p.Place(context.Background(), BracketSpec{
		Symbol:      "SOLUSDT",
		Qty:         0.054,
		TakeProfit:  110.0,
		StopTrigger: 95.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "59.9", f.ocoCalls[0].StopTrigger)
	assert.GreaterOrEqual(t, res.Spec.Qty*res.Spec.StopLimit, 5.0)
}

func TestPlaceClassifiesInsufficientBalanceAsTransient(t *testing.T) {
	f := newFakeExchange()
	f.ocoErrs = []error{&common.APIError{Code: -2010, Message: "Account has insufficient balance for requested action."}}
	p := NewBracketPlacer(f)

	_, err := p.Place(context.Background(), BracketSpec{
		Symbol:      "SOLUSDT",
		Qty:         1.0,
		TakeProfit:  110.0,
		StopTrigger: 95.0,
	})
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestPlaceClassifiesOtherRejectionsAsValidation(t *testing.T) {
	f := newFakeExchange()
	f.ocoErrs = []error{&common.APIError{Code: -1013, Message: "Filter failure: PRICE_FILTER"}}
	p := NewBracketPlacer(f)

	_, err := p.Place(context.Background(), BracketSpec{
		Symbol:      "SOLUSDT",
		Qty:         1.0,
		TakeProfit:  110.0,
		StopTrigger: 95.0,
	})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}
