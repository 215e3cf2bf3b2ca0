package trader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitReturnsOnceSettled(t *testing.T) {
	f := newFakeExchange()
	f.free["SOL"] = 10.0
	w := NewSettlementWaiter(f)

	start := time.Now()
	free := w.Wait(context.Background(), "SOL", 10.0)
	assert.Equal(t, 10.0, free)
	assert.Less(t, time.Since(start), settlePollInterval)
}

func TestWaitToleratesSmallShortfall(t *testing.T) {
	f := newFakeExchange()
	// 99.95% of the fill is inside the settlement tolerance.
	f.free["SOL"] = 9.995
	w := NewSettlementWaiter(f)

	free := w.Wait(context.Background(), "SOL", 10.0)
	assert.Equal(t, 9.995, free)
}

func TestWaitTimeoutReturnsBestKnown(t *testing.T) {
	f := newFakeExchange()
	f.free["SOL"] = 4.0
	w := NewSettlementWaiter(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // skip the inter-poll sleeps
	free := w.Wait(ctx, "SOL", 10.0)
	assert.Equal(t, 4.0, free)
}

func TestSafeSellQty(t *testing.T) {
	// Free covers the fill: fill × buffer, step-floored.
	q := SafeSellQty(10.0, 10.0, 0.001)
	assert.Equal(t, 9.99, q)

	// Free is short: size to the free balance, never the fill.
	q = SafeSellQty(10.0, 5.0, 0.001)
	assert.Equal(t, 4.995, q)

	assert.Equal(t, 0.0, SafeSellQty(0.0005, 10.0, 0.001))
}
