package trader

import (
	"errors"
	"fmt"
)

// ErrKind classifies a trade failure. Recovery policy is decided on the
// kind, never by inspecting error text.
type ErrKind int

const (
	// KindValidation: the signal or computed prices are unusable
	// (inverted price relation, zero quantity). Fatal for the current
	// signal only; any open position is flattened.
	KindValidation ErrKind = iota + 1

	// KindTransient: a momentary exchange rejection (insufficient
	// balance at submission time). Retried a bounded number of times
	// with resized parameters.
	KindTransient

	// KindSettlement: the exchange ledger has not caught up with a
	// fill. Handled by bounded polling, not treated as failure until
	// the waiter's timeout.
	KindSettlement

	// KindFatal: capital is exposed with no exit and no automatic
	// remedy (the compensating flatten itself failed). Requires
	// operator intervention.
	KindFatal

	// KindBestEffort: losing this operation does not unwind the
	// transaction (verification timeout, notifier failure).
	KindBestEffort
)

func (k ErrKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindSettlement:
		return "settlement"
	case KindFatal:
		return "fatal"
	case KindBestEffort:
		return "best_effort"
	}
	return "unknown"
}

// TradeError carries the failure kind alongside the cause.
type TradeError struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *TradeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TradeError) Unwrap() error { return e.Err }

// tradeErr wraps err with a kind and operation name.
func tradeErr(kind ErrKind, op string, err error) error {
	return &TradeError{Kind: kind, Op: op, Err: err}
}

// tradeErrf builds a TradeError from a format string.
func tradeErrf(kind ErrKind, op, format string, args ...interface{}) error {
	return &TradeError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain; unclassified errors
// report kind 0.
func KindOf(err error) ErrKind {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
