package domain

import "errors"

var (
	// ErrIllegalTransition is a contract violation: BUY evaluated while HOLDING
	// or SELL evaluated while NOT_TRIGGERED.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrPriceExhausted is returned by replay price sources at end of data.
	ErrPriceExhausted = errors.New("no more price data")

	// ErrOrderNotFound is returned by gateways that have no record of an order,
	// e.g. a paper account polled for an order placed by an earlier process.
	ErrOrderNotFound = errors.New("order not found")

	ErrRetryLimit       = errors.New("retry limit reached")
	ErrLoggerStopped    = errors.New("result log stopped")
	ErrInvalidFrequency = errors.New("invalid frequency")
)
