package entities

import "errors"

var ErrStoreEntityNotFound = errors.New("store resource not found")

// ErrInsufficientQuantity is returned when a lot consumption asks for more
// than the lot's remaining quantity. Never retried.
var ErrInsufficientQuantity = errors.New("insufficient remaining quantity")

// ErrInsufficientLots is returned when the open lots eligible for a disposal
// do not cover the requested quantity. Never retried.
var ErrInsufficientLots = errors.New("insufficient open lots")

// ErrUnavailable marks a transient provider or network failure. Callers retry
// with bounded backoff and defer the operation if the budget is exhausted.
var ErrUnavailable = errors.New("provider unavailable")

// ErrAlreadyProcessed is an idempotency short circuit, not a failure.
var ErrAlreadyProcessed = errors.New("already processed")

// ErrInvariantViolation signals a lot accounting mismatch. The run must abort.
var ErrInvariantViolation = errors.New("ledger invariant violation")
