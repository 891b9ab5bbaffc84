// Package brokererr defines the typed error taxonomy surfaced by the broker
// engine. Errors carry the fields a caller needs to act on; internal detail
// stays out of the message.
package brokererr

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/model"
)

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// InsufficientFundsError reports a buying-power or holdings shortfall.
// Unit is "USD" for cash checks and "shares" for position checks.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
	Unit      string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s %s, available %s",
		e.Required, e.Unit, e.Available)
}

// InvalidSymbolError reports an unknown, untradeable, or restricted symbol.
type InvalidSymbolError struct {
	Symbol string
	Reason string
}

func (e *InvalidSymbolError) Error() string {
	return fmt.Sprintf("invalid symbol %s: %s", e.Symbol, e.Reason)
}

// MarketClosedError reports that the relevant session is closed for an
// order that requires an open one.
type MarketClosedError struct {
	Exchange string
	NextOpen time.Time
}

func (e *MarketClosedError) Error() string {
	return fmt.Sprintf("market closed: %s opens %s", e.Exchange, e.NextOpen.Format(time.RFC3339))
}

// PositionLimitError reports that the resulting position would exceed the
// configured risk limit.
type PositionLimitError struct {
	Symbol    string
	Limit     decimal.Decimal
	Resulting decimal.Decimal
}

func (e *PositionLimitError) Error() string {
	return fmt.Sprintf("position limit: %s would reach %s, limit %s",
		e.Symbol, e.Resulting, e.Limit)
}

// InvalidStateError reports an illegal order state transition attempt.
type InvalidStateError struct {
	OrderID string
	From    model.OrderStatus
	Op      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: cannot %s order %s in status %s", e.Op, e.OrderID, e.From)
}

// ConcurrencyError reports a lost version or idempotency race. The caller
// should re-read and retry with fresh state.
type ConcurrencyError struct {
	OrderID string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrent modification of order %s", e.OrderID)
}

// LedgerImbalanceError reports debits != credits within one transaction.
// This is a programming-error class: it aborts the operation and must
// never be silently swallowed.
type LedgerImbalanceError struct {
	TransactionID string
	Debits        decimal.Decimal
	Credits       decimal.Decimal
}

func (e *LedgerImbalanceError) Error() string {
	return fmt.Sprintf("ledger imbalance in transaction %s: debits %s != credits %s",
		e.TransactionID, e.Debits, e.Credits)
}

// ServiceUnavailableError reports an unreachable external collaborator
// (quote source, trading-hours source). Retryable.
type ServiceUnavailableError struct {
	Service string
	Err     error
}

func (e *ServiceUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s unavailable", e.Service)
	}
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the operation unchanged.
func Retryable(err error) bool {
	var su *ServiceUnavailableError
	var ce *ConcurrencyError
	return errors.As(err, &su) || errors.As(err, &ce)
}
