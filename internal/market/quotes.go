// Package market holds the external collaborator boundaries: the quote
// source and the trading-hours calendar. The engine queries both fresh per
// attempt; unavailability is a retryable failure, never a silent zero.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/brokererr"
	"github.com/papertrade/broker-engine/internal/model"
)

// QuoteSource supplies fresh bid/ask/last prices per symbol.
type QuoteSource interface {
	// GetSpread returns the current bid/ask for a symbol.
	GetSpread(ctx context.Context, symbol string) (*model.Quote, error)

	// GetCurrentPrice returns the last traded price for a symbol.
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Feed is an in-memory QuoteSource fed by pushed ticks (the simulation's
// market-data input). Quotes older than MaxAge are treated as absent.
type Feed struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote

	// MaxAge bounds quote staleness; zero disables the check.
	MaxAge time.Duration
}

// NewFeed creates an empty quote feed.
func NewFeed() *Feed {
	return &Feed{quotes: make(map[string]model.Quote)}
}

// Publish stores a new tick for a symbol.
func (f *Feed) Publish(q model.Quote) {
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().UTC()
	}
	f.mu.Lock()
	f.quotes[q.Symbol] = q
	f.mu.Unlock()
}

// GetSpread implements QuoteSource.
func (f *Feed) GetSpread(_ context.Context, symbol string) (*model.Quote, error) {
	f.mu.RLock()
	q, ok := f.quotes[symbol]
	f.mu.RUnlock()

	if !ok {
		return nil, &brokererr.ServiceUnavailableError{Service: "quote source", Err: errNoQuote(symbol)}
	}
	if f.MaxAge > 0 && time.Since(q.Timestamp) > f.MaxAge {
		return nil, &brokererr.ServiceUnavailableError{Service: "quote source", Err: errStaleQuote(symbol)}
	}
	cp := q
	return &cp, nil
}

// GetCurrentPrice implements QuoteSource.
func (f *Feed) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q, err := f.GetSpread(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if q.Last.IsPositive() {
		return q.Last, nil
	}
	// Mid-price fallback when the feed carries no trade prints.
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2)), nil
}

type quoteError struct{ symbol, kind string }

func (e quoteError) Error() string { return e.kind + " quote for " + e.symbol }

func errNoQuote(symbol string) error    { return quoteError{symbol, "no"} }
func errStaleQuote(symbol string) error { return quoteError{symbol, "stale"} }
