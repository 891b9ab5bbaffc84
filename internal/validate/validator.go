// Package validate implements the pre-trade checks: symbol tradeability,
// trading hours, buying power net of open-order reservations, and position
// limits. Pure read-then-decide; no persistent side effects.
package validate

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/brokererr"
	"github.com/papertrade/broker-engine/internal/ledger"
	"github.com/papertrade/broker-engine/internal/market"
	"github.com/papertrade/broker-engine/internal/model"
	"github.com/papertrade/broker-engine/internal/store"
)

// Limits are the configured per-account risk limits.
type Limits struct {
	// MaxPositionQuantity caps |position| per symbol; zero disables.
	MaxPositionQuantity decimal.Decimal
}

// Validator runs all pre-trade checks for a candidate order. The caller
// must hold the account's serialization lock so that the buying-power
// computation cannot race concurrent placements on the same account.
type Validator struct {
	store  store.Store
	ledger *ledger.Service
	quotes market.QuoteSource
	cal    market.Calendar
	limits Limits

	// slippageBuffer pads market-order cost estimates (e.g. 0.001).
	slippageBuffer decimal.Decimal
}

// New creates a validator.
func New(st store.Store, led *ledger.Service, quotes market.QuoteSource, cal market.Calendar, limits Limits, slippageBuffer decimal.Decimal) *Validator {
	return &Validator{
		store:          st,
		ledger:         led,
		quotes:         quotes,
		cal:            cal,
		limits:         limits,
		slippageBuffer: slippageBuffer,
	}
}

// Check runs every pre-trade check against the candidate order. The first
// failing check returns a typed error; no partial effects.
func (v *Validator) Check(ctx context.Context, o *model.Order) error {
	in, err := v.checkSymbol(ctx, o)
	if err != nil {
		return err
	}
	if err := v.checkHours(o, in); err != nil {
		return err
	}
	if o.Side == model.SideBuy {
		if err := v.checkBuyingPower(ctx, o); err != nil {
			return err
		}
	} else {
		if err := v.checkHoldings(ctx, o); err != nil {
			return err
		}
	}
	return v.checkPositionLimit(ctx, o)
}

func (v *Validator) checkSymbol(ctx context.Context, o *model.Order) (*model.Instrument, error) {
	in, err := v.store.GetInstrument(ctx, o.Symbol)
	if err != nil {
		return nil, &brokererr.InvalidSymbolError{Symbol: o.Symbol, Reason: "unknown symbol"}
	}
	if !in.Tradeable {
		return nil, &brokererr.InvalidSymbolError{Symbol: o.Symbol, Reason: "not tradeable"}
	}
	switch in.Restriction {
	case model.RestrictionHalt:
		return nil, &brokererr.InvalidSymbolError{Symbol: o.Symbol, Reason: "trading halted"}
	case model.RestrictionCloseOnly:
		// Close-only: allow orders that reduce, reject ones that open.
		if !v.reduces(ctx, o) {
			return nil, &brokererr.InvalidSymbolError{Symbol: o.Symbol, Reason: "close-only restriction"}
		}
	}
	return in, nil
}

// reduces reports whether the order shrinks the current position.
func (v *Validator) reduces(ctx context.Context, o *model.Order) bool {
	p, err := v.store.GetPosition(ctx, o.AccountID, o.Symbol)
	if err != nil {
		return false
	}
	if o.Side == model.SideSell {
		return p.Quantity.IsPositive()
	}
	return p.Quantity.IsNegative()
}

// checkHours requires an open session for orders demanding immediate
// execution. GTC (and resting DAY limit/stop) orders may wait.
func (v *Validator) checkHours(o *model.Order, in *model.Instrument) error {
	needsOpen := o.Type == model.OrderTypeMarket || o.TimeInForce.Immediate()
	if !needsOpen {
		return nil
	}
	now := time.Now().UTC()
	if v.cal.IsExchangeOpen(in.Exchange, now) {
		return nil
	}
	return &brokererr.MarketClosedError{
		Exchange: in.Exchange,
		NextOpen: v.cal.NextMarketOpen(in.Exchange, now),
	}
}

// checkBuyingPower requires the estimated order value to fit within cash
// minus the value already reserved by the account's other open BUY orders.
// Recomputed on demand, never cached.
func (v *Validator) checkBuyingPower(ctx context.Context, o *model.Order) error {
	required, err := v.estimateValue(ctx, o, o.Remaining())
	if err != nil {
		return err
	}

	cash, err := v.ledger.CashBalance(ctx, o.AccountID)
	if err != nil {
		return err
	}

	open, err := v.store.ListOpenOrders(ctx, o.AccountID)
	if err != nil {
		return err
	}
	reserved := decimal.Zero
	for i := range open {
		oo := &open[i]
		if oo.ID == o.ID || oo.Side != model.SideBuy {
			continue
		}
		val, err := v.estimateValue(ctx, oo, oo.Remaining())
		if err != nil {
			// A missing quote for another resting order must not block
			// this placement; reserve its limit/stop notional instead.
			val = pessimisticValue(oo)
		}
		reserved = reserved.Add(val)
	}

	available := cash.Sub(reserved)
	if required.GreaterThan(available) {
		return &brokererr.InsufficientFundsError{Required: required, Available: available, Unit: "USD"}
	}
	return nil
}

// checkHoldings requires sell quantity to fit within the current position
// minus shares already reserved by other open SELL orders.
func (v *Validator) checkHoldings(ctx context.Context, o *model.Order) error {
	held := decimal.Zero
	if p, err := v.store.GetPosition(ctx, o.AccountID, o.Symbol); err == nil {
		held = p.Quantity
	}

	open, err := v.store.ListOpenOrders(ctx, o.AccountID)
	if err != nil {
		return err
	}
	reserved := decimal.Zero
	for i := range open {
		oo := &open[i]
		if oo.ID != o.ID && oo.Side == model.SideSell && oo.Symbol == o.Symbol {
			reserved = reserved.Add(oo.Remaining())
		}
	}

	available := held.Sub(reserved)
	if o.Remaining().GreaterThan(available) {
		return &brokererr.InsufficientFundsError{Required: o.Remaining(), Available: available, Unit: "shares"}
	}
	return nil
}

func (v *Validator) checkPositionLimit(ctx context.Context, o *model.Order) error {
	if !v.limits.MaxPositionQuantity.IsPositive() {
		return nil
	}
	current := decimal.Zero
	if p, err := v.store.GetPosition(ctx, o.AccountID, o.Symbol); err == nil {
		current = p.Quantity
	}
	resulting := current.Add(o.Remaining().Mul(o.Side.Sign()))
	if resulting.Abs().GreaterThan(v.limits.MaxPositionQuantity) {
		return &brokererr.PositionLimitError{
			Symbol:    o.Symbol,
			Limit:     v.limits.MaxPositionQuantity,
			Resulting: resulting,
		}
	}
	return nil
}

// estimateValue computes the cash an order may consume: quantity × limit
// price for priced orders, quantity × ask × (1 + slippageBuffer) for
// market-style orders.
func (v *Validator) estimateValue(ctx context.Context, o *model.Order, qty decimal.Decimal) (decimal.Decimal, error) {
	if o.LimitPrice != nil {
		return qty.Mul(*o.LimitPrice), nil
	}
	if o.Type == model.OrderTypeStop && o.StopPrice != nil {
		return qty.Mul(*o.StopPrice), nil
	}
	q, err := v.quotes.GetSpread(ctx, o.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	one := decimal.NewFromInt(1)
	return qty.Mul(q.Ask).Mul(one.Add(v.slippageBuffer)), nil
}

// pessimisticValue is the quote-free reservation for a resting order.
func pessimisticValue(o *model.Order) decimal.Decimal {
	if o.LimitPrice != nil {
		return o.Remaining().Mul(*o.LimitPrice)
	}
	if o.StopPrice != nil {
		return o.Remaining().Mul(*o.StopPrice)
	}
	return decimal.Zero
}
