// Package exec decides whether and how orders fill against supplied
// quotes, then applies every downstream effect of a fill (execution
// record, order transition, position change, and balanced ledger legs)
// as one atomic unit against the store.
package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/brokererr"
	"github.com/papertrade/broker-engine/internal/ids"
	"github.com/papertrade/broker-engine/internal/ledger"
	"github.com/papertrade/broker-engine/internal/market"
	"github.com/papertrade/broker-engine/internal/model"
	"github.com/papertrade/broker-engine/internal/orders"
	"github.com/papertrade/broker-engine/internal/position"
	"github.com/papertrade/broker-engine/internal/store"
)

// Config holds the simulation parameters.
type Config struct {
	// SlippageRate shifts market fills off the quote: BUY at
	// ask*(1+rate), SELL at bid*(1-rate).
	SlippageRate decimal.Decimal

	// CommissionRate is charged as a fraction of fill notional, posted
	// as a separate expense leg. Zero disables commission.
	CommissionRate decimal.Decimal

	// MaxFillQuantity caps the liquidity available per attempt; zero
	// means infinite depth.
	MaxFillQuantity decimal.Decimal
}

// Outcome classifies the result of one execution attempt.
type Outcome string

const (
	OutcomeNoFill    Outcome = "NO_FILL"   // conditions not met; order rests
	OutcomeFilled    Outcome = "FILLED"    // fully filled
	OutcomePartial   Outcome = "PARTIAL"   // partially filled, still working
	OutcomeCancelled Outcome = "CANCELLED" // IOC remainder cancelled
	OutcomeRejected  Outcome = "REJECTED"  // FOK could not fill entirely
)

// Result reports what an attempt did.
type Result struct {
	Outcome     Outcome
	Order       *model.Order
	Execution   *model.Execution
	RealizedPnL decimal.Decimal
	Triggered   bool // stop condition first satisfied on this attempt
}

// Simulator fills orders against the quote source. Callers must hold the
// order's account serialization lock across Attempt; the store-level
// version check is the backstop for anything that slips through.
type Simulator struct {
	store  store.Store
	ledger *ledger.Service
	quotes market.QuoteSource
	cfg    Config
}

// NewSimulator creates an execution simulator.
func NewSimulator(st store.Store, led *ledger.Service, quotes market.QuoteSource, cfg Config) *Simulator {
	return &Simulator{store: st, ledger: led, quotes: quotes, cfg: cfg}
}

// decision is the fill-eligibility verdict for one order against one quote.
type decision struct {
	eligible  bool
	price     decimal.Decimal
	triggered bool // stop condition satisfied (now or previously)
}

// decide evaluates the closed set of order types against a quote.
func (s *Simulator) decide(o *model.Order, q *model.Quote) decision {
	one := decimal.NewFromInt(1)
	marketPrice := func() decimal.Decimal {
		if o.Side == model.SideBuy {
			return q.Ask.Mul(one.Add(s.cfg.SlippageRate))
		}
		return q.Bid.Mul(one.Sub(s.cfg.SlippageRate))
	}
	limitCross := func(limit decimal.Decimal) decision {
		if o.Side == model.SideBuy {
			if q.Ask.LessThanOrEqual(limit) {
				return decision{eligible: true, price: decimal.Min(q.Ask, limit)}
			}
		} else {
			if q.Bid.GreaterThanOrEqual(limit) {
				return decision{eligible: true, price: decimal.Max(q.Bid, limit)}
			}
		}
		return decision{}
	}
	stopHit := func(stop decimal.Decimal) bool {
		if o.StopTriggered {
			return true
		}
		last := q.Last
		if last.IsZero() {
			// No trade prints on this feed; use the touched side.
			if o.Side == model.SideBuy {
				last = q.Ask
			} else {
				last = q.Bid
			}
		}
		if o.Side == model.SideBuy {
			return last.GreaterThanOrEqual(stop)
		}
		return last.LessThanOrEqual(stop)
	}

	switch o.Type {
	case model.OrderTypeMarket:
		return decision{eligible: true, price: marketPrice()}

	case model.OrderTypeLimit:
		return limitCross(*o.LimitPrice)

	case model.OrderTypeStop:
		if !stopHit(*o.StopPrice) {
			return decision{}
		}
		return decision{eligible: true, price: marketPrice(), triggered: true}

	case model.OrderTypeStopLimit:
		if !stopHit(*o.StopPrice) {
			return decision{}
		}
		d := limitCross(*o.LimitPrice)
		d.triggered = true
		return d
	}
	return decision{}
}

// Attempt evaluates one order against a fresh quote and applies the fill
// if conditions are met. A failure anywhere rolls back the whole unit;
// the order remains in its pre-attempt state and the caller may retry.
func (s *Simulator) Attempt(ctx context.Context, o *model.Order) (*Result, error) {
	if !o.Open() {
		return nil, &brokererr.InvalidStateError{OrderID: o.ID, From: o.Status, Op: "execute"}
	}

	quote, err := s.quotes.GetSpread(ctx, o.Symbol)
	if err != nil {
		return nil, err
	}

	d := s.decide(o, quote)
	newlyTriggered := d.triggered && !o.StopTriggered

	if !d.eligible {
		return s.noFill(ctx, o, newlyTriggered)
	}

	// Simulated liquidity.
	qty := o.Remaining()
	if s.cfg.MaxFillQuantity.IsPositive() && qty.GreaterThan(s.cfg.MaxFillQuantity) {
		if o.TimeInForce == model.TIFFOK {
			return s.reject(ctx, o, "insufficient liquidity for fill-or-kill")
		}
		qty = s.cfg.MaxFillQuantity
	}

	exec := &model.Execution{
		ID:         ids.New(),
		OrderID:    o.ID,
		AccountID:  o.AccountID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Quantity:   qty,
		Price:      d.price,
		Commission: s.commission(qty, d.price),
		ExecutedAt: time.Now().UTC(),
	}

	upd := *o
	prevVersion := o.Version
	var events []model.OrderEvent

	if newlyTriggered {
		upd.StopTriggered = true
		events = append(events, orders.Event(&upd, model.EventStopTriggered, map[string]string{
			"stop_price": o.StopPrice.String(),
		}))
	}

	// Quantity-weighted average fill price across the order's lifetime.
	prevNotional := upd.AveragePrice.Mul(upd.FilledQuantity)
	upd.FilledQuantity = upd.FilledQuantity.Add(qty)
	upd.AveragePrice = prevNotional.Add(exec.Notional()).Div(upd.FilledQuantity)

	target := model.StatusPartial
	if upd.FilledQuantity.Equal(upd.Quantity) {
		target = model.StatusFilled
	}
	ev, terr := orders.Transition(&upd, target, orders.StatusEvent(target), map[string]string{
		"execution_id": exec.ID,
		"quantity":     qty.String(),
		"price":        d.price.String(),
	})
	if terr != nil {
		return nil, terr
	}
	events = append(events, ev)

	outcome := OutcomeFilled
	if target == model.StatusPartial {
		outcome = OutcomePartial
		if o.TimeInForce == model.TIFIOC {
			// Immediate-or-cancel: the remainder dies with the attempt.
			cev, cerr := orders.Transition(&upd, model.StatusCancelled, model.EventCancelled, map[string]string{
				"reason": "ioc remainder cancelled",
			})
			if cerr != nil {
				return nil, cerr
			}
			events = append(events, cev)
			outcome = OutcomeCancelled
		}
	}

	// Position change.
	var prior *model.Position
	if p, perr := s.store.GetPosition(ctx, o.AccountID, o.Symbol); perr == nil {
		prior = p
	} else if !errors.Is(perr, store.ErrNotFound) {
		return nil, perr
	}
	ch := position.Apply(prior, exec)

	// Balanced ledger legs for this fill, one transaction.
	entries, lerr := s.ledger.Prepare(ctx, o.AccountID, ids.New(), ledger.FillLegs(exec))
	if lerr != nil {
		return nil, lerr
	}

	bundle := &model.FillBundle{
		Order:          &upd,
		PrevVersion:    prevVersion,
		Execution:      exec,
		Events:         events,
		Position:       ch.Position,
		DeletePosition: ch.Closed,
		Entries:        entries,
	}
	if err := s.store.ApplyFill(ctx, bundle); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, &brokererr.ConcurrencyError{OrderID: o.ID}
		}
		return nil, fmt.Errorf("apply fill for order %s: %w", o.ID, err)
	}

	*o = upd
	return &Result{
		Outcome:     outcome,
		Order:       &upd,
		Execution:   exec,
		RealizedPnL: ch.RealizedPnL,
		Triggered:   newlyTriggered,
	}, nil
}

// noFill handles an ineligible attempt: persist a newly satisfied stop
// trigger, and terminate IOC/FOK orders that found no liquidity.
func (s *Simulator) noFill(ctx context.Context, o *model.Order, newlyTriggered bool) (*Result, error) {
	upd := *o
	prevVersion := o.Version
	var events []model.OrderEvent

	if newlyTriggered {
		upd.StopTriggered = true
		orders.Touch(&upd)
		events = append(events, orders.Event(&upd, model.EventStopTriggered, map[string]string{
			"stop_price": o.StopPrice.String(),
		}))
	}

	outcome := OutcomeNoFill
	switch o.TimeInForce {
	case model.TIFFOK:
		ev, err := orders.Transition(&upd, model.StatusRejected, model.EventRejected, map[string]string{
			"reason": "fill-or-kill could not fill immediately",
		})
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
		outcome = OutcomeRejected
	case model.TIFIOC:
		ev, err := orders.Transition(&upd, model.StatusCancelled, model.EventCancelled, map[string]string{
			"reason": "immediate-or-cancel found no fill",
		})
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
		outcome = OutcomeCancelled
	}

	if len(events) > 0 {
		if err := s.store.UpdateOrder(ctx, &upd, prevVersion, events); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				return nil, &brokererr.ConcurrencyError{OrderID: o.ID}
			}
			return nil, err
		}
		*o = upd
	}
	return &Result{Outcome: outcome, Order: &upd, Triggered: newlyTriggered}, nil
}

// reject terminates an order that cannot satisfy its TIF.
func (s *Simulator) reject(ctx context.Context, o *model.Order, reason string) (*Result, error) {
	upd := *o
	prevVersion := o.Version
	ev, err := orders.Transition(&upd, model.StatusRejected, model.EventRejected, map[string]string{"reason": reason})
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateOrder(ctx, &upd, prevVersion, []model.OrderEvent{ev}); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, &brokererr.ConcurrencyError{OrderID: o.ID}
		}
		return nil, err
	}
	*o = upd
	return &Result{Outcome: OutcomeRejected, Order: &upd}, nil
}

func (s *Simulator) commission(qty, price decimal.Decimal) decimal.Decimal {
	if !s.cfg.CommissionRate.IsPositive() {
		return decimal.Zero
	}
	return qty.Mul(price).Mul(s.cfg.CommissionRate).Round(2)
}
