// Package orders owns the order lifecycle: legal state transitions,
// version bumps for optimistic concurrency, and the append-only event log
// that records every transition.
package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/brokererr"
	"github.com/papertrade/broker-engine/internal/ids"
	"github.com/papertrade/broker-engine/internal/model"
)

// transitions is the legal state graph. PENDING → ACCEPTED → PARTIAL* →
// FILLED; any non-terminal state may cancel, reject, or expire.
var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.StatusPending:  {model.StatusAccepted, model.StatusPartial, model.StatusFilled, model.StatusCancelled, model.StatusRejected, model.StatusExpired},
	model.StatusAccepted: {model.StatusPartial, model.StatusFilled, model.StatusCancelled, model.StatusRejected, model.StatusExpired},
	model.StatusPartial:  {model.StatusPartial, model.StatusFilled, model.StatusCancelled, model.StatusRejected, model.StatusExpired},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to model.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Params are the caller-supplied fields of a new order.
type Params struct {
	AccountID   string
	Symbol      string
	Side        model.Side
	Type        model.OrderType
	TimeInForce model.TimeInForce
	Quantity    decimal.Decimal
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
}

// Validate enforces the structural order invariants: positive quantity,
// known enum variants, and limit/stop price presence matching the type.
func (p *Params) Validate() error {
	switch {
	case p.AccountID == "":
		return &brokererr.ValidationError{Field: "account_id", Reason: "required"}
	case p.Symbol == "":
		return &brokererr.ValidationError{Field: "symbol", Reason: "required"}
	case !p.Side.Valid():
		return &brokererr.ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	case !p.Type.Valid():
		return &brokererr.ValidationError{Field: "type", Reason: "must be MARKET, LIMIT, STOP, or STOP_LIMIT"}
	case !p.TimeInForce.Valid():
		return &brokererr.ValidationError{Field: "time_in_force", Reason: "must be DAY, GTC, IOC, or FOK"}
	case !p.Quantity.IsPositive():
		return &brokererr.ValidationError{Field: "quantity", Reason: "must be > 0"}
	}

	if p.Type.RequiresLimitPrice() {
		if p.LimitPrice == nil || !p.LimitPrice.IsPositive() {
			return &brokererr.ValidationError{Field: "limit_price", Reason: "required for " + string(p.Type)}
		}
	} else if p.LimitPrice != nil {
		return &brokererr.ValidationError{Field: "limit_price", Reason: "not allowed for " + string(p.Type)}
	}

	if p.Type.RequiresStopPrice() {
		if p.StopPrice == nil || !p.StopPrice.IsPositive() {
			return &brokererr.ValidationError{Field: "stop_price", Reason: "required for " + string(p.Type)}
		}
	} else if p.StopPrice != nil {
		return &brokererr.ValidationError{Field: "stop_price", Reason: "not allowed for " + string(p.Type)}
	}

	return nil
}

// New builds a PENDING order from validated params.
func New(p Params, idempotencyKey string) (*model.Order, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if idempotencyKey == "" {
		return nil, &brokererr.ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	now := time.Now().UTC()
	return &model.Order{
		ID:             uuid.New().String(),
		AccountID:      p.AccountID,
		Symbol:         p.Symbol,
		Side:           p.Side,
		Type:           p.Type,
		TimeInForce:    p.TimeInForce,
		Quantity:       p.Quantity,
		FilledQuantity: decimal.Zero,
		LimitPrice:     p.LimitPrice,
		StopPrice:      p.StopPrice,
		AveragePrice:   decimal.Zero,
		Status:         model.StatusPending,
		IdempotencyKey: idempotencyKey,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Event records a transition without changing status (e.g. CREATED,
// MODIFIED, STOP_TRIGGERED).
func Event(o *model.Order, eventType string, metadata map[string]string) model.OrderEvent {
	return model.OrderEvent{
		ID:             ids.New(),
		OrderID:        o.ID,
		EventType:      eventType,
		PreviousStatus: o.Status,
		NewStatus:      o.Status,
		Metadata:       metadata,
		Timestamp:      time.Now().UTC(),
	}
}

// Transition moves the order to a new status, bumping its version and
// returning the event to append. The caller persists both under the
// order's previous version (optimistic concurrency).
func Transition(o *model.Order, to model.OrderStatus, eventType string, metadata map[string]string) (model.OrderEvent, error) {
	if !CanTransition(o.Status, to) {
		return model.OrderEvent{}, &brokererr.InvalidStateError{
			OrderID: o.ID,
			From:    o.Status,
			Op:      "transition to " + string(to),
		}
	}
	ev := model.OrderEvent{
		ID:             ids.New(),
		OrderID:        o.ID,
		EventType:      eventType,
		PreviousStatus: o.Status,
		NewStatus:      to,
		Metadata:       metadata,
		Timestamp:      time.Now().UTC(),
	}
	o.Status = to
	o.Version++
	o.UpdatedAt = ev.Timestamp
	return ev, nil
}

// Touch bumps the version and updated-at for a non-status mutation
// (modify). The caller persists under the previous version.
func Touch(o *model.Order) {
	o.Version++
	o.UpdatedAt = time.Now().UTC()
}

// StatusEvent maps a fill-driven status to its event type.
func StatusEvent(to model.OrderStatus) string {
	switch to {
	case model.StatusPartial:
		return model.EventPartiallyFilled
	case model.StatusFilled:
		return model.EventFilled
	case model.StatusCancelled:
		return model.EventCancelled
	case model.StatusRejected:
		return model.EventRejected
	case model.StatusExpired:
		return model.EventExpired
	case model.StatusAccepted:
		return model.EventAccepted
	}
	return ""
}
