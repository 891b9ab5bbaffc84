// Package trade provides the HTTP handlers and orchestration for account
// creation, order placement, execution, and portfolio/ledger queries.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/audit"
	"github.com/papertrade/broker-engine/internal/brokererr"
	"github.com/papertrade/broker-engine/internal/exec"
	"github.com/papertrade/broker-engine/internal/ledger"
	"github.com/papertrade/broker-engine/internal/market"
	"github.com/papertrade/broker-engine/internal/metrics"
	"github.com/papertrade/broker-engine/internal/model"
	"github.com/papertrade/broker-engine/internal/orders"
	"github.com/papertrade/broker-engine/internal/position"
	"github.com/papertrade/broker-engine/internal/store"
	"github.com/papertrade/broker-engine/internal/validate"
)

// Service wires the order state machine, validator, execution simulator,
// and ledger behind the HTTP API. Mutations for one account are serialized
// by accountLocks; storage-level constraints back the process-local locks.
type Service struct {
	store     store.Store
	ledger    *ledger.Service
	validator *validate.Validator
	sim       *exec.Simulator
	feed      *market.Feed
	cal       market.Calendar
	sink      audit.Sink
	wsHub     *WSHub // optional; nil disables broadcasting
	locks     *accountLocks
}

// NewService creates a trade service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, led *ledger.Service, val *validate.Validator, sim *exec.Simulator, feed *market.Feed, cal market.Calendar, sink audit.Sink, hub *WSHub) *Service {
	return &Service{
		store:     st,
		ledger:    led,
		validator: val,
		sim:       sim,
		feed:      feed,
		cal:       cal,
		sink:      sink,
		wsHub:     hub,
		locks:     newAccountLocks(),
	}
}

// --- Accounts ---

func (s *Service) createAccount(ctx context.Context, initialCash decimal.Decimal, accountType string) (*model.Account, error) {
	if initialCash.IsNegative() {
		return nil, &brokererr.ValidationError{Field: "initial_cash", Reason: "must be >= 0"}
	}
	if accountType == "" {
		accountType = "INDIVIDUAL"
	}

	a := &model.Account{
		ID:          uuid.New().String(),
		Type:        accountType,
		InitialCash: initialCash,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	if err := s.ledger.SeedAccount(ctx, a); err != nil {
		return nil, err
	}

	audit.Emit(ctx, s.sink, audit.Event{
		Actor:        a.ID,
		Action:       "account.created",
		ResourceType: "account",
		ResourceID:   a.ID,
		Metadata:     map[string]string{"initial_cash": initialCash.String()},
	})
	slog.Info("account created", "id", a.ID, "initial_cash", initialCash.String())
	return a, nil
}

// --- Order placement ---

func (s *Service) placeOrder(ctx context.Context, p orders.Params, idempotencyKey string) (*model.Order, *exec.Result, error) {
	unlock := s.locks.Lock(p.AccountID)
	defer unlock()

	// Idempotency contract: an existing key returns the original order
	// unchanged, with no side effects.
	if existing, err := s.store.GetOrderByIdempotencyKey(ctx, p.AccountID, idempotencyKey); err == nil {
		return existing, nil, nil
	}

	if _, err := s.store.GetAccount(ctx, p.AccountID); err != nil {
		return nil, nil, &brokererr.ValidationError{Field: "account_id", Reason: "unknown account"}
	}

	o, err := orders.New(p, idempotencyKey)
	if err != nil {
		return nil, nil, err
	}

	if err := s.validator.Check(ctx, o); err != nil {
		metrics.OrdersRejected.WithLabelValues(rejectionReason(err)).Inc()
		return nil, nil, err
	}

	created := orders.Event(o, model.EventCreated, nil)
	accepted, err := orders.Transition(o, model.StatusAccepted, model.EventAccepted, nil)
	if err != nil {
		return nil, nil, err
	}

	if err := s.store.CreateOrder(ctx, o, []model.OrderEvent{created, accepted}); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			// Lost the race: observe the winning row.
			winner, rerr := s.store.GetOrderByIdempotencyKey(ctx, p.AccountID, idempotencyKey)
			if rerr == nil {
				return winner, nil, nil
			}
		}
		return nil, nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(string(o.Type), string(o.Side)).Inc()
	audit.Emit(ctx, s.sink, audit.Event{
		Actor:        o.AccountID,
		Action:       "order.placed",
		ResourceType: "order",
		ResourceID:   o.ID,
		Metadata: map[string]string{
			"symbol": o.Symbol, "side": string(o.Side),
			"type": string(o.Type), "quantity": o.Quantity.String(),
		},
	})
	slog.Info("order placed",
		"order_id", o.ID,
		"account", o.AccountID,
		"symbol", o.Symbol,
		"side", o.Side,
		"type", o.Type,
		"qty", o.Quantity.String(),
	)

	res, err := s.maybeExecute(ctx, o)
	if err != nil {
		// The order is persisted and will be retried by the sweeper;
		// surface the accepted order rather than failing the placement.
		slog.Warn("execution attempt failed", "order_id", o.ID, "err", err)
		return o, nil, nil
	}
	return o, res, nil
}

// maybeExecute runs the synchronous execution attempt at placement:
// always for MARKET and IOC/FOK orders, and for resting types whenever
// the session is open (a limit may already be crossed).
func (s *Service) maybeExecute(ctx context.Context, o *model.Order) (*exec.Result, error) {
	immediate := o.Type == model.OrderTypeMarket || o.TimeInForce.Immediate()
	if !immediate {
		in, err := s.store.GetInstrument(ctx, o.Symbol)
		if err != nil || !s.cal.IsExchangeOpen(in.Exchange, time.Now().UTC()) {
			return nil, nil
		}
	}
	return s.attempt(ctx, o)
}

// attempt runs one simulator attempt and fans out fill side channels
// (metrics, audit, websocket). Caller holds the account lock.
func (s *Service) attempt(ctx context.Context, o *model.Order) (*exec.Result, error) {
	start := time.Now()
	res, err := s.sim.Attempt(ctx, o)
	metrics.FillLatency.WithLabelValues(string(o.Type)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	if res.Execution != nil {
		metrics.Fills.WithLabelValues(string(res.Execution.Side)).Inc()
		metrics.LedgerTransactions.Inc()
		audit.Emit(ctx, s.sink, audit.Event{
			Actor:        o.AccountID,
			Action:       "order.filled",
			ResourceType: "execution",
			ResourceID:   res.Execution.ID,
			Metadata: map[string]string{
				"order_id": o.ID,
				"quantity": res.Execution.Quantity.String(),
				"price":    res.Execution.Price.String(),
			},
		})
		slog.Info("order executed",
			"order_id", o.ID,
			"execution_id", res.Execution.ID,
			"symbol", res.Execution.Symbol,
			"qty", res.Execution.Quantity.String(),
			"price", res.Execution.Price.String(),
			"status", res.Order.Status,
			"realized_pnl", res.RealizedPnL.String(),
		)
	}

	if s.wsHub != nil && res.Outcome != exec.OutcomeNoFill {
		msg := WSMessage{
			Type:      "order_update",
			OrderID:   res.Order.ID,
			AccountID: res.Order.AccountID,
			Symbol:    res.Order.Symbol,
			Status:    string(res.Order.Status),
			Side:      string(res.Order.Side),
		}
		if res.Execution != nil {
			msg.Quantity = res.Execution.Quantity.String()
			msg.Price = res.Execution.Price.String()
		}
		s.wsHub.Broadcast(msg)
	}
	return res, nil
}

// --- Cancel / modify ---

func (s *Service) cancelOrder(ctx context.Context, orderID, reason string, expectedVersion int64) (*model.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(o.AccountID)
	defer unlock()

	// Re-read under the lock; the pre-lock read only located the account.
	o, err = s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && o.Version != expectedVersion {
		return nil, &brokererr.ConcurrencyError{OrderID: orderID}
	}

	prev := o.Version
	meta := map[string]string{"reason": reason}
	ev, err := orders.Transition(o, model.StatusCancelled, model.EventCancelled, meta)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateOrder(ctx, o, prev, []model.OrderEvent{ev}); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, &brokererr.ConcurrencyError{OrderID: orderID}
		}
		return nil, err
	}

	audit.Emit(ctx, s.sink, audit.Event{
		Actor:        o.AccountID,
		Action:       "order.cancelled",
		ResourceType: "order",
		ResourceID:   o.ID,
		Metadata:     meta,
	})
	slog.Info("order cancelled", "order_id", o.ID, "reason", reason)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type: "order_update", OrderID: o.ID, AccountID: o.AccountID,
			Symbol: o.Symbol, Status: string(o.Status), Side: string(o.Side),
		})
	}
	return o, nil
}

func (s *Service) modifyOrder(ctx context.Context, orderID string, newQuantity, newLimitPrice *decimal.Decimal, expectedVersion int64) (*model.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(o.AccountID)
	defer unlock()

	o, err = s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Version != expectedVersion {
		return nil, &brokererr.ConcurrencyError{OrderID: orderID}
	}
	if o.Type != model.OrderTypeLimit {
		return nil, &brokererr.InvalidStateError{OrderID: orderID, From: o.Status, Op: "modify non-limit order"}
	}
	if o.Status != model.StatusPending && o.Status != model.StatusAccepted {
		return nil, &brokererr.InvalidStateError{OrderID: orderID, From: o.Status, Op: "modify"}
	}

	prev := o.Version
	meta := map[string]string{}
	if newQuantity != nil {
		if !newQuantity.IsPositive() || newQuantity.LessThan(o.FilledQuantity) {
			return nil, &brokererr.ValidationError{Field: "quantity", Reason: "must be positive and >= filled quantity"}
		}
		meta["quantity"] = newQuantity.String()
		o.Quantity = *newQuantity
	}
	if newLimitPrice != nil {
		if !newLimitPrice.IsPositive() {
			return nil, &brokererr.ValidationError{Field: "limit_price", Reason: "must be > 0"}
		}
		meta["limit_price"] = newLimitPrice.String()
		o.LimitPrice = newLimitPrice
	}

	// Re-validate the modified order as if newly placed.
	if err := s.validator.Check(ctx, o); err != nil {
		return nil, err
	}

	orders.Touch(o)
	ev := orders.Event(o, model.EventModified, meta)
	if err := s.store.UpdateOrder(ctx, o, prev, []model.OrderEvent{ev}); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, &brokererr.ConcurrencyError{OrderID: orderID}
		}
		return nil, err
	}

	audit.Emit(ctx, s.sink, audit.Event{
		Actor:        o.AccountID,
		Action:       "order.modified",
		ResourceType: "order",
		ResourceID:   o.ID,
		Metadata:     meta,
	})
	slog.Info("order modified", "order_id", o.ID, "version", o.Version)
	return o, nil
}

// --- Quote-driven evaluation ---

// publishQuote records a fresh tick and evaluates every resting order on
// that symbol against it.
func (s *Service) publishQuote(ctx context.Context, q model.Quote) {
	s.feed.Publish(q)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type: "quote", Symbol: q.Symbol,
			Price: q.Last.String(),
		})
	}
	s.EvaluateSymbol(ctx, q.Symbol)
}

// EvaluateSymbol re-attempts every open order for a symbol. Called on new
// quotes and by the periodic sweeper.
func (s *Service) EvaluateSymbol(ctx context.Context, symbol string) {
	in, err := s.store.GetInstrument(ctx, symbol)
	if err != nil {
		return
	}
	if !s.cal.IsExchangeOpen(in.Exchange, time.Now().UTC()) {
		return
	}

	open, err := s.store.ListOpenOrdersBySymbol(ctx, symbol)
	if err != nil {
		slog.Error("list open orders failed", "symbol", symbol, "err", err)
		return
	}

	for i := range open {
		s.evaluateOrder(ctx, open[i].ID, open[i].AccountID)
	}
}

func (s *Service) evaluateOrder(ctx context.Context, orderID, accountID string) {
	unlock := s.locks.Lock(accountID)
	defer unlock()

	// Re-read under the lock; the order may have terminated meanwhile.
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil || !o.Open() {
		return
	}
	if _, err := s.attempt(ctx, o); err != nil {
		if !brokererr.Retryable(err) {
			slog.Error("order evaluation failed", "order_id", orderID, "err", err)
		}
	}
}

// ExpireDayOrders transitions unfilled DAY orders to EXPIRED. Invoked by
// the sweeper at session close.
func (s *Service) ExpireDayOrders(ctx context.Context) {
	open, err := s.store.ListAllOpenOrders(ctx)
	if err != nil {
		slog.Error("expiration sweep failed", "err", err)
		return
	}

	for i := range open {
		o := open[i]
		if o.TimeInForce != model.TIFDay {
			continue
		}
		s.expireOrder(ctx, o.ID, o.AccountID)
	}
}

func (s *Service) expireOrder(ctx context.Context, orderID, accountID string) {
	unlock := s.locks.Lock(accountID)
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil || !o.Open() {
		return
	}

	prev := o.Version
	ev, err := orders.Transition(o, model.StatusExpired, model.EventExpired, map[string]string{"reason": "session close"})
	if err != nil {
		return
	}
	if err := s.store.UpdateOrder(ctx, o, prev, []model.OrderEvent{ev}); err != nil {
		slog.Error("order expiration failed", "order_id", o.ID, "err", err)
		return
	}

	metrics.OrdersExpired.Inc()
	audit.Emit(ctx, s.sink, audit.Event{
		Actor:        o.AccountID,
		Action:       "order.expired",
		ResourceType: "order",
		ResourceID:   o.ID,
	})
	slog.Info("order expired", "order_id", o.ID)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type: "order_update", OrderID: o.ID, AccountID: o.AccountID,
			Symbol: o.Symbol, Status: string(o.Status), Side: string(o.Side),
		})
	}
}

// --- Portfolio ---

// PositionView is a position decorated with mark-to-market fields.
type PositionView struct {
	model.Position
	CurrentPrice  *decimal.Decimal `json:"current_price,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

// Portfolio aggregates an account's cash, positions, and P&L.
type Portfolio struct {
	AccountID          string          `json:"account_id"`
	Cash               decimal.Decimal `json:"cash"`
	Positions          []PositionView  `json:"positions"`
	MarketValue        decimal.Decimal `json:"market_value"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
}

func (s *Service) portfolio(ctx context.Context, accountID string) (*Portfolio, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	cash, err := s.ledger.CashBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	pf := &Portfolio{AccountID: accountID, Cash: cash, Positions: []PositionView{}}
	for i := range positions {
		p := positions[i]
		view := PositionView{Position: p}
		// Unrealized P&L is computed on read; a missing quote leaves the
		// mark fields empty rather than failing the whole portfolio.
		if price, qerr := s.feed.GetCurrentPrice(ctx, p.Symbol); qerr == nil {
			upnl := position.UnrealizedPnL(&p, price)
			view.CurrentPrice = &price
			view.UnrealizedPnL = &upnl
			pf.MarketValue = pf.MarketValue.Add(p.Quantity.Mul(price))
			pf.TotalUnrealizedPnL = pf.TotalUnrealizedPnL.Add(upnl)
		}
		pf.Positions = append(pf.Positions, view)
	}
	return pf, nil
}

// rejectionReason labels pre-trade failures for metrics.
func rejectionReason(err error) string {
	var (
		ve *brokererr.ValidationError
		fe *brokererr.InsufficientFundsError
		se *brokererr.InvalidSymbolError
		me *brokererr.MarketClosedError
		pe *brokererr.PositionLimitError
	)
	switch {
	case errors.As(err, &fe):
		return "insufficient_funds"
	case errors.As(err, &se):
		return "invalid_symbol"
	case errors.As(err, &me):
		return "market_closed"
	case errors.As(err, &pe):
		return "position_limit"
	case errors.As(err, &ve):
		return "validation"
	}
	return "other"
}
