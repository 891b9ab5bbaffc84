// Package model defines the core domain types shared across the broker engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or execution.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Sign returns +1 for BUY and -1 for SELL as a decimal multiplier.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderType is the closed set of supported order types.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// Valid reports whether the order type is a known variant.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	}
	return false
}

// RequiresLimitPrice reports whether the order type must carry a limit price.
func (t OrderType) RequiresLimitPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// RequiresStopPrice reports whether the order type must carry a stop price.
func (t OrderType) RequiresStopPrice() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

// TimeInForce controls how long an order remains working.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY" // expires at session close
	TIFGTC TimeInForce = "GTC" // good till cancelled
	TIFIOC TimeInForce = "IOC" // immediate-or-cancel, partial allowed
	TIFFOK TimeInForce = "FOK" // fill-or-kill, all-or-nothing
)

// Valid reports whether the time-in-force is a known variant.
func (t TimeInForce) Valid() bool {
	switch t {
	case TIFDay, TIFGTC, TIFIOC, TIFFOK:
		return true
	}
	return false
}

// Immediate reports whether the TIF demands an immediate execution attempt
// (and therefore an open trading session at placement).
func (t TimeInForce) Immediate() bool { return t == TIFIOC || t == TIFFOK }

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusAccepted  OrderStatus = "ACCEPTED"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusExpired   OrderStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Instrument restrictions.
const (
	RestrictionNone      = ""
	RestrictionHalt      = "HALT"
	RestrictionCloseOnly = "CLOSE_ONLY"
)

// Account identifies a paper-trading wallet. Cash is never mutated on the
// account itself, only via ledger entries.
type Account struct {
	ID          string          `json:"id" db:"id"`
	Type        string          `json:"type" db:"type"` // "INDIVIDUAL"
	InitialCash decimal.Decimal `json:"initial_cash" db:"initial_cash"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Instrument is a tradeable symbol listed on an exchange.
type Instrument struct {
	Symbol      string    `json:"symbol" db:"symbol"`
	Name        string    `json:"name" db:"name"`
	Exchange    string    `json:"exchange" db:"exchange"`
	Tradeable   bool      `json:"tradeable" db:"tradeable"`
	Restriction string    `json:"restriction,omitempty" db:"restriction"` // "", HALT, CLOSE_ONLY
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Order is a trade intent. Mutated only by the execution simulator or
// explicit cancel/modify; every mutation bumps Version.
type Order struct {
	ID             string           `json:"id" db:"id"`
	AccountID      string           `json:"account_id" db:"account_id"`
	Symbol         string           `json:"symbol" db:"symbol"`
	Side           Side             `json:"side" db:"side"`
	Type           OrderType        `json:"type" db:"type"`
	TimeInForce    TimeInForce      `json:"time_in_force" db:"time_in_force"`
	Quantity       decimal.Decimal  `json:"quantity" db:"quantity"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity" db:"filled_quantity"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty" db:"stop_price"`
	AveragePrice   decimal.Decimal  `json:"average_price" db:"average_price"` // quantity-weighted mean of fills
	Status         OrderStatus      `json:"status" db:"status"`
	StopTriggered  bool             `json:"stop_triggered" db:"stop_triggered"`
	IdempotencyKey string           `json:"idempotency_key" db:"idempotency_key"`
	Version        int64            `json:"version" db:"version"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Open reports whether the order can still receive fills.
func (o *Order) Open() bool { return !o.Status.Terminal() }

// Order event types, one per lifecycle transition.
const (
	EventCreated         = "CREATED"
	EventAccepted        = "ACCEPTED"
	EventPartiallyFilled = "PARTIALLY_FILLED"
	EventFilled          = "FILLED"
	EventCancelled       = "CANCELLED"
	EventRejected        = "REJECTED"
	EventExpired         = "EXPIRED"
	EventModified        = "MODIFIED"
	EventStopTriggered   = "STOP_TRIGGERED"
)

// OrderEvent is an append-only transition record. Write-once.
type OrderEvent struct {
	ID             string            `json:"id" db:"id"`
	OrderID        string            `json:"order_id" db:"order_id"`
	EventType      string            `json:"event_type" db:"event_type"`
	PreviousStatus OrderStatus       `json:"previous_status" db:"previous_status"`
	NewStatus      OrderStatus       `json:"new_status" db:"new_status"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"metadata"`
	Timestamp      time.Time         `json:"timestamp" db:"timestamp"`
}

// Execution is an immutable fill record.
type Execution struct {
	ID         string          `json:"id" db:"id"`
	OrderID    string          `json:"order_id" db:"order_id"`
	AccountID  string          `json:"account_id" db:"account_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Side       Side            `json:"side" db:"side"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Commission decimal.Decimal `json:"commission" db:"commission"`
	ExecutedAt time.Time       `json:"executed_at" db:"executed_at"`
}

// Notional returns quantity * price for the execution.
func (e *Execution) Notional() decimal.Decimal {
	return e.Quantity.Mul(e.Price)
}

// Position is the current holding for one (account, symbol). Rows are
// deleted when a position fully closes; quantity is never zero. Derived
// state: always reconstructable by replaying the execution history.
type Position struct {
	AccountID   string          `json:"account_id" db:"account_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"` // signed: long > 0, short < 0
	AverageCost decimal.Decimal `json:"average_cost" db:"average_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// LedgerAccountType classifies a ledger account for the integrity check.
type LedgerAccountType string

const (
	LedgerAsset     LedgerAccountType = "ASSET"
	LedgerLiability LedgerAccountType = "LIABILITY"
	LedgerEquity    LedgerAccountType = "EQUITY"
	LedgerExpense   LedgerAccountType = "EXPENSE"
)

// Standard chart of ledger account names, one set per trading account.
const (
	LedgerNameCash       = "Cash"
	LedgerNameSecurities = "Securities"
	LedgerNameEquity     = "Equity"
	LedgerNameCommission = "Commission Expense"
)

// LedgerAccount is one row of the per-account chart of accounts.
// Balance is signed debit-positive for every account type: debits add,
// credits subtract. Equity accounts therefore carry negative balances.
type LedgerAccount struct {
	ID        string            `json:"id" db:"id"`
	AccountID string            `json:"account_id" db:"account_id"`
	Type      LedgerAccountType `json:"type" db:"type"`
	Name      string            `json:"name" db:"name"`
	Balance   decimal.Decimal   `json:"balance" db:"balance"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// EntryType is the double-entry direction.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// LedgerEntry is one immutable leg of a balanced transaction. Every
// transaction's debits equal its credits, exactly.
type LedgerEntry struct {
	ID              string          `json:"id" db:"id"`
	LedgerAccountID string          `json:"ledger_account_id" db:"ledger_account_id"`
	AccountID       string          `json:"account_id" db:"account_id"`
	TransactionID   string          `json:"transaction_id" db:"transaction_id"`
	Type            EntryType       `json:"type" db:"type"`
	Amount          decimal.Decimal `json:"amount" db:"amount"` // always > 0
	BalanceAfter    decimal.Decimal `json:"balance_after" db:"balance_after"`
	Description     string          `json:"description" db:"description"`
	ReferenceType   string          `json:"reference_type" db:"reference_type"` // e.g. "execution", "account"
	ReferenceID     string          `json:"reference_id" db:"reference_id"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Signed returns the entry amount with DEBIT positive and CREDIT negative.
func (e *LedgerEntry) Signed() decimal.Decimal {
	if e.Type == EntryCredit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Quote is a bid/ask snapshot from the quote source.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"timestamp"`
}

// FillBundle is one atomic unit of fill side effects: the execution, the
// updated order (conditioned on PrevVersion), its transition events, the
// position change, and the balanced ledger legs. Stores apply the whole
// bundle or none of it.
type FillBundle struct {
	Order          *Order
	PrevVersion    int64
	Execution      *Execution
	Events         []OrderEvent
	Position       *Position // nil when DeletePosition
	DeletePosition bool
	Entries        []LedgerEntry
}
