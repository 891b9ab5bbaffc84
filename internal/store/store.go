// Package store defines the persistence interface for the broker engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/papertrade/broker-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateIdempotencyKey is returned by CreateOrder when another
	// order with the same (account, idempotency key) already exists. The
	// caller must re-read the winning row rather than error out.
	ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")

	// ErrVersionConflict is returned by conditional writes when the order's
	// version no longer matches the caller's expected version.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. All mutating order and fill
// operations are atomic per call.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new trading account.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// --- Instruments ---

	// CreateInstrument registers a tradeable symbol.
	CreateInstrument(ctx context.Context, in *model.Instrument) error

	// GetInstrument retrieves an instrument by symbol.
	GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error)

	// ListInstruments returns all registered instruments.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// --- Chart of ledger accounts ---

	// CreateLedgerAccount adds one row to an account's chart.
	CreateLedgerAccount(ctx context.Context, la *model.LedgerAccount) error

	// GetLedgerAccount retrieves one chart row by account and name.
	GetLedgerAccount(ctx context.Context, accountID, name string) (*model.LedgerAccount, error)

	// ListLedgerAccounts returns an account's full chart.
	ListLedgerAccounts(ctx context.Context, accountID string) ([]model.LedgerAccount, error)

	// --- Immutable ledger entries ---

	// AppendLedgerEntries writes a balanced set of entries and advances each
	// touched ledger account's balance to the entry's BalanceAfter. Atomic.
	AppendLedgerEntries(ctx context.Context, entries []model.LedgerEntry) error

	// ListLedgerEntries returns all entries for an account in creation order.
	ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// --- Orders ---

	// CreateOrder persists a new order together with its initial events.
	// Returns ErrDuplicateIdempotencyKey if the (account, idempotency key)
	// pair already exists.
	CreateOrder(ctx context.Context, o *model.Order, events []model.OrderEvent) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// GetOrderByIdempotencyKey retrieves an order by its placement key.
	GetOrderByIdempotencyKey(ctx context.Context, accountID, key string) (*model.Order, error)

	// UpdateOrder writes an order conditioned on prevVersion, appending the
	// given transition events atomically. Returns ErrVersionConflict when
	// the stored version differs.
	UpdateOrder(ctx context.Context, o *model.Order, prevVersion int64, events []model.OrderEvent) error

	// ListOrders returns all orders for an account, newest first.
	ListOrders(ctx context.Context, accountID string) ([]model.Order, error)

	// ListOpenOrders returns an account's non-terminal orders.
	ListOpenOrders(ctx context.Context, accountID string) ([]model.Order, error)

	// ListOpenOrdersBySymbol returns all non-terminal orders for a symbol
	// across accounts, oldest first (evaluation priority).
	ListOpenOrdersBySymbol(ctx context.Context, symbol string) ([]model.Order, error)

	// ListAllOpenOrders returns every non-terminal order, oldest first.
	ListAllOpenOrders(ctx context.Context) ([]model.Order, error)

	// ListOrderEvents returns an order's transition log in creation order.
	ListOrderEvents(ctx context.Context, orderID string) ([]model.OrderEvent, error)

	// --- Executions ---

	// ListExecutions returns an account's executions for one symbol in
	// execution order ("" matches all symbols).
	ListExecutions(ctx context.Context, accountID, symbol string) ([]model.Execution, error)

	// --- Positions ---

	// GetPosition retrieves the position row for (account, symbol).
	GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error)

	// ListPositions returns all open positions for an account.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// --- Atomic fill application ---

	// ApplyFill applies one fill bundle as a single atomic unit: execution,
	// order update (conditioned on PrevVersion), events, position
	// upsert/delete, and ledger entries with balance updates. Any failure
	// leaves no partial state.
	ApplyFill(ctx context.Context, b *model.FillBundle) error
}
