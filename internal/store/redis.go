package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/broker-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Only hot read paths are
// cached: orders, instruments, accounts, positions, and the ledger chart.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Accounts ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cacheJSON(ctx, accountKey(a.ID), a)
	return nil
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if s.readJSON(ctx, accountKey(id), &a) {
		return &a, nil
	}

	got, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, accountKey(id), got)
	return got, nil
}

// --- Instruments ---

func (s *CachedStore) CreateInstrument(ctx context.Context, in *model.Instrument) error {
	if err := s.primary.CreateInstrument(ctx, in); err != nil {
		return err
	}
	s.cacheJSON(ctx, instrumentKey(in.Symbol), in)
	return nil
}

func (s *CachedStore) GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error) {
	var in model.Instrument
	if s.readJSON(ctx, instrumentKey(symbol), &in) {
		return &in, nil
	}

	got, err := s.primary.GetInstrument(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, instrumentKey(symbol), got)
	return got, nil
}

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx)
}

// --- Chart of ledger accounts ---

func (s *CachedStore) CreateLedgerAccount(ctx context.Context, la *model.LedgerAccount) error {
	if err := s.primary.CreateLedgerAccount(ctx, la); err != nil {
		return err
	}
	s.rdb.Del(ctx, chartKey(la.AccountID))
	return nil
}

func (s *CachedStore) GetLedgerAccount(ctx context.Context, accountID, name string) (*model.LedgerAccount, error) {
	return s.primary.GetLedgerAccount(ctx, accountID, name)
}

func (s *CachedStore) ListLedgerAccounts(ctx context.Context, accountID string) ([]model.LedgerAccount, error) {
	var out []model.LedgerAccount
	if s.readJSON(ctx, chartKey(accountID), &out) {
		return out, nil
	}

	got, err := s.primary.ListLedgerAccounts(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, chartKey(accountID), got)
	return got, nil
}

// --- Ledger entries ---

func (s *CachedStore) AppendLedgerEntries(ctx context.Context, entries []model.LedgerEntry) error {
	if err := s.primary.AppendLedgerEntries(ctx, entries); err != nil {
		return err
	}
	for i := range entries {
		s.rdb.Del(ctx, chartKey(entries[i].AccountID))
	}
	return nil
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, accountID)
}

// --- Orders ---

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order, events []model.OrderEvent) error {
	if err := s.primary.CreateOrder(ctx, o, events); err != nil {
		return err
	}
	s.cacheJSON(ctx, orderKey(o.ID), o)
	return nil
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	if s.readJSON(ctx, orderKey(id), &o) {
		return &o, nil
	}

	got, err := s.primary.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, orderKey(id), got)
	return got, nil
}

func (s *CachedStore) GetOrderByIdempotencyKey(ctx context.Context, accountID, key string) (*model.Order, error) {
	return s.primary.GetOrderByIdempotencyKey(ctx, accountID, key)
}

func (s *CachedStore) UpdateOrder(ctx context.Context, o *model.Order, prevVersion int64, events []model.OrderEvent) error {
	if err := s.primary.UpdateOrder(ctx, o, prevVersion, events); err != nil {
		return err
	}
	// Invalidate rather than overwrite; next read re-populates.
	s.rdb.Del(ctx, orderKey(o.ID))
	return nil
}

func (s *CachedStore) ListOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, accountID)
}

func (s *CachedStore) ListOpenOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx, accountID)
}

func (s *CachedStore) ListOpenOrdersBySymbol(ctx context.Context, symbol string) ([]model.Order, error) {
	return s.primary.ListOpenOrdersBySymbol(ctx, symbol)
}

func (s *CachedStore) ListAllOpenOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListAllOpenOrders(ctx)
}

func (s *CachedStore) ListOrderEvents(ctx context.Context, orderID string) ([]model.OrderEvent, error) {
	return s.primary.ListOrderEvents(ctx, orderID)
}

// --- Executions ---

func (s *CachedStore) ListExecutions(ctx context.Context, accountID, symbol string) ([]model.Execution, error) {
	return s.primary.ListExecutions(ctx, accountID, symbol)
}

// --- Positions ---

func (s *CachedStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, accountID, symbol)
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	var out []model.Position
	if s.readJSON(ctx, positionsKey(accountID), &out) {
		return out, nil
	}

	got, err := s.primary.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, positionsKey(accountID), got)
	return got, nil
}

// --- Atomic fill application ---

func (s *CachedStore) ApplyFill(ctx context.Context, b *model.FillBundle) error {
	if err := s.primary.ApplyFill(ctx, b); err != nil {
		return err
	}
	accountID := b.Order.AccountID
	s.rdb.Del(ctx,
		orderKey(b.Order.ID),
		positionsKey(accountID),
		chartKey(accountID),
	)
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) readJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(id string) string     { return fmt.Sprintf("account:%s", id) }
func instrumentKey(sym string) string { return fmt.Sprintf("instrument:%s", sym) }
func orderKey(id string) string       { return fmt.Sprintf("order:%s", id) }
func positionsKey(id string) string   { return fmt.Sprintf("positions:%s", id) }
func chartKey(id string) string       { return fmt.Sprintf("ledger_accounts:%s", id) }
