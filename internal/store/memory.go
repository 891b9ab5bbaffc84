package store

import (
	"context"
	"sort"
	"sync"

	"github.com/papertrade/broker-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*model.Account
	instruments map[string]*model.Instrument
	ledgerAccts map[string]*model.LedgerAccount // keyed by accountID+"/"+name
	entries     []model.LedgerEntry
	orders      map[string]*model.Order
	idemKeys    map[string]string // accountID+"/"+key → orderID
	events      []model.OrderEvent
	executions  []model.Execution
	positions   map[string]*model.Position // keyed by accountID+"/"+symbol
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		instruments: make(map[string]*model.Instrument),
		ledgerAccts: make(map[string]*model.LedgerAccount),
		orders:      make(map[string]*model.Order),
		idemKeys:    make(map[string]string),
		positions:   make(map[string]*model.Position),
	}
}

func key2(a, b string) string { return a + "/" + b }

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// --- Instruments ---

func (s *MemoryStore) CreateInstrument(_ context.Context, in *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *in
	s.instruments[in.Symbol] = &cp
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, symbol string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.instruments[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Instrument, 0, len(s.instruments))
	for _, in := range s.instruments {
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// --- Chart of ledger accounts ---

func (s *MemoryStore) CreateLedgerAccount(_ context.Context, la *model.LedgerAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *la
	s.ledgerAccts[key2(la.AccountID, la.Name)] = &cp
	return nil
}

func (s *MemoryStore) GetLedgerAccount(_ context.Context, accountID, name string) (*model.LedgerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	la, ok := s.ledgerAccts[key2(accountID, name)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *la
	return &cp, nil
}

func (s *MemoryStore) ListLedgerAccounts(_ context.Context, accountID string) ([]model.LedgerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerAccount
	for _, la := range s.ledgerAccts {
		if la.AccountID == accountID {
			out = append(out, *la)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- Ledger entries ---

func (s *MemoryStore) AppendLedgerEntries(_ context.Context, entries []model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendEntriesLocked(entries)
}

func (s *MemoryStore) appendEntriesLocked(entries []model.LedgerEntry) error {
	for _, e := range entries {
		la, ok := s.findLedgerAccountByIDLocked(e.LedgerAccountID)
		if !ok {
			return ErrNotFound
		}
		la.Balance = e.BalanceAfter
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *MemoryStore) findLedgerAccountByIDLocked(id string) (*model.LedgerAccount, bool) {
	for _, la := range s.ledgerAccts {
		if la.ID == id {
			return la, true
		}
	}
	return nil, false
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerEntry
	for _, e := range s.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order, events []model.OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ik := key2(o.AccountID, o.IdempotencyKey)
	if _, exists := s.idemKeys[ik]; exists {
		return ErrDuplicateIdempotencyKey
	}

	cp := *o
	s.orders[o.ID] = &cp
	s.idemKeys[ik] = o.ID
	s.events = append(s.events, events...)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) GetOrderByIdempotencyKey(_ context.Context, accountID, key string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idemKeys[key2(accountID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.orders[id]
	return &cp, nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order, prevVersion int64, events []model.OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateOrderLocked(o, prevVersion, events)
}

func (s *MemoryStore) updateOrderLocked(o *model.Order, prevVersion int64, events []model.OrderEvent) error {
	cur, ok := s.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != prevVersion {
		return ErrVersionConflict
	}
	cp := *o
	s.orders[o.ID] = &cp
	s.events = append(s.events, events...)
	return nil
}

func (s *MemoryStore) ListOrders(_ context.Context, accountID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.AccountID == accountID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context, accountID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.AccountID == accountID && o.Open() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListOpenOrdersBySymbol(_ context.Context, symbol string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.Symbol == symbol && o.Open() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListAllOpenOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.Open() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListOrderEvents(_ context.Context, orderID string) ([]model.OrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OrderEvent
	for _, ev := range s.events {
		if ev.OrderID == orderID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// --- Executions ---

func (s *MemoryStore) ListExecutions(_ context.Context, accountID, symbol string) ([]model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Execution
	for _, e := range s.executions {
		if e.AccountID == accountID && (symbol == "" || e.Symbol == symbol) {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, accountID, symbol string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key2(accountID, symbol)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.AccountID == accountID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// --- Atomic fill application ---

// ApplyFill applies the bundle under one lock. The version check runs first
// so a conflict leaves the store untouched.
func (s *MemoryStore) ApplyFill(_ context.Context, b *model.FillBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[b.Order.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != b.PrevVersion {
		return ErrVersionConflict
	}

	// Validate ledger accounts exist before mutating anything.
	for _, e := range b.Entries {
		if _, ok := s.findLedgerAccountByIDLocked(e.LedgerAccountID); !ok {
			return ErrNotFound
		}
	}

	if err := s.updateOrderLocked(b.Order, b.PrevVersion, b.Events); err != nil {
		return err
	}
	if b.Execution != nil {
		s.executions = append(s.executions, *b.Execution)
	}

	pk := key2(b.Order.AccountID, b.Order.Symbol)
	switch {
	case b.DeletePosition:
		delete(s.positions, pk)
	case b.Position != nil:
		cp := *b.Position
		s.positions[pk] = &cp
	}

	return s.appendEntriesLocked(b.Entries)
}
