package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/broker-engine/internal/model"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testOrder(id, key string) *model.Order {
	now := time.Now().UTC()
	return &model.Order{
		ID:             id,
		AccountID:      "acct-1",
		Symbol:         "AAPL",
		Side:           model.SideBuy,
		Type:           model.OrderTypeMarket,
		TimeInForce:    model.TIFDay,
		Quantity:       d("10"),
		Status:         model.StatusAccepted,
		IdempotencyKey: key,
		Version:        2,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestCreateOrderRejectsDuplicateIdempotencyKey(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.CreateOrder(ctx, testOrder("o-1", "key-1"), nil))

	err := st.CreateOrder(ctx, testOrder("o-2", "key-1"), nil)
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)

	// Same key for a different account is fine.
	other := testOrder("o-3", "key-1")
	other.AccountID = "acct-2"
	assert.NoError(t, st.CreateOrder(ctx, other, nil))
}

func TestGetOrderByIdempotencyKey(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateOrder(ctx, testOrder("o-1", "key-1"), nil))

	got, err := st.GetOrderByIdempotencyKey(ctx, "acct-1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", got.ID)

	_, err = st.GetOrderByIdempotencyKey(ctx, "acct-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentCreateOrderSingleWinner(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			o := testOrder("o-"+string(rune('a'+n)), "shared-key")
			results <- st.CreateOrder(ctx, o, nil)
		}(i)
	}
	wg.Wait()
	close(results)

	var wins, dups int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case err == ErrDuplicateIdempotencyKey:
			dups++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, dups)
}

func TestUpdateOrderVersionCAS(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	o := testOrder("o-1", "key-1")
	require.NoError(t, st.CreateOrder(ctx, o, nil))

	upd := *o
	upd.Status = model.StatusCancelled
	upd.Version = 3
	require.NoError(t, st.UpdateOrder(ctx, &upd, 2, nil))

	// A second writer holding the stale version loses.
	stale := *o
	stale.Status = model.StatusFilled
	stale.Version = 3
	err := st.UpdateOrder(ctx, &stale, 2, nil)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := st.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.EqualValues(t, 3, got.Version)
}

func TestListOpenOrdersFiltersTerminal(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	open := testOrder("o-1", "key-1")
	require.NoError(t, st.CreateOrder(ctx, open, nil))

	done := testOrder("o-2", "key-2")
	done.Status = model.StatusFilled
	require.NoError(t, st.CreateOrder(ctx, done, nil))

	got, err := st.ListOpenOrders(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "o-1", got[0].ID)

	bySym, err := st.ListOpenOrdersBySymbol(ctx, "AAPL")
	require.NoError(t, err)
	assert.Len(t, bySym, 1)
}

func seedLedgerAccount(t *testing.T, st *MemoryStore, id, name string, typ model.LedgerAccountType) {
	t.Helper()
	require.NoError(t, st.CreateLedgerAccount(context.Background(), &model.LedgerAccount{
		ID: id, AccountID: "acct-1", Type: typ, Name: name,
		Balance: decimal.Zero, CreatedAt: time.Now().UTC(),
	}))
}

func fillBundle(o *model.Order) *model.FillBundle {
	now := time.Now().UTC()
	upd := *o
	upd.Status = model.StatusFilled
	upd.FilledQuantity = o.Quantity
	upd.AveragePrice = d("100")
	upd.Version = o.Version + 1

	e := &model.Execution{
		ID: "ex-1", OrderID: o.ID, AccountID: o.AccountID, Symbol: o.Symbol,
		Side: o.Side, Quantity: o.Quantity, Price: d("100"), ExecutedAt: now,
	}
	return &model.FillBundle{
		Order: &upd, PrevVersion: o.Version, Execution: e,
		Events: []model.OrderEvent{{ID: "ev-1", OrderID: o.ID, EventType: model.EventFilled,
			PreviousStatus: model.StatusAccepted, NewStatus: model.StatusFilled, Timestamp: now}},
		Position: &model.Position{
			AccountID: o.AccountID, Symbol: o.Symbol, Quantity: o.Quantity,
			AverageCost: d("100"), UpdatedAt: now,
		},
		Entries: []model.LedgerEntry{
			{ID: "le-1", LedgerAccountID: "la-sec", AccountID: o.AccountID, TransactionID: "tx-1",
				Type: model.EntryDebit, Amount: d("1000"), BalanceAfter: d("1000"), CreatedAt: now},
			{ID: "le-2", LedgerAccountID: "la-cash", AccountID: o.AccountID, TransactionID: "tx-1",
				Type: model.EntryCredit, Amount: d("1000"), BalanceAfter: d("-1000"), CreatedAt: now},
		},
	}
}

func TestApplyFillAtomicSuccess(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	seedLedgerAccount(t, st, "la-cash", model.LedgerNameCash, model.LedgerAsset)
	seedLedgerAccount(t, st, "la-sec", model.LedgerNameSecurities, model.LedgerAsset)

	o := testOrder("o-1", "key-1")
	require.NoError(t, st.CreateOrder(ctx, o, nil))
	require.NoError(t, st.ApplyFill(ctx, fillBundle(o)))

	got, err := st.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, got.Status)

	p, err := st.GetPosition(ctx, "acct-1", "AAPL")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d("10")))

	execs, err := st.ListExecutions(ctx, "acct-1", "AAPL")
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	la, err := st.GetLedgerAccount(ctx, "acct-1", model.LedgerNameCash)
	require.NoError(t, err)
	assert.True(t, la.Balance.Equal(d("-1000")))

	evs, err := st.ListOrderEvents(ctx, "o-1")
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestApplyFillVersionConflictLeavesNoState(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	seedLedgerAccount(t, st, "la-cash", model.LedgerNameCash, model.LedgerAsset)
	seedLedgerAccount(t, st, "la-sec", model.LedgerNameSecurities, model.LedgerAsset)

	o := testOrder("o-1", "key-1")
	require.NoError(t, st.CreateOrder(ctx, o, nil))

	b := fillBundle(o)
	b.PrevVersion = 99
	assert.ErrorIs(t, st.ApplyFill(ctx, b), ErrVersionConflict)

	_, err := st.GetPosition(ctx, "acct-1", "AAPL")
	assert.ErrorIs(t, err, ErrNotFound)
	execs, err := st.ListExecutions(ctx, "acct-1", "")
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestApplyFillUnknownLedgerAccountLeavesNoState(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	// Only Cash exists; the Securities leg must abort the whole bundle.
	seedLedgerAccount(t, st, "la-cash", model.LedgerNameCash, model.LedgerAsset)

	o := testOrder("o-1", "key-1")
	require.NoError(t, st.CreateOrder(ctx, o, nil))

	assert.ErrorIs(t, st.ApplyFill(ctx, fillBundle(o)), ErrNotFound)

	got, err := st.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, got.Status)
	_, err = st.GetPosition(ctx, "acct-1", "AAPL")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyFillDeletePosition(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	seedLedgerAccount(t, st, "la-cash", model.LedgerNameCash, model.LedgerAsset)
	seedLedgerAccount(t, st, "la-sec", model.LedgerNameSecurities, model.LedgerAsset)

	o := testOrder("o-1", "key-1")
	require.NoError(t, st.CreateOrder(ctx, o, nil))
	require.NoError(t, st.ApplyFill(ctx, fillBundle(o)))

	// Closing bundle: delete the row.
	closing := testOrder("o-2", "key-2")
	closing.Side = model.SideSell
	require.NoError(t, st.CreateOrder(ctx, closing, nil))
	b := fillBundle(closing)
	b.Position = nil
	b.DeletePosition = true
	b.Execution.ID = "ex-2"
	b.Entries = nil
	require.NoError(t, st.ApplyFill(ctx, b))

	_, err := st.GetPosition(ctx, "acct-1", "AAPL")
	assert.ErrorIs(t, err, ErrNotFound)
}
