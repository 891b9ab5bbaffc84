package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/broker-engine/internal/brokererr"
	"github.com/papertrade/broker-engine/internal/ids"
	"github.com/papertrade/broker-engine/internal/model"
	"github.com/papertrade/broker-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func seeded(t *testing.T, cash string) (*Service, store.Store, *model.Account) {
	t.Helper()
	st := store.NewMemoryStore()
	svc := NewService(st)

	a := &model.Account{
		ID:          "acct-1",
		Type:        "INDIVIDUAL",
		InitialCash: d(cash),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.CreateAccount(context.Background(), a))
	require.NoError(t, svc.SeedAccount(context.Background(), a))
	return svc, st, a
}

func TestSeedAccountCreatesChartAndOpeningBalance(t *testing.T) {
	svc, st, a := seeded(t, "10000")
	ctx := context.Background()

	accts, err := st.ListLedgerAccounts(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, accts, 4)

	cash, err := svc.CashBalance(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, cash.Equal(d("10000")))

	equity, err := svc.GetBalance(ctx, a.ID, model.LedgerNameEquity)
	require.NoError(t, err)
	// Debit-positive storage: equity carries the opening credit as negative.
	assert.True(t, equity.Equal(d("-10000")))
}

func TestSeedAccountZeroCashSkipsOpeningEntry(t *testing.T) {
	_, st, a := seeded(t, "0")

	entries, err := st.ListLedgerEntries(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFillLegsBuy(t *testing.T) {
	e := &model.Execution{
		ID: "ex-1", AccountID: "acct-1", Symbol: "AAPL",
		Side: model.SideBuy, Quantity: d("10"), Price: d("150.3502"),
	}
	legs := FillLegs(e)

	require.Len(t, legs, 2)
	assert.Equal(t, model.LedgerNameSecurities, legs[0].AccountName)
	assert.Equal(t, model.EntryDebit, legs[0].Type)
	assert.Equal(t, model.LedgerNameCash, legs[1].AccountName)
	assert.Equal(t, model.EntryCredit, legs[1].Type)
	assert.True(t, legs[0].Amount.Equal(d("1503.502")))
	assert.True(t, legs[1].Amount.Equal(d("1503.502")))
}

func TestFillLegsSellWithCommission(t *testing.T) {
	e := &model.Execution{
		ID: "ex-2", AccountID: "acct-1", Symbol: "AAPL",
		Side: model.SideSell, Quantity: d("4"), Price: d("150.849"),
		Commission: d("1.25"),
	}
	legs := FillLegs(e)

	require.Len(t, legs, 4)
	assert.Equal(t, model.LedgerNameCash, legs[0].AccountName)
	assert.Equal(t, model.EntryDebit, legs[0].Type)
	assert.Equal(t, model.LedgerNameSecurities, legs[1].AccountName)
	assert.Equal(t, model.EntryCredit, legs[1].Type)

	// Commission is its own expense leg pair, never netted into the trade.
	assert.Equal(t, model.LedgerNameCommission, legs[2].AccountName)
	assert.Equal(t, model.EntryDebit, legs[2].Type)
	assert.True(t, legs[2].Amount.Equal(d("1.25")))
	assert.Equal(t, model.LedgerNameCash, legs[3].AccountName)
	assert.Equal(t, model.EntryCredit, legs[3].Type)
}

func TestPostRejectsImbalancedTransaction(t *testing.T) {
	svc, _, a := seeded(t, "1000")

	legs := []Leg{
		{model.LedgerNameSecurities, model.EntryDebit, d("100"), "", "", ""},
		{model.LedgerNameCash, model.EntryCredit, d("99"), "", "", ""},
	}
	_, err := svc.Post(context.Background(), a.ID, ids.New(), legs)

	var imb *brokererr.LedgerImbalanceError
	require.ErrorAs(t, err, &imb)
	assert.True(t, imb.Debits.Equal(d("100")))
	assert.True(t, imb.Credits.Equal(d("99")))
}

func TestPostRejectsNonPositiveAmount(t *testing.T) {
	svc, _, a := seeded(t, "1000")

	legs := []Leg{
		{model.LedgerNameSecurities, model.EntryDebit, d("0"), "", "", ""},
		{model.LedgerNameCash, model.EntryCredit, d("0"), "", "", ""},
	}
	_, err := svc.Post(context.Background(), a.ID, ids.New(), legs)

	var ve *brokererr.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestPostAdvancesBalances(t *testing.T) {
	svc, _, a := seeded(t, "10000")
	ctx := context.Background()

	e := &model.Execution{
		ID: "ex-1", AccountID: a.ID, Symbol: "AAPL",
		Side: model.SideBuy, Quantity: d("10"), Price: d("150.3502"),
	}
	_, err := svc.Post(ctx, a.ID, ids.New(), FillLegs(e))
	require.NoError(t, err)

	cash, err := svc.CashBalance(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, cash.Equal(d("8496.498")), "got %s", cash)

	securities, err := svc.GetBalance(ctx, a.ID, model.LedgerNameSecurities)
	require.NoError(t, err)
	assert.True(t, securities.Equal(d("1503.502")))
}

func TestPrepareComputesRunningBalanceWithinBatch(t *testing.T) {
	svc, _, a := seeded(t, "1000")

	// Two legs touch Cash in one transaction; BalanceAfter must chain.
	legs := []Leg{
		{model.LedgerNameSecurities, model.EntryDebit, d("100"), "", "", ""},
		{model.LedgerNameCash, model.EntryCredit, d("100"), "", "", ""},
		{model.LedgerNameCommission, model.EntryDebit, d("1"), "", "", ""},
		{model.LedgerNameCash, model.EntryCredit, d("1"), "", "", ""},
	}
	entries, err := svc.Prepare(context.Background(), a.ID, ids.New(), legs)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.True(t, entries[1].BalanceAfter.Equal(d("900")))
	assert.True(t, entries[3].BalanceAfter.Equal(d("899")))
}

func TestVerifyIntegrity(t *testing.T) {
	svc, _, a := seeded(t, "10000")
	ctx := context.Background()

	e := &model.Execution{
		ID: "ex-1", AccountID: a.ID, Symbol: "AAPL",
		Side: model.SideBuy, Quantity: d("10"), Price: d("150.3502"),
		Commission: d("1.50"),
	}
	_, err := svc.Post(ctx, a.ID, ids.New(), FillLegs(e))
	require.NoError(t, err)

	rep, err := svc.VerifyIntegrity(ctx, a.ID)
	require.NoError(t, err)

	assert.True(t, rep.Balanced)
	assert.True(t, rep.BalancesInSync)
	assert.True(t, rep.Drift.IsZero(), "drift %s", rep.Drift)
	// Assets shrank by the commission; the expense account absorbed it.
	assert.True(t, rep.Assets.Equal(d("9998.50")), "assets %s", rep.Assets)
	assert.True(t, rep.Expenses.Equal(d("1.50")))
	assert.True(t, rep.LiabilitiesAndEquity.Equal(d("10000")))
}

func TestEntriesSignedSumToZeroPerTransaction(t *testing.T) {
	svc, st, a := seeded(t, "10000")
	ctx := context.Background()

	for _, e := range []*model.Execution{
		{ID: "ex-1", AccountID: a.ID, Symbol: "AAPL", Side: model.SideBuy, Quantity: d("10"), Price: d("150"), Commission: d("1")},
		{ID: "ex-2", AccountID: a.ID, Symbol: "AAPL", Side: model.SideSell, Quantity: d("4"), Price: d("155")},
	} {
		_, err := svc.Post(ctx, a.ID, ids.New(), FillLegs(e))
		require.NoError(t, err)
	}

	entries, err := st.ListLedgerEntries(ctx, a.ID)
	require.NoError(t, err)

	byTx := make(map[string]decimal.Decimal)
	for i := range entries {
		e := &entries[i]
		byTx[e.TransactionID] = byTx[e.TransactionID].Add(e.Signed())
	}
	for tx, sum := range byTx {
		assert.True(t, sum.IsZero(), "transaction %s nets %s", tx, sum)
	}
}
