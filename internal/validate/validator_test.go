package validate

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/broker-engine/internal/brokererr"
	"github.com/papertrade/broker-engine/internal/ledger"
	"github.com/papertrade/broker-engine/internal/market"
	"github.com/papertrade/broker-engine/internal/model"
	"github.com/papertrade/broker-engine/internal/orders"
	"github.com/papertrade/broker-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func ptr(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

// fixedCalendar reports one answer regardless of exchange or time.
type fixedCalendar bool

func (c fixedCalendar) IsExchangeOpen(string, time.Time) bool { return bool(c) }
func (c fixedCalendar) NextMarketOpen(_ string, after time.Time) time.Time {
	return after.Add(time.Hour)
}

type fixture struct {
	store store.Store
	led   *ledger.Service
	feed  *market.Feed
}

func setup(t *testing.T, cash string) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	led := ledger.NewService(st)

	a := &model.Account{ID: "acct-1", Type: "INDIVIDUAL", InitialCash: d(cash), CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateAccount(ctx, a))
	require.NoError(t, led.SeedAccount(ctx, a))

	require.NoError(t, st.CreateInstrument(ctx, &model.Instrument{
		Symbol: "AAPL", Name: "Apple Inc.", Exchange: "NASDAQ", Tradeable: true,
		CreatedAt: time.Now().UTC(),
	}))

	feed := market.NewFeed()
	feed.Publish(model.Quote{Symbol: "AAPL", Bid: d("150.10"), Ask: d("150.20"), Last: d("150.15")})
	return &fixture{store: st, led: led, feed: feed}
}

func (f *fixture) validator(open bool, limits Limits) *Validator {
	return New(f.store, f.led, f.feed, fixedCalendar(open), limits, d("0.001"))
}

func order(t *testing.T, p orders.Params) *model.Order {
	t.Helper()
	o, err := orders.New(p, "key-"+p.Symbol+string(p.Side)+p.Quantity.String())
	require.NoError(t, err)
	return o
}

func buyMarket(t *testing.T, qty string) *model.Order {
	return order(t, orders.Params{
		AccountID: "acct-1", Symbol: "AAPL", Side: model.SideBuy,
		Type: model.OrderTypeMarket, TimeInForce: model.TIFDay, Quantity: d(qty),
	})
}

func TestCheckUnknownSymbol(t *testing.T) {
	f := setup(t, "10000")
	o := order(t, orders.Params{
		AccountID: "acct-1", Symbol: "ZZZZ", Side: model.SideBuy,
		Type: model.OrderTypeMarket, TimeInForce: model.TIFDay, Quantity: d("1"),
	})

	err := f.validator(true, Limits{}).Check(context.Background(), o)
	var se *brokererr.InvalidSymbolError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "ZZZZ", se.Symbol)
}

func TestCheckNotTradeable(t *testing.T) {
	f := setup(t, "10000")
	require.NoError(t, f.store.CreateInstrument(context.Background(), &model.Instrument{
		Symbol: "DELIST", Exchange: "NYSE", Tradeable: false, CreatedAt: time.Now().UTC(),
	}))
	o := order(t, orders.Params{
		AccountID: "acct-1", Symbol: "DELIST", Side: model.SideBuy,
		Type: model.OrderTypeMarket, TimeInForce: model.TIFDay, Quantity: d("1"),
	})

	err := f.validator(true, Limits{}).Check(context.Background(), o)
	var se *brokererr.InvalidSymbolError
	require.ErrorAs(t, err, &se)
}

func TestCheckHaltedSymbol(t *testing.T) {
	f := setup(t, "10000")
	require.NoError(t, f.store.CreateInstrument(context.Background(), &model.Instrument{
		Symbol: "HALTED", Exchange: "NYSE", Tradeable: true,
		Restriction: model.RestrictionHalt, CreatedAt: time.Now().UTC(),
	}))
	o := order(t, orders.Params{
		AccountID: "acct-1", Symbol: "HALTED", Side: model.SideSell,
		Type: model.OrderTypeMarket, TimeInForce: model.TIFDay, Quantity: d("1"),
	})

	err := f.validator(true, Limits{}).Check(context.Background(), o)
	var se *brokererr.InvalidSymbolError
	require.ErrorAs(t, err, &se)
}

func TestCheckCloseOnly(t *testing.T) {
	f := setup(t, "100000")
	ctx := context.Background()
	require.NoError(t, f.store.CreateInstrument(ctx, &model.Instrument{
		Symbol: "WIND", Exchange: "NYSE", Tradeable: true,
		Restriction: model.RestrictionCloseOnly, CreatedAt: time.Now().UTC(),
	}))
	f.feed.Publish(model.Quote{Symbol: "WIND", Bid: d("10"), Ask: d("10.05"), Last: d("10")})

	// No position: a buy opens and must be rejected.
	open := order(t, orders.Params{
		AccountID: "acct-1", Symbol: "WIND", Side: model.SideBuy,
		Type: model.OrderTypeMarket, TimeInForce: model.TIFDay, Quantity: d("5"),
	})
	err := f.validator(true, Limits{}).Check(ctx, open)
	var se *brokererr.InvalidSymbolError
	require.ErrorAs(t, err, &se)

	// With a long position, a sell reduces and passes.
	require.NoError(t, f.store.ApplyFill(ctx, longPositionBundle(t, f, "WIND", "10", "10")))
	reduce := order(t, orders.Params{
		AccountID: "acct-1", Symbol: "WIND", Side: model.SideSell,
		Type: model.OrderTypeMarket, TimeInForce: model.TIFDay, Quantity: d("5"),
	})
	assert.NoError(t, f.validator(true, Limits{}).Check(ctx, reduce))
}

// longPositionBundle seeds a position through the atomic fill path so the
// store's invariants hold.
func longPositionBundle(t *testing.T, f *fixture, symbol, qty, price string) *model.FillBundle {
	t.Helper()
	ctx := context.Background()

	o := order(t, orders.Params{
		AccountID: "acct-1", Symbol: symbol, Side: model.SideBuy,
		Type: model.OrderTypeMarket, TimeInForce: model.TIFDay, Quantity: d(qty),
	})
	created := orders.Event(o, model.EventCreated, nil)
	accepted, err := orders.Transition(o, model.StatusAccepted, model.EventAccepted, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateOrder(ctx, o, []model.OrderEvent{created, accepted}))

	prev := o.Version
	filled, err := orders.Transition(o, model.StatusFilled, model.EventFilled, nil)
	require.NoError(t, err)
	o.FilledQuantity = d(qty)
	o.AveragePrice = d(price)

	e := &model.Execution{
		ID: "ex-" + symbol, OrderID: o.ID, AccountID: "acct-1", Symbol: symbol,
		Side: model.SideBuy, Quantity: d(qty), Price: d(price), ExecutedAt: time.Now().UTC(),
	}
	entries, err := f.led.Prepare(ctx, "acct-1", "tx-"+symbol, ledger.FillLegs(e))
	require.NoError(t, err)

	return &model.FillBundle{
		Order: o, PrevVersion: prev, Execution: e,
		Events: []model.OrderEvent{filled},
		Position: &model.Position{
			AccountID: "acct-1", Symbol: symbol, Quantity: d(qty),
			AverageCost: d(price), UpdatedAt: time.Now().UTC(),
		},
		Entries: entries,
	}
}

func TestCheckMarketClosed(t *testing.T) {
	f := setup(t, "10000")
	o := buyMarket(t, "10")

	err := f.validator(false, Limits{}).Check(context.Background(), o)
	var me *brokererr.MarketClosedError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "NASDAQ", me.Exchange)
	assert.False(t, me.NextOpen.IsZero())
}

func TestCheckRestingOrderAllowedWhileClosed(t *testing.T) {
	f := setup(t, "10000")
	o := order(t, orders.Params{
		AccountID: "acct-1", Symbol: "AAPL", Side: model.SideBuy,
		Type: model.OrderTypeLimit, TimeInForce: model.TIFGTC,
		Quantity: d("10"), LimitPrice: ptr("100"),
	})

	assert.NoError(t, f.validator(false, Limits{}).Check(context.Background(), o))
}

func TestCheckIOCNeedsOpenSession(t *testing.T) {
	f := setup(t, "10000")
	o := order(t, orders.Params{
		AccountID: "acct-1", Symbol: "AAPL", Side: model.SideBuy,
		Type: model.OrderTypeLimit, TimeInForce: model.TIFIOC,
		Quantity: d("10"), LimitPrice: ptr("150.20"),
	})

	err := f.validator(false, Limits{}).Check(context.Background(), o)
	var me *brokererr.MarketClosedError
	require.ErrorAs(t, err, &me)
}

func TestCheckInsufficientFunds(t *testing.T) {
	f := setup(t, "10000")
	o := buyMarket(t, "100") // ~15035 needed vs 10000 cash

	err := f.validator(true, Limits{}).Check(context.Background(), o)
	var fe *brokererr.InsufficientFundsError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "USD", fe.Unit)
	// 100 × 150.20 × 1.001
	assert.True(t, fe.Required.Equal(d("15035.02")), "required %s", fe.Required)
	assert.True(t, fe.Available.Equal(d("10000")))
}

func TestCheckBuyingPowerNetsOpenReservations(t *testing.T) {
	f := setup(t, "10000")
	ctx := context.Background()

	// Resting BUY limit reserves 60 × 150 = 9000.
	resting := order(t, orders.Params{
		AccountID: "acct-1", Symbol: "AAPL", Side: model.SideBuy,
		Type: model.OrderTypeLimit, TimeInForce: model.TIFGTC,
		Quantity: d("60"), LimitPrice: ptr("150"),
	})
	created := orders.Event(resting, model.EventCreated, nil)
	accepted, err := orders.Transition(resting, model.StatusAccepted, model.EventAccepted, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateOrder(ctx, resting, []model.OrderEvent{created, accepted}))

	// 10 more at market needs ~1503.50 but only 1000 remains unreserved.
	o := buyMarket(t, "10")
	err = f.validator(true, Limits{}).Check(ctx, o)
	var fe *brokererr.InsufficientFundsError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Available.Equal(d("1000")), "available %s", fe.Available)
}

func TestCheckSellWithoutHoldings(t *testing.T) {
	f := setup(t, "10000")
	o := order(t, orders.Params{
		AccountID: "acct-1", Symbol: "AAPL", Side: model.SideSell,
		Type: model.OrderTypeMarket, TimeInForce: model.TIFDay, Quantity: d("5"),
	})

	err := f.validator(true, Limits{}).Check(context.Background(), o)
	var fe *brokererr.InsufficientFundsError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "shares", fe.Unit)
}

func TestCheckSellNetsOpenSellReservations(t *testing.T) {
	f := setup(t, "100000")
	ctx := context.Background()
	require.NoError(t, f.store.ApplyFill(ctx, longPositionBundle(t, f, "AAPL", "10", "150")))

	// Resting SELL for 8 of the 10 held.
	resting := order(t, orders.Params{
		AccountID: "acct-1", Symbol: "AAPL", Side: model.SideSell,
		Type: model.OrderTypeLimit, TimeInForce: model.TIFGTC,
		Quantity: d("8"), LimitPrice: ptr("160"),
	})
	created := orders.Event(resting, model.EventCreated, nil)
	accepted, err := orders.Transition(resting, model.StatusAccepted, model.EventAccepted, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateOrder(ctx, resting, []model.OrderEvent{created, accepted}))

	// Selling 5 more would oversell the remaining 2.
	o := order(t, orders.Params{
		AccountID: "acct-1", Symbol: "AAPL", Side: model.SideSell,
		Type: model.OrderTypeMarket, TimeInForce: model.TIFDay, Quantity: d("5"),
	})
	err = f.validator(true, Limits{}).Check(ctx, o)
	var fe *brokererr.InsufficientFundsError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Available.Equal(d("2")), "available %s", fe.Available)
}

func TestCheckPositionLimit(t *testing.T) {
	f := setup(t, "1000000")
	limits := Limits{MaxPositionQuantity: d("100")}

	within := buyMarket(t, "100")
	assert.NoError(t, f.validator(true, limits).Check(context.Background(), within))

	over := buyMarket(t, "101")
	err := f.validator(true, limits).Check(context.Background(), over)
	var pe *brokererr.PositionLimitError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Resulting.Equal(d("101")))
}
