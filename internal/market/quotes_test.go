package market

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/broker-engine/internal/brokererr"
	"github.com/papertrade/broker-engine/internal/model"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestFeedPublishAndGetSpread(t *testing.T) {
	f := NewFeed()
	f.Publish(model.Quote{Symbol: "AAPL", Bid: d("150.10"), Ask: d("150.20"), Last: d("150.15")})

	q, err := f.GetSpread(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Bid.Equal(d("150.10")))
	assert.True(t, q.Ask.Equal(d("150.20")))
	assert.False(t, q.Timestamp.IsZero())
}

func TestFeedMissingSymbolIsUnavailable(t *testing.T) {
	f := NewFeed()

	_, err := f.GetSpread(context.Background(), "MISSING")
	var su *brokererr.ServiceUnavailableError
	require.ErrorAs(t, err, &su)
	assert.True(t, brokererr.Retryable(err))
}

func TestFeedStaleQuoteIsUnavailable(t *testing.T) {
	f := NewFeed()
	f.MaxAge = 50 * time.Millisecond
	f.Publish(model.Quote{
		Symbol: "AAPL", Bid: d("150"), Ask: d("150.10"),
		Timestamp: time.Now().UTC().Add(-time.Second),
	})

	_, err := f.GetSpread(context.Background(), "AAPL")
	var su *brokererr.ServiceUnavailableError
	require.ErrorAs(t, err, &su)
}

func TestGetCurrentPriceFallsBackToMid(t *testing.T) {
	f := NewFeed()
	f.Publish(model.Quote{Symbol: "AAPL", Bid: d("150"), Ask: d("151")})

	price, err := f.GetCurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, price.Equal(d("150.5")), "price %s", price)

	f.Publish(model.Quote{Symbol: "AAPL", Bid: d("150"), Ask: d("151"), Last: d("150.25")})
	price, err = f.GetCurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, price.Equal(d("150.25")))
}
