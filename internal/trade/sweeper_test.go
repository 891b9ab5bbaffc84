package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/broker-engine/internal/market"
)

func TestSweeperSchedulesExpirationAtSessionClose(t *testing.T) {
	e := newEnv(t)
	cal := market.NewSessionCalendar()

	sw := NewSweeper(e.svc, cal)
	require.NotNil(t, sw)

	// The schedule comes from the calendar: 16:00 New York, weekdays.
	assert.Equal(t, "0 16 * * 1-5", sw.expireSpec())
	assert.Equal(t, "America/New_York", sw.closeAt.Location().String())
}
