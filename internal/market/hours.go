package market

import "time"

// Calendar answers trading-hours questions per exchange.
type Calendar interface {
	// IsExchangeOpen reports whether the exchange's regular session is
	// open at the given instant.
	IsExchangeOpen(exchange string, at time.Time) bool

	// NextMarketOpen returns the next session open strictly after the
	// given instant.
	NextMarketOpen(exchange string, after time.Time) time.Time
}

// session is a daily regular-hours window in the exchange's local zone.
type session struct {
	loc        *time.Location
	openHour   int
	openMin    int
	closeHour  int
	closeMin   int
}

// SessionCalendar implements Calendar with fixed weekday sessions.
// Holidays are out of scope; weekends are closed.
type SessionCalendar struct {
	sessions map[string]session
	fallback session
}

// NewSessionCalendar returns a calendar covering the US equity exchanges:
// 09:30–16:00 America/New_York, Monday through Friday. Unknown exchanges
// fall back to the same session.
func NewSessionCalendar() *SessionCalendar {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		ny = time.UTC
	}
	us := session{loc: ny, openHour: 9, openMin: 30, closeHour: 16}
	return &SessionCalendar{
		sessions: map[string]session{
			"NYSE":   us,
			"NASDAQ": us,
			"ARCA":   us,
		},
		fallback: us,
	}
}

func (c *SessionCalendar) sessionFor(exchange string) session {
	if s, ok := c.sessions[exchange]; ok {
		return s
	}
	return c.fallback
}

// IsExchangeOpen implements Calendar.
func (c *SessionCalendar) IsExchangeOpen(exchange string, at time.Time) bool {
	s := c.sessionFor(exchange)
	local := at.In(s.loc)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	open := time.Date(local.Year(), local.Month(), local.Day(), s.openHour, s.openMin, 0, 0, s.loc)
	close := time.Date(local.Year(), local.Month(), local.Day(), s.closeHour, s.closeMin, 0, 0, s.loc)
	return !local.Before(open) && local.Before(close)
}

// NextMarketOpen implements Calendar.
func (c *SessionCalendar) NextMarketOpen(exchange string, after time.Time) time.Time {
	s := c.sessionFor(exchange)
	local := after.In(s.loc)

	for i := 0; i < 8; i++ {
		day := local.AddDate(0, 0, i)
		switch day.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		open := time.Date(day.Year(), day.Month(), day.Day(), s.openHour, s.openMin, 0, 0, s.loc)
		if open.After(after) {
			return open
		}
	}
	return local // unreachable with a 7-day horizon
}

// SessionClose returns today's session close for an exchange, in the
// exchange's zone. Used by the DAY-order expiration sweep.
func (c *SessionCalendar) SessionClose(exchange string, on time.Time) time.Time {
	s := c.sessionFor(exchange)
	local := on.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), s.closeHour, s.closeMin, 0, 0, s.loc)
}
