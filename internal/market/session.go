// Package market classifies wall-clock time into US equity market
// sessions using the NYSE trading calendar.
package market

import (
	"time"

	"github.com/scmhub/calendar"
)

// Session is the market state used to pick polling cadence.
type Session string

const (
	SessionPreOpen    Session = "pre-open"
	SessionRegular    Session = "regular"
	SessionAfterHours Session = "after-hours"
	SessionClosed     Session = "closed"
)

// Session windows in minutes from midnight, exchange-local.
const (
	preOpenStartMin = 4 * 60          // 04:00
	regularOpenMin  = 9*60 + 30       // 09:30
	regularCloseMin = 16 * 60         // 16:00
	afterHoursEnd   = 20 * 60         // 20:00
	expirySettleMin = regularCloseMin // options settle at the close
)

// Clock resolves sessions and bucket timestamps in the exchange timezone.
type Clock struct {
	loc  *time.Location
	nyse *calendar.Calendar
}

// NewClock builds a Clock for the NYSE. Falls back to UTC if the
// timezone database is unavailable.
func NewClock() *Clock {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &Clock{loc: loc, nyse: calendar.XNYS()}
}

// Location returns the exchange timezone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Today returns the exchange-local date of t at midnight.
func (c *Clock) Today(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// Session classifies t. Weekends and NYSE holidays are always closed.
func (c *Clock) Session(t time.Time) Session {
	et := t.In(c.loc)

	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return SessionClosed
	}
	if !c.nyse.IsBusinessDay(et) {
		return SessionClosed
	}

	minute := et.Hour()*60 + et.Minute()
	switch {
	case minute < preOpenStartMin:
		return SessionClosed
	case minute < regularOpenMin:
		return SessionPreOpen
	case minute < regularCloseMin:
		return SessionRegular
	case minute < afterHoursEnd:
		return SessionAfterHours
	default:
		return SessionClosed
	}
}

// ExpiryInstant returns the settlement instant for an expiration date:
// 16:00 exchange-local on that date.
func (c *Clock) ExpiryInstant(expiration time.Time) time.Time {
	y, m, d := expiration.Date()
	return time.Date(y, m, d, expirySettleMin/60, expirySettleMin%60, 0, 0, c.loc)
}

// YearsToExpiry computes time to expiration in calendar years
// (365-day count) from now to the settlement instant, floored at one
// minute so near-expiry numerics stay finite.
func (c *Clock) YearsToExpiry(now, expiration time.Time) float64 {
	const minuteYears = 1.0 / 525600
	years := c.ExpiryInstant(expiration).Sub(now).Hours() / 24 / 365
	if years < minuteYears {
		return minuteYears
	}
	return years
}

// BucketStart floors t to the start of its bucket in the exchange
// timezone. A timestamp exactly on a boundary belongs to the bucket it
// starts (half-open on the left).
func (c *Clock) BucketStart(t time.Time, bucket time.Duration) time.Time {
	sec := int64(bucket / time.Second)
	if sec <= 0 {
		sec = 60
	}
	floored := t.Unix() - t.Unix()%sec
	return time.Unix(floored, 0).In(c.loc)
}
