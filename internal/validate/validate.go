// Package validate normalizes broker payloads into internal records and
// rejects anything that breaks the data invariants. It is the only
// place wire strings become typed values.
package validate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zerogex/zerogex/internal/broker"
	"github.com/zerogex/zerogex/internal/models"
)

// Broker-reported implied volatility outside this range is treated as
// "not provided" rather than rejected.
const (
	brokerIVMin = 0.01
	brokerIVMax = 5.0
)

// FieldError names the payload field that failed an invariant.
type FieldError struct {
	Field  string
	Value  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("validate: field %s=%q %s", e.Field, e.Value, e.Reason)
}

func fieldErr(field, value, reason string) *FieldError {
	return &FieldError{Field: field, Value: value, Reason: reason}
}

func parseFloat(field, raw string) (float64, error) {
	if raw == "" || raw == "N/A" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fieldErr(field, raw, "is not a number")
	}
	if v < 0 {
		return 0, fieldErr(field, raw, "is negative")
	}
	return v, nil
}

func parseCount(field, raw string) (int64, error) {
	if raw == "" || raw == "N/A" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Some feeds serialize counters with a decimal point.
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return 0, fieldErr(field, raw, "is not an integer")
		}
		v = int64(f)
	}
	if v < 0 {
		return 0, fieldErr(field, raw, "is negative")
	}
	return v, nil
}

func parseTimestamp(field, raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fieldErr(field, raw, "is missing")
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		ts, err = time.Parse("2006-01-02T15:04:05Z", raw)
	}
	if err != nil {
		return time.Time{}, fieldErr(field, raw, "is not a timestamp")
	}
	return ts.In(loc), nil
}

// UnderlyingTick converts a broker bar into a validated tick for the
// given symbol. Enforces positive prices and the OHLC envelope.
func UnderlyingTick(symbol string, b broker.Bar, loc *time.Location) (models.UnderlyingTick, error) {
	ts, err := parseTimestamp("TimeStamp", b.TimeStamp, loc)
	if err != nil {
		return models.UnderlyingTick{}, err
	}

	open, err := parseFloat("Open", b.Open)
	if err != nil {
		return models.UnderlyingTick{}, err
	}
	high, err := parseFloat("High", b.High)
	if err != nil {
		return models.UnderlyingTick{}, err
	}
	low, err := parseFloat("Low", b.Low)
	if err != nil {
		return models.UnderlyingTick{}, err
	}
	closep, err := parseFloat("Close", b.Close)
	if err != nil {
		return models.UnderlyingTick{}, err
	}

	if open <= 0 || high <= 0 || low <= 0 || closep <= 0 {
		return models.UnderlyingTick{}, fieldErr("Open/High/Low/Close", b.Close, "must all be positive")
	}
	if low > open || low > closep || high < open || high < closep {
		return models.UnderlyingTick{}, fieldErr("High/Low", fmt.Sprintf("O=%g H=%g L=%g C=%g", open, high, low, closep), "violates OHLC envelope")
	}

	up, err := parseCount("UpVolume", b.UpVolume)
	if err != nil {
		return models.UnderlyingTick{}, err
	}
	down, err := parseCount("DownVolume", b.DownVolume)
	if err != nil {
		return models.UnderlyingTick{}, err
	}

	return models.UnderlyingTick{
		Symbol:     strings.ToUpper(symbol),
		Timestamp:  ts,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closep,
		UpVolume:   up,
		DownVolume: down,
	}, nil
}

// OptionTick converts a broker option quote into a validated tick. The
// contract identity is recovered from the printable symbol. A broker IV
// outside the sane range arrives in the record as nil.
func OptionTick(q broker.Quote, loc *time.Location) (models.OptionTick, error) {
	contract, err := models.ParseOptionSymbol(q.Symbol, loc)
	if err != nil {
		return models.OptionTick{}, fieldErr("Symbol", q.Symbol, "is not an option symbol")
	}

	ts, err := parseTimestamp("TimeStamp", q.TimeStamp, loc)
	if err != nil {
		return models.OptionTick{}, err
	}

	last, err := parseFloat("Last", q.Last)
	if err != nil {
		return models.OptionTick{}, err
	}
	bid, err := parseFloat("Bid", q.Bid)
	if err != nil {
		return models.OptionTick{}, err
	}
	ask, err := parseFloat("Ask", q.Ask)
	if err != nil {
		return models.OptionTick{}, err
	}
	volume, err := parseCount("Volume", q.Volume)
	if err != nil {
		return models.OptionTick{}, err
	}
	oi, err := parseCount("OpenInterest", q.OpenInterest)
	if err != nil {
		return models.OptionTick{}, err
	}

	tick := models.OptionTick{
		Contract:     contract,
		Timestamp:    ts,
		Last:         last,
		Bid:          bid,
		Ask:          ask,
		Volume:       volume,
		OpenInterest: oi,
	}

	if q.ImpliedVolatility != "" && q.ImpliedVolatility != "N/A" {
		if iv, err := strconv.ParseFloat(q.ImpliedVolatility, 64); err == nil {
			if iv >= brokerIVMin && iv <= brokerIVMax {
				tick.BrokerIV = &iv
			}
		}
	}

	return tick, nil
}

// Expirations converts expiration payloads to dates in the exchange
// timezone, ascending, dropping rows that fail to parse.
func Expirations(exps []broker.Expiration, loc *time.Location) []time.Time {
	dates := make([]time.Time, 0, len(exps))
	for _, e := range exps {
		ts, err := time.Parse("2006-01-02T15:04:05Z", e.Date)
		if err != nil {
			if ts, err = time.Parse("2006-01-02", e.Date); err != nil {
				continue
			}
		}
		y, m, d := ts.Date()
		dates = append(dates, time.Date(y, m, d, 0, 0, 0, 0, loc))
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

// Strikes flattens and range-checks strike tuples, ascending.
func Strikes(rows [][]string) []float64 {
	strikes := make([]float64, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(row[0], 64)
		if err != nil || v <= 0 {
			continue
		}
		strikes = append(strikes, v)
	}
	sort.Float64s(strikes)
	return strikes
}
