package validate

import (
	"errors"
	"testing"
	"time"

	"github.com/zerogex/zerogex/internal/broker"
)

var loc = func() *time.Location {
	l, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return l
}()

func goodBar() broker.Bar {
	return broker.Bar{
		TimeStamp:  "2026-03-18T18:30:00Z",
		Open:       "450.00",
		High:       "450.40",
		Low:        "449.80",
		Close:      "450.30",
		UpVolume:   "125000",
		DownVolume: "98000",
	}
}

func TestUnderlyingTickValid(t *testing.T) {
	tick, err := UnderlyingTick("spy", goodBar(), loc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tick.Symbol != "SPY" {
		t.Errorf("symbol not upcased: %s", tick.Symbol)
	}
	if tick.Close != 450.30 || tick.UpVolume != 125000 {
		t.Errorf("bad parse: %+v", tick)
	}
	if tick.Timestamp.Location() != loc {
		t.Errorf("timestamp not converted to exchange timezone")
	}
}

func TestUnderlyingTickRejectsEnvelopeViolation(t *testing.T) {
	bar := goodBar()
	bar.High = "449.00" // below close

	_, err := UnderlyingTick("SPY", bar, loc)
	var fe *FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("want FieldError, got %v", err)
	}
}

func TestUnderlyingTickRejectsNonPositivePrices(t *testing.T) {
	bar := goodBar()
	bar.Open, bar.High, bar.Low, bar.Close = "0", "0", "0", "0"

	if _, err := UnderlyingTick("SPY", bar, loc); err == nil {
		t.Fatal("zero prices accepted")
	}
}

func TestUnderlyingTickRejectsNegativeVolume(t *testing.T) {
	bar := goodBar()
	bar.UpVolume = "-5"

	_, err := UnderlyingTick("SPY", bar, loc)
	var fe *FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("want FieldError, got %v", err)
	}
	if fe.Field != "UpVolume" {
		t.Errorf("error names wrong field: %s", fe.Field)
	}
}

func goodQuote() broker.Quote {
	return broker.Quote{
		Symbol:       "SPY 260321C450",
		TimeStamp:    "2026-03-18T18:30:30Z",
		Last:         "12.10",
		Bid:          "12.00",
		Ask:          "12.20",
		Volume:       "350",
		OpenInterest: "1000",
	}
}

func TestOptionTickValid(t *testing.T) {
	tick, err := OptionTick(goodQuote(), loc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tick.Strike != 450 || tick.Type != "C" || tick.Underlying != "SPY" {
		t.Errorf("bad contract parse: %+v", tick.Contract)
	}
	if tick.OpenInterest != 1000 {
		t.Errorf("bad OI: %d", tick.OpenInterest)
	}
	if tick.BrokerIV != nil {
		t.Error("absent IV should be nil")
	}
}

func TestOptionTickBrokerIVRange(t *testing.T) {
	q := goodQuote()

	q.ImpliedVolatility = "0.25"
	tick, err := OptionTick(q, loc)
	if err != nil {
		t.Fatal(err)
	}
	if tick.BrokerIV == nil || *tick.BrokerIV != 0.25 {
		t.Errorf("in-range IV dropped: %+v", tick.BrokerIV)
	}

	// Out-of-range values are "IV not provided", not an error.
	for _, raw := range []string{"9.9", "0.001", "-1", "garbage"} {
		q.ImpliedVolatility = raw
		tick, err := OptionTick(q, loc)
		if err != nil {
			t.Fatalf("IV %q should not reject the quote: %v", raw, err)
		}
		if tick.BrokerIV != nil {
			t.Errorf("IV %q should be treated as absent", raw)
		}
	}
}

func TestOptionTickRejectsBadSymbol(t *testing.T) {
	q := goodQuote()
	q.Symbol = "SPY"

	if _, err := OptionTick(q, loc); err == nil {
		t.Fatal("equity symbol accepted as option")
	}
}

func TestExpirationsSortedAndParsed(t *testing.T) {
	exps := Expirations([]broker.Expiration{
		{Date: "2026-04-17T00:00:00Z"},
		{Date: "2026-03-20T00:00:00Z"},
		{Date: "not-a-date"},
	}, loc)

	if len(exps) != 2 {
		t.Fatalf("want 2 parsed expirations, got %d", len(exps))
	}
	if !exps[0].Before(exps[1]) {
		t.Error("expirations not ascending")
	}
}

func TestStrikesFlattenedAndSorted(t *testing.T) {
	strikes := Strikes([][]string{{"452"}, {"450"}, {"451.5"}, {"junk"}, {}, {"-3"}})

	want := []float64{450, 451.5, 452}
	if len(strikes) != len(want) {
		t.Fatalf("want %v, got %v", want, strikes)
	}
	for i := range want {
		if strikes[i] != want[i] {
			t.Fatalf("want %v, got %v", want, strikes)
		}
	}
}
