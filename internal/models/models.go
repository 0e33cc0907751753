package models

import (
	"time"
)

// OptionType distinguishes calls from puts. Wire format is the single
// letter used inside option symbols.
type OptionType string

const (
	Call OptionType = "C"
	Put  OptionType = "P"
)

// Valid reports whether t is one of the two known option types.
func (t OptionType) Valid() bool {
	return t == Call || t == Put
}

// Contract identifies a single option contract.
type Contract struct {
	Underlying string
	Expiration time.Time // date only, midnight in the exchange timezone
	Strike     float64
	Type       OptionType
	Symbol     string // canonical printable form, e.g. "SPY 260321C450"
}

// Expired reports whether the contract's expiration date has passed
// relative to the given exchange-local date.
func (c Contract) Expired(today time.Time) bool {
	y1, m1, d1 := c.Expiration.Date()
	y2, m2, d2 := today.Date()
	if y1 != y2 {
		return y1 < y2
	}
	if m1 != m2 {
		return m1 < m2
	}
	return d1 < d2
}

// UnderlyingTick is one validated underlying bar sample from the broker.
// Volumes are cumulative within the broker's bar.
type UnderlyingTick struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	UpVolume   int64
	DownVolume int64
}

// OptionTick is one validated option quote sample from the broker.
// Bid/Ask/Last of zero mean the broker reported no price. BrokerIV is
// nil when the broker supplied no usable implied volatility.
type OptionTick struct {
	Contract
	Timestamp    time.Time
	Last         float64
	Bid          float64
	Ask          float64
	Volume       int64
	OpenInterest int64
	BrokerIV     *float64
}

// UnderlyingBar is a completed one-minute bucket for an underlying,
// keyed by (symbol, bucket_start).
type UnderlyingBar struct {
	Symbol      string    `db:"symbol"`
	BucketStart time.Time `db:"bucket_start"`
	Open        float64   `db:"open"`
	High        float64   `db:"high"`
	Low         float64   `db:"low"`
	Close       float64   `db:"close"`
	UpVolume    int64     `db:"up_volume"`
	DownVolume  int64     `db:"down_volume"`
}

// IVSource records which rung of the fallback ladder produced the
// stored implied volatility.
type IVSource string

const (
	IVSourceBroker  IVSource = "broker"
	IVSourceMid     IVSource = "mid"
	IVSourceLast    IVSource = "last"
	IVSourceDefault IVSource = "default"
	IVSourceNone    IVSource = ""
)

// Solved reports whether the IV was produced by the solver rather than
// taken from the broker or the configured default.
func (s IVSource) Solved() bool {
	return s == IVSourceMid || s == IVSourceLast
}

// OptionQuote is a completed one-minute bucket for an option contract,
// keyed by (option_symbol, bucket_start). Derived fields are nil until
// the numerics stage has run, and stay nil when it produced no value.
type OptionQuote struct {
	Symbol       string     `db:"option_symbol"`
	Underlying   string     `db:"underlying"`
	BucketStart  time.Time  `db:"bucket_start"`
	Strike       float64    `db:"strike"`
	Expiration   time.Time  `db:"expiration"`
	Type         OptionType `db:"option_type"`
	Last         *float64   `db:"last"`
	Bid          *float64   `db:"bid"`
	Ask          *float64   `db:"ask"`
	Volume       int64      `db:"volume"`
	OpenInterest int64      `db:"open_interest"`
	IV           *float64   `db:"iv"`
	IVFrom       IVSource   `db:"iv_source"`
	Delta        *float64   `db:"delta"`
	Gamma        *float64   `db:"gamma"`
	Theta        *float64   `db:"theta"`
	Vega         *float64   `db:"vega"`
}

// OptionSnapshot is the analytics view of the most recent OptionQuote
// per contract.
type OptionSnapshot struct {
	Symbol       string     `db:"option_symbol"`
	BucketStart  time.Time  `db:"bucket_start"`
	Strike       float64    `db:"strike"`
	Expiration   time.Time  `db:"expiration"`
	Type         OptionType `db:"option_type"`
	Volume       int64      `db:"volume"`
	OpenInterest int64      `db:"open_interest"`
	IV           *float64   `db:"iv"`
	Gamma        *float64   `db:"gamma"`
}

// GEXSummary is one analytics run's per-underlying summary row,
// keyed by (underlying, calc_time).
type GEXSummary struct {
	Underlying      string    `db:"underlying"`
	CalcTime        time.Time `db:"calc_time"`
	MaxGammaStrike  float64   `db:"max_gamma_strike"`
	MaxGammaValue   float64   `db:"max_gamma_value"`
	GammaFlipPoint  *float64  `db:"gamma_flip_point"`
	PutCallRatio    *float64  `db:"put_call_ratio"`
	MaxPain         float64   `db:"max_pain"`
	TotalCallVolume int64     `db:"total_call_volume"`
	TotalPutVolume  int64     `db:"total_put_volume"`
	TotalCallOI     int64     `db:"total_call_oi"`
	TotalPutOI      int64     `db:"total_put_oi"`
	TotalNetGEX     float64   `db:"total_net_gex"`
}

// GEXByStrike is one analytics run's per-(strike, expiration) row,
// keyed by (underlying, calc_time, strike, expiration).
type GEXByStrike struct {
	Underlying    string    `db:"underlying"`
	CalcTime      time.Time `db:"calc_time"`
	Strike        float64   `db:"strike"`
	Expiration    time.Time `db:"expiration"`
	CallGamma     float64   `db:"call_gamma"`
	PutGamma      float64   `db:"put_gamma"`
	NetGEX        float64   `db:"net_gex"`
	CallVolume    int64     `db:"call_volume"`
	PutVolume     int64     `db:"put_volume"`
	CallOI        int64     `db:"call_oi"`
	PutOI         int64     `db:"put_oi"`
	VannaExposure float64   `db:"vanna_exposure"`
	CharmExposure float64   `db:"charm_exposure"`
}
