package broker

import (
	"github.com/zerogex/zerogex/internal/market"
)

// Broker payloads carry numerics as strings. These structs mirror the
// wire shapes one-to-one; the validate package is the only bridge from
// them to typed internal records.

// Quote is one snapshot row from the quotes endpoint, for an equity or
// an option symbol.
type Quote struct {
	Symbol            string `json:"Symbol"`
	TimeStamp         string `json:"TimeStamp"`
	Last              string `json:"Last"`
	Bid               string `json:"Bid"`
	Ask               string `json:"Ask"`
	Volume            string `json:"Volume"`
	OpenInterest      string `json:"OpenInterest"`
	ImpliedVolatility string `json:"ImpliedVolatility"`
}

type quotesResponse struct {
	Quotes []Quote `json:"Quotes"`
}

// Bar is one OHLCV row from the barcharts endpoint. UpVolume and
// DownVolume are cumulative within the bar.
type Bar struct {
	TimeStamp   string `json:"TimeStamp"`
	Open        string `json:"Open"`
	High        string `json:"High"`
	Low         string `json:"Low"`
	Close       string `json:"Close"`
	TotalVolume string `json:"TotalVolume"`
	UpVolume    string `json:"UpVolume"`
	DownVolume  string `json:"DownVolume"`
}

type barsResponse struct {
	Bars []Bar `json:"Bars"`
}

// BarUnit is the bar aggregation unit accepted by the broker.
type BarUnit string

const (
	UnitMinute  BarUnit = "Minute"
	UnitDaily   BarUnit = "Daily"
	UnitWeekly  BarUnit = "Weekly"
	UnitMonthly BarUnit = "Monthly"
)

// BarsRequest selects a historical bar window: either BarsBack from now
// or an explicit FirstDate/LastDate range (broker date format).
type BarsRequest struct {
	Symbol    string
	Interval  int
	Unit      BarUnit
	BarsBack  int
	FirstDate string
	LastDate  string
}

// Expiration is one entry from the option expirations endpoint.
type Expiration struct {
	Date string `json:"Date"`
	Type string `json:"Type"`
}

type expirationsResponse struct {
	Expirations []Expiration `json:"Expirations"`
}

// Strikes come back as one-element string tuples.
type strikesResponse struct {
	Strikes [][]string `json:"Strikes"`
}

// SymbolDetail is one row from symbol search, used by diagnostics only.
type SymbolDetail struct {
	Symbol      string `json:"Symbol"`
	Description string `json:"Description"`
	Category    string `json:"Category"`
	Exchange    string `json:"Exchange"`
}

type symbolSearchResponse struct {
	Symbols []SymbolDetail `json:"Symbols"`
}

// DepthLevel is one side/level row from the market depth endpoint.
type DepthLevel struct {
	Price string `json:"Price"`
	Size  string `json:"Size"`
	Side  string `json:"Side"`
}

type depthResponse struct {
	Quotes []DepthLevel `json:"Quotes"`
}

// ClockInfo is the market clock view: current session and the instant
// it was computed at.
type ClockInfo struct {
	Session market.Session
	Now     string
}
