// Package aggregate folds arriving ticks into one-minute buckets and
// emits buckets once their window has ended.
package aggregate

import (
	"sort"
	"time"

	"github.com/zerogex/zerogex/internal/market"
	"github.com/zerogex/zerogex/internal/models"
)

type key struct {
	id    string
	start int64
}

type barAcc struct {
	bar models.UnderlyingBar
}

type quoteAcc struct {
	quote    models.OptionQuote
	brokerIV *float64
	last     float64
	bid      float64
	ask      float64
}

// Completed is one emitted bucket: exactly one of Bar or Quote is set.
type Completed struct {
	Bar      *models.UnderlyingBar
	Quote    *models.OptionQuote
	BrokerIV *float64
	Last     float64
	Bid      float64
	Ask      float64
}

// Aggregator owns the live accumulators for one ingestion task. It is
// not safe for concurrent use; the owning task serializes access.
type Aggregator struct {
	bucket    time.Duration
	clock     *market.Clock
	maxBuffer int

	bars   map[key]*barAcc
	quotes map[key]*quoteAcc
}

func New(bucket time.Duration, clock *market.Clock, maxBuffer int) *Aggregator {
	return &Aggregator{
		bucket:    bucket,
		clock:     clock,
		maxBuffer: maxBuffer,
		bars:      make(map[key]*barAcc),
		quotes:    make(map[key]*quoteAcc),
	}
}

// Len reports the number of live accumulators.
func (a *Aggregator) Len() int {
	return len(a.bars) + len(a.quotes)
}

// AddUnderlying folds one underlying tick into its bucket. The returned
// slice holds buckets force-flushed by back-pressure, if any.
func (a *Aggregator) AddUnderlying(t models.UnderlyingTick, now time.Time) []Completed {
	start := a.clock.BucketStart(t.Timestamp, a.bucket)
	k := key{id: t.Symbol, start: start.Unix()}

	acc, ok := a.bars[k]
	if !ok {
		acc = &barAcc{bar: models.UnderlyingBar{
			Symbol:      t.Symbol,
			BucketStart: start,
			Open:        t.Open,
			High:        t.High,
			Low:         t.Low,
			Close:       t.Close,
		}}
		a.bars[k] = acc
	}

	b := &acc.bar
	if t.High > b.High {
		b.High = t.High
	}
	if t.Low < b.Low {
		b.Low = t.Low
	}
	b.Close = t.Close
	// Broker volumes are cumulative: overwrite, never sum, never regress.
	if t.UpVolume > b.UpVolume {
		b.UpVolume = t.UpVolume
	}
	if t.DownVolume > b.DownVolume {
		b.DownVolume = t.DownVolume
	}

	return a.enforceBuffer(now)
}

// AddOption folds one option tick into its bucket.
func (a *Aggregator) AddOption(t models.OptionTick, now time.Time) []Completed {
	start := a.clock.BucketStart(t.Timestamp, a.bucket)
	k := key{id: t.Symbol, start: start.Unix()}

	acc, ok := a.quotes[k]
	if !ok {
		acc = &quoteAcc{quote: models.OptionQuote{
			Symbol:      t.Symbol,
			Underlying:  t.Underlying,
			BucketStart: start,
			Strike:      t.Strike,
			Expiration:  t.Expiration,
			Type:        t.Type,
		}}
		a.quotes[k] = acc
	}

	q := &acc.quote
	if t.Last > 0 {
		acc.last = t.Last
	}
	if t.Bid > 0 {
		acc.bid = t.Bid
	}
	if t.Ask > 0 {
		acc.ask = t.Ask
	}
	if t.Volume > q.Volume {
		q.Volume = t.Volume
	}
	if t.OpenInterest > q.OpenInterest {
		q.OpenInterest = t.OpenInterest
	}
	if t.BrokerIV != nil {
		acc.brokerIV = t.BrokerIV
	}

	return a.enforceBuffer(now)
}

// Sweep emits every accumulator whose bucket window has ended
// (now >= bucket_start + bucket_size).
func (a *Aggregator) Sweep(now time.Time) []Completed {
	return a.collect(func(start int64) bool {
		return !now.Before(time.Unix(start, 0).Add(a.bucket))
	})
}

// FlushAll emits everything, including buckets still inside their
// window. Used on shutdown; contracts leaving the universe go through
// Evict.
func (a *Aggregator) FlushAll() []Completed {
	return a.collect(func(int64) bool { return true })
}

// Evict flushes and drops the accumulators for the given option
// symbols, regardless of bucket completion.
func (a *Aggregator) Evict(symbols []string) []Completed {
	drop := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		drop[s] = struct{}{}
	}

	var out []Completed
	for k, acc := range a.quotes {
		if _, ok := drop[k.id]; !ok {
			continue
		}
		out = append(out, finishQuote(acc))
		delete(a.quotes, k)
	}
	sortCompleted(out)
	return out
}

// enforceBuffer applies back-pressure: when the live accumulator count
// exceeds the limit, every completed bucket is flushed immediately,
// oldest first. Buckets still inside their window stay, so the count
// can remain above the limit until they end.
func (a *Aggregator) enforceBuffer(now time.Time) []Completed {
	if a.maxBuffer <= 0 || a.Len() <= a.maxBuffer {
		return nil
	}
	return a.Sweep(now)
}

func (a *Aggregator) collect(done func(start int64) bool) []Completed {
	var out []Completed

	for k, acc := range a.bars {
		if !done(k.start) {
			continue
		}
		bar := acc.bar
		out = append(out, Completed{Bar: &bar})
		delete(a.bars, k)
	}
	for k, acc := range a.quotes {
		if !done(k.start) {
			continue
		}
		out = append(out, finishQuote(acc))
		delete(a.quotes, k)
	}

	sortCompleted(out)
	return out
}

func finishQuote(acc *quoteAcc) Completed {
	q := acc.quote
	if acc.last > 0 {
		v := acc.last
		q.Last = &v
	}
	if acc.bid > 0 {
		v := acc.bid
		q.Bid = &v
	}
	if acc.ask > 0 {
		v := acc.ask
		q.Ask = &v
	}
	return Completed{
		Quote:    &q,
		BrokerIV: acc.brokerIV,
		Last:     acc.last,
		Bid:      acc.bid,
		Ask:      acc.ask,
	}
}

func sortCompleted(out []Completed) {
	sort.Slice(out, func(i, j int) bool {
		ti, ii := startAndID(out[i])
		tj, ij := startAndID(out[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ii < ij
	})
}

func startAndID(c Completed) (time.Time, string) {
	if c.Bar != nil {
		return c.Bar.BucketStart, c.Bar.Symbol
	}
	return c.Quote.BucketStart, c.Quote.Symbol
}
