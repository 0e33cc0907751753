// Package backfill replays a historical window through the same
// enrichment and write path streaming uses. It runs to completion and
// exits; the live engine never drives it.
package backfill

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zerogex/zerogex/internal/aggregate"
	"github.com/zerogex/zerogex/internal/broker"
	"github.com/zerogex/zerogex/internal/config"
	"github.com/zerogex/zerogex/internal/engine"
	"github.com/zerogex/zerogex/internal/market"
	"github.com/zerogex/zerogex/internal/models"
	"github.com/zerogex/zerogex/internal/store"
	"github.com/zerogex/zerogex/internal/universe"
	"github.com/zerogex/zerogex/internal/validate"
)

// Transient store failures retry this many times per row before the row
// is skipped and the run moves on.
const (
	writeAttempts   = 3
	writeRetryDelay = 500 * time.Millisecond
)

// Manager fetches historical underlying bars and contemporaneous option
// snapshots for a lookback window.
type Manager struct {
	api    broker.API
	sink   *engine.Sink
	clock  *market.Clock
	cfg    config.IngestConfig
	logger *zap.Logger

	skippedWrites int
}

func NewManager(api broker.API, sink *engine.Sink, clock *market.Clock, cfg config.IngestConfig, logger *zap.Logger) *Manager {
	return &Manager{api: api, sink: sink, clock: clock, cfg: cfg, logger: logger}
}

// Run backfills [start, end]. Every bar is written; every
// option-sampling-th bar also pulls the option chain around that bar's
// close, with rows stamped at the bar's time rather than fetch time.
// A transient store failure skips the row after retries instead of
// abandoning the window; only permanent store errors abort.
func (m *Manager) Run(ctx context.Context, start, end time.Time) error {
	const dateFormat = "2006-01-02T15:04:05Z"

	m.logger.Info("backfill starting",
		zap.String("underlying", m.cfg.Underlying),
		zap.Time("start", start),
		zap.Time("end", end))

	rawBars, err := m.api.Bars(ctx, broker.BarsRequest{
		Symbol:    m.cfg.Underlying,
		Interval:  1,
		Unit:      broker.UnitMinute,
		FirstDate: start.UTC().Format(dateFormat),
		LastDate:  end.UTC().Format(dateFormat),
	})
	if err != nil {
		return fmt.Errorf("backfill: fetching bars: %w", err)
	}
	if len(rawBars) == 0 {
		m.logger.Warn("backfill window returned no bars")
		return nil
	}

	sampling := m.cfg.BackfillOptionSampling
	if sampling < 1 {
		sampling = 1
	}

	var bars, chains, dropped int
	for i, raw := range rawBars {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		tick, err := validate.UnderlyingTick(m.cfg.Underlying, raw, m.clock.Location())
		if err != nil {
			dropped++
			m.logger.Debug("dropping invalid historical bar", zap.Error(err))
			continue
		}

		bar := models.UnderlyingBar{
			Symbol:      tick.Symbol,
			BucketStart: m.clock.BucketStart(tick.Timestamp, m.cfg.Bucket()),
			Open:        tick.Open,
			High:        tick.High,
			Low:         tick.Low,
			Close:       tick.Close,
			UpVolume:    tick.UpVolume,
			DownVolume:  tick.DownVolume,
		}
		written, err := m.write(ctx, aggregate.Completed{Bar: &bar})
		if err != nil {
			return fmt.Errorf("backfill: writing bar %s: %w", bar.BucketStart, err)
		}
		if written {
			bars++
		}

		if i%sampling == 0 {
			n, err := m.sampleChain(ctx, tick)
			if err != nil {
				// A missing chain for one sample degrades coverage,
				// not correctness.
				m.logger.Warn("backfill chain sample failed",
					zap.Time("bar", tick.Timestamp),
					zap.Error(err))
				continue
			}
			chains += n
		}
	}

	m.logger.Info("backfill complete",
		zap.Int("bars_written", bars),
		zap.Int("option_rows_written", chains),
		zap.Int("dropped", dropped),
		zap.Int("skipped_writes", m.skippedWrites))
	return nil
}

// sampleChain fetches the chain as of one historical bar and writes the
// quotes stamped with the bar's timestamp.
func (m *Manager) sampleChain(ctx context.Context, bar models.UnderlyingTick) (int, error) {
	uni := universe.New(m.cfg.Underlying, m.cfg.Expirations, m.cfg.StrikeDistance, m.clock.Location(), m.logger)
	asOf := m.clock.Today(bar.Timestamp)
	if err := uni.Rebuild(ctx, m.api, bar.Close, asOf, 0); err != nil {
		return 0, err
	}

	symbols := uni.Symbols()
	written := 0

	for i := 0; i < len(symbols); i += m.cfg.OptionBatchSize {
		end := i + m.cfg.OptionBatchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		quotes, err := m.api.OptionChain(ctx, symbols[i:end])
		if err != nil {
			return written, err
		}

		for _, q := range quotes {
			tick, err := validate.OptionTick(q, m.clock.Location())
			if err != nil {
				continue
			}

			quote := models.OptionQuote{
				Symbol:       tick.Symbol,
				Underlying:   tick.Underlying,
				BucketStart:  m.clock.BucketStart(bar.Timestamp, m.cfg.Bucket()),
				Strike:       tick.Strike,
				Expiration:   tick.Expiration,
				Type:         tick.Type,
				Volume:       tick.Volume,
				OpenInterest: tick.OpenInterest,
			}
			if tick.Last > 0 {
				v := tick.Last
				quote.Last = &v
			}
			if tick.Bid > 0 {
				v := tick.Bid
				quote.Bid = &v
			}
			if tick.Ask > 0 {
				v := tick.Ask
				quote.Ask = &v
			}

			c := aggregate.Completed{
				Quote:    &quote,
				BrokerIV: tick.BrokerIV,
				Last:     tick.Last,
				Bid:      tick.Bid,
				Ask:      tick.Ask,
			}
			m.sink.Enrich(&c, bar.Close)

			ok, err := m.write(ctx, c)
			if err != nil {
				return written, err
			}
			if ok {
				written++
			}
		}
	}

	return written, nil
}

// write upserts one row with the same transient/permanent split the
// live engine uses: transient store failures retry with a short delay
// and then skip the row; permanent failures abort the run.
func (m *Manager) write(ctx context.Context, c aggregate.Completed) (bool, error) {
	var lastErr error

	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(writeRetryDelay):
			}
		}

		err := m.sink.Write(ctx, c)
		if err == nil {
			return true, nil
		}
		if !store.IsRetryable(err) {
			return false, err
		}
		lastErr = err
	}

	m.skippedWrites++
	m.logger.Warn("skipping row after transient store failures",
		zap.Int("attempts", writeAttempts),
		zap.Error(lastErr))
	return false, nil
}
