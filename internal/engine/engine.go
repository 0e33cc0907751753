// Package engine orchestrates the ingestion pipeline for one
// underlying: poll, aggregate, enrich, write, and the shutdown flush.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zerogex/zerogex/internal/aggregate"
	"github.com/zerogex/zerogex/internal/auth"
	"github.com/zerogex/zerogex/internal/config"
	"github.com/zerogex/zerogex/internal/market"
	"github.com/zerogex/zerogex/internal/notify"
	"github.com/zerogex/zerogex/internal/store"
	"github.com/zerogex/zerogex/internal/stream"
)

// Poller abstracts the stream manager for the engine loop.
type Poller interface {
	Initialize(ctx context.Context) error
	Poll(ctx context.Context, iteration int) (*stream.PollResult, error)
	Interval(s market.Session) time.Duration
	Spot() float64
}

// Counters are the operator-visible error and progress tallies.
type Counters struct {
	PollErrors         int64
	ValidationDropped  int64
	WriteErrors        int64
	BarsWritten        int64
	QuotesWritten      int64
	LastSuccessfulPoll time.Time
}

// Engine runs the ingestion state machine:
// Idle -> Streaming -> Flushing -> Closed.
type Engine struct {
	poller   Poller
	agg      *aggregate.Aggregator
	sink     *Sink
	clock    *market.Clock
	cfg      config.IngestConfig
	notifier notify.Notifier
	logger   *zap.Logger

	// shutdownGrace bounds the Flushing phase: one bucket plus one
	// broker timeout.
	shutdownGrace time.Duration

	failureThreshold int
	consecutiveFails int

	// pending holds enriched buckets whose store write failed on a
	// transient error; the next drain retries them and the upsert
	// merges the union.
	pending []aggregate.Completed

	counters Counters
}

func New(poller Poller, agg *aggregate.Aggregator, sink *Sink, clock *market.Clock, cfg config.IngestConfig, notifier notify.Notifier, failureThreshold int, shutdownGrace time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		poller:           poller,
		agg:              agg,
		sink:             sink,
		clock:            clock,
		cfg:              cfg,
		notifier:         notifier,
		failureThreshold: failureThreshold,
		shutdownGrace:    shutdownGrace,
		logger:           logger,
	}
}

// Counters returns a copy of the current tallies.
func (e *Engine) Counters() Counters { return e.counters }

// Run executes the polling loop until ctx is cancelled, then flushes
// every live bucket and drains pending writes. Fatal errors (auth,
// permanent store failures) end the run early.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.poller.Initialize(ctx); err != nil {
		if errors.Is(err, auth.ErrAuthFailed) {
			e.halt(err)
			return err
		}
		return err
	}

	e.logger.Info("ingestion engine streaming",
		zap.String("underlying", e.cfg.Underlying))

	iteration := 0
	for {
		iteration++

		session, err := e.iterate(ctx, iteration)
		if err != nil {
			if errors.Is(err, auth.ErrAuthFailed) || !store.IsRetryable(err) {
				e.halt(err)
			}
			return err
		}

		select {
		case <-ctx.Done():
			return e.flush()
		case <-time.After(e.poller.Interval(session)):
		}
	}
}

// iterate runs one poll-aggregate-enrich-write cycle. The returned
// session picks the next sleep. Poll failures are counted and absorbed;
// only fatal errors propagate.
func (e *Engine) iterate(ctx context.Context, iteration int) (market.Session, error) {
	now := time.Now()
	session := e.clock.Session(now)

	res, err := e.poller.Poll(ctx, iteration)
	switch {
	case err != nil && errors.Is(err, auth.ErrAuthFailed):
		return session, err
	case err != nil:
		if ctx.Err() != nil {
			// Cancelled mid-iteration; the flush handles the rest.
			return session, nil
		}
		e.counters.PollErrors++
		e.consecutiveFails++
		e.logger.Warn("poll iteration failed",
			zap.Int("iteration", iteration),
			zap.Int("consecutive", e.consecutiveFails),
			zap.Error(err))
		if e.consecutiveFails == e.failureThreshold {
			_ = e.notifier.FailureStreak(ctx, e.cfg.Underlying, e.consecutiveFails, err)
		}
	default:
		e.consecutiveFails = 0
		e.counters.LastSuccessfulPoll = now
		e.counters.ValidationDropped += int64(res.Dropped)
		session = res.Session
		e.ingest(res, now)
	}

	return session, e.drain(ctx)
}

// ingest feeds one poll result through the aggregator and queues every
// completed bucket, enriched, for writing.
func (e *Engine) ingest(res *stream.PollResult, now time.Time) {
	spot := e.poller.Spot()

	var completed []aggregate.Completed
	if res.Underlying != nil {
		completed = append(completed, e.agg.AddUnderlying(*res.Underlying, now)...)
	}
	for _, tick := range res.Options {
		completed = append(completed, e.agg.AddOption(tick, now)...)
	}

	// Contracts that left the universe flush once, then disappear.
	if len(res.Evicted) > 0 {
		completed = append(completed, e.agg.Evict(res.Evicted)...)
	}

	completed = append(completed, e.agg.Sweep(now)...)

	for i := range completed {
		e.sink.Enrich(&completed[i], spot)
	}
	e.pending = append(e.pending, completed...)
}

// drain writes queued buckets in order. A transient store failure stops
// the drain and keeps the remainder for the next iteration; a permanent
// failure is fatal.
func (e *Engine) drain(ctx context.Context) error {
	for len(e.pending) > 0 {
		c := e.pending[0]
		if err := e.sink.Write(ctx, c); err != nil {
			if store.IsRetryable(err) {
				e.counters.WriteErrors++
				e.logger.Warn("store write failed, retaining bucket",
					zap.Int("pending", len(e.pending)),
					zap.Error(err))
				return nil
			}
			return err
		}

		if c.Bar != nil {
			e.counters.BarsWritten++
		} else {
			e.counters.QuotesWritten++
		}
		e.pending = e.pending[1:]
	}
	return nil
}

// flush is the Flushing state: emit every live bucket, partial ones
// included, and drain within the shutdown grace.
func (e *Engine) flush() error {
	e.logger.Info("flushing on shutdown",
		zap.Int("live_buckets", e.agg.Len()),
		zap.Int("pending_writes", len(e.pending)))

	ctx, cancel := context.WithTimeout(context.Background(), e.shutdownGrace)
	defer cancel()

	spot := e.poller.Spot()
	final := e.agg.FlushAll()
	for i := range final {
		e.sink.Enrich(&final[i], spot)
	}
	e.pending = append(e.pending, final...)

	err := e.drain(ctx)

	e.logger.Info("ingestion engine closed",
		zap.Int64("bars_written", e.counters.BarsWritten),
		zap.Int64("quotes_written", e.counters.QuotesWritten),
		zap.Int64("poll_errors", e.counters.PollErrors),
		zap.Int64("validation_dropped", e.counters.ValidationDropped),
		zap.Int64("write_errors", e.counters.WriteErrors),
		zap.Time("last_successful_poll", e.counters.LastSuccessfulPoll))

	return err
}

func (e *Engine) halt(err error) {
	e.logger.Error("ingestion engine halted", zap.Error(err))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.notifier.EngineHalted(ctx, e.cfg.Underlying, err)
}
