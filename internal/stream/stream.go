// Package stream drives the broker at the session-appropriate cadence
// and turns each polling iteration into validated ticks.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zerogex/zerogex/internal/broker"
	"github.com/zerogex/zerogex/internal/config"
	"github.com/zerogex/zerogex/internal/market"
	"github.com/zerogex/zerogex/internal/models"
	"github.com/zerogex/zerogex/internal/universe"
	"github.com/zerogex/zerogex/internal/validate"
)

// Workers fanning out option-chain batches within one iteration.
const chainWorkers = 3

// PollResult is everything one iteration produced.
type PollResult struct {
	Underlying *models.UnderlyingTick
	Options    []models.OptionTick
	Session    market.Session
	// Evicted lists option symbols that left the universe this
	// iteration; their accumulators must be flushed then dropped.
	Evicted []string
	// Dropped counts records rejected by validation.
	Dropped int
}

// Manager owns the strike universe and the per-iteration fetch logic
// for one underlying. Not safe for concurrent use.
type Manager struct {
	api    broker.API
	uni    *universe.Universe
	clock  *market.Clock
	cfg    config.IngestConfig
	logger *zap.Logger

	spot float64
}

func NewManager(api broker.API, cfg config.IngestConfig, clock *market.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		api:    api,
		uni:    universe.New(cfg.Underlying, cfg.Expirations, cfg.StrikeDistance, clock.Location(), logger),
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Spot returns the most recently observed underlying close.
func (m *Manager) Spot() float64 { return m.spot }

// Interval maps the market session onto the polling cadence.
func (m *Manager) Interval(s market.Session) time.Duration {
	switch s {
	case market.SessionRegular:
		return time.Duration(m.cfg.MarketHoursPollSec) * time.Second
	case market.SessionPreOpen, market.SessionAfterHours:
		return time.Duration(m.cfg.ExtendedHoursPollSec) * time.Second
	default:
		return time.Duration(m.cfg.ClosedHoursPollSec) * time.Second
	}
}

// Initialize fetches the first spot price and builds the initial
// universe. Called once before the polling loop starts.
func (m *Manager) Initialize(ctx context.Context) error {
	tick, err := m.fetchUnderlying(ctx)
	if err != nil {
		return fmt.Errorf("stream: initial underlying fetch: %w", err)
	}
	if tick == nil {
		return fmt.Errorf("stream: no bar data for %s", m.cfg.Underlying)
	}
	m.spot = tick.Close

	today := m.clock.Today(time.Now())
	if err := m.uni.Rebuild(ctx, m.api, m.spot, today, 0); err != nil {
		return fmt.Errorf("stream: initial universe build: %w", err)
	}

	m.logger.Info("stream initialized",
		zap.String("underlying", m.cfg.Underlying),
		zap.Float64("spot", m.spot),
		zap.Int("contracts", len(m.uni.Contracts())))
	return nil
}

// Poll runs one iteration: refresh the underlying bar, maintain the
// universe between fetches, then pull the option chain in batches.
// Batch-level failures are logged and skipped; the iteration degrades
// rather than aborts.
func (m *Manager) Poll(ctx context.Context, iteration int) (*PollResult, error) {
	now := time.Now()
	res := &PollResult{Session: m.clock.Session(now)}
	today := m.clock.Today(now)

	tick, err := m.fetchUnderlying(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream: underlying fetch: %w", err)
	}
	if tick != nil {
		m.spot = tick.Close
		res.Underlying = tick
	}

	// Universe maintenance happens here, between fetches, so a single
	// iteration always polls a consistent set.
	if m.uni.NeedsRebuild(iteration, m.cfg.StrikeRecalcInterval, m.spot, m.cfg.PriceMoveThreshold, today) {
		prev := append([]string(nil), m.uni.Symbols()...)
		if err := m.uni.Rebuild(ctx, m.api, m.spot, today, iteration); err != nil {
			m.logger.Warn("universe rebuild failed, keeping previous set", zap.Error(err))
		} else {
			res.Evicted = universe.Diff(prev, m.uni.Symbols())
		}
	}
	if m.cfg.StrikeCleanupInterval > 0 && iteration%m.cfg.StrikeCleanupInterval == 0 {
		res.Evicted = append(res.Evicted, m.uni.PruneExpired(today)...)
	}

	options, dropped := m.fetchChain(ctx, today)
	res.Options = options
	res.Dropped = dropped

	return res, nil
}

func (m *Manager) fetchUnderlying(ctx context.Context) (*models.UnderlyingTick, error) {
	bar, err := m.api.LatestBar(ctx, m.cfg.Underlying, 1)
	if err != nil {
		return nil, err
	}
	if bar == nil {
		// Between bars, or the market just opened.
		return nil, nil
	}

	tick, err := validate.UnderlyingTick(m.cfg.Underlying, *bar, m.clock.Location())
	if err != nil {
		m.logger.Warn("invalid underlying bar", zap.Error(err))
		return nil, nil
	}
	return &tick, nil
}

// fetchChain pulls quotes for the current universe in OPTION_BATCH_SIZE
// batches across a small worker pool.
func (m *Manager) fetchChain(ctx context.Context, today time.Time) ([]models.OptionTick, int) {
	symbols := m.uni.Symbols()
	if len(symbols) == 0 {
		return nil, 0
	}

	var batches [][]string
	for i := 0; i < len(symbols); i += m.cfg.OptionBatchSize {
		end := i + m.cfg.OptionBatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		batches = append(batches, symbols[i:end])
	}

	jobs := make(chan []string, len(batches))
	results := make(chan []broker.Quote, len(batches))

	workers := chainWorkers
	if len(batches) < workers {
		workers = len(batches)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range jobs {
				quotes, err := m.api.OptionChain(ctx, batch)
				if err != nil {
					m.logger.Warn("option chain batch failed",
						zap.Int("symbols", len(batch)),
						zap.Error(err))
					continue
				}
				select {
				case results <- quotes:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for _, b := range batches {
		jobs <- b
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		ticks   []models.OptionTick
		dropped int
	)
	for quotes := range results {
		for _, q := range quotes {
			tick, err := validate.OptionTick(q, m.clock.Location())
			if err != nil {
				dropped++
				m.logger.Debug("dropping invalid option quote",
					zap.String("symbol", q.Symbol),
					zap.Error(err))
				continue
			}
			// A quote for a contract that expired before today is
			// stale broker state, not data.
			if tick.Expired(today) {
				dropped++
				continue
			}
			ticks = append(ticks, tick)
		}
	}

	return ticks, dropped
}
