// Package analytics derives option-market structure (GEX by strike,
// gamma flip, max pain, put/call ratios) from the stored snapshot on
// its own cadence, independent of ingestion.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zerogex/zerogex/internal/config"
	"github.com/zerogex/zerogex/internal/market"
	"github.com/zerogex/zerogex/internal/models"
)

// Reader is the slice of the store the analytics engine needs.
type Reader interface {
	LatestUnderlyingClose(ctx context.Context, symbol string) (float64, error)
	LatestOptionSnapshot(ctx context.Context, underlying string, staleness time.Duration) ([]models.OptionSnapshot, error)
	UpsertGEXSummary(ctx context.Context, row models.GEXSummary) error
	UpsertGEXByStrike(ctx context.Context, rows []models.GEXByStrike) error
}

// Engine runs the periodic calculation loop. Any error inside a tick
// skips that tick; the next interval tries fresh.
type Engine struct {
	store        Reader
	clock        *market.Clock
	underlying   string
	cfg          config.AnalyticsConfig
	riskFreeRate float64
	logger       *zap.Logger

	calculations int64
	errorCount   int64
	lastCalc     time.Time
}

func New(store Reader, clock *market.Clock, underlying string, cfg config.AnalyticsConfig, riskFreeRate float64, logger *zap.Logger) *Engine {
	return &Engine{
		store:        store,
		clock:        clock,
		underlying:   underlying,
		cfg:          cfg,
		riskFreeRate: riskFreeRate,
		logger:       logger,
	}
}

// Run loops until ctx is cancelled. A tick that outlasts the interval
// causes the next tick to be skipped, never overlapped.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("analytics engine started",
		zap.String("underlying", e.underlying),
		zap.Duration("interval", e.cfg.Interval()))

	ticker := time.NewTicker(e.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("analytics engine stopped",
				zap.Int64("calculations", e.calculations),
				zap.Int64("errors", e.errorCount),
				zap.Time("last_successful_calc", e.lastCalc))
			return nil
		case <-ticker.C:
			if err := e.RunOnce(ctx); err != nil {
				e.errorCount++
				e.logger.Warn("analytics tick skipped", zap.Error(err))
			}
			// Drop a tick that fired while we were computing.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// RunOnce executes a single calculation cycle against the most recent
// stored snapshot.
func (e *Engine) RunOnce(ctx context.Context) error {
	calcTime := time.Now().In(e.clock.Location())

	spot, err := e.store.LatestUnderlyingClose(ctx, e.underlying)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("no underlying close stored yet for %s", e.underlying)
		}
		return fmt.Errorf("reading underlying close: %w", err)
	}

	snaps, err := e.store.LatestOptionSnapshot(ctx, e.underlying, e.cfg.StalenessWindow())
	if err != nil {
		return fmt.Errorf("reading option snapshot: %w", err)
	}

	eligible := Eligible(snaps)
	if len(eligible) == 0 {
		return fmt.Errorf("no contracts with gamma and open interest inside the staleness window")
	}

	byStrike := ComputeByStrike(e.underlying, calcTime, eligible, spot, e.riskFreeRate, e.clock)
	summary := ComputeSummary(e.underlying, calcTime, byStrike, eligible)

	if err := e.store.UpsertGEXByStrike(ctx, byStrike); err != nil {
		return fmt.Errorf("writing gex by strike: %w", err)
	}
	if err := e.store.UpsertGEXSummary(ctx, summary); err != nil {
		return fmt.Errorf("writing gex summary: %w", err)
	}

	e.calculations++
	e.lastCalc = calcTime

	flip := "n/a"
	if summary.GammaFlipPoint != nil {
		flip = fmt.Sprintf("%.2f", *summary.GammaFlipPoint)
	}
	e.logger.Info("gex calculation complete",
		zap.Float64("spot", spot),
		zap.Int("strikes", len(byStrike)),
		zap.Float64("max_gamma_strike", summary.MaxGammaStrike),
		zap.String("gamma_flip", flip),
		zap.Float64("max_pain", summary.MaxPain),
		zap.Float64("total_net_gex", summary.TotalNetGEX))

	return nil
}
