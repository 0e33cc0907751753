package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zerogex/zerogex/internal/analytics"
	"github.com/zerogex/zerogex/internal/market"
	"github.com/zerogex/zerogex/internal/store"
)

// Cadence of the retention pruning sweep.
const maintenanceInterval = 6 * time.Hour

func analyticsCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Run the GEX analytics engine",
		Long: `Periodically derive gamma exposure by strike, the gamma flip point,
max pain, and put/call ratios from the most recent stored snapshot.
Runs independently of ingestion; it reads the quote tables and, unless
--once is given, also prunes rows older than the retention windows.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			clock := market.NewClock()

			db, err := store.Open(cfg.DB.DSN(), cfg.DB.PoolMax, cfg.DB.PoolMin, logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			eng := analytics.New(db, clock, cfg.Ingest.Underlying, cfg.Analytics, cfg.Quant.RiskFreeRate, logger)

			if once {
				return eng.RunOnce(ctx)
			}

			go maintenanceLoop(ctx, db)
			return eng.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single calculation cycle and exit")
	return cmd
}

// maintenanceLoop prunes aged rows on a slow cadence driven by the
// retention config.
func maintenanceLoop(ctx context.Context, db *store.Store) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	prune := func() {
		windows := map[string]time.Duration{
			"underlying_bars": time.Duration(cfg.Retention.QuotesDays) * 24 * time.Hour,
			"option_chains":   time.Duration(cfg.Retention.QuotesDays) * 24 * time.Hour,
			"quality_log":     time.Duration(cfg.Retention.QualityDays) * 24 * time.Hour,
			"ingest_metrics":  time.Duration(cfg.Retention.MetricsDays) * 24 * time.Hour,
		}
		for table, retention := range windows {
			if retention <= 0 {
				continue
			}
			if _, err := db.PruneOlderThan(ctx, table, retention); err != nil {
				logger.Warn("prune failed", zap.String("table", table), zap.Error(err))
			}
		}
	}

	prune()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
