package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zerogex/zerogex/internal/auth"
	"github.com/zerogex/zerogex/internal/backfill"
	"github.com/zerogex/zerogex/internal/broker"
	"github.com/zerogex/zerogex/internal/engine"
	"github.com/zerogex/zerogex/internal/market"
	"github.com/zerogex/zerogex/internal/store"
)

func backfillCmd() *cobra.Command {
	var lookbackDays int

	cmd := &cobra.Command{
		Use:   "backfill [START [END]]",
		Short: "Backfill historical bars and option snapshots",
		Long: `Fetch historical one-minute underlying bars for the window and, for
every sampled bar, the option chain around that bar's close. Rows are
stamped with bar time and written through the same enrichment path as
streaming. Runs to completion and exits.

Dates are YYYY-MM-DD. With no arguments the configured lookback window
ending now is used.`,
		Args: cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			clock := market.NewClock()

			end := time.Now()
			start := end.AddDate(0, 0, -lookback(lookbackDays))

			var err error
			if len(args) >= 1 {
				if start, err = time.ParseInLocation("2006-01-02", args[0], clock.Location()); err != nil {
					return fmt.Errorf("parsing start date: %w", err)
				}
			}
			if len(args) == 2 {
				if end, err = time.ParseInLocation("2006-01-02", args[1], clock.Location()); err != nil {
					return fmt.Errorf("parsing end date: %w", err)
				}
				end = end.AddDate(0, 0, 1) // inclusive end day
			}
			if !start.Before(end) {
				return fmt.Errorf("start %s is not before end %s", start.Format("2006-01-02"), end.Format("2006-01-02"))
			}

			db, err := store.Open(cfg.DB.DSN(), cfg.DB.PoolMax, cfg.DB.PoolMin, logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			tokens := auth.NewSource(
				cfg.Auth.TokenURL, cfg.Auth.ClientID, cfg.Auth.ClientSecret, cfg.Auth.RefreshToken,
				cfg.Broker.RetryAttempts, cfg.Broker.RetryDelay(), cfg.Broker.RetryBackoff, logger)

			api := broker.NewClient(
				cfg.Broker.BaseURL, tokens, clock,
				cfg.Broker.RatePerSecond, cfg.Broker.Timeout(), cfg.Broker.RetryDelay(),
				cfg.Broker.RetryAttempts, cfg.Broker.RetryBackoff, logger)

			sink := engine.NewSink(db, clock, cfg.Quant,
				cfg.Ingest.GreeksEnabled, cfg.Ingest.IVCalculationEnabled, logger)

			mgr := backfill.NewManager(api, sink, clock, cfg.Ingest, logger)

			logger.Info("starting backfill",
				zap.String("underlying", cfg.Ingest.Underlying),
				zap.Time("start", start),
				zap.Time("end", end))

			return mgr.Run(ctx, start, end)
		},
	}

	cmd.Flags().IntVar(&lookbackDays, "lookback-days", 0, "override configured lookback window")
	return cmd
}

func lookback(override int) int {
	if override > 0 {
		return override
	}
	if cfg != nil && cfg.Ingest.LookbackDays > 0 {
		return cfg.Ingest.LookbackDays
	}
	return 7
}
