package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zerogex/zerogex/internal/aggregate"
	"github.com/zerogex/zerogex/internal/auth"
	"github.com/zerogex/zerogex/internal/broker"
	"github.com/zerogex/zerogex/internal/engine"
	"github.com/zerogex/zerogex/internal/market"
	"github.com/zerogex/zerogex/internal/notify"
	"github.com/zerogex/zerogex/internal/store"
	"github.com/zerogex/zerogex/internal/stream"
)

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Stream live market data into the store",
		Long: `Poll the broker at the session-appropriate cadence, aggregate ticks
into one-minute buckets, enrich option buckets with implied volatility
and Greeks, and upsert the results.

SIGINT/SIGTERM flushes every live bucket before exit; a second signal
forces an immediate stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			clock := market.NewClock()

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

			eng := engine.New(
				stream.NewManager(api, cfg.Ingest, clock, logger),
				aggregate.New(cfg.Ingest.Bucket(), clock, cfg.Ingest.MaxBufferSize),
				sink,
				clock,
				cfg.Ingest,
				notify.New(cfg.Notify, logger),
				cfg.Notify.FailureThreshold,
				cfg.Ingest.Bucket()+cfg.Broker.Timeout(),
				logger)

			logger.Info("starting ingestion",
				zap.String("underlying", cfg.Ingest.Underlying),
				zap.Int("expirations", cfg.Ingest.Expirations),
				zap.Float64("strike_distance", cfg.Ingest.StrikeDistance))

			return eng.Run(ctx)
		},
	}
}
