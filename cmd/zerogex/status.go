package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zerogex/zerogex/internal/auth"
	"github.com/zerogex/zerogex/internal/broker"
	"github.com/zerogex/zerogex/internal/market"
)

func statusCmd() *cobra.Command {
	var query string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "One-shot diagnostics: market clock, token check, symbol search",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			clock := market.NewClock()

			tokens := auth.NewSource(
				cfg.Auth.TokenURL, cfg.Auth.ClientID, cfg.Auth.ClientSecret, cfg.Auth.RefreshToken,
				cfg.Broker.RetryAttempts, cfg.Broker.RetryDelay(), cfg.Broker.RetryBackoff, logger)

			api := broker.NewClient(
				cfg.Broker.BaseURL, tokens, clock,
				cfg.Broker.RatePerSecond, cfg.Broker.Timeout(), cfg.Broker.RetryDelay(),
				cfg.Broker.RetryAttempts, cfg.Broker.RetryBackoff, logger)

			info := api.Clock()
			fmt.Printf("Market session: %s (as of %s)\n", info.Session, info.Now)

			tok, err := tokens.Token(ctx)
			if err != nil {
				return fmt.Errorf("token check failed: %w", err)
			}
			fmt.Printf("Token OK, expires %s\n", tok.Expiry.Format("15:04:05 MST"))

			if query != "" {
				symbols, err := api.SymbolSearch(ctx, query)
				if err != nil {
					return fmt.Errorf("symbol search failed: %w", err)
				}
				for _, s := range symbols {
					fmt.Printf("  %-8s %-10s %s\n", s.Symbol, s.Exchange, s.Description)
				}
			}

			quotes, err := api.Quotes(ctx, []string{cfg.Ingest.Underlying})
			if err != nil {
				return fmt.Errorf("quote check failed: %w", err)
			}
			for _, q := range quotes {
				fmt.Printf("%s last=%s bid=%s ask=%s\n", q.Symbol, q.Last, q.Bid, q.Ask)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&query, "search", "", "also run a symbol search")
	return cmd
}
