// Package universe maintains the working set of option contracts being
// polled for one underlying.
package universe

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/zerogex/zerogex/internal/broker"
	"github.com/zerogex/zerogex/internal/models"
	"github.com/zerogex/zerogex/internal/validate"
)

// Universe holds the tracked contract set. One ingestion task owns one
// Universe; rebuilds happen between polling iterations only.
type Universe struct {
	underlying     string
	numExpirations int
	strikeDistance float64
	loc            *time.Location
	logger         *zap.Logger

	contracts []models.Contract
	symbols   []string

	spotAtBuild   float64
	lastBuildIter int
}

func New(underlying string, numExpirations int, strikeDistance float64, loc *time.Location, logger *zap.Logger) *Universe {
	return &Universe{
		underlying:     underlying,
		numExpirations: numExpirations,
		strikeDistance: strikeDistance,
		loc:            loc,
		logger:         logger,
	}
}

// Contracts returns the current set. Callers must not mutate it.
func (u *Universe) Contracts() []models.Contract { return u.contracts }

// Symbols returns the printable symbols of the current set.
func (u *Universe) Symbols() []string { return u.symbols }

// Empty reports whether the universe has not been built yet (or built
// to nothing).
func (u *Universe) Empty() bool { return len(u.contracts) == 0 }

// NeedsRebuild applies the recompute triggers: every recalcInterval
// iterations, a spot move beyond moveThreshold since the last build, or
// a tracked expiration that has passed.
func (u *Universe) NeedsRebuild(iteration, recalcInterval int, spot, moveThreshold float64, today time.Time) bool {
	if u.Empty() {
		return true
	}
	if recalcInterval > 0 && iteration-u.lastBuildIter >= recalcInterval {
		return true
	}
	if math.Abs(spot-u.spotAtBuild) > moveThreshold {
		return true
	}
	for _, c := range u.contracts {
		if c.Expired(today) {
			return true
		}
	}
	return false
}

// Rebuild replaces the contract set: the next N future expirations,
// strikes within the configured dollar distance of spot, both calls and
// puts per strike.
func (u *Universe) Rebuild(ctx context.Context, api broker.API, spot float64, today time.Time, iteration int) error {
	if spot <= 0 {
		return fmt.Errorf("universe: cannot rebuild without a spot price")
	}

	raw, err := api.Expirations(ctx, u.underlying)
	if err != nil {
		return fmt.Errorf("fetching expirations: %w", err)
	}

	expirations := make([]time.Time, 0, u.numExpirations)
	for _, exp := range validate.Expirations(raw, u.loc) {
		if exp.Before(today) {
			continue
		}
		expirations = append(expirations, exp)
		if len(expirations) == u.numExpirations {
			break
		}
	}
	if len(expirations) == 0 {
		return fmt.Errorf("universe: no future expirations for %s", u.underlying)
	}

	var (
		contracts []models.Contract
		symbols   []string
	)

	for _, exp := range expirations {
		rows, err := api.Strikes(ctx, u.underlying, exp.Format("01-02-2006"))
		if err != nil {
			return fmt.Errorf("fetching strikes for %s: %w", exp.Format("2006-01-02"), err)
		}

		for _, strike := range validate.Strikes(rows) {
			if math.Abs(strike-spot) > u.strikeDistance {
				continue
			}
			for _, typ := range []models.OptionType{models.Call, models.Put} {
				c := models.Contract{
					Underlying: u.underlying,
					Expiration: exp,
					Strike:     strike,
					Type:       typ,
				}
				c.Symbol = models.BuildOptionSymbol(u.underlying, exp, typ, strike)
				contracts = append(contracts, c)
				symbols = append(symbols, c.Symbol)
			}
		}
	}

	u.contracts = contracts
	u.symbols = symbols
	u.spotAtBuild = spot
	u.lastBuildIter = iteration

	u.logger.Info("strike universe rebuilt",
		zap.String("underlying", u.underlying),
		zap.Float64("spot", spot),
		zap.Int("expirations", len(expirations)),
		zap.Int("contracts", len(contracts)))

	return nil
}

// Tracks reports whether the given option symbol is in the current set.
func (u *Universe) Tracks(symbol string) bool {
	for _, s := range u.symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Diff returns the symbols in prev that are absent from the current
// set. The engine flushes and drops their accumulators.
func Diff(prev, current []string) []string {
	cur := make(map[string]struct{}, len(current))
	for _, s := range current {
		cur[s] = struct{}{}
	}
	var gone []string
	for _, s := range prev {
		if _, ok := cur[s]; !ok {
			gone = append(gone, s)
		}
	}
	return gone
}

// PruneExpired drops contracts whose expiration has passed and returns
// their symbols.
func (u *Universe) PruneExpired(today time.Time) []string {
	var (
		kept    []models.Contract
		keptSym []string
		dropped []string
	)
	for _, c := range u.contracts {
		if c.Expired(today) {
			dropped = append(dropped, c.Symbol)
			continue
		}
		kept = append(kept, c)
		keptSym = append(keptSym, c.Symbol)
	}
	if len(dropped) > 0 {
		u.contracts = kept
		u.symbols = keptSym
		u.logger.Debug("pruned expired contracts", zap.Int("count", len(dropped)))
	}
	return dropped
}
