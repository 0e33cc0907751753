package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/zerogex/zerogex/internal/aggregate"
	"github.com/zerogex/zerogex/internal/config"
	"github.com/zerogex/zerogex/internal/market"
	"github.com/zerogex/zerogex/internal/models"
	"github.com/zerogex/zerogex/internal/quant"
)

// Writer is the slice of the store the ingestion path needs.
type Writer interface {
	UpsertUnderlyingBar(ctx context.Context, b models.UnderlyingBar) error
	UpsertOptionQuote(ctx context.Context, q models.OptionQuote) error
}

// Sink is the shared enrichment-and-write path: streaming and backfill
// both hand completed buckets here so rows land identically.
type Sink struct {
	store  Writer
	solver quant.Solver
	clock  *market.Clock
	quant  config.QuantConfig

	greeksEnabled bool
	ivEnabled     bool

	logger *zap.Logger
}

func NewSink(store Writer, clock *market.Clock, qcfg config.QuantConfig, greeksEnabled, ivEnabled bool, logger *zap.Logger) *Sink {
	return &Sink{
		store: store,
		solver: quant.Solver{
			MaxIterations: qcfg.IVMaxIterations,
			Tolerance:     qcfg.IVTolerance,
			Min:           qcfg.IVMin,
			Max:           qcfg.IVMax,
		},
		clock:         clock,
		quant:         qcfg,
		greeksEnabled: greeksEnabled,
		ivEnabled:     ivEnabled,
		logger:        logger,
	}
}

// Enrich runs the IV fallback ladder and the Greeks evaluator on a
// completed option bucket, in place. Bar buckets pass through
// untouched. A missing spot price leaves the row unenriched; it is
// still written.
func (s *Sink) Enrich(c *aggregate.Completed, spot float64) {
	q := c.Quote
	if q == nil || spot <= 0 {
		return
	}

	t := s.clock.YearsToExpiry(q.BucketStart, q.Expiration)

	if s.ivEnabled {
		iv, source := s.solver.Resolve(quant.ResolveInput{
			BrokerIV: c.BrokerIV,
			Bid:      c.Bid,
			Ask:      c.Ask,
			Last:     c.Last,
			Spot:     spot,
			Strike:   q.Strike,
			T:        t,
			R:        s.quant.RiskFreeRate,
			Type:     q.Type,
		}, s.quant.DefaultIV)
		q.IV = &iv
		q.IVFrom = source
	} else if c.BrokerIV != nil {
		q.IV = c.BrokerIV
		q.IVFrom = models.IVSourceBroker
	}

	if !s.greeksEnabled {
		return
	}

	sigma := s.quant.DefaultIV
	if q.IV != nil {
		sigma = *q.IV
	}

	greeks, err := quant.Evaluate(quant.Terms{
		S:     spot,
		K:     q.Strike,
		T:     t,
		R:     s.quant.RiskFreeRate,
		Sigma: sigma,
		Type:  q.Type,
	})
	if err != nil {
		// NotEvaluable: the row is written with null Greeks.
		s.logger.Debug("greeks not evaluable",
			zap.String("symbol", q.Symbol),
			zap.Error(err))
		return
	}

	q.Delta = &greeks.Delta
	q.Gamma = &greeks.Gamma
	q.Theta = &greeks.Theta
	q.Vega = &greeks.Vega
}

// Write upserts one completed bucket.
func (s *Sink) Write(ctx context.Context, c aggregate.Completed) error {
	if c.Bar != nil {
		return s.store.UpsertUnderlyingBar(ctx, *c.Bar)
	}
	return s.store.UpsertOptionQuote(ctx, *c.Quote)
}
