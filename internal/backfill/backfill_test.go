package backfill

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zerogex/zerogex/internal/broker"
	"github.com/zerogex/zerogex/internal/config"
	"github.com/zerogex/zerogex/internal/engine"
	"github.com/zerogex/zerogex/internal/market"
	"github.com/zerogex/zerogex/internal/models"
)

var clk = market.NewClock()

// fakeAPI serves a fixed run of historical bars. Chain sampling is
// starved (no expirations) so these tests exercise the bar path alone.
type fakeAPI struct {
	broker.API
	bars int
}

func (f *fakeAPI) Bars(ctx context.Context, req broker.BarsRequest) ([]broker.Bar, error) {
	base := time.Date(2026, 3, 18, 14, 30, 0, 0, time.UTC)
	out := make([]broker.Bar, f.bars)
	for i := range out {
		price := fmt.Sprintf("%.2f", 450.0+float64(i)*0.05)
		out[i] = broker.Bar{
			TimeStamp: base.Add(time.Duration(i) * time.Minute).Format("2006-01-02T15:04:05Z"),
			Open:      price, High: price, Low: price, Close: price,
			UpVolume: "1000", DownVolume: "800",
		}
	}
	return out, nil
}

func (f *fakeAPI) Expirations(ctx context.Context, underlying string) ([]broker.Expiration, error) {
	return nil, errors.New("server error: 503")
}

// flakyWriter fails writes for the bars whose close matches failOn.
type flakyWriter struct {
	bars    []models.UnderlyingBar
	failOn  float64
	failErr error
	fails   int
}

func (w *flakyWriter) UpsertUnderlyingBar(ctx context.Context, b models.UnderlyingBar) error {
	if b.Close == w.failOn {
		w.fails++
		return w.failErr
	}
	w.bars = append(w.bars, b)
	return nil
}

func (w *flakyWriter) UpsertOptionQuote(ctx context.Context, q models.OptionQuote) error {
	return nil
}

func newTestManager(api broker.API, w engine.Writer) *Manager {
	logger := zap.NewNop()
	cfg := config.IngestConfig{
		Underlying:             "SPY",
		Expirations:            3,
		StrikeDistance:         10,
		BucketSeconds:          60,
		OptionBatchSize:        100,
		BackfillOptionSampling: 10,
	}
	qcfg := config.QuantConfig{
		IVMaxIterations: 100, IVTolerance: 1e-5, IVMin: 0.01, IVMax: 5.0,
		RiskFreeRate: 0.05, DefaultIV: 0.20,
	}
	sink := engine.NewSink(w, clk, qcfg, true, true, logger)
	return NewManager(api, sink, clk, cfg, logger)
}

func window() (time.Time, time.Time) {
	return time.Date(2026, 3, 18, 0, 0, 0, 0, clk.Location()),
		time.Date(2026, 3, 19, 0, 0, 0, 0, clk.Location())
}

func TestRunWritesEveryBar(t *testing.T) {
	w := &flakyWriter{}
	m := newTestManager(&fakeAPI{bars: 5}, w)

	start, end := window()
	require.NoError(t, m.Run(context.Background(), start, end))
	require.Len(t, w.bars, 5)
}

// A transient store failure on one bar skips that bar after retries;
// the rest of the window still lands.
func TestRunSkipsBarOnPersistentTransientFailure(t *testing.T) {
	w := &flakyWriter{failOn: 450.10, failErr: errors.New("connection reset")}
	m := newTestManager(&fakeAPI{bars: 5}, w)

	start, end := window()
	require.NoError(t, m.Run(context.Background(), start, end))

	require.Len(t, w.bars, 4, "the other bars must survive one bad row")
	require.Equal(t, writeAttempts, w.fails)
	require.Equal(t, 1, m.skippedWrites)
}

// Permanent store errors indicate a coding bug and abort the run.
func TestRunAbortsOnPermanentFailure(t *testing.T) {
	w := &flakyWriter{failOn: 450.10, failErr: sql.ErrNoRows}
	m := newTestManager(&fakeAPI{bars: 5}, w)

	start, end := window()
	err := m.Run(context.Background(), start, end)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.Equal(t, 1, w.fails, "permanent errors must not retry")
}
