package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zerogex/zerogex/internal/broker"
	"github.com/zerogex/zerogex/internal/config"
	"github.com/zerogex/zerogex/internal/market"
)

var clk = market.NewClock()

// fakeAPI serves a scripted market: one spot price, fixed expirations
// and strikes, and chain quotes echoing whatever symbols are asked for.
type fakeAPI struct {
	broker.API

	mu        sync.Mutex
	spot      float64
	failChain bool
	chainReqs int
}

func (f *fakeAPI) LatestBar(ctx context.Context, symbol string, interval int) (*broker.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price := fmt.Sprintf("%.2f", f.spot)
	return &broker.Bar{
		TimeStamp: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		Open:      price, High: price, Low: price, Close: price,
		UpVolume: "1000", DownVolume: "800",
	}, nil
}

func (f *fakeAPI) Expirations(ctx context.Context, underlying string) ([]broker.Expiration, error) {
	base := clk.Today(time.Now())
	var out []broker.Expiration
	for _, days := range []int{2, 9, 16} {
		out = append(out, broker.Expiration{
			Date: base.AddDate(0, 0, days).Format("2006-01-02") + "T00:00:00Z",
		})
	}
	return out, nil
}

func (f *fakeAPI) Strikes(ctx context.Context, underlying, expiration string) ([][]string, error) {
	return [][]string{{"440"}, {"445"}, {"450"}, {"455"}, {"460"}}, nil
}

func (f *fakeAPI) OptionChain(ctx context.Context, symbols []string) ([]broker.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chainReqs++
	if f.failChain {
		return nil, errors.New("server error: 503")
	}

	ts := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	quotes := make([]broker.Quote, len(symbols))
	for i, s := range symbols {
		quotes[i] = broker.Quote{
			Symbol: s, TimeStamp: ts,
			Last: "12.10", Bid: "12.00", Ask: "12.20",
			Volume: "100", OpenInterest: "1000",
		}
	}
	return quotes, nil
}

func testConfig() config.IngestConfig {
	return config.IngestConfig{
		Underlying:            "SPY",
		Expirations:           3,
		StrikeDistance:        10.0,
		StrikeRecalcInterval:  10,
		PriceMoveThreshold:    1.0,
		StrikeCleanupInterval: 100,
		MarketHoursPollSec:    5,
		ExtendedHoursPollSec:  30,
		ClosedHoursPollSec:    300,
		BucketSeconds:         60,
		MaxBufferSize:         1000,
		OptionBatchSize:       20,
	}
}

func newTestManager(spot float64) (*Manager, *fakeAPI) {
	api := &fakeAPI{spot: spot}
	return NewManager(api, testConfig(), clk, zap.NewNop()), api
}

func TestInitializeBuildsUniverse(t *testing.T) {
	m, _ := newTestManager(450)

	require.NoError(t, m.Initialize(context.Background()))
	require.Equal(t, 450.0, m.Spot())
}

func TestPollYieldsUnderlyingAndChain(t *testing.T) {
	m, _ := newTestManager(450)
	require.NoError(t, m.Initialize(context.Background()))

	res, err := m.Poll(context.Background(), 1)
	require.NoError(t, err)

	require.NotNil(t, res.Underlying)
	require.Equal(t, 450.0, res.Underlying.Close)

	// ±10 of 450 keeps 5 strikes, 3 expirations, calls and puts.
	require.Len(t, res.Options, 5*3*2)
	require.Zero(t, res.Dropped)
	require.Empty(t, res.Evicted)
}

func TestPollRebuildsOnPriceMove(t *testing.T) {
	m, api := newTestManager(450)
	require.NoError(t, m.Initialize(context.Background()))

	// Spot jumps past the threshold: 440 falls out of the window.
	api.mu.Lock()
	api.spot = 451.20
	api.mu.Unlock()

	res, err := m.Poll(context.Background(), 1)
	require.NoError(t, err)

	require.Len(t, res.Evicted, 6)
	for _, sym := range res.Evicted {
		require.Contains(t, sym, "440")
	}
}

func TestPollSurvivesChainFailure(t *testing.T) {
	m, api := newTestManager(450)
	require.NoError(t, m.Initialize(context.Background()))

	api.mu.Lock()
	api.failChain = true
	api.mu.Unlock()

	res, err := m.Poll(context.Background(), 1)
	require.NoError(t, err, "a failed batch degrades the iteration, not the stream")
	require.Empty(t, res.Options)
}

func TestPollBatchesRespectBatchSize(t *testing.T) {
	m, api := newTestManager(450)
	require.NoError(t, m.Initialize(context.Background()))

	api.mu.Lock()
	api.chainReqs = 0
	api.mu.Unlock()

	_, err := m.Poll(context.Background(), 1)
	require.NoError(t, err)

	// 30 symbols at batch size 20 -> 2 chain requests.
	api.mu.Lock()
	defer api.mu.Unlock()
	require.Equal(t, 2, api.chainReqs)
}

func TestIntervalPerSession(t *testing.T) {
	m, _ := newTestManager(450)

	require.Equal(t, 5*time.Second, m.Interval(market.SessionRegular))
	require.Equal(t, 30*time.Second, m.Interval(market.SessionPreOpen))
	require.Equal(t, 30*time.Second, m.Interval(market.SessionAfterHours))
	require.Equal(t, 300*time.Second, m.Interval(market.SessionClosed))
}
