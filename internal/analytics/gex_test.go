package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zerogex/zerogex/internal/market"
	"github.com/zerogex/zerogex/internal/models"
)

var clk = market.NewClock()

func snap(strike float64, typ models.OptionType, gamma float64, oi, vol int64) models.OptionSnapshot {
	iv := 0.20
	return models.OptionSnapshot{
		Symbol:       models.BuildOptionSymbol("SPY", exp(), typ, strike),
		Strike:       strike,
		Expiration:   exp(),
		Type:         typ,
		Volume:       vol,
		OpenInterest: oi,
		IV:           &iv,
		Gamma:        &gamma,
	}
}

func exp() time.Time {
	return time.Date(2026, 3, 20, 0, 0, 0, 0, clk.Location())
}

func calcTime() time.Time {
	return time.Date(2026, 3, 18, 14, 30, 0, 0, clk.Location())
}

// Three strikes with known gamma and OI: summary fields follow directly.
func TestComputeByStrikeAndSummary(t *testing.T) {
	snaps := []models.OptionSnapshot{
		snap(445, models.Call, 0.04, 1000, 500),
		snap(445, models.Put, 0.04, 3000, 700),
		snap(450, models.Call, 0.05, 5000, 2000),
		snap(450, models.Put, 0.05, 1000, 900),
		snap(455, models.Call, 0.03, 2000, 800),
		snap(455, models.Put, 0.03, 2500, 600),
	}

	rows := ComputeByStrike("SPY", calcTime(), snaps, 450, 0.05, clk)
	require.Len(t, rows, 3)

	// Rows come back strike-ascending.
	require.Equal(t, []float64{445, 450, 455}, []float64{rows[0].Strike, rows[1].Strike, rows[2].Strike})

	// net_gex = (call_gamma - put_gamma) * 100 at every strike.
	for _, r := range rows {
		require.InEpsilon(t, (r.CallGamma-r.PutGamma)*ContractMultiplier, r.NetGEX, 1e-6)
	}

	// 445: call 0.04*1000=40, put 0.04*3000=120 -> net -8000.
	require.InDelta(t, -8000, rows[0].NetGEX, 1e-9)
	// 450: call 0.05*5000=250, put 0.05*1000=50 -> net +20000.
	require.InDelta(t, 20000, rows[1].NetGEX, 1e-9)
	// 455: call 0.03*2000=60, put 0.03*2500=75 -> net -1500.
	require.InDelta(t, -1500, rows[2].NetGEX, 1e-9)

	sum := ComputeSummary("SPY", calcTime(), rows, snaps)

	// argmax |net_gex| is 450.
	require.Equal(t, 450.0, sum.MaxGammaStrike)
	require.InDelta(t, 20000, sum.MaxGammaValue, 1e-9)
	require.InDelta(t, -8000+20000-1500, sum.TotalNetGEX, 1e-9)

	require.Equal(t, int64(500+2000+800), sum.TotalCallVolume)
	require.Equal(t, int64(700+900+600), sum.TotalPutVolume)
	require.Equal(t, int64(1000+5000+2000), sum.TotalCallOI)
	require.Equal(t, int64(3000+1000+2500), sum.TotalPutOI)

	require.NotNil(t, sum.PutCallRatio)
	require.InEpsilon(t, 2200.0/3300.0, *sum.PutCallRatio, 1e-9)

	require.NotNil(t, sum.GammaFlipPoint)
	require.NotZero(t, sum.MaxPain)

	// Vanna/charm exposures accumulated per strike.
	for _, r := range rows {
		require.NotZero(t, r.VannaExposure)
		require.NotZero(t, r.CharmExposure)
	}
}

func TestGammaFlipInterpolatesCumulativeCrossing(t *testing.T) {
	rows := []models.GEXByStrike{
		{Strike: 445, NetGEX: -10000, Expiration: exp()},
		{Strike: 450, NetGEX: 4000, Expiration: exp()},
		{Strike: 455, NetGEX: 12000, Expiration: exp()},
	}

	// Cumulative: -10000, -6000, +6000. Crossing sits between 450 and
	// 455: 450 + 5*(6000/12000) = 452.5.
	flip := GammaFlip(rows)
	require.NotNil(t, flip)
	require.InDelta(t, 452.5, *flip, 1e-9)
}

func TestGammaFlipNoCrossingPicksSmallestCumulative(t *testing.T) {
	rows := []models.GEXByStrike{
		{Strike: 445, NetGEX: 5000, Expiration: exp()},
		{Strike: 450, NetGEX: -2000, Expiration: exp()},
		{Strike: 455, NetGEX: 1000, Expiration: exp()},
	}

	// Cumulative: 5000, 3000, 4000 — never crosses zero; 450 is closest.
	flip := GammaFlip(rows)
	require.NotNil(t, flip)
	require.Equal(t, 450.0, *flip)
}

func TestGammaFlipTieGoesToLowestStrike(t *testing.T) {
	rows := []models.GEXByStrike{
		{Strike: 445, NetGEX: 3000, Expiration: exp()},
		{Strike: 450, NetGEX: 0, Expiration: exp()},
		{Strike: 455, NetGEX: 0, Expiration: exp()},
	}

	// Cumulative: 3000, 3000, 3000 — all tied; the lowest strike wins.
	flip := GammaFlip(rows)
	require.NotNil(t, flip)
	require.Equal(t, 445.0, *flip)
}

func TestGammaFlipSumsAcrossExpirations(t *testing.T) {
	later := exp().AddDate(0, 1, 0)
	rows := []models.GEXByStrike{
		{Strike: 450, NetGEX: -3000, Expiration: exp()},
		{Strike: 450, NetGEX: 3000, Expiration: later},
		{Strike: 455, NetGEX: 1000, Expiration: exp()},
	}

	// 450 nets to exactly zero once expirations collapse.
	flip := GammaFlip(rows)
	require.NotNil(t, flip)
	require.Equal(t, 450.0, *flip)
}

func TestGammaFlipEmpty(t *testing.T) {
	require.Nil(t, GammaFlip(nil))
}

func TestMaxPainMinimisesHolderPayoff(t *testing.T) {
	// Heavy call OI at 445 and put OI at 455 pull pain toward the
	// middle: pinning at 450 costs holders the least.
	snaps := []models.OptionSnapshot{
		snap(445, models.Call, 0.01, 1000, 0),
		snap(450, models.Call, 0.01, 100, 0),
		snap(450, models.Put, 0.01, 100, 0),
		snap(455, models.Put, 0.01, 1000, 0),
	}

	require.Equal(t, 450.0, MaxPain(snaps))
}

func TestMaxPainTieGoesToLowestStrike(t *testing.T) {
	// Symmetric book: several strikes share the minimum; the lowest wins.
	snaps := []models.OptionSnapshot{
		snap(450, models.Call, 0.01, 100, 0),
		snap(455, models.Put, 0.01, 100, 0),
	}

	// Pain at 450: put side (455-450)*100*100 = 50000.
	// Pain at 455: call side (455-450)*100*100 = 50000. Tie -> 450.
	require.Equal(t, 450.0, MaxPain(snaps))
}

func TestEligibleFilters(t *testing.T) {
	gamma := 0.05
	snaps := []models.OptionSnapshot{
		{Strike: 450, Type: models.Call, Gamma: &gamma, OpenInterest: 100},
		{Strike: 450, Type: models.Put, Gamma: nil, OpenInterest: 100},
		{Strike: 455, Type: models.Call, Gamma: &gamma, OpenInterest: 0},
	}

	out := Eligible(snaps)
	require.Len(t, out, 1)
	require.Equal(t, 450.0, out[0].Strike)
}

func TestSummaryRatioNullWithoutCallVolume(t *testing.T) {
	snaps := []models.OptionSnapshot{
		snap(450, models.Put, 0.05, 1000, 700),
	}
	rows := ComputeByStrike("SPY", calcTime(), snaps, 450, 0.05, clk)
	sum := ComputeSummary("SPY", calcTime(), rows, snaps)

	require.Nil(t, sum.PutCallRatio)
	require.False(t, math.IsNaN(sum.TotalNetGEX))
}
