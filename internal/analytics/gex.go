package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/zerogex/zerogex/internal/market"
	"github.com/zerogex/zerogex/internal/models"
	"github.com/zerogex/zerogex/internal/quant"
)

// ContractMultiplier is the US equity option share multiplier.
const ContractMultiplier = 100

// Stored rows without IV fall back to this volatility for the
// second-order exposure terms.
const fallbackIV = 0.20

// Eligible filters the snapshot to contracts the GEX math can use:
// non-null gamma and positive open interest.
func Eligible(snaps []models.OptionSnapshot) []models.OptionSnapshot {
	out := make([]models.OptionSnapshot, 0, len(snaps))
	for _, s := range snaps {
		if s.Gamma != nil && s.OpenInterest > 0 {
			out = append(out, s)
		}
	}
	return out
}

type strikeKey struct {
	strike     float64
	expiration int64
}

// ComputeByStrike aggregates the snapshot into one GEXByStrike row per
// (strike, expiration). Net GEX follows the dealer-positioning
// convention: short calls contribute positive gamma, long puts negative.
func ComputeByStrike(underlying string, calcTime time.Time, snaps []models.OptionSnapshot, spot, riskFreeRate float64, clock *market.Clock) []models.GEXByStrike {
	groups := make(map[strikeKey]*models.GEXByStrike)

	for _, s := range snaps {
		key := strikeKey{strike: s.Strike, expiration: s.Expiration.Unix()}
		row, ok := groups[key]
		if !ok {
			row = &models.GEXByStrike{
				Underlying: underlying,
				CalcTime:   calcTime,
				Strike:     s.Strike,
				Expiration: s.Expiration,
			}
			groups[key] = row
		}

		weight := float64(s.OpenInterest)
		if s.Type == models.Call {
			row.CallGamma += *s.Gamma * weight
			row.CallVolume += s.Volume
			row.CallOI += s.OpenInterest
		} else {
			row.PutGamma += *s.Gamma * weight
			row.PutVolume += s.Volume
			row.PutOI += s.OpenInterest
		}

		sigma := fallbackIV
		if s.IV != nil && *s.IV > 0 {
			sigma = *s.IV
		}
		greeks, err := quant.Evaluate(quant.Terms{
			S:     spot,
			K:     s.Strike,
			T:     clock.YearsToExpiry(calcTime, s.Expiration),
			R:     riskFreeRate,
			Sigma: sigma,
			Type:  s.Type,
		})
		if err == nil {
			row.VannaExposure += greeks.Vanna * weight * ContractMultiplier
			row.CharmExposure += greeks.Charm * weight * ContractMultiplier
		}
	}

	rows := make([]models.GEXByStrike, 0, len(groups))
	for _, row := range groups {
		row.NetGEX = (row.CallGamma - row.PutGamma) * ContractMultiplier
		rows = append(rows, *row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Strike != rows[j].Strike {
			return rows[i].Strike < rows[j].Strike
		}
		return rows[i].Expiration.Before(rows[j].Expiration)
	})
	return rows
}

// GammaFlip locates the strike where cumulative net GEX (ascending by
// strike, summed across expirations) crosses zero, interpolating
// linearly between the straddling strikes. With no crossing it returns
// the strike whose cumulative value is nearest zero, lowest strike on
// ties.
func GammaFlip(rows []models.GEXByStrike) *float64 {
	if len(rows) == 0 {
		return nil
	}

	type point struct {
		strike float64
		net    float64
	}

	// Collapse expirations onto strikes, keeping ascending order.
	var points []point
	for _, r := range rows {
		if n := len(points); n > 0 && points[n-1].strike == r.Strike {
			points[n-1].net += r.NetGEX
			continue
		}
		points = append(points, point{strike: r.Strike, net: r.NetGEX})
	}

	cum := make([]float64, len(points))
	running := 0.0
	for i, p := range points {
		running += p.net
		cum[i] = running
	}

	for i := 0; i < len(points); i++ {
		if cum[i] == 0 {
			v := points[i].strike
			return &v
		}
		if i+1 < len(points) && cum[i]*cum[i+1] < 0 {
			s1, s2 := points[i].strike, points[i+1].strike
			flip := s1 + (s2-s1)*(-cum[i])/(cum[i+1]-cum[i])
			return &flip
		}
	}

	// No crossing: closest approach to zero, lowest strike wins ties.
	best := 0
	for i := 1; i < len(points); i++ {
		if math.Abs(cum[i]) < math.Abs(cum[best]) {
			best = i
		}
	}
	v := points[best].strike
	return &v
}

// MaxPain returns the candidate settlement strike minimising total
// option-holder payoff over the union of strikes in the snapshot:
// call holders collect max(0, K - strike), put holders max(0, strike - K).
// Ties resolve to the lowest strike.
func MaxPain(snaps []models.OptionSnapshot) float64 {
	strikeSet := make(map[float64]struct{})
	for _, s := range snaps {
		strikeSet[s.Strike] = struct{}{}
	}
	if len(strikeSet) == 0 {
		return 0
	}

	strikes := make([]float64, 0, len(strikeSet))
	for k := range strikeSet {
		strikes = append(strikes, k)
	}
	sort.Float64s(strikes)

	bestStrike, bestPain := strikes[0], math.Inf(1)
	for _, k := range strikes {
		pain := 0.0
		for _, s := range snaps {
			oi := float64(s.OpenInterest)
			if s.Type == models.Call && k > s.Strike {
				pain += (k - s.Strike) * oi * ContractMultiplier
			} else if s.Type == models.Put && k < s.Strike {
				pain += (s.Strike - k) * oi * ContractMultiplier
			}
		}
		if pain < bestPain {
			bestPain = pain
			bestStrike = k
		}
	}
	return bestStrike
}

// ComputeSummary derives the per-underlying summary from the per-strike
// rows and the filtered snapshot.
func ComputeSummary(underlying string, calcTime time.Time, rows []models.GEXByStrike, snaps []models.OptionSnapshot) models.GEXSummary {
	sum := models.GEXSummary{
		Underlying: underlying,
		CalcTime:   calcTime,
		MaxPain:    MaxPain(snaps),
	}

	for i, r := range rows {
		sum.TotalNetGEX += r.NetGEX
		if i == 0 || math.Abs(r.NetGEX) > math.Abs(sum.MaxGammaValue) {
			sum.MaxGammaStrike = r.Strike
			sum.MaxGammaValue = r.NetGEX
		}
	}

	sum.GammaFlipPoint = GammaFlip(rows)

	for _, s := range snaps {
		if s.Type == models.Call {
			sum.TotalCallVolume += s.Volume
			sum.TotalCallOI += s.OpenInterest
		} else {
			sum.TotalPutVolume += s.Volume
			sum.TotalPutOI += s.OpenInterest
		}
	}

	if sum.TotalCallVolume > 0 {
		ratio := float64(sum.TotalPutVolume) / float64(sum.TotalCallVolume)
		sum.PutCallRatio = &ratio
	}

	return sum
}
