package quant

import (
	"errors"
	"math"

	"github.com/zerogex/zerogex/internal/models"
)

// ErrNoSolution is returned when no implied volatility reproduces the
// observed price within the solver's budget.
var ErrNoSolution = errors.New("quant: no implied volatility solution")

// Vega below this is treated as degenerate and the solver switches from
// Newton steps to bisection.
const degenerateVega = 1e-8

// Solver holds the Newton-Raphson tuning knobs.
type Solver struct {
	MaxIterations int
	Tolerance     float64
	Min           float64
	Max           float64
}

// NewSolver returns a solver with the documented defaults.
func NewSolver() Solver {
	return Solver{
		MaxIterations: 100,
		Tolerance:     1e-5,
		Min:           0.01,
		Max:           5.0,
	}
}

func (s Solver) clamp(sigma float64) float64 {
	return math.Min(math.Max(sigma, s.Min), s.Max)
}

// seed picks the starting volatility: the Brenner-Subrahmanyam
// approximation when it lands in range, otherwise a flat 0.3.
func (s Solver) seed(price, spot, t float64) float64 {
	if spot > 0 && t > 0 {
		if bs := math.Sqrt(2*math.Pi/t) * price / spot; bs >= s.Min && bs <= s.Max {
			return bs
		}
	}
	return s.clamp(0.3)
}

// Solve finds the volatility at which the Black-Scholes price of the
// contract equals price. Prices below intrinsic value are rejected
// before any iteration.
func (s Solver) Solve(price, spot, strike, t, r float64, typ models.OptionType) (float64, error) {
	if price <= 0 || spot <= 0 || strike <= 0 || t <= 0 || !typ.Valid() {
		return 0, ErrNoSolution
	}

	intrinsic := spot - strike
	if typ == models.Put {
		intrinsic = strike - spot
	}
	if intrinsic > 0 && price < intrinsic {
		return 0, ErrNoSolution
	}

	terms := Terms{S: spot, K: strike, T: t, R: r, Type: typ}
	sigma := s.seed(price, spot, t)

	for i := 0; i < s.MaxIterations; i++ {
		terms.Sigma = sigma
		diff := Price(terms) - price
		if math.Abs(diff) < s.Tolerance {
			return sigma, nil
		}

		vega := vegaRaw(terms)
		if vega < degenerateVega {
			return s.bisect(price, terms, s.MaxIterations-i)
		}

		sigma = s.clamp(sigma - diff/vega)
	}

	return 0, ErrNoSolution
}

// bisect runs the remaining iteration budget as bisection on
// [Min, Max], where the price is monotone in volatility.
func (s Solver) bisect(price float64, terms Terms, budget int) (float64, error) {
	lo, hi := s.Min, s.Max
	for i := 0; i < budget; i++ {
		mid := (lo + hi) / 2
		terms.Sigma = mid
		diff := Price(terms) - price
		if math.Abs(diff) < s.Tolerance {
			return mid, nil
		}
		if diff < 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return 0, ErrNoSolution
}

// ResolveInput is the contract snapshot the fallback ladder reads.
// BrokerIV must already be range-checked by the validator (out-of-range
// broker values arrive here as nil).
type ResolveInput struct {
	BrokerIV *float64
	Bid      float64
	Ask      float64
	Last     float64
	Spot     float64
	Strike   float64
	T        float64
	R        float64
	Type     models.OptionType
}

// Resolve runs the contract IV fallback ladder: broker-provided IV,
// then a solve from the bid/ask mid, then from the last trade, then the
// configured default. The returned source names the rung that won.
func (s Solver) Resolve(in ResolveInput, defaultIV float64) (float64, models.IVSource) {
	if in.BrokerIV != nil {
		return *in.BrokerIV, models.IVSourceBroker
	}

	if in.Bid > 0 && in.Ask > 0 && in.Ask >= in.Bid {
		mid := (in.Bid + in.Ask) / 2
		if iv, err := s.Solve(mid, in.Spot, in.Strike, in.T, in.R, in.Type); err == nil {
			return iv, models.IVSourceMid
		}
	}

	if in.Last > 0 {
		if iv, err := s.Solve(in.Last, in.Spot, in.Strike, in.T, in.R, in.Type); err == nil {
			return iv, models.IVSourceLast
		}
	}

	return defaultIV, models.IVSourceDefault
}
