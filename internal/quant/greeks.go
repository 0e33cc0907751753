// Package quant implements the Black-Scholes numerics used to enrich
// option rows: closed-form Greeks and a Newton-Raphson implied
// volatility solver.
package quant

import (
	"errors"
	"math"

	"github.com/zerogex/zerogex/internal/models"
)

// ErrNotEvaluable is returned when inputs do not admit a finite
// closed-form evaluation (expired contract, non-positive price terms).
var ErrNotEvaluable = errors.New("quant: inputs not evaluable")

// Terms are the Black-Scholes inputs for one contract at one instant.
// T is time to expiry in years on a 365-day calendar count, R the
// annual risk-free rate, Sigma the volatility.
type Terms struct {
	S     float64
	K     float64
	T     float64
	R     float64
	Sigma float64
	Type  models.OptionType
}

func (t Terms) valid() bool {
	return t.S > 0 && t.K > 0 && t.T > 0 && t.Sigma > 0 && t.Type.Valid()
}

// Greeks carries the closed-form sensitivities. Theta and Charm are per
// calendar day, Vega per one volatility point.
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	Vanna float64
	Charm float64
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func d1d2(t Terms) (float64, float64) {
	sqrtT := math.Sqrt(t.T)
	d1 := (math.Log(t.S/t.K) + (t.R+0.5*t.Sigma*t.Sigma)*t.T) / (t.Sigma * sqrtT)
	return d1, d1 - t.Sigma*sqrtT
}

// Price evaluates the Black-Scholes price. Returns 0 for inputs outside
// the model's domain.
func Price(t Terms) float64 {
	if !t.valid() {
		return 0
	}
	d1, d2 := d1d2(t)
	disc := t.K * math.Exp(-t.R*t.T)
	if t.Type == models.Call {
		return t.S*normCDF(d1) - disc*normCDF(d2)
	}
	return disc*normCDF(-d2) - t.S*normCDF(-d1)
}

// vegaRaw is dPrice/dSigma per unit volatility, used by the solver.
func vegaRaw(t Terms) float64 {
	if !t.valid() {
		return 0
	}
	d1, _ := d1d2(t)
	return t.S * normPDF(d1) * math.Sqrt(t.T)
}

// Evaluate computes all Greeks for the given terms.
func Evaluate(t Terms) (Greeks, error) {
	if !t.valid() {
		return Greeks{}, ErrNotEvaluable
	}

	d1, d2 := d1d2(t)
	sqrtT := math.Sqrt(t.T)
	pdf := normPDF(d1)
	disc := t.K * math.Exp(-t.R*t.T)

	g := Greeks{
		Gamma: pdf / (t.S * t.Sigma * sqrtT),
		Vega:  t.S * pdf * sqrtT / 100,
		Vanna: -pdf * d2 / t.Sigma,
	}

	if t.Type == models.Call {
		g.Delta = normCDF(d1)
		g.Theta = (-t.S*pdf*t.Sigma/(2*sqrtT) - t.R*disc*normCDF(d2)) / 365
	} else {
		g.Delta = normCDF(d1) - 1
		g.Theta = (-t.S*pdf*t.Sigma/(2*sqrtT) + t.R*disc*normCDF(-d2)) / 365
	}

	// Charm is identical for calls and puts with zero dividend yield.
	g.Charm = -pdf * (2*t.R*t.T - d2*t.Sigma*sqrtT) / (2 * t.T * t.Sigma * sqrtT) / 365

	for _, v := range []float64{g.Delta, g.Gamma, g.Theta, g.Vega, g.Vanna, g.Charm} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Greeks{}, ErrNotEvaluable
		}
	}
	return g, nil
}
