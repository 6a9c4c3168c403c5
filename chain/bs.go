// Package chain resolves option chains: ATM strike windows, latest quotes,
// and closed-form Greeks with numeric implied-volatility inversion.
package chain

import (
	"math"

	"github.com/tickvault/shardquery/core"
)

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

// PricingInput parameterizes the Black-Scholes model. T is time to expiry
// in years, already floored to 1/365 by the caller.
type PricingInput struct {
	Spot   float64
	Strike float64
	T      float64
	Rate   float64
	Vol    float64
	Right  core.OptionRight
}

func d1d2(in PricingInput) (float64, float64) {
	sqT := math.Sqrt(in.T)
	d1 := (math.Log(in.Spot/in.Strike) + (in.Rate+in.Vol*in.Vol/2)*in.T) / (in.Vol * sqT)
	return d1, d1 - in.Vol*sqT
}

// Price is the Black-Scholes theoretical value.
func Price(in PricingInput) float64 {
	d1, d2 := d1d2(in)
	disc := math.Exp(-in.Rate * in.T)
	if in.Right == core.Call {
		return in.Spot*normCDF(d1) - in.Strike*disc*normCDF(d2)
	}
	return in.Strike*disc*normCDF(-d2) - in.Spot*normCDF(-d1)
}

// Sensitivities returns delta, gamma, theta and vega. Theta is reported per
// calendar day; vega per 1.0 of volatility.
func Sensitivities(in PricingInput) (delta, gamma, theta, vega float64) {
	d1, d2 := d1d2(in)
	sqT := math.Sqrt(in.T)
	pdf := normPDF(d1)
	disc := math.Exp(-in.Rate * in.T)

	gamma = pdf / (in.Spot * in.Vol * sqT)
	vega = in.Spot * pdf * sqT

	annualTheta := -in.Spot * pdf * in.Vol / (2 * sqT)
	if in.Right == core.Call {
		delta = normCDF(d1)
		annualTheta -= in.Rate * in.Strike * disc * normCDF(d2)
	} else {
		delta = normCDF(d1) - 1
		annualTheta += in.Rate * in.Strike * disc * normCDF(-d2)
	}
	theta = annualTheta / 365
	return delta, gamma, theta, vega
}

// Intrinsic is max(spot-strike, 0) for calls, max(strike-spot, 0) for puts.
func Intrinsic(spot, strike float64, right core.OptionRight) float64 {
	if right == core.Call {
		return math.Max(spot-strike, 0)
	}
	return math.Max(strike-spot, 0)
}

const (
	ivMaxIter = 100
	ivFloor   = 1e-4
	ivCeil    = 5.0
	// ivTol is the accepted bracket width at the iteration cap: a wider
	// bracket means failure, never an infinite loop.
	ivTol = 0.02
)

// ImpliedVol inverts the model against an observed price. Newton steps with
// a bisection bracket as fallback, bounded iterations, per-contract failure.
func ImpliedVol(target float64, in PricingInput) (float64, error) {
	lo, hi := ivFloor, ivCeil

	// An observed price below intrinsic or above the volatility ceiling's
	// value has no root.
	in.Vol = lo
	if Price(in) > target {
		return 0, core.ErrIVConvergenceFailed
	}
	in.Vol = hi
	if Price(in) < target {
		return 0, core.ErrIVConvergenceFailed
	}

	sigma := 0.5
	for i := 0; i < ivMaxIter; i++ {
		in.Vol = sigma
		diff := Price(in) - target
		if math.Abs(diff) < 1e-9 {
			return sigma, nil
		}
		if diff > 0 {
			hi = sigma
		} else {
			lo = sigma
		}

		_, _, _, vega := Sensitivities(in)
		next := sigma - diff/vega
		if vega < 1e-10 || next <= lo || next >= hi || math.IsNaN(next) {
			next = (lo + hi) / 2
		}
		if math.Abs(next-sigma) < 1e-7 {
			return next, nil
		}
		sigma = next
	}
	if hi-lo <= ivTol {
		return (lo + hi) / 2, nil
	}
	return 0, core.ErrIVConvergenceFailed
}
