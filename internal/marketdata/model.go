package marketdata

import (
	"math"

	"github.com/shopspring/decimal"
)

// secondsPerYear anchors the GBM model's annualized drift/volatility to a
// 252-trading-day, 24-hour crypto-style year, matching the source's
// GBMPriceModel constant exactly.
const secondsPerYear = 252 * 86400

// PriceModel advances a symbol's price by one tick given a standard normal
// draw z and the elapsed tick interval in seconds.
type PriceModel interface {
	Next(current decimal.Decimal, tickIntervalSeconds float64, z float64) decimal.Decimal
}

// GBMModel is geometric Brownian motion:
//
//	S(t+dt) = S(t) * exp((mu - 0.5*sigma^2)*dt + sigma*sqrt(dt)*Z)
//
// mu and sigma are annualized drift and volatility.
type GBMModel struct {
	Mu    float64
	Sigma float64
}

func (m GBMModel) Next(current decimal.Decimal, tickIntervalSeconds float64, z float64) decimal.Decimal {
	dt := tickIntervalSeconds / secondsPerYear
	drift := (m.Mu - 0.5*m.Sigma*m.Sigma) * dt
	diffusion := m.Sigma * math.Sqrt(dt) * z
	factor := math.Exp(drift + diffusion)

	f, _ := current.Float64()
	next := f * factor
	return decimal.NewFromFloat(next).Round(8)
}

// RandomWalkModel is the simpler additive fallback:
//
//	S(t+dt) = max(S(t) + S(t)*sigma*Z, 0.01)
type RandomWalkModel struct {
	Sigma float64
}

func (m RandomWalkModel) Next(current decimal.Decimal, _ float64, z float64) decimal.Decimal {
	f, _ := current.Float64()
	next := f + f*m.Sigma*z
	if next < 0.01 {
		next = 0.01
	}
	return decimal.NewFromFloat(next).Round(8)
}

// TrendModel layers a constant per-tick additive trend on top of another
// model's output, used by scenario-style configs that want a directional
// walk rather than a pure random one.
type TrendModel struct {
	Inner       PriceModel
	TrendPerTick decimal.Decimal
}

func (m TrendModel) Next(current decimal.Decimal, tickIntervalSeconds float64, z float64) decimal.Decimal {
	next := m.Inner.Next(current, tickIntervalSeconds, z)
	next = next.Add(m.TrendPerTick)
	if next.IsNegative() {
		next = decimal.NewFromFloat(0.01)
	}
	return next
}
