// Package stops derives ATR-based stop-loss and take-profit distances.
package stops

import (
	"math"

	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// Calculator computes Average True Range and the stop/target bands derived
// from it. Values during the warm-up window are undefined (NaN internally)
// and surface as "no stop" through At.
type Calculator struct {
	period           int
	stopMultiplier   float64
	targetMultiplier float64
}

// NewCalculator creates a stop calculator.
func NewCalculator(period int, stopMultiplier, targetMultiplier float64) *Calculator {
	if period < 1 {
		period = 1
	}
	return &Calculator{
		period:           period,
		stopMultiplier:   stopMultiplier,
		targetMultiplier: targetMultiplier,
	}
}

// FromConfig creates a calculator from a backtest configuration.
func FromConfig(cfg types.BacktestConfig) *Calculator {
	return NewCalculator(cfg.ATRPeriod, cfg.ATRStopMultiplier, cfg.ATRTargetMultiplier)
}

// TrueRange returns max(h-l, |h-prevClose|, |l-prevClose|) per bar. The
// first bar has no previous close and is NaN.
func TrueRange(bars []types.Bar) []float64 {
	tr := make([]float64, len(bars))
	for i := range bars {
		if i == 0 {
			tr[i] = math.NaN()
			continue
		}
		prev := bars[i-1].Close
		h, l := bars[i].High, bars[i].Low
		tr[i] = math.Max(h-l, math.Max(math.Abs(h-prev), math.Abs(l-prev)))
	}
	return tr
}

// ATR returns the rolling mean of True Range over the calculator period.
// Indices below period are NaN.
func (c *Calculator) ATR(bars []types.Bar) []float64 {
	tr := TrueRange(bars)
	atr := make([]float64, len(bars))
	sum := 0.0
	for i := range atr {
		atr[i] = math.NaN()
		if i == 0 {
			continue
		}
		sum += tr[i]
		if i > c.period {
			sum -= tr[i-c.period]
		}
		if i >= c.period {
			atr[i] = sum / float64(c.period)
		}
	}
	return atr
}

// Bands holds per-bar stop and target distances as fractions of close.
type Bands struct {
	StopPct   []float64
	TargetPct []float64
}

// At returns the stop and target fractions for bar i. ok is false for a
// band that is disabled or still warming up.
func (b Bands) At(i int) (stopPct float64, stopOK bool, targetPct float64, targetOK bool) {
	if i < 0 || i >= len(b.StopPct) {
		return 0, false, 0, false
	}
	stopPct, targetPct = b.StopPct[i], b.TargetPct[i]
	return stopPct, !math.IsNaN(stopPct), targetPct, !math.IsNaN(targetPct)
}

// Compute derives Stop% = ATR*stopMultiplier/close and
// Target% = ATR*targetMultiplier/close for every bar. A non-positive
// multiplier disables that band entirely, and a zero ATR yields no band
// rather than a zero-width one.
func (c *Calculator) Compute(bars []types.Bar) Bands {
	atr := c.ATR(bars)
	bands := Bands{
		StopPct:   make([]float64, len(bars)),
		TargetPct: make([]float64, len(bars)),
	}
	for i, a := range atr {
		bands.StopPct[i] = band(a, c.stopMultiplier, bars[i].Close)
		bands.TargetPct[i] = band(a, c.targetMultiplier, bars[i].Close)
	}
	return bands
}

func band(atr, multiplier, close float64) float64 {
	if math.IsNaN(atr) || atr <= 0 || multiplier <= 0 || close <= 0 {
		return math.NaN()
	}
	return atr * multiplier / close
}

// Levels converts fractions into absolute stop and target prices for a
// position entered at price on the given side. Disabled bands return NaN.
func Levels(side types.TradeSide, price, stopPct, targetPct float64) (stop, target float64) {
	d := side.Direction()
	stop, target = math.NaN(), math.NaN()
	if !math.IsNaN(stopPct) {
		stop = price * (1 - d*stopPct)
	}
	if !math.IsNaN(targetPct) {
		target = price * (1 + d*targetPct)
	}
	return stop, target
}
