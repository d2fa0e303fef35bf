// Package utils provides numeric helpers shared by the backtest packages.
package utils

import (
	"math"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// tradeNamespace scopes deterministic trade IDs.
var tradeNamespace = uuid.MustParse("6f1c2f6e-8a3b-5d7e-9c41-0b2d7e3a9f10")

// GenerateRunID generates a unique run ID.
func GenerateRunID() string {
	return uuid.New().String()
}

// TradeID derives a stable trade ID from the dataset fingerprint and the
// entry bar, so identical inputs always yield identical IDs.
func TradeID(datasetHash string, entryIndex int) string {
	return uuid.NewSHA1(tradeNamespace, []byte(datasetHash+":"+strconv.Itoa(entryIndex))).String()
}

// Finite returns v, or 0 when v is NaN or infinite.
func Finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// SafeDiv returns a/b, or 0 when b is zero or the quotient is not finite.
func SafeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return Finite(a / b)
}

// Mean calculates the arithmetic mean.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev calculates the sample standard deviation (n-1).
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	avg := Mean(values)
	sumSq := 0.0
	for _, v := range values {
		d := v - avg
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

// Percentile returns the p-th percentile (0-100) of values using linear
// interpolation between closest ranks. values need not be sorted.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return PercentileSorted(sorted, p)
}

// PercentileSorted is Percentile for an already ascending slice.
func PercentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower < 0 {
		return sorted[0]
	}
	if upper >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// MaxDrawdown returns the deepest peak-to-trough decline of an equity curve
// as a signed fraction (<= 0).
func MaxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	maxDD := 0.0
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			if dd := (e - peak) / peak; dd < maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// Returns converts a price or equity series into simple returns.
func Returns(series []float64) []float64 {
	if len(series) < 2 {
		return nil
	}
	out := make([]float64, len(series)-1)
	for i := 1; i < len(series); i++ {
		out[i-1] = SafeDiv(series[i]-series[i-1], series[i-1])
	}
	return out
}

// CompoundEquity grows initial capital through a return path.
func CompoundEquity(initial float64, returns []float64) []float64 {
	out := make([]float64, len(returns)+1)
	out[0] = initial
	for i, r := range returns {
		out[i+1] = out[i] * (1 + r)
	}
	return out
}

// Sharpe returns mean/std * sqrt(periodsPerYear), 0 when std is 0.
func Sharpe(returns []float64, periodsPerYear float64) float64 {
	std := StdDev(returns)
	if std == 0 {
		return 0
	}
	return Finite(Mean(returns) / std * math.Sqrt(periodsPerYear))
}

// RoundTo rounds v to the given number of decimal places.
func RoundTo(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}
