package backtester_test

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-core/internal/backtester"
	"github.com/atlas-desktop/backtest-core/pkg/types"
)

func curve(start time.Time, step time.Duration, values ...float64) []types.EquityPoint {
	out := make([]types.EquityPoint, len(values))
	for i, v := range values {
		out[i] = types.EquityPoint{Timestamp: start.Add(time.Duration(i) * step).UnixMilli(), Equity: v}
	}
	return out
}

func TestMetricsTradeStatistics(t *testing.T) {
	pnls := []float64{10, -5, 0, 20, -5, -5}
	trades := make([]types.Trade, len(pnls))
	for i, p := range pnls {
		trades[i] = types.Trade{PnLNet: p, Commission: 0.5, Slippage: 0.25, BarsHeld: 2, HoldingDuration: 2 * time.Hour}
	}
	equity := curve(seriesStart, time.Hour, 100, 110, 105, 105, 125, 120, 115, 110, 110, 110, 110, 110, 110)

	m := backtester.NewMetricsCalculator().Calculate(trades, equity, 100, 252)

	checks := []struct {
		name      string
		got, want float64
	}{
		{"total trades", float64(m.TotalTrades), 6},
		{"winning", float64(m.WinningTrades), 2},
		{"losing", float64(m.LosingTrades), 3},
		{"win rate", m.WinRate, 2.0 / 6},
		{"avg win", m.AvgWin, 15},
		{"avg loss", m.AvgLoss, 5},
		{"profit factor", m.ProfitFactor, 2},
		{"expectancy", m.Expectancy, 2.0/6*15 - 4.0/6*5},
		{"largest win", m.LargestWin, 20},
		{"largest loss", m.LargestLoss, 5},
		{"max consecutive wins", float64(m.MaxConsecutiveWins), 1},
		{"max consecutive losses", float64(m.MaxConsecutiveLosses), 2},
		{"commission", m.TotalCommission, 3},
		{"slippage", m.TotalSlippage, 1.5},
		{"avg bars held", m.AvgBarsHeld, 2},
		{"exposure", m.Exposure, 1},
		{"total return", m.TotalReturn, 0.1},
		{"max drawdown", m.MaxDrawdown, (110.0 - 125) / 125},
	}
	for _, c := range checks {
		if !near(c.got, c.want) {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if m.AvgHoldingDuration != 2*time.Hour {
		t.Errorf("avg holding = %s, want 2h", m.AvgHoldingDuration)
	}
}

func TestMetricsAnnualizedRatios(t *testing.T) {
	year := time.Duration(365.25 * 24 * float64(time.Hour))
	equity := curve(seriesStart, year/2, 100, 90, 120)

	m := backtester.NewMetricsCalculator().Calculate(nil, equity, 100, 2)

	if !near(m.CAGR, 0.2) {
		t.Errorf("CAGR = %v, want 0.2", m.CAGR)
	}
	if !near(m.MaxDrawdown, -0.1) {
		t.Errorf("max drawdown = %v, want -0.1", m.MaxDrawdown)
	}
	if !near(m.CalmarRatio, 2) {
		t.Errorf("calmar = %v, want 2", m.CalmarRatio)
	}

	returns := []float64{-0.1, 30.0 / 90}
	mean := (returns[0] + returns[1]) / 2
	std := math.Abs(returns[1]-returns[0]) / math.Sqrt2
	if want := mean / std * math.Sqrt2; !near(m.SharpeRatio, want) {
		t.Errorf("sharpe = %v, want %v", m.SharpeRatio, want)
	}
	if !near(m.Volatility, std*math.Sqrt2) {
		t.Errorf("volatility = %v, want %v", m.Volatility, std*math.Sqrt2)
	}
	// A single negative return has no sample deviation.
	if m.SortinoRatio != 0 {
		t.Errorf("sortino = %v, want 0", m.SortinoRatio)
	}
}

func TestMetricsDegenerateInputsStayFinite(t *testing.T) {
	calc := backtester.NewMetricsCalculator()

	flat := calc.Calculate(nil, curve(seriesStart, time.Hour, 100, 100, 100, 100), 100, 252)
	if flat.SharpeRatio != 0 || flat.SortinoRatio != 0 || flat.CalmarRatio != 0 || flat.MaxDrawdown != 0 {
		t.Errorf("flat curve metrics = %+v, want zeros", flat)
	}

	winners := []types.Trade{{PnLNet: 5}, {PnLNet: 7}}
	m := calc.Calculate(winners, curve(seriesStart, time.Hour, 100, 105, 112), 100, 252)
	if m.ProfitFactor != 0 {
		t.Errorf("profit factor without losses = %v, want 0", m.ProfitFactor)
	}
	if m.WinRate != 1 || m.AvgLoss != 0 {
		t.Errorf("win rate %v avg loss %v", m.WinRate, m.AvgLoss)
	}

	wiped := calc.Calculate(nil, curve(seriesStart, 24*time.Hour, 100, 50, 0), 100, 252)
	if wiped.CAGR != -1 {
		t.Errorf("CAGR after ruin = %v, want -1", wiped.CAGR)
	}

	for _, v := range []float64{m.SharpeRatio, m.SortinoRatio, m.CalmarRatio, m.CAGR, wiped.SharpeRatio, wiped.SortinoRatio} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("non-finite metric %v", v)
		}
	}

	if empty := calc.Calculate(nil, nil, 100, 252); empty != (types.PerformanceMetrics{}) {
		t.Errorf("empty curve metrics = %+v", empty)
	}
}

func TestReturnsFromEquity(t *testing.T) {
	got := backtester.ReturnsFromEquity(curve(seriesStart, time.Hour, 100, 110, 99))
	if len(got) != 2 || !near(got[0], 0.1) || !near(got[1], -0.1) {
		t.Errorf("returns = %v", got)
	}
}
