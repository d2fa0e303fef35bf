package utils_test

import (
	"math"
	"testing"

	"github.com/atlas-desktop/backtest-core/pkg/utils"
)

func TestPercentile(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 1},
		{50, 3},
		{100, 5},
		{25, 2},
		{90, 4.6},
	}
	for _, tt := range tests {
		if got := utils.Percentile(values, tt.p); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
	if values[0] != 5 {
		t.Error("Percentile mutated its input")
	}
	if got := utils.Percentile(nil, 50); got != 0 {
		t.Errorf("empty percentile = %v", got)
	}
}

func TestMaxDrawdown(t *testing.T) {
	dd := utils.MaxDrawdown([]float64{100, 120, 90, 110, 60, 130})
	if math.Abs(dd-(-0.5)) > 1e-12 {
		t.Errorf("MaxDrawdown = %v, want -0.5", dd)
	}
	if dd := utils.MaxDrawdown([]float64{1, 2, 3}); dd != 0 {
		t.Errorf("rising curve drawdown = %v", dd)
	}
}

func TestDegenerateInputsStayFinite(t *testing.T) {
	if v := utils.SafeDiv(1, 0); v != 0 {
		t.Errorf("SafeDiv(1, 0) = %v", v)
	}
	if v := utils.Finite(math.Inf(-1)); v != 0 {
		t.Errorf("Finite(-Inf) = %v", v)
	}
	if v := utils.Sharpe([]float64{0.01, 0.01, 0.01}, 252); v != 0 {
		t.Errorf("Sharpe of constant returns = %v", v)
	}
	if v := utils.StdDev([]float64{1}); v != 0 {
		t.Errorf("StdDev of one value = %v", v)
	}
}

func TestCompoundEquityRoundTrip(t *testing.T) {
	equity := utils.CompoundEquity(1000, []float64{0.1, -0.5, 0.2})
	want := []float64{1000, 1100, 550, 660}
	for i := range want {
		if math.Abs(equity[i]-want[i]) > 1e-9 {
			t.Fatalf("equity[%d] = %v, want %v", i, equity[i], want[i])
		}
	}
	returns := utils.Returns(equity)
	if len(returns) != 3 || math.Abs(returns[1]+0.5) > 1e-12 {
		t.Errorf("Returns = %v", returns)
	}
}

func TestTradeIDDeterministic(t *testing.T) {
	a := utils.TradeID("abc", 3)
	if a != utils.TradeID("abc", 3) {
		t.Error("same inputs produced different IDs")
	}
	if a == utils.TradeID("abc", 4) || a == utils.TradeID("abd", 3) {
		t.Error("different inputs produced the same ID")
	}
	if utils.GenerateRunID() == utils.GenerateRunID() {
		t.Error("run IDs repeat")
	}
}
