package strategy_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-core/internal/optimization"
	"github.com/atlas-desktop/backtest-core/internal/rules"
	"github.com/atlas-desktop/backtest-core/internal/strategy"
	"github.com/atlas-desktop/backtest-core/pkg/types"
	"go.uber.org/zap"
)

// barsFromCloses builds hourly bars with a one-percent range around each close.
func barsFromCloses(closes ...float64) []types.Bar {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		bars[i] = types.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Hour).UnixMilli(),
			Open:      c,
			High:      c * 1.005,
			Low:       c * 0.995,
			Close:     c,
		}
	}
	return bars
}

func vShape(n int) []float64 {
	out := make([]float64, 0, 2*n)
	for i := 0; i < n; i++ {
		out = append(out, 100-float64(i))
	}
	for i := 0; i < n; i++ {
		out = append(out, 100-float64(n)+float64(i)*2)
	}
	return out
}

func TestRegistry(t *testing.T) {
	r := strategy.NewStrategyRegistry(zap.NewNop())
	names := r.List()
	want := []string{"breakout", "momentum", "sma_crossover"}
	if len(names) != len(want) {
		t.Fatalf("strategies = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("strategies = %v, want %v", names, want)
		}
	}
	if _, err := r.Get("martingale"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("unknown strategy: err = %v", err)
	}
}

func TestStrategiesEmitValidSignals(t *testing.T) {
	r := strategy.NewStrategyRegistry(nil)
	bars := barsFromCloses(vShape(60)...)
	for _, name := range r.List() {
		s, err := r.Get(name)
		if err != nil {
			t.Fatal(err)
		}
		signals, err := s.Signals(bars, nil)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if ok, msg := rules.ValidateSignals(signals); !ok {
			t.Errorf("%s produced invalid signals: %s", name, msg)
		}
		if len(signals) != len(bars) {
			t.Errorf("%s: %d signals for %d bars", name, len(signals), len(bars))
		}
		if _, err := optimization.GridCombinations(s.Grid); err != nil {
			t.Errorf("%s grid: %v", name, err)
		}
	}
}

func TestSMACrossoverDirection(t *testing.T) {
	bars := barsFromCloses(vShape(60)...)
	signals, err := strategy.SMACrossover().Signals(bars, types.ParamSet{"fast": 5, "slow": 20})
	if err != nil {
		t.Fatal(err)
	}
	first := 0.0
	for _, s := range signals {
		if s != 0 {
			first = s
			break
		}
	}
	if first != 1 {
		t.Errorf("first crossover = %v, want long after the trough", first)
	}

	if _, err := strategy.SMACrossover().Signals(bars, types.ParamSet{"fast": 30, "slow": 20}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("fast >= slow: err = %v", err)
	}
	if _, err := strategy.SMACrossover().Signals(bars, types.ParamSet{"fast": 2.5}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("fractional period: err = %v", err)
	}
}

func TestBreakout(t *testing.T) {
	closes := []float64{100, 101, 100, 99, 100, 101, 100, 110, 100, 90}
	signals, err := strategy.Breakout().Signals(barsFromCloses(closes...), types.ParamSet{"lookback": 5})
	if err != nil {
		t.Fatal(err)
	}
	if signals[7] != 1 {
		t.Errorf("signal at breakout = %v, want 1", signals[7])
	}
	if signals[9] != -1 {
		t.Errorf("signal at breakdown = %v, want -1", signals[9])
	}
	for i := 0; i < 5; i++ {
		if signals[i] != 0 {
			t.Errorf("signal during warm-up at %d", i)
		}
	}
}

func TestStrategyFuncAdapter(t *testing.T) {
	var fn optimization.StrategyFunc = strategy.Momentum().Func()
	signals, err := fn(barsFromCloses(vShape(30)...), types.ParamSet{"period": 7})
	if err != nil {
		t.Fatal(err)
	}
	if ok, msg := rules.ValidateSignals(signals); !ok {
		t.Error(msg)
	}
}
