package optimization_test

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-core/internal/optimization"
	"github.com/atlas-desktop/backtest-core/internal/telemetry"
	"github.com/atlas-desktop/backtest-core/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

var seriesStart = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

// trendBars returns n hourly bars drifting upward by drift per bar.
func trendBars(n int, drift float64) []types.Bar {
	bars := make([]types.Bar, n)
	price := 100.0
	for i := range bars {
		next := price * (1 + drift)
		bars[i] = types.Bar{
			Timestamp: seriesStart.Add(time.Duration(i) * time.Hour).UnixMilli(),
			Open:      price,
			High:      math.Max(price, next) * 1.001,
			Low:       math.Min(price, next) * 0.999,
			Close:     next,
			Volume:    1000,
			Symbol:    "TREND",
		}
		price = next
	}
	return bars
}

// directionStrategy enters at the first bar in the direction given by the
// "dir" parameter and holds to the end.
func directionStrategy(bars []types.Bar, params types.ParamSet) ([]float64, error) {
	signals := make([]float64, len(bars))
	signals[0] = params["dir"]
	return signals, nil
}

func backtestConfig() types.BacktestConfig {
	cfg := types.DefaultBacktestConfig()
	cfg.ATRStopMultiplier, cfg.ATRTargetMultiplier = 0, 0
	return cfg
}

func newOptimizer(metrics *telemetry.Metrics) *optimization.WalkForwardOptimizer {
	return optimization.NewWalkForwardOptimizer(zap.NewNop(), nil, backtestConfig(), metrics)
}

func wfConfig() types.WalkForwardConfig {
	return types.WalkForwardConfig{TrainPeriod: 300, TestPeriod: 100, StepSize: 100, MinTrainSize: 100, Workers: 4}
}

var directionGrid = []optimization.Parameter{
	{Name: "dir", Type: optimization.ParamTypeDiscrete, Discrete: []float64{-1, 0, 1}},
}

func mustObjective(t *testing.T, name string) optimization.Objective {
	t.Helper()
	obj, err := optimization.ObjectiveByName(name)
	if err != nil {
		t.Fatal(err)
	}
	return obj
}

func TestGridCombinations(t *testing.T) {
	combos, err := optimization.GridCombinations([]optimization.Parameter{
		{Name: "fast", Type: optimization.ParamTypeInteger, Min: 5, Max: 15, Step: 5},
		{Name: "k", Type: optimization.ParamTypeContinuous, Min: 0.1, Max: 0.3, Step: 0.1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(combos) != 9 {
		t.Fatalf("combinations = %d, want 9", len(combos))
	}
	if combos[0]["fast"] != 5 || combos[1]["fast"] != 5 || combos[3]["fast"] != 10 {
		t.Errorf("last parameter should vary fastest: %v", combos[:4])
	}
	if math.Abs(combos[2]["k"]-0.3) > 1e-9 {
		t.Errorf("upper bound missing: k = %v", combos[2]["k"])
	}

	bad := [][]optimization.Parameter{
		nil,
		{{Name: "x", Min: 2, Max: 1}},
		{{Name: "x", Type: optimization.ParamTypeDiscrete}},
		{{Name: "x", Min: 1, Max: 2}, {Name: "x", Min: 1, Max: 2}},
		{{Name: "x", Type: "bogus", Min: 1, Max: 2}},
	}
	for i, grid := range bad {
		if _, err := optimization.GridCombinations(grid); !errors.Is(err, types.ErrValidation) {
			t.Errorf("grid %d: err = %v, want validation error", i, err)
		}
	}
}

func TestObjectiveByName(t *testing.T) {
	result := &types.BacktestResult{PerformanceMetrics: types.PerformanceMetrics{SharpeRatio: 1.5, TotalReturn: 0.2}}
	if got := mustObjective(t, optimization.ObjectiveSharpe)(result); got != 1.5 {
		t.Errorf("sharpe objective = %v", got)
	}
	if got := mustObjective(t, optimization.ObjectiveTotalReturn)(result); got != 0.2 {
		t.Errorf("return objective = %v", got)
	}
	if _, err := optimization.ObjectiveByName("alpha"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("unknown objective: err = %v", err)
	}
}

func TestOptimizeWindows(t *testing.T) {
	bars := trendBars(1000, 0.001)
	for _, anchored := range []bool{false, true} {
		cfg := wfConfig()
		cfg.Anchored = anchored
		summary, err := newOptimizer(nil).Optimize(context.Background(), bars, directionStrategy, directionGrid,
			mustObjective(t, optimization.ObjectiveTotalReturn), cfg)
		if err != nil {
			t.Fatalf("anchored=%v: %v", anchored, err)
		}
		if len(summary.Iterations) != 7 {
			t.Fatalf("anchored=%v: iterations = %d, want 7", anchored, len(summary.Iterations))
		}
		for i, it := range summary.Iterations {
			wantStart := i * cfg.StepSize
			if anchored {
				wantStart = 0
			}
			if it.TrainStart != wantStart || it.TrainEnd != 300+i*cfg.StepSize || it.TestStart != it.TrainEnd || it.TestEnd != it.TestStart+100 {
				t.Errorf("anchored=%v iteration %d window %+v", anchored, i, it)
			}
			if it.Params["dir"] != 1 {
				t.Errorf("anchored=%v iteration %d chose %v on an uptrend", anchored, i, it.Params)
			}
		}
	}
}

func TestChosenParamsMaximizeTrainObjective(t *testing.T) {
	bars := trendBars(900, 0.0005)
	grid := []optimization.Parameter{
		{Name: "dir", Type: optimization.ParamTypeDiscrete, Discrete: []float64{-1, 1}},
		{Name: "delay", Type: optimization.ParamTypeInteger, Min: 0, Max: 40, Step: 10},
	}
	delayed := func(bars []types.Bar, params types.ParamSet) ([]float64, error) {
		signals := make([]float64, len(bars))
		signals[int(params["delay"])] = params["dir"]
		return signals, nil
	}

	summary, err := newOptimizer(nil).Optimize(context.Background(), bars, delayed, grid,
		mustObjective(t, optimization.ObjectiveSharpe), wfConfig())
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range summary.Iterations {
		if len(it.GridScores) != 10 {
			t.Fatalf("iteration %d scored %d combinations, want 10", it.Index, len(it.GridScores))
		}
		firstBest := -1
		for j, gs := range it.GridScores {
			if gs.Err != "" {
				continue
			}
			if gs.Score > it.ISObjective {
				t.Errorf("iteration %d: %v scored %v above chosen %v", it.Index, gs.Params, gs.Score, it.ISObjective)
			}
			if firstBest < 0 && gs.Score == it.ISObjective {
				firstBest = j
			}
		}
		if !reflect.DeepEqual(it.GridScores[firstBest].Params, it.Params) {
			t.Errorf("iteration %d: chose %v, first maximum is %v", it.Index, it.Params, it.GridScores[firstBest].Params)
		}
	}
}

func TestTrainSearchNeverSeesTestBars(t *testing.T) {
	bars := trendBars(800, 0.001)
	type span struct{ start, end int64 }
	var mu sync.Mutex
	var calls []span
	recording := func(b []types.Bar, params types.ParamSet) ([]float64, error) {
		mu.Lock()
		calls = append(calls, span{b[0].Timestamp, b[len(b)-1].Timestamp})
		mu.Unlock()
		return directionStrategy(b, params)
	}

	summary, err := newOptimizer(nil).Optimize(context.Background(), bars, recording, directionGrid,
		mustObjective(t, optimization.ObjectiveTotalReturn), wfConfig())
	if err != nil {
		t.Fatal(err)
	}

	for _, it := range summary.Iterations {
		train := span{bars[it.TrainStart].Timestamp, bars[it.TrainEnd-1].Timestamp}
		test := span{bars[it.TestStart].Timestamp, bars[it.TestEnd-1].Timestamp}
		trainCalls, testCalls := 0, 0
		for _, c := range calls {
			switch c {
			case train:
				trainCalls++
			case test:
				testCalls++
			}
		}
		if trainCalls != len(directionGrid[0].Discrete) {
			t.Errorf("iteration %d: %d train calls, want %d", it.Index, trainCalls, len(directionGrid[0].Discrete))
		}
		if testCalls < 1 {
			t.Errorf("iteration %d: test slice never evaluated", it.Index)
		}
	}
	if want := len(summary.Iterations) * (len(directionGrid[0].Discrete) + 1); len(calls) != want {
		t.Errorf("strategy calls = %d, want %d", len(calls), want)
	}
}

func TestSummaryAggregates(t *testing.T) {
	m := telemetry.New()
	bars := trendBars(700, 0.001)
	summary, err := newOptimizer(m).Optimize(context.Background(), bars, directionStrategy, directionGrid,
		mustObjective(t, optimization.ObjectiveTotalReturn), wfConfig())
	if err != nil {
		t.Fatal(err)
	}

	compounded, wins, worst := 1.0, 0, 0.0
	for _, it := range summary.Iterations {
		compounded *= 1 + it.OOSReturn
		if it.OOSReturn > 0 {
			wins++
		}
		worst = math.Min(worst, it.OOSDrawdown)
		if it.ISReturn != 0 && math.Abs(it.EfficiencyRatio-it.OOSReturn/it.ISReturn) > 1e-12 {
			t.Errorf("iteration %d efficiency %v", it.Index, it.EfficiencyRatio)
		}
		if math.Abs(it.Degradation-(it.ISObjective-it.OOSObjective)) > 1e-12 {
			t.Errorf("iteration %d degradation %v", it.Index, it.Degradation)
		}
	}
	if math.Abs(summary.CompoundedOOSReturn-(compounded-1)) > 1e-12 {
		t.Errorf("compounded = %v, want %v", summary.CompoundedOOSReturn, compounded-1)
	}
	if summary.ConsistencyScore != float64(wins)/float64(len(summary.Iterations)) {
		t.Errorf("consistency = %v", summary.ConsistencyScore)
	}
	if summary.WorstOOSDrawdown != worst {
		t.Errorf("worst drawdown = %v, want %v", summary.WorstOOSDrawdown, worst)
	}
	if summary.ParameterStability["dir"] != 1 {
		t.Errorf("stability = %v, want 1", summary.ParameterStability["dir"])
	}
	if summary.BestIteration < 0 {
		t.Error("best iteration not set")
	}
	if got := testutil.ToFloat64(m.WalkForwardIterations.WithLabelValues("evaluated")); got != float64(len(summary.Iterations)) {
		t.Errorf("evaluated iterations counter = %v", got)
	}
}

func TestTiesKeepFirstCombination(t *testing.T) {
	flat := func(bars []types.Bar, _ types.ParamSet) ([]float64, error) {
		return make([]float64, len(bars)), nil
	}
	summary, err := newOptimizer(nil).Optimize(context.Background(), trendBars(500, 0.001), flat, directionGrid,
		mustObjective(t, optimization.ObjectiveSharpe), wfConfig())
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range summary.Iterations {
		if it.Params["dir"] != -1 {
			t.Errorf("iteration %d chose %v, want first enumerated", it.Index, it.Params)
		}
	}
}

func TestFailedCombinationsAreNeverChosen(t *testing.T) {
	failing := func(bars []types.Bar, params types.ParamSet) ([]float64, error) {
		if params["dir"] == 1 {
			return nil, errors.New("indicator failed")
		}
		return directionStrategy(bars, params)
	}
	summary, err := newOptimizer(nil).Optimize(context.Background(), trendBars(500, 0.001), failing, directionGrid,
		mustObjective(t, optimization.ObjectiveTotalReturn), wfConfig())
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range summary.Iterations {
		if it.Params["dir"] == 1 {
			t.Errorf("iteration %d chose a failed combination", it.Index)
		}
		if it.GridScores[2].Err == "" {
			t.Errorf("iteration %d: failure not recorded", it.Index)
		}
	}
}

func TestBestIterationIndexesQualifyingIterations(t *testing.T) {
	firstWindowFails := func(bars []types.Bar, params types.ParamSet) ([]float64, error) {
		if bars[0].Timestamp == seriesStart.UnixMilli() {
			return nil, errors.New("warm-up data unavailable")
		}
		return directionStrategy(bars, params)
	}
	summary, err := newOptimizer(nil).Optimize(context.Background(), trendBars(700, 0.001), firstWindowFails, directionGrid,
		mustObjective(t, optimization.ObjectiveTotalReturn), wfConfig())
	if err != nil {
		t.Fatal(err)
	}
	if summary.SkippedIterations != 1 {
		t.Fatalf("skipped = %d, want 1", summary.SkippedIterations)
	}
	if summary.BestIteration < 0 || summary.BestIteration >= len(summary.Iterations) {
		t.Fatalf("best iteration %d out of range for %d iterations", summary.BestIteration, len(summary.Iterations))
	}
	best := summary.Iterations[summary.BestIteration]
	for _, it := range summary.Iterations {
		if it.OOSReturn > best.OOSReturn {
			t.Errorf("iteration %d beats the reported best (%v > %v)", it.Index, it.OOSReturn, best.OOSReturn)
		}
	}
}

func TestNoQualifyingIterations(t *testing.T) {
	alwaysFails := func([]types.Bar, types.ParamSet) ([]float64, error) {
		return nil, errors.New("no data")
	}
	summary, err := newOptimizer(nil).Optimize(context.Background(), trendBars(500, 0.001), alwaysFails, directionGrid,
		mustObjective(t, optimization.ObjectiveTotalReturn), wfConfig())
	if !errors.Is(err, types.ErrNoQualifyingIterations) {
		t.Fatalf("err = %v, want ErrNoQualifyingIterations", err)
	}
	if summary == nil || summary.SkippedIterations != 2 {
		t.Errorf("summary = %+v, want 2 skipped iterations", summary)
	}

	cfg := wfConfig()
	cfg.MinTrainSize = 400
	_, err = newOptimizer(nil).Optimize(context.Background(), trendBars(500, 0.001), directionStrategy, directionGrid,
		mustObjective(t, optimization.ObjectiveTotalReturn), cfg)
	if !errors.Is(err, types.ErrNoQualifyingIterations) {
		t.Errorf("short train window: err = %v", err)
	}
}

func TestOptimizeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newOptimizer(nil).Optimize(ctx, trendBars(600, 0.001), directionStrategy, directionGrid,
		mustObjective(t, optimization.ObjectiveTotalReturn), wfConfig())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
