package optimization

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/backtest-core/internal/backtester"
	"github.com/atlas-desktop/backtest-core/internal/telemetry"
	"github.com/atlas-desktop/backtest-core/internal/workers"
	"github.com/atlas-desktop/backtest-core/pkg/types"
	"github.com/atlas-desktop/backtest-core/pkg/utils"
	"go.uber.org/zap"
)

// Iteration outcomes reported to telemetry
const (
	outcomeEvaluated = "evaluated"
	outcomeSkipped   = "skipped"
)

// WalkForwardOptimizer performs walk-forward optimization
type WalkForwardOptimizer struct {
	logger    *zap.Logger
	simulator *backtester.Simulator
	backtest  types.BacktestConfig
	metrics   *telemetry.Metrics
}

// NewWalkForwardOptimizer creates a walk-forward optimizer. Every train and
// test slice is simulated by sim under backtestCfg.
func NewWalkForwardOptimizer(logger *zap.Logger, sim *backtester.Simulator, backtestCfg types.BacktestConfig, metrics *telemetry.Metrics) *WalkForwardOptimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sim == nil {
		sim = backtester.NewSimulator(logger, backtester.WithTelemetry(metrics))
	}
	return &WalkForwardOptimizer{
		logger:    logger.Named("walkforward"),
		simulator: sim,
		backtest:  backtestCfg,
		metrics:   metrics,
	}
}

// window is one train/test split, half-open bar index ranges
type window struct {
	trainStart, trainEnd int
	testStart, testEnd   int
}

// windows enumerates splits until the test window runs past the data or
// the train window is shorter than MinTrainSize.
func windows(n int, cfg types.WalkForwardConfig) []window {
	var out []window
	for i := 0; ; i++ {
		w := window{trainStart: i * cfg.StepSize}
		if cfg.Anchored {
			w.trainStart = 0
			w.trainEnd = cfg.TrainPeriod + i*cfg.StepSize
		} else {
			w.trainEnd = w.trainStart + cfg.TrainPeriod
		}
		w.testStart = w.trainEnd
		w.testEnd = w.testStart + cfg.TestPeriod
		if w.testEnd > n || w.trainEnd-w.trainStart < cfg.MinTrainSize {
			return out
		}
		out = append(out, w)
	}
}

// evaluation is the in-sample outcome of one grid combination
type evaluation struct {
	result *types.BacktestResult
	score  float64
	err    error
}

// Optimize runs the walk-forward protocol. Each iteration searches the
// full grid on the train slice only, keeps the first combination with the
// highest objective and scores it on the test slice only. Iterations in
// which no combination produced a finite score are skipped. When no
// iteration qualifies the partial summary is returned together with
// types.ErrNoQualifyingIterations.
func (wfo *WalkForwardOptimizer) Optimize(
	ctx context.Context,
	bars []types.Bar,
	strategy StrategyFunc,
	grid []Parameter,
	objective Objective,
	cfg types.WalkForwardConfig,
) (*types.WalkForwardSummary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strategy == nil {
		return nil, types.NewValidationError("strategy", "nil strategy function")
	}
	if objective == nil {
		return nil, types.NewValidationError("objective", "nil objective")
	}
	combos, err := GridCombinations(grid)
	if err != nil {
		return nil, err
	}

	splits := windows(len(bars), cfg)
	summary := &types.WalkForwardSummary{
		Iterations:         make([]types.WalkForwardIteration, 0, len(splits)),
		BestIteration:      -1,
		ParameterStability: map[string]float64{},
	}

	wfo.logger.Info("starting walk-forward optimization",
		zap.Int("bars", len(bars)),
		zap.Int("windows", len(splits)),
		zap.Int("combinations", len(combos)),
		zap.Bool("anchored", cfg.Anchored),
	)
	start := time.Now()

	pool := workers.NewPool(wfo.logger, &workers.PoolConfig{
		Name:          "walkforward",
		NumWorkers:    cfg.Workers,
		PanicRecovery: true,
	})

	for i, w := range splits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		iteration, ok, err := wfo.iterate(ctx, pool, bars, w, strategy, combos, objective)
		if err != nil {
			return nil, err
		}
		if !ok {
			summary.SkippedIterations++
			wfo.metrics.RecordIteration(outcomeSkipped, len(combos))
			continue
		}
		iteration.Index = i
		summary.Iterations = append(summary.Iterations, iteration)
		wfo.metrics.RecordIteration(outcomeEvaluated, len(combos))

		wfo.logger.Debug("walk-forward iteration",
			zap.Int("iteration", i),
			zap.Any("params", iteration.Params),
			zap.Float64("is_objective", iteration.ISObjective),
			zap.Float64("oos_return", iteration.OOSReturn),
		)
	}

	if len(summary.Iterations) == 0 {
		wfo.logger.Warn("no qualifying walk-forward iterations",
			zap.Int("windows", len(splits)),
			zap.Int("skipped", summary.SkippedIterations),
		)
		return summary, fmt.Errorf("%w: %d windows, %d skipped",
			types.ErrNoQualifyingIterations, len(splits), summary.SkippedIterations)
	}

	summarize(summary, grid)
	wfo.logger.Info("walk-forward optimization complete",
		zap.Int("iterations", len(summary.Iterations)),
		zap.Int("skipped", summary.SkippedIterations),
		zap.Float64("compounded_oos_return", summary.CompoundedOOSReturn),
		zap.Float64("consistency", summary.ConsistencyScore),
		zap.Duration("elapsed", time.Since(start)),
	)
	return summary, nil
}

// iterate runs one train/test split. ok is false when the iteration does
// not qualify.
func (wfo *WalkForwardOptimizer) iterate(
	ctx context.Context,
	pool *workers.Pool,
	bars []types.Bar,
	w window,
	strategy StrategyFunc,
	combos []types.ParamSet,
	objective Objective,
) (types.WalkForwardIteration, bool, error) {
	train := bars[w.trainStart:w.trainEnd]
	test := bars[w.testStart:w.testEnd]

	evals, err := workers.Map(ctx, pool, len(combos), func(ctx context.Context, j int) (evaluation, error) {
		return wfo.evaluate(ctx, train, strategy, combos[j], objective), nil
	})
	if err != nil {
		return types.WalkForwardIteration{}, false, err
	}

	iteration := types.WalkForwardIteration{
		TrainStart: w.trainStart,
		TrainEnd:   w.trainEnd,
		TestStart:  w.testStart,
		TestEnd:    w.testEnd,
		TrainFrom:  train[0].Time(),
		TestFrom:   test[0].Time(),
		TestTo:     test[len(test)-1].Time(),
		GridScores: make([]types.GridScore, len(combos)),
	}

	best := -1
	for j, ev := range evals {
		if isCancellation(ev.err) {
			return types.WalkForwardIteration{}, false, ev.err
		}
		score := types.GridScore{Params: combos[j]}
		if ev.err != nil {
			score.Err = ev.err.Error()
		} else {
			score.Score = ev.score
			if best < 0 || ev.score > evals[best].score {
				best = j
			}
		}
		iteration.GridScores[j] = score
	}
	if best < 0 {
		wfo.logger.Warn("no grid combination scored on train slice",
			zap.Int("train_start", w.trainStart),
			zap.Int("train_end", w.trainEnd),
		)
		return iteration, false, nil
	}

	chosen := combos[best].Clone()
	is := evals[best].result
	oos, err := wfo.run(ctx, test, strategy, chosen)
	if err != nil {
		if isCancellation(err) {
			return types.WalkForwardIteration{}, false, err
		}
		wfo.logger.Warn("out-of-sample evaluation failed",
			zap.Int("test_start", w.testStart),
			zap.Any("params", chosen),
			zap.Error(err),
		)
		return iteration, false, nil
	}

	iteration.Params = chosen
	iteration.ISReturn = is.TotalReturn
	iteration.ISSharpe = is.SharpeRatio
	iteration.ISDrawdown = is.MaxDrawdown
	iteration.ISTrades = is.TotalTrades
	iteration.ISObjective = evals[best].score
	iteration.OOSReturn = oos.TotalReturn
	iteration.OOSSharpe = oos.SharpeRatio
	iteration.OOSDrawdown = oos.MaxDrawdown
	iteration.OOSTrades = oos.TotalTrades
	iteration.OOSObjective = utils.Finite(objective(oos))
	iteration.EfficiencyRatio = utils.SafeDiv(iteration.OOSReturn, iteration.ISReturn)
	iteration.Degradation = iteration.ISObjective - iteration.OOSObjective
	return iteration, true, nil
}

// evaluate scores one combination on the train slice. A failed run or a
// non-finite objective is recorded as an error and never selected.
func (wfo *WalkForwardOptimizer) evaluate(ctx context.Context, train []types.Bar, strategy StrategyFunc, params types.ParamSet, objective Objective) evaluation {
	result, err := wfo.run(ctx, train, strategy, params)
	if err != nil {
		return evaluation{err: err}
	}
	score := objective(result)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return evaluation{err: fmt.Errorf("objective is not finite: %v", score)}
	}
	return evaluation{result: result, score: score}
}

// run generates signals for bars and simulates them
func (wfo *WalkForwardOptimizer) run(ctx context.Context, bars []types.Bar, strategy StrategyFunc, params types.ParamSet) (*types.BacktestResult, error) {
	signals, err := strategy(bars, params.Clone())
	if err != nil {
		return nil, fmt.Errorf("strategy: %w", err)
	}
	return wfo.simulator.Run(ctx, bars, signals, wfo.backtest)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// summarize aggregates qualifying iterations
func summarize(summary *types.WalkForwardSummary, grid []Parameter) {
	its := summary.Iterations
	n := float64(len(its))

	compounded := 1.0
	wins := 0
	var sharpeSum, efficiencySum float64
	bestReturn := math.Inf(-1)
	for i, it := range its {
		compounded *= 1 + it.OOSReturn
		sharpeSum += it.OOSSharpe
		efficiencySum += it.EfficiencyRatio
		summary.TotalOOSTrades += it.OOSTrades
		if it.OOSReturn > 0 {
			wins++
		}
		if i == 0 || it.OOSDrawdown < summary.WorstOOSDrawdown {
			summary.WorstOOSDrawdown = it.OOSDrawdown
		}
		if it.OOSReturn > bestReturn {
			bestReturn = it.OOSReturn
			summary.BestIteration = i
		}
	}

	summary.CompoundedOOSReturn = utils.Finite(compounded - 1)
	summary.AvgOOSSharpe = utils.Finite(sharpeSum / n)
	summary.AvgEfficiency = utils.Finite(efficiencySum / n)
	summary.ConsistencyScore = float64(wins) / n

	for _, p := range grid {
		chosen := make([]float64, len(its))
		for i, it := range its {
			chosen[i] = it.Params[p.Name]
		}
		summary.ParameterStability[p.Name] = parameterStability(chosen)
	}
}

// parameterStability is 1 minus the coefficient of variation of the chosen
// values, clamped to [0, 1]. A parameter that never moves scores 1.
func parameterStability(values []float64) float64 {
	std := utils.StdDev(values)
	if std == 0 {
		return 1
	}
	mean := math.Abs(utils.Mean(values))
	if mean == 0 {
		return 0
	}
	return math.Max(0, math.Min(1, 1-std/mean))
}
