package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-core/internal/backtester"
	"github.com/atlas-desktop/backtest-core/internal/data"
	"github.com/atlas-desktop/backtest-core/internal/montecarlo"
	"github.com/atlas-desktop/backtest-core/internal/optimization"
	"github.com/atlas-desktop/backtest-core/internal/strategy"
	"github.com/atlas-desktop/backtest-core/pkg/types"
	"go.uber.org/zap"
)

// inputFlags select the bar series and the signal source
type inputFlags struct {
	barsFile    string
	dataDir     string
	symbol      string
	timeframe   string
	from, to    string
	synthetic   int
	seed        int64
	clean       bool
	signalsFile string
	strategy    string
	params      string
	engine      string
}

func (f *inputFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.barsFile, "bars", "", "Bar file (.json or .csv)")
	fs.StringVar(&f.dataDir, "data", "", "Data directory holding <symbol>_<timeframe> datasets")
	fs.StringVar(&f.symbol, "symbol", "", "Symbol to load from -data")
	fs.StringVar(&f.timeframe, "timeframe", "1h", "Bar timeframe")
	fs.StringVar(&f.from, "from", "", "Start date (RFC 3339), inclusive")
	fs.StringVar(&f.to, "to", "", "End date (RFC 3339), inclusive")
	fs.IntVar(&f.synthetic, "synthetic", 0, "Generate this many synthetic bars instead of loading data")
	fs.Int64Var(&f.seed, "synthetic-seed", 1, "Seed of the synthetic series")
	fs.BoolVar(&f.clean, "clean", false, "Sort, de-duplicate and repair bars before simulating")
	fs.StringVar(&f.signalsFile, "signals", "", "Signal file (JSON array); overrides -strategy")
	fs.StringVar(&f.strategy, "strategy", "sma_crossover", "Registered strategy name")
	fs.StringVar(&f.params, "params", "", "Strategy parameters, e.g. fast=10,slow=30")
	fs.StringVar(&f.engine, "engine", "", "Preferred engine (vectorized or event)")
}

// outputFlags control how a result is written
type outputFlags struct {
	format    string
	out       string
	omitCurve bool
}

func (f *outputFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.format, "format", "json", "Output format (json or yaml)")
	fs.StringVar(&f.out, "out", "", "Output file (default stdout)")
	fs.BoolVar(&f.omitCurve, "omit-curve", false, "Drop equity curves and Monte Carlo paths from the output")
}

func (a *app) simulator(engine string) *backtester.Simulator {
	if engine == "" {
		engine = a.config.Engine.Preferred
	}
	return backtester.NewSimulator(a.logger,
		backtester.WithPreferredEngine(engine),
		backtester.WithVectorizedConfig(a.config.Engine.Vectorized),
		backtester.WithTelemetry(a.metrics),
	)
}

// loadBars resolves the bar series from the input flags.
func (a *app) loadBars(ctx context.Context, in *inputFlags) ([]types.Bar, error) {
	tf := types.Timeframe(in.timeframe)
	var bars []types.Bar
	var err error

	switch {
	case in.synthetic > 0:
		start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		bars = data.GenerateSyntheticBars("SYNTH", tf, start, in.synthetic, 100, 0.01, in.seed)
	case in.barsFile != "":
		bars, err = data.LoadBarsFile(in.barsFile)
	case in.dataDir != "" && in.symbol != "":
		var from, to time.Time
		if from, err = parseDate(in.from); err != nil {
			return nil, err
		}
		if to, err = parseDate(in.to); err != nil {
			return nil, err
		}
		var store *data.Store
		if store, err = data.NewStore(a.logger, in.dataDir); err != nil {
			return nil, err
		}
		bars, err = store.LoadBars(ctx, in.symbol, tf, from, to)
	default:
		return nil, fmt.Errorf("no input: use -bars, -data with -symbol, or -synthetic")
	}
	if err != nil {
		return nil, err
	}

	validator := data.NewValidator(a.logger)
	if in.clean {
		bars = validator.Clean(bars)
	}
	report := validator.Validate(bars)
	a.logger.Info("Loaded bars",
		zap.Int("bars", report.TotalBars),
		zap.Int("quality_score", report.QualityScore),
		zap.Int("issues", len(report.Issues)),
		zap.Bool("usable", report.IsUsable),
	)
	return bars, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// parseParams reads "k=v,k=v" into a parameter set.
func parseParams(s string) (types.ParamSet, error) {
	params := types.ParamSet{}
	if strings.TrimSpace(s) == "" {
		return params, nil
	}
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, types.NewValidationError("params", "expected key=value", kv)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, types.NewValidationError("params", "value is not a number", kv)
		}
		params[strings.TrimSpace(k)] = f
	}
	return params, nil
}

// signals resolves the raw signal series for bars.
func (a *app) signals(bars []types.Bar, in *inputFlags) ([]float64, error) {
	if in.signalsFile != "" {
		return data.LoadSignalsFile(in.signalsFile)
	}
	s, err := strategy.NewStrategyRegistry(a.logger).Get(in.strategy)
	if err != nil {
		return nil, err
	}
	params, err := parseParams(in.params)
	if err != nil {
		return nil, err
	}
	return s.Signals(bars, params)
}

func (a *app) backtest(ctx context.Context, in *inputFlags) (*types.BacktestResult, error) {
	bars, err := a.loadBars(ctx, in)
	if err != nil {
		return nil, err
	}
	signals, err := a.signals(bars, in)
	if err != nil {
		return nil, err
	}
	return a.simulator(in.engine).Run(ctx, bars, signals, a.config.Backtest)
}

func runBacktest(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var in inputFlags
	var out outputFlags
	in.register(fs)
	out.register(fs)
	assess := fs.Bool("assess", false, "Resample the run's returns and attach a viability report")
	if err := fs.Parse(args); err != nil {
		return err
	}

	result, err := a.backtest(ctx, &in)
	if err != nil {
		return err
	}
	a.logger.Info("Backtest finished",
		zap.String("run_id", result.RunID),
		zap.String("status", string(result.Status)),
		zap.Int("trades", result.TotalTrades),
		zap.Float64("total_return", result.TotalReturn),
		zap.Float64("sharpe", result.SharpeRatio),
	)

	report := assessedResult{BacktestResult: result}
	if *assess {
		if report.Viability, err = a.assess(ctx, result, nil); err != nil {
			return err
		}
	}
	if out.omitCurve {
		result.EquityCurve = nil
	}
	return writeResult(out, report)
}

// assessedResult is a backtest result with an optional viability report
type assessedResult struct {
	*types.BacktestResult
	Viability *backtester.ViabilityReport `json:"viability,omitempty"`
}

// assessedWalkForward is a walk-forward summary with an optional viability report
type assessedWalkForward struct {
	*types.WalkForwardSummary
	Viability *backtester.ViabilityReport `json:"viability,omitempty"`
}

// assess resamples the run's returns and checks the result, with the
// walk-forward summary as robustness evidence when wf is not nil.
func (a *app) assess(ctx context.Context, result *types.BacktestResult, wf *types.WalkForwardSummary) (*backtester.ViabilityReport, error) {
	mc := a.config.MonteCarlo
	mc.PeriodsPerYear = a.config.Backtest.AnnualizationFactor()
	mcResult, err := montecarlo.NewSimulator(a.logger, a.metrics).Run(ctx, backtester.ReturnsFromEquity(result.EquityCurve), mc)
	if err != nil {
		return nil, err
	}
	report := backtester.NewViabilityChecker(a.config.Viability).Check(result, mcResult, wf)
	a.logger.Info("Viability assessed",
		zap.Bool("viable", report.IsViable),
		zap.String("grade", report.Grade),
		zap.Int("issues", len(report.Issues)),
		zap.Bool("walk_forward", wf != nil),
	)
	return report, nil
}

func runMonteCarlo(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("montecarlo", flag.ContinueOnError)
	var in inputFlags
	var out outputFlags
	in.register(fs)
	out.register(fs)
	returnsFile := fs.String("returns", "", "Returns file (JSON array); otherwise returns come from a backtest of the inputs")
	mc := a.config.MonteCarlo
	fs.IntVar(&mc.NumSimulations, "simulations", mc.NumSimulations, "Number of trials")
	fs.IntVar(&mc.BlockSize, "block-size", mc.BlockSize, "Block length in periods")
	fs.Int64Var(&mc.Seed, "seed", mc.Seed, "Master seed")
	fs.IntVar(&mc.Workers, "workers", mc.Workers, "Worker count (0 = GOMAXPROCS)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var returns []float64
	if *returnsFile != "" {
		var err error
		if returns, err = data.LoadReturnsFile(*returnsFile); err != nil {
			return err
		}
	} else {
		result, err := a.backtest(ctx, &in)
		if err != nil {
			return err
		}
		returns = backtester.ReturnsFromEquity(result.EquityCurve)
		// Per-bar returns annualize with the backtest timeframe.
		mc.PeriodsPerYear = a.config.Backtest.AnnualizationFactor()
	}

	result, err := montecarlo.NewSimulator(a.logger, a.metrics).Run(ctx, returns, mc)
	if err != nil {
		return err
	}
	if out.omitCurve {
		result.EquityPaths = nil
		result.Returns, result.Drawdowns, result.Sharpes, result.FinalEquity = nil, nil, nil, nil
	}
	return writeResult(out, result)
}

func runWalkForward(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("walkforward", flag.ContinueOnError)
	var in inputFlags
	var out outputFlags
	in.register(fs)
	out.register(fs)
	objectiveName := fs.String("objective", optimization.ObjectiveSharpe, "Objective (sharpe, total_return, calmar, sortino)")
	gridFile := fs.String("grid", "", "Parameter grid file (JSON array); defaults to the strategy grid")
	wf := a.config.WalkForward
	fs.IntVar(&wf.TrainPeriod, "train", wf.TrainPeriod, "Train window in bars")
	fs.IntVar(&wf.TestPeriod, "test", wf.TestPeriod, "Test window in bars")
	fs.IntVar(&wf.StepSize, "step", wf.StepSize, "Step in bars")
	fs.BoolVar(&wf.Anchored, "anchored", wf.Anchored, "Anchor every train window at the first bar")
	fs.IntVar(&wf.Workers, "workers", wf.Workers, "Worker count (0 = GOMAXPROCS)")
	assess := fs.Bool("assess", false, "Backtest the latest chosen parameters over the full series and attach a viability report")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bars, err := a.loadBars(ctx, &in)
	if err != nil {
		return err
	}
	s, err := strategy.NewStrategyRegistry(a.logger).Get(in.strategy)
	if err != nil {
		return err
	}
	grid := s.Grid
	if *gridFile != "" {
		if grid, err = loadGrid(*gridFile); err != nil {
			return err
		}
	}
	objective, err := optimization.ObjectiveByName(*objectiveName)
	if err != nil {
		return err
	}

	sim := a.simulator(in.engine)
	wfo := optimization.NewWalkForwardOptimizer(a.logger, sim, a.config.Backtest, a.metrics)
	summary, err := wfo.Optimize(ctx, bars, s.Func(), grid, objective, wf)
	if err != nil {
		if summary != nil {
			_ = writeResult(out, summary)
		}
		return err
	}

	report := assessedWalkForward{WalkForwardSummary: summary}
	if *assess {
		latest := summary.Iterations[len(summary.Iterations)-1].Params
		signals, err := s.Signals(bars, latest)
		if err != nil {
			return err
		}
		result, err := sim.Run(ctx, bars, signals, a.config.Backtest)
		if err != nil {
			return err
		}
		if report.Viability, err = a.assess(ctx, result, summary); err != nil {
			return err
		}
	}
	return writeResult(out, report)
}

func loadGrid(path string) ([]optimization.Parameter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var grid []optimization.Parameter
	if err := json.Unmarshal(raw, &grid); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return grid, nil
}

func listStrategies(_ context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("strategies", flag.ContinueOnError)
	var out outputFlags
	out.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	registry := strategy.NewStrategyRegistry(a.logger)
	list := make([]strategy.Strategy, 0)
	for _, name := range registry.List() {
		s, err := registry.Get(name)
		if err != nil {
			return err
		}
		list = append(list, s)
	}
	return writeResult(out, list)
}
