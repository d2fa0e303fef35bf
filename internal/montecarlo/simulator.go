// Package montecarlo provides Monte Carlo simulation for strategy validation.
// Per-bar returns are cut into contiguous blocks whose order is permuted per
// trial, keeping short-range autocorrelation while randomizing sequencing.
package montecarlo

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/atlas-desktop/backtest-core/internal/telemetry"
	"github.com/atlas-desktop/backtest-core/internal/workers"
	"github.com/atlas-desktop/backtest-core/pkg/types"
	"github.com/atlas-desktop/backtest-core/pkg/utils"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
)

// maxStability caps the stability index
const maxStability = 10

// Simulator performs Monte Carlo simulations
type Simulator struct {
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// NewSimulator creates a new Monte Carlo simulator. metrics may be nil.
func NewSimulator(logger *zap.Logger, metrics *telemetry.Metrics) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		logger:  logger.Named("montecarlo"),
		metrics: metrics,
	}
}

// trialResult contains a single simulation result
type trialResult struct {
	totalReturn float64
	sharpe      float64
	drawdown    float64
	finalEquity float64
	equity      []float64
}

// Run resamples returns cfg.NumSimulations times. Every trial draws its
// block order from its own generator, seeded from a master stream before
// fan-out, so the result is bit-identical for a given seed regardless of
// worker count. Fewer returns than one block yield a zero-filled result
// with status insufficient_data.
func (s *Simulator) Run(ctx context.Context, returns []float64, cfg types.MonteCarloConfig) (*types.MonteCarloResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validateReturns(returns); err != nil {
		return nil, err
	}
	if cfg.PeriodsPerYear == 0 {
		cfg.PeriodsPerYear = types.DefaultMonteCarloConfig().PeriodsPerYear
	}

	blocks := len(returns) / cfg.BlockSize
	result := &types.MonteCarloResult{
		Status:         types.ResultStatusOK,
		NumSimulations: cfg.NumSimulations,
		BlockSize:      cfg.BlockSize,
		BlocksPerPath:  blocks,
		PathLength:     blocks * cfg.BlockSize,
		Seed:           cfg.Seed,
		InitialCapital: cfg.InitialCapital,
		ReturnCI95:     types.ConfidenceInterval{Level: 0.95},
		ReturnCI99:     types.ConfidenceInterval{Level: 0.99},
	}
	if blocks == 0 {
		result.Status = types.ResultStatusInsufficientData
		result.NumSimulations = 0
		result.Returns, result.Drawdowns, result.Sharpes, result.FinalEquity = []float64{}, []float64{}, []float64{}, []float64{}
		s.logger.Info("not enough returns for one block",
			zap.Int("returns", len(returns)),
			zap.Int("block_size", cfg.BlockSize),
		)
		return result, nil
	}

	s.logger.Info("starting Monte Carlo simulation",
		zap.Int("num_simulations", cfg.NumSimulations),
		zap.Int("returns", len(returns)),
		zap.Int("blocks", blocks),
		zap.Int64("seed", cfg.Seed),
	)
	start := time.Now()

	master := rand.New(rand.NewSource(cfg.Seed))
	seeds := make([]int64, cfg.NumSimulations)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	pool := workers.NewPool(s.logger, &workers.PoolConfig{
		Name:          "montecarlo",
		NumWorkers:    cfg.Workers,
		PanicRecovery: true,
	})
	trials, err := workers.Map(ctx, pool, cfg.NumSimulations, func(_ context.Context, i int) (trialResult, error) {
		return runTrial(returns, blocks, seeds[i], cfg), nil
	})
	if err != nil {
		return nil, err
	}

	aggregate(result, trials, cfg)
	elapsed := time.Since(start)
	s.metrics.RecordMonteCarlo(cfg.NumSimulations, elapsed)

	s.logger.Info("Monte Carlo simulation complete",
		zap.Float64("mean_return", result.MeanReturn),
		zap.Float64("risk_of_ruin", result.RiskOfRuin),
		zap.Float64("stability_index", result.StabilityIndex),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

func validateReturns(returns []float64) error {
	var offending []string
	for i, r := range returns {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			offending = append(offending, "index "+strconv.Itoa(i))
			if len(offending) == 20 {
				break
			}
		}
	}
	if len(offending) > 0 {
		return types.NewValidationError("returns", "non-finite values", offending...)
	}
	return nil
}

// runTrial permutes block order and measures the synthetic path
func runTrial(returns []float64, blocks int, seed int64, cfg types.MonteCarloConfig) trialResult {
	rng := rand.New(rand.NewSource(seed))
	size := cfg.BlockSize

	path := make([]float64, 0, blocks*size)
	for _, b := range rng.Perm(blocks) {
		path = append(path, returns[b*size:(b+1)*size]...)
	}

	equity := utils.CompoundEquity(cfg.InitialCapital, path)
	final := equity[len(equity)-1]
	trial := trialResult{
		totalReturn: utils.SafeDiv(final-cfg.InitialCapital, cfg.InitialCapital),
		sharpe:      utils.Sharpe(path, cfg.PeriodsPerYear),
		drawdown:    utils.MaxDrawdown(equity),
		finalEquity: utils.Finite(final),
	}
	if cfg.KeepPaths {
		trial.equity = equity
	}
	return trial
}

// aggregate fills the distribution summary from trial results
func aggregate(result *types.MonteCarloResult, trials []trialResult, cfg types.MonteCarloConfig) {
	n := len(trials)
	result.Returns = make([]float64, n)
	result.Drawdowns = make([]float64, n)
	result.Sharpes = make([]float64, n)
	result.FinalEquity = make([]float64, n)
	if cfg.KeepPaths {
		result.EquityPaths = make([][]float64, n)
	}

	ruined, profitable := 0, 0
	magnitudes := make([]float64, n)
	for i, t := range trials {
		result.Returns[i] = t.totalReturn
		result.Drawdowns[i] = t.drawdown
		result.Sharpes[i] = t.sharpe
		result.FinalEquity[i] = t.finalEquity
		if cfg.KeepPaths {
			result.EquityPaths[i] = t.equity
		}
		magnitudes[i] = math.Abs(t.drawdown)
		if magnitudes[i] >= cfg.RuinThreshold {
			ruined++
		}
		if t.totalReturn > 0 {
			profitable++
		}
	}

	result.MeanReturn = mean(result.Returns)
	result.MedianReturn = median(result.Returns)
	result.StdReturn = stdDev(result.Returns)
	sortedReturns := sortedCopy(result.Returns)
	result.ReturnCI95 = confidenceInterval(sortedReturns, 0.95)
	result.ReturnCI99 = confidenceInterval(sortedReturns, 0.99)

	result.MeanDrawdown = mean(result.Drawdowns)
	result.MedianDrawdown = median(result.Drawdowns)
	result.WorstDrawdown = sortedCopy(result.Drawdowns)[0]
	result.Drawdown95 = -utils.Percentile(magnitudes, 95)

	result.MeanSharpe = mean(result.Sharpes)
	result.MedianSharpe = median(result.Sharpes)
	result.MeanFinalEquity = mean(result.FinalEquity)

	result.RiskOfRuin = float64(ruined) / float64(n)
	result.ProbabilityOfProfit = float64(profitable) / float64(n)
	result.StabilityIndex = stability(result.MeanReturn, result.StdReturn)
}

// stability is the inverse coefficient of variation of trial returns,
// capped at maxStability.
func stability(mean, std float64) float64 {
	if std == 0 {
		if mean > 0 {
			return maxStability
		}
		return 0
	}
	return math.Min(utils.SafeDiv(mean, std), maxStability)
}

// confidenceInterval returns the two-sided percentile interval at level
func confidenceInterval(sorted []float64, level float64) types.ConfidenceInterval {
	tail := (1 - level) / 2 * 100
	return types.ConfidenceInterval{
		Level: level,
		Lower: utils.PercentileSorted(sorted, tail),
		Upper: utils.PercentileSorted(sorted, 100-tail),
	}
}

func sortedCopy(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}

func mean(values []float64) float64 {
	m, err := stats.Mean(values)
	if err != nil {
		return 0
	}
	return utils.Finite(m)
}

func median(values []float64) float64 {
	m, err := stats.Median(values)
	if err != nil {
		return 0
	}
	return utils.Finite(m)
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sd, err := stats.StandardDeviationSample(values)
	if err != nil {
		return 0
	}
	return utils.Finite(sd)
}
