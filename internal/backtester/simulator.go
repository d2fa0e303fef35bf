// Package backtester turns a strategy's signal stream and historical bars
// into trades, an equity curve and performance metrics.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/backtest-core/internal/data"
	"github.com/atlas-desktop/backtest-core/internal/rules"
	"github.com/atlas-desktop/backtest-core/internal/stops"
	"github.com/atlas-desktop/backtest-core/internal/telemetry"
	"github.com/atlas-desktop/backtest-core/pkg/types"
	"github.com/atlas-desktop/backtest-core/pkg/utils"
	"go.uber.org/zap"
)

// Engine names
const (
	EngineVectorized = "vectorized"
	EngineEvent      = "event"
)

// Engine resolves a prepared plan into closed trades and an equity curve.
// Implementations must agree on every trade and equity point.
type Engine interface {
	Name() string
	Simulate(ctx context.Context, plan *Plan) (*Outcome, error)
}

// Plan is the validated, rule-filtered input shared by both engines.
type Plan struct {
	Bars    []types.Bar
	Signals []types.Signal
	Config  types.BacktestConfig
	Bands   stops.Bands

	// ForcedClose marks bars at or after the forced-close time when
	// ForceClose is enabled.
	ForcedClose []bool
	// CanEnter is false on bars where no entry may be admitted.
	CanEnter []bool
	// Days buckets bars by calendar day for one-trade-per-day admission.
	Days []int
}

// Outcome is the raw result of an engine
type Outcome struct {
	Trades       []types.Trade
	Equity       []types.EquityPoint
	FinalCapital float64
}

// protectiveExit tests a bar against the stop and target of an open
// position. The stop is checked first. A bar that opens through a level
// fills at the open instead of the level.
func protectiveExit(side types.TradeSide, bar types.Bar, stop, target float64) (float64, types.ExitReason, bool) {
	if side == types.TradeSideLong {
		if !math.IsNaN(stop) && bar.Low <= stop {
			return math.Min(bar.Open, stop), types.ExitReasonStopLoss, true
		}
		if !math.IsNaN(target) && bar.High >= target {
			return math.Max(bar.Open, target), types.ExitReasonTakeProfit, true
		}
		return 0, "", false
	}
	if !math.IsNaN(stop) && bar.High >= stop {
		return math.Max(bar.Open, stop), types.ExitReasonStopLoss, true
	}
	if !math.IsNaN(target) && bar.Low <= target {
		return math.Min(bar.Open, target), types.ExitReasonTakeProfit, true
	}
	return 0, "", false
}

// exitsOnSignal reports whether s closes a position on side.
func exitsOnSignal(mode types.SignalMode, side types.TradeSide, s types.Signal) bool {
	if s == types.SignalFlat {
		return mode.ExitsOnZero()
	}
	return s.Side() != side
}

// entrySide maps a signal to the side it would open, honoring AllowShort.
func entrySide(s types.Signal, allowShort bool) (types.TradeSide, bool) {
	switch {
	case s == types.SignalLong:
		return types.TradeSideLong, true
	case s == types.SignalShort && allowShort:
		return types.TradeSideShort, true
	}
	return "", false
}

// admits applies per-bar entry admission. The last bar never opens a
// position, and with OneTradePerDay a day that already had an entry admits
// no other.
func (p *Plan) admits(i int, enteredDay int) bool {
	if i >= len(p.Bars)-1 || !p.CanEnter[i] {
		return false
	}
	return !p.Config.OneTradePerDay || enteredDay != p.Days[i]
}

// Option configures a Simulator
type Option func(*simulatorOptions)

type simulatorOptions struct {
	preferred  string
	vectorized VectorizedConfig
	metrics    *telemetry.Metrics
}

// WithPreferredEngine selects "vectorized" (default) or "event".
func WithPreferredEngine(name string) Option {
	return func(o *simulatorOptions) { o.preferred = name }
}

// WithVectorizedConfig configures the vectorized engine.
func WithVectorizedConfig(cfg VectorizedConfig) Option {
	return func(o *simulatorOptions) { o.vectorized = cfg }
}

// WithTelemetry attaches Prometheus collectors.
func WithTelemetry(m *telemetry.Metrics) Option {
	return func(o *simulatorOptions) { o.metrics = m }
}

// Simulator runs backtests. The engine is chosen at construction: the
// vectorized engine when it can be built, otherwise the event engine.
type Simulator struct {
	logger    *zap.Logger
	primary   Engine
	fallback  Engine
	validator *data.Validator
	calc      *MetricsCalculator
	metrics   *telemetry.Metrics
}

// NewSimulator creates a simulator. It never fails: an unavailable
// vectorized engine degrades to the event engine with a warning.
func NewSimulator(logger *zap.Logger, opts ...Option) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := simulatorOptions{preferred: EngineVectorized, vectorized: DefaultVectorizedConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Simulator{
		logger:    logger.Named("simulator"),
		fallback:  NewEventEngine(logger),
		validator: data.NewValidator(logger),
		calc:      NewMetricsCalculator(),
		metrics:   o.metrics,
	}

	if o.preferred == EngineEvent {
		s.primary = s.fallback
		return s
	}
	engine, err := NewVectorizedEngine(logger, o.vectorized)
	if err != nil {
		s.logger.Warn("vectorized engine unavailable, using event engine", zap.Error(err))
		o.metrics.RecordFallback()
		s.primary = s.fallback
		return s
	}
	s.primary = engine
	return s
}

// EngineName returns the engine selected at construction.
func (s *Simulator) EngineName() string {
	return s.primary.Name()
}

// Run validates inputs, applies trading rules and simulates the run.
// Malformed input fails with a *types.ValidationError; a run with no
// trades or too little data is an Ok result with zeroed metrics.
func (s *Simulator) Run(ctx context.Context, bars []types.Bar, raw []float64, cfg types.BacktestConfig) (*types.BacktestResult, error) {
	start := time.Now()

	plan, err := s.prepare(bars, raw, cfg)
	if err != nil {
		if errors.Is(err, types.ErrValidation) {
			s.metrics.RecordValidationError()
		}
		return nil, err
	}
	paramsHash, err := ParamsHash(cfg)
	if err != nil {
		return nil, err
	}

	result := &types.BacktestResult{
		RunID:          utils.GenerateRunID(),
		Symbol:         cfg.Symbol,
		Timeframe:      cfg.Timeframe,
		Bars:           len(bars),
		InitialCapital: cfg.InitialCapital,
		FinalCapital:   cfg.InitialCapital,
		Trades:         []types.Trade{},
		StartDate:      bars[0].Time(),
		EndDate:        bars[len(bars)-1].Time(),
		DatasetHash:    DatasetHash(bars, raw),
		ParamsHash:     paramsHash,
	}
	if result.Symbol == "" {
		result.Symbol = bars[0].Symbol
	}

	if insufficient(plan) {
		result.Engine = s.primary.Name()
		result.Status = types.ResultStatusInsufficientData
		result.EquityCurve = flatEquity(bars, cfg.InitialCapital)
		s.logger.Info("insufficient data for backtest",
			zap.Int("bars", len(bars)),
			zap.Int("atr_period", cfg.ATRPeriod),
		)
		s.metrics.RecordRun(result.Engine, string(result.Status), 0, time.Since(start))
		return result, nil
	}

	outcome, engineName, err := s.simulate(ctx, plan)
	if err != nil {
		return nil, err
	}

	for i := range outcome.Trades {
		outcome.Trades[i].ID = utils.TradeID(result.DatasetHash, outcome.Trades[i].EntryIndex)
		outcome.Trades[i].Symbol = result.Symbol
	}

	result.Engine = engineName
	result.Trades = outcome.Trades
	result.EquityCurve = outcome.Equity
	result.FinalCapital = outcome.FinalCapital
	result.PerformanceMetrics = s.calc.Calculate(outcome.Trades, outcome.Equity, cfg.InitialCapital, cfg.AnnualizationFactor())
	result.Status = types.ResultStatusOK
	if len(outcome.Trades) == 0 {
		result.Status = types.ResultStatusNoTrades
		result.PerformanceMetrics = types.PerformanceMetrics{}
	}

	s.logger.Info("backtest complete",
		zap.String("run_id", result.RunID),
		zap.String("engine", engineName),
		zap.String("status", string(result.Status)),
		zap.Int("bars", len(bars)),
		zap.Int("trades", len(outcome.Trades)),
		zap.Float64("total_return", result.TotalReturn),
		zap.Duration("elapsed", time.Since(start)),
	)
	s.metrics.RecordRun(engineName, string(result.Status), len(outcome.Trades), time.Since(start))
	return result, nil
}

// simulate runs the primary engine, degrading to the event engine when
// the primary reports it cannot serve this plan.
func (s *Simulator) simulate(ctx context.Context, plan *Plan) (*Outcome, string, error) {
	outcome, err := s.primary.Simulate(ctx, plan)
	if err == nil {
		return outcome, s.primary.Name(), nil
	}
	if !errors.Is(err, types.ErrEngineUnavailable) || s.primary == s.fallback {
		return nil, "", fmt.Errorf("%s engine: %w", s.primary.Name(), err)
	}

	s.logger.Warn("engine degraded to event-driven fallback",
		zap.String("engine", s.primary.Name()),
		zap.Error(err),
	)
	s.metrics.RecordFallback()
	outcome, err = s.fallback.Simulate(ctx, plan)
	if err != nil {
		return nil, "", fmt.Errorf("%s engine: %w", s.fallback.Name(), err)
	}
	return outcome, s.fallback.Name(), nil
}

// prepare validates inputs and builds the engine plan.
func (s *Simulator) prepare(bars []types.Bar, raw []float64, cfg types.BacktestConfig) (*Plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateSeries(bars); err != nil {
		return nil, err
	}
	if len(raw) != len(bars) {
		return nil, types.NewValidationError("signals",
			fmt.Sprintf("length %d does not match %d bars", len(raw), len(bars)))
	}

	ruleEngine, err := rules.NewEngine(s.logger, cfg)
	if err != nil {
		return nil, err
	}
	signals, err := ruleEngine.Apply(bars, raw)
	if err != nil {
		return nil, err
	}
	if cfg.SignalMode == "" {
		cfg.SignalMode = types.SignalModeTrigger
	}

	plan := &Plan{
		Bars:        bars,
		Signals:     signals,
		Config:      cfg,
		Bands:       stops.FromConfig(cfg).Compute(bars),
		ForcedClose: make([]bool, len(bars)),
		CanEnter:    make([]bool, len(bars)),
		Days:        make([]int, len(bars)),
	}
	for i, b := range bars {
		t := b.Time()
		plan.Days[i] = ruleEngine.DayKey(b)
		plan.ForcedClose[i] = cfg.ForceClose && ruleEngine.AfterForcedClose(t)
		plan.CanEnter[i] = !plan.ForcedClose[i] && (!cfg.UseTradingWindows || ruleEngine.InWindow(t))
	}
	return plan, nil
}

// insufficient reports a series too short to trade: fewer than two bars,
// or not past the ATR warm-up when stops are enabled.
func insufficient(plan *Plan) bool {
	n := len(plan.Bars)
	if n < 2 {
		return true
	}
	cfg := plan.Config
	stopsEnabled := cfg.ATRStopMultiplier > 0 || cfg.ATRTargetMultiplier > 0
	return stopsEnabled && n <= cfg.ATRPeriod
}

func flatEquity(bars []types.Bar, capital float64) []types.EquityPoint {
	out := make([]types.EquityPoint, len(bars))
	for i, b := range bars {
		out[i] = types.EquityPoint{Timestamp: b.Timestamp, Equity: capital}
	}
	return out
}
