// Package strategy provides reference signal generators. Each strategy maps
// a bar series and a parameter set to a {-1, 0, 1} signal series, emitting
// non-zero values only on the bar where its condition triggers.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/atlas-desktop/backtest-core/internal/optimization"
	"github.com/atlas-desktop/backtest-core/pkg/types"
	"go.uber.org/zap"
)

// Strategy describes a registered signal generator.
type Strategy struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Defaults    types.ParamSet           `json:"defaults"`
	Grid        []optimization.Parameter `json:"grid"`

	signals func(bars []types.Bar, p params) ([]float64, error)
}

// Signals generates the signal series. Parameters missing from p fall back
// to the strategy defaults.
func (s Strategy) Signals(bars []types.Bar, p types.ParamSet) ([]float64, error) {
	merged := s.Defaults.Clone()
	for k, v := range p {
		merged[k] = v
	}
	return s.signals(bars, params(merged))
}

// Func adapts the strategy to an optimization.StrategyFunc.
func (s Strategy) Func() optimization.StrategyFunc {
	return s.Signals
}

// StrategyRegistry manages available strategies.
type StrategyRegistry struct {
	logger     *zap.Logger
	strategies map[string]Strategy
	mu         sync.RWMutex
}

// NewStrategyRegistry creates a new strategy registry with the built-in
// strategies registered.
func NewStrategyRegistry(logger *zap.Logger) *StrategyRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &StrategyRegistry{
		logger:     logger.Named("strategy"),
		strategies: make(map[string]Strategy),
	}

	r.Register(SMACrossover())
	r.Register(Breakout())
	r.Register(Momentum())

	return r
}

// Register registers a strategy, replacing any with the same name.
func (r *StrategyRegistry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name] = s
}

// Get returns a strategy by name.
func (r *StrategyRegistry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[name]
	if !ok {
		return Strategy{}, types.NewValidationError("strategy", fmt.Sprintf("unknown strategy %q", name), r.namesLocked()...)
	}
	return s, nil
}

// List returns all available strategy names, sorted.
func (r *StrategyRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *StrategyRegistry) namesLocked() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// params reads integer and float parameters
type params types.ParamSet

func (p params) period(name string) (int, error) {
	v, ok := p[name]
	if !ok || math.IsNaN(v) || v < 1 || v != math.Trunc(v) {
		return 0, types.NewValidationError("params", "must be a positive integer", name)
	}
	return int(v), nil
}

// SMACrossover goes long when the fast average crosses above the slow one
// and short when it crosses below.
func SMACrossover() Strategy {
	return Strategy{
		Name:        "sma_crossover",
		Description: "Fast/slow simple moving average crossover",
		Defaults:    types.ParamSet{"fast": 10, "slow": 30},
		Grid: []optimization.Parameter{
			{Name: "fast", Type: optimization.ParamTypeInteger, Min: 5, Max: 20, Step: 5},
			{Name: "slow", Type: optimization.ParamTypeInteger, Min: 30, Max: 60, Step: 10},
		},
		signals: smaCrossover,
	}
}

func smaCrossover(bars []types.Bar, p params) ([]float64, error) {
	fast, err := p.period("fast")
	if err != nil {
		return nil, err
	}
	slow, err := p.period("slow")
	if err != nil {
		return nil, err
	}
	if fast >= slow {
		return nil, types.NewValidationError("params", "fast period must be below slow period")
	}

	px := closes(bars)
	fastMA := sma(px, fast)
	slowMA := sma(px, slow)
	signals := make([]float64, len(bars))
	for i := slow; i < len(bars); i++ {
		prev := fastMA[i-1] - slowMA[i-1]
		cur := fastMA[i] - slowMA[i]
		switch {
		case prev <= 0 && cur > 0:
			signals[i] = 1
		case prev >= 0 && cur < 0:
			signals[i] = -1
		}
	}
	return signals, nil
}

// Breakout goes long on a close above the prior lookback high and short on
// a close below the prior lookback low.
func Breakout() Strategy {
	return Strategy{
		Name:        "breakout",
		Description: "Donchian channel breakout",
		Defaults:    types.ParamSet{"lookback": 20},
		Grid: []optimization.Parameter{
			{Name: "lookback", Type: optimization.ParamTypeInteger, Min: 10, Max: 50, Step: 10},
		},
		signals: breakout,
	}
}

func breakout(bars []types.Bar, p params) ([]float64, error) {
	lookback, err := p.period("lookback")
	if err != nil {
		return nil, err
	}

	signals := make([]float64, len(bars))
	for i := lookback; i < len(bars); i++ {
		high, low := math.Inf(-1), math.Inf(1)
		for _, b := range bars[i-lookback : i] {
			high = math.Max(high, b.High)
			low = math.Min(low, b.Low)
		}
		switch {
		case bars[i].Close > high:
			signals[i] = 1
		case bars[i].Close < low:
			signals[i] = -1
		}
	}
	return signals, nil
}

// Momentum follows the sign of the rate of change once it clears a threshold.
func Momentum() Strategy {
	return Strategy{
		Name:        "momentum",
		Description: "Rate-of-change momentum with threshold",
		Defaults:    types.ParamSet{"period": 14, "threshold": 0.02},
		Grid: []optimization.Parameter{
			{Name: "period", Type: optimization.ParamTypeInteger, Min: 7, Max: 28, Step: 7},
			{Name: "threshold", Type: optimization.ParamTypeDiscrete, Discrete: []float64{0.01, 0.02, 0.04}},
		},
		signals: momentum,
	}
}

func momentum(bars []types.Bar, p params) ([]float64, error) {
	period, err := p.period("period")
	if err != nil {
		return nil, err
	}
	threshold := p["threshold"]
	if !(threshold >= 0) {
		return nil, types.NewValidationError("params", "must not be negative", "threshold")
	}

	signals := make([]float64, len(bars))
	for i := period; i < len(bars); i++ {
		roc := bars[i].Close/bars[i-period].Close - 1
		prev := 0.0
		if i > period {
			prev = bars[i-1].Close/bars[i-1-period].Close - 1
		}
		switch {
		case roc > threshold && prev <= threshold:
			signals[i] = 1
		case roc < -threshold && prev >= -threshold:
			signals[i] = -1
		}
	}
	return signals, nil
}

func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// sma returns the simple moving average; indices below period-1 are NaN.
func sma(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i < period-1 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(period)
	}
	return out
}
