// Package types provides configuration types for the backtest core.
package types

import (
	"fmt"
	"math"
	"time"
)

// TimeOfDay is a wall-clock time within a day, stored as minutes after midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

// MustTimeOfDay is ParseTimeOfDay for literals; it panics on bad input.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// TimeOfDayOf returns the time of day of t in its own location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(text []byte) error {
	v, err := ParseTimeOfDay(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// TradingWindow is a same-day admission interval, inclusive at both ends.
// A window whose Start and End are both zero is disabled.
type TradingWindow struct {
	Start TimeOfDay `json:"start" mapstructure:"start"`
	End   TimeOfDay `json:"end" mapstructure:"end"`
}

// Enabled reports whether the window is configured.
func (w TradingWindow) Enabled() bool {
	return w.Start != 0 || w.End != 0
}

// Contains reports whether tod falls inside the window.
func (w TradingWindow) Contains(tod TimeOfDay) bool {
	return tod >= w.Start && tod <= w.End
}

// TradingCalendarConfig holds the intraday windows and forced-close time.
// Times are interpreted in Timezone (IANA name, default UTC).
type TradingCalendarConfig struct {
	WindowA     TradingWindow `json:"windowA" mapstructure:"window_a"`
	WindowB     TradingWindow `json:"windowB" mapstructure:"window_b"`
	ForcedClose TimeOfDay     `json:"forcedClose" mapstructure:"forced_close"`
	Timezone    string        `json:"timezone" mapstructure:"timezone"`
}

// Location resolves the calendar timezone.
func (c TradingCalendarConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, NewValidationError("calendar.timezone", err.Error())
	}
	return loc, nil
}

// Windows returns the enabled windows.
func (c TradingCalendarConfig) Windows() []TradingWindow {
	var out []TradingWindow
	for _, w := range []TradingWindow{c.WindowA, c.WindowB} {
		if w.Enabled() {
			out = append(out, w)
		}
	}
	return out
}

// Validate checks window ordering and the timezone.
func (c TradingCalendarConfig) Validate() error {
	names := []string{"calendar.window_a", "calendar.window_b"}
	for i, w := range []TradingWindow{c.WindowA, c.WindowB} {
		if w.Enabled() && w.Start >= w.End {
			return NewValidationError(names[i], fmt.Sprintf("start %s must be before end %s", w.Start, w.End))
		}
	}
	if c.ForcedClose < 0 || c.ForcedClose >= 24*60 {
		return NewValidationError("calendar.forced_close", "out of range")
	}
	_, err := c.Location()
	return err
}

// SignalMode selects how a zero signal is read while a position is open.
// In trigger mode (default) 0 holds and only an opposite-sign signal exits;
// in position mode the signal is the desired exposure, so 0 also exits.
type SignalMode string

const (
	SignalModeTrigger  SignalMode = "trigger"
	SignalModePosition SignalMode = "position"
)

// ExitsOnZero reports whether a zero signal closes an open position.
func (m SignalMode) ExitsOnZero() bool {
	return m == SignalModePosition
}

// BacktestConfig represents the configuration for a backtest run
type BacktestConfig struct {
	Symbol              string                `json:"symbol,omitempty" mapstructure:"symbol"`
	Timeframe           Timeframe             `json:"timeframe,omitempty" mapstructure:"timeframe"`
	InitialCapital      float64               `json:"initialCapital" mapstructure:"initial_capital"`
	CommissionRate      float64               `json:"commissionRate" mapstructure:"commission_rate"`
	SlippageRate        float64               `json:"slippageRate" mapstructure:"slippage_rate"`
	RiskPerTrade        float64               `json:"riskPerTrade" mapstructure:"risk_per_trade"`
	ATRPeriod           int                   `json:"atrPeriod" mapstructure:"atr_period"`
	ATRStopMultiplier   float64               `json:"atrStopMultiplier" mapstructure:"atr_sl_multiplier"`
	ATRTargetMultiplier float64               `json:"atrTargetMultiplier" mapstructure:"atr_tp_multiplier"`
	OneTradePerDay      bool                  `json:"oneTradePerDay" mapstructure:"one_trade_per_day"`
	UseTradingWindows   bool                  `json:"useTradingWindows" mapstructure:"use_trading_windows"`
	ForceClose          bool                  `json:"forceClose" mapstructure:"force_close"`
	AllowShort          bool                  `json:"allowShort" mapstructure:"allow_short"`
	SignalMode          SignalMode            `json:"signalMode,omitempty" mapstructure:"signal_mode"`
	PeriodsPerYear      float64               `json:"periodsPerYear,omitempty" mapstructure:"periods_per_year"`
	Calendar            TradingCalendarConfig `json:"calendar" mapstructure:"calendar"`
}

// DefaultBacktestConfig returns sensible defaults
func DefaultBacktestConfig() BacktestConfig {
	return BacktestConfig{
		Timeframe:           Timeframe1h,
		InitialCapital:      10000,
		CommissionRate:      0.001,
		SlippageRate:        0.0005,
		RiskPerTrade:        0.02,
		ATRPeriod:           14,
		ATRStopMultiplier:   2.0,
		ATRTargetMultiplier: 3.0,
		AllowShort:          true,
		SignalMode:          SignalModeTrigger,
		Calendar: TradingCalendarConfig{
			WindowA:     TradingWindow{Start: MustTimeOfDay("09:30"), End: MustTimeOfDay("11:30")},
			WindowB:     TradingWindow{Start: MustTimeOfDay("13:30"), End: MustTimeOfDay("15:30")},
			ForcedClose: MustTimeOfDay("15:55"),
			Timezone:    "UTC",
		},
	}
}

// AnnualizationFactor returns PeriodsPerYear, deriving it from the timeframe when unset.
func (c BacktestConfig) AnnualizationFactor() float64 {
	if c.PeriodsPerYear > 0 {
		return c.PeriodsPerYear
	}
	return c.Timeframe.PeriodsPerYear()
}

// Validate checks numeric ranges and the calendar.
func (c BacktestConfig) Validate() error {
	switch {
	case !(c.InitialCapital > 0):
		return NewValidationError("initial_capital", "must be positive")
	case math.IsInf(c.InitialCapital, 1):
		return NewValidationError("initial_capital", "must be finite")
	case !(c.CommissionRate >= 0 && c.CommissionRate < 1):
		return NewValidationError("commission_rate", "must be in [0, 1)")
	case !(c.SlippageRate >= 0 && c.SlippageRate < 1):
		return NewValidationError("slippage_rate", "must be in [0, 1)")
	case !(c.RiskPerTrade > 0 && c.RiskPerTrade <= 1):
		return NewValidationError("risk_per_trade", "must be in (0, 1]")
	case c.ATRPeriod < 1:
		return NewValidationError("atr_period", "must be at least 1")
	case !finite(c.ATRStopMultiplier):
		return NewValidationError("atr_sl_multiplier", "must be finite")
	case !finite(c.ATRTargetMultiplier):
		return NewValidationError("atr_tp_multiplier", "must be finite")
	case !(c.PeriodsPerYear >= 0) || math.IsInf(c.PeriodsPerYear, 1):
		return NewValidationError("periods_per_year", "must be finite and not negative")
	case c.SignalMode != "" && c.SignalMode != SignalModeTrigger && c.SignalMode != SignalModePosition:
		return NewValidationError("signal_mode", "must be trigger or position", string(c.SignalMode))
	}
	if c.UseTradingWindows || c.ForceClose || c.OneTradePerDay {
		return c.Calendar.Validate()
	}
	return nil
}

// MonteCarloConfig configures block-permutation resampling
type MonteCarloConfig struct {
	InitialCapital float64 `json:"initialCapital" mapstructure:"initial_capital"`
	BlockSize      int     `json:"blockSize" mapstructure:"block_size"`
	NumSimulations int     `json:"numSimulations" mapstructure:"num_simulations"`
	RuinThreshold  float64 `json:"ruinThreshold" mapstructure:"ruin_threshold"`
	Seed           int64   `json:"seed" mapstructure:"seed"`
	PeriodsPerYear float64 `json:"periodsPerYear" mapstructure:"periods_per_year"`
	Workers        int     `json:"workers" mapstructure:"workers"`
	KeepPaths      bool    `json:"keepPaths" mapstructure:"keep_paths"`
}

// DefaultMonteCarloConfig returns sensible defaults
func DefaultMonteCarloConfig() MonteCarloConfig {
	return MonteCarloConfig{
		InitialCapital: 10000,
		BlockSize:      20,
		NumSimulations: 1000,
		RuinThreshold:  0.5,
		Seed:           42,
		PeriodsPerYear: 252,
	}
}

// Validate checks numeric ranges.
func (c MonteCarloConfig) Validate() error {
	switch {
	case !(c.InitialCapital > 0) || math.IsInf(c.InitialCapital, 1):
		return NewValidationError("initial_capital", "must be positive and finite")
	case c.BlockSize < 1:
		return NewValidationError("block_size", "must be at least 1")
	case c.NumSimulations < 1:
		return NewValidationError("num_simulations", "must be at least 1")
	case !(c.RuinThreshold > 0) || c.RuinThreshold > 1:
		return NewValidationError("ruin_threshold", "must be in (0, 1]")
	case !(c.PeriodsPerYear >= 0) || math.IsInf(c.PeriodsPerYear, 1):
		return NewValidationError("periods_per_year", "must be finite and not negative")
	case c.Workers < 0:
		return NewValidationError("workers", "must not be negative")
	}
	return nil
}

// WalkForwardConfig configures walk-forward windows, in bars
type WalkForwardConfig struct {
	TrainPeriod  int  `json:"trainPeriod" mapstructure:"train_period"`
	TestPeriod   int  `json:"testPeriod" mapstructure:"test_period"`
	StepSize     int  `json:"stepSize" mapstructure:"step_size"`
	Anchored     bool `json:"anchored" mapstructure:"anchored"`
	MinTrainSize int  `json:"minTrainSize" mapstructure:"min_train_size"`
	Workers      int  `json:"workers" mapstructure:"workers"`
}

// DefaultWalkForwardConfig returns sensible defaults
func DefaultWalkForwardConfig() WalkForwardConfig {
	return WalkForwardConfig{
		TrainPeriod:  500,
		TestPeriod:   100,
		StepSize:     100,
		MinTrainSize: 100,
	}
}

// Validate checks window sizes.
func (c WalkForwardConfig) Validate() error {
	switch {
	case c.TrainPeriod < 1:
		return NewValidationError("train_period", "must be at least 1")
	case c.TestPeriod < 1:
		return NewValidationError("test_period", "must be at least 1")
	case c.StepSize < 1:
		return NewValidationError("step_size", "must be at least 1")
	case c.MinTrainSize < 0:
		return NewValidationError("min_train_size", "must not be negative")
	case c.Workers < 0:
		return NewValidationError("workers", "must not be negative")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
