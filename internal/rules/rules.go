// Package rules enforces business trading rules on a per-bar signal stream.
//
// Each rule walks the stream with a FLAT/IN_POSITION state machine so that
// entries can be told apart from continuations and exits. Rules only ever
// zero (or, for exits, re-express) signals; they never invent new entries.
package rules

import (
	"time"

	"github.com/atlas-desktop/backtest-core/pkg/types"
	"go.uber.org/zap"
)

type positionState int

const (
	stateFlat positionState = iota
	stateInPosition
)

type action int

const (
	actionNone action = iota
	actionEnter
	actionHold
	actionExit
)

// tracker follows position state through a signal stream. A short signal
// while FLAT opens nothing unless shorts are allowed.
type tracker struct {
	mode       types.SignalMode
	allowShort bool
	state      positionState
	side       types.Signal
}

func (t *tracker) classify(s types.Signal) action {
	if t.state == stateFlat {
		if s == types.SignalLong || (s == types.SignalShort && t.allowShort) {
			return actionEnter
		}
		return actionNone
	}
	switch {
	case s == t.side:
		return actionHold
	case s == types.SignalFlat:
		if t.mode.ExitsOnZero() {
			return actionExit
		}
		return actionHold
	default:
		return actionExit
	}
}

func (t *tracker) enter(s types.Signal) {
	t.state = stateInPosition
	t.side = s
}

func (t *tracker) exit() {
	t.state = stateFlat
	t.side = types.SignalFlat
}

// exitSignal is the value emitted on a bar that leaves IN_POSITION. In
// trigger mode the opposite sign is the exit instruction; in position mode
// the exit is expressed as 0.
func (t *tracker) exitSignal() types.Signal {
	if t.mode.ExitsOnZero() {
		return types.SignalFlat
	}
	return -t.side
}

// Engine applies the configured trading rules.
type Engine struct {
	logger   *zap.Logger
	config   types.BacktestConfig
	location *time.Location
}

// NewEngine creates a rule engine for the given backtest configuration.
func NewEngine(logger *zap.Logger, config types.BacktestConfig) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := time.UTC
	if config.UseTradingWindows || config.OneTradePerDay || config.ForceClose {
		if err := config.Calendar.Validate(); err != nil {
			return nil, err
		}
		var err error
		if loc, err = config.Calendar.Location(); err != nil {
			return nil, err
		}
	}
	if config.SignalMode == "" {
		config.SignalMode = types.SignalModeTrigger
	}
	return &Engine{
		logger:   logger.Named("rules"),
		config:   config,
		location: loc,
	}, nil
}

func (e *Engine) newTracker() *tracker {
	return &tracker{mode: e.config.SignalMode, allowShort: e.config.AllowShort}
}

func (e *Engine) local(b types.Bar) time.Time {
	return b.Time().In(e.location)
}

// dayKey identifies the calendar day of a bar in the calendar timezone.
func (e *Engine) dayKey(b types.Bar) int {
	y, m, d := e.local(b).Date()
	return y*10000 + int(m)*100 + d
}

func checkAligned(bars []types.Bar, signals []types.Signal) error {
	if len(bars) == 0 {
		return types.NewValidationError("bars", "empty series")
	}
	if len(bars) != len(signals) {
		return types.NewValidationError("signals", "length does not match bars")
	}
	return nil
}

// EnforceOneTradePerDay admits at most one entry per calendar day. The
// first signal that can open a position while FLAT on a day enters; every
// later entry that day is suppressed. Refused shorts are zeroed and do not
// use up the day. Continuations pass through and exits return to FLAT.
func (e *Engine) EnforceOneTradePerDay(bars []types.Bar, signals []types.Signal) ([]types.Signal, error) {
	if err := checkAligned(bars, signals); err != nil {
		return nil, err
	}

	out := make([]types.Signal, len(signals))
	tr := e.newTracker()
	currentDay := -1
	enteredToday := false
	suppressed := 0

	for i, s := range signals {
		if day := e.dayKey(bars[i]); day != currentDay {
			currentDay = day
			enteredToday = false
		}

		switch tr.classify(s) {
		case actionEnter:
			if enteredToday {
				suppressed++
				continue
			}
			enteredToday = true
			tr.enter(s)
			out[i] = s
		case actionHold:
			out[i] = s
		case actionExit:
			out[i] = tr.exitSignal()
			tr.exit()
		}
	}

	if suppressed > 0 {
		e.logger.Debug("suppressed repeat entries", zap.Int("count", suppressed))
	}
	return out, nil
}

// FilterByTradingWindows zeroes entries on bars whose local time of day is
// outside every enabled window. Exits and continuations are untouched. With
// no enabled windows the stream is returned unchanged.
func (e *Engine) FilterByTradingWindows(bars []types.Bar, signals []types.Signal) ([]types.Signal, error) {
	if err := checkAligned(bars, signals); err != nil {
		return nil, err
	}

	out := make([]types.Signal, len(signals))
	windows := e.config.Calendar.Windows()
	if len(windows) == 0 {
		copy(out, signals)
		return out, nil
	}

	tr := e.newTracker()
	rejected := 0
	for i, s := range signals {
		switch tr.classify(s) {
		case actionEnter:
			if !inWindows(windows, types.TimeOfDayOf(e.local(bars[i]))) {
				rejected++
				continue
			}
			tr.enter(s)
			out[i] = s
		case actionHold:
			out[i] = s
		case actionExit:
			out[i] = tr.exitSignal()
			tr.exit()
		}
	}

	if rejected > 0 {
		e.logger.Debug("rejected entries outside trading windows", zap.Int("count", rejected))
	}
	return out, nil
}

// InWindow reports whether t is admissible under the configured windows.
func (e *Engine) InWindow(t time.Time) bool {
	windows := e.config.Calendar.Windows()
	if len(windows) == 0 {
		return true
	}
	return inWindows(windows, types.TimeOfDayOf(t.In(e.location)))
}

func inWindows(windows []types.TradingWindow, tod types.TimeOfDay) bool {
	for _, w := range windows {
		if w.Contains(tod) {
			return true
		}
	}
	return false
}

// AfterForcedClose reports whether t is at or after the forced-close time of its day.
func (e *Engine) AfterForcedClose(t time.Time) bool {
	return types.TimeOfDayOf(t.In(e.location)) >= e.config.Calendar.ForcedClose
}

// ApplyForcedClose zeroes every signal at or after the forced-close time.
// A position still open on that bar is treated as closed there, so nothing
// carries over the close and no new entry is admitted until the next day.
func (e *Engine) ApplyForcedClose(bars []types.Bar, signals []types.Signal) ([]types.Signal, error) {
	if err := checkAligned(bars, signals); err != nil {
		return nil, err
	}

	out := make([]types.Signal, len(signals))
	tr := e.newTracker()
	for i, s := range signals {
		if e.AfterForcedClose(bars[i].Time()) {
			tr.exit()
			continue
		}
		switch tr.classify(s) {
		case actionEnter:
			tr.enter(s)
			out[i] = s
		case actionHold:
			out[i] = s
		case actionExit:
			out[i] = tr.exitSignal()
			tr.exit()
		}
	}
	return out, nil
}

// Apply validates raw signals and chains the enabled rules: trading
// windows, then one-trade-per-day, then forced close.
func (e *Engine) Apply(bars []types.Bar, raw []float64) ([]types.Signal, error) {
	if len(bars) == 0 {
		return nil, types.NewValidationError("bars", "empty series")
	}
	if len(raw) != len(bars) {
		return nil, types.NewValidationError("signals", "length does not match bars")
	}
	signals, err := ParseSignals(raw)
	if err != nil {
		e.logger.Warn("rejected signal series", zap.Error(err))
		return nil, err
	}

	if e.config.UseTradingWindows {
		if signals, err = e.FilterByTradingWindows(bars, signals); err != nil {
			return nil, err
		}
	}
	if e.config.OneTradePerDay {
		if signals, err = e.EnforceOneTradePerDay(bars, signals); err != nil {
			return nil, err
		}
	}
	if e.config.ForceClose {
		if signals, err = e.ApplyForcedClose(bars, signals); err != nil {
			return nil, err
		}
	}
	return signals, nil
}

// DayKey exposes the calendar-day bucketing used by the rules.
func (e *Engine) DayKey(b types.Bar) int {
	return e.dayKey(b)
}
