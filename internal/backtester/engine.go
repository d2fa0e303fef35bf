package backtester

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/atlas-desktop/backtest-core/internal/backtester/events"
	"github.com/atlas-desktop/backtest-core/internal/stops"
	"github.com/atlas-desktop/backtest-core/pkg/types"
	"go.uber.org/zap"
)

// EventEngine is the event-driven engine. It is always available and
// serves as the fallback when the vectorized engine cannot run. Each bar
// produces a bar event, optional fills, a signal event and a mark event,
// processed in timestamp then priority order against a decimal ledger.
type EventEngine struct {
	logger          *zap.Logger
	eventsProcessed atomic.Uint64
}

// NewEventEngine creates a new event-driven engine
func NewEventEngine(logger *zap.Logger) *EventEngine {
	return &EventEngine{logger: logger.Named(EngineEvent)}
}

// Name returns the engine name
func (e *EventEngine) Name() string { return EngineEvent }

// EventsProcessed returns the number of events handled across runs
func (e *EventEngine) EventsProcessed() uint64 {
	return e.eventsProcessed.Load()
}

// eventRun holds the state of one simulation
type eventRun struct {
	plan      *Plan
	queue     *events.EventQueue
	portfolio *Portfolio

	trades     []types.Trade
	equity     []types.EquityPoint
	enteredDay int
	// exitPending is set once a closing fill is queued for the current bar.
	exitPending bool
	// exitedBar is the last bar index on which a position was closed.
	exitedBar int
}

// Simulate runs the event loop
func (e *EventEngine) Simulate(ctx context.Context, plan *Plan) (*Outcome, error) {
	cfg := plan.Config
	run := &eventRun{
		plan:       plan,
		queue:      events.NewEventQueue(),
		portfolio:  NewPortfolio(cfg.InitialCapital, NewProportionalCosts(cfg.CommissionRate, cfg.SlippageRate)),
		trades:     make([]types.Trade, 0),
		equity:     make([]types.EquityPoint, 0, len(plan.Bars)),
		enteredDay: -1,
		exitedBar:  -1,
	}

	run.queue.Push(events.NewBarEvent(0, plan.Bars[0]))
	var processed uint64
	for run.queue.Len() > 0 {
		event := run.queue.Pop()
		processed++
		if event.GetType() == events.EventTypeBar {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := run.process(event); err != nil {
			return nil, err
		}
	}
	e.eventsProcessed.Add(processed)

	e.logger.Debug("event loop complete",
		zap.Uint64("events", processed),
		zap.Int("trades", len(run.trades)),
	)
	return &Outcome{
		Trades:       run.trades,
		Equity:       run.equity,
		FinalCapital: run.portfolio.Capital(),
	}, nil
}

func (r *eventRun) process(event events.Event) error {
	switch ev := event.(type) {
	case *events.BarEvent:
		r.onBar(ev)
	case *events.SignalEvent:
		r.onSignal(ev)
	case *events.FillEvent:
		r.onFill(ev)
	case *events.MarkEvent:
		r.onMark(ev)
	default:
		return fmt.Errorf("unexpected event type %q", event.GetType())
	}
	return nil
}

// onBar queues protective exits for the open position, then the signal.
func (r *eventRun) onBar(ev *events.BarEvent) {
	i := ev.Index
	r.exitPending = false

	if pos := r.portfolio.Position(); pos != nil && i > pos.EntryIndex {
		if price, reason, hit := protectiveExit(pos.Side, ev.Bar, pos.Stop, pos.Target); hit {
			r.queueClose(i, events.PriorityProtectiveFill, price, reason)
		} else if r.plan.ForcedClose[i] {
			r.queueClose(i, events.PriorityProtectiveFill, ev.Bar.Close, types.ExitReasonForcedClose)
		}
	}

	r.queue.Push(events.NewSignalEvent(i, ev.Timestamp, r.plan.Signals[i]))
}

// onSignal turns the filtered signal into an entry or exit fill.
func (r *eventRun) onSignal(ev *events.SignalEvent) {
	i := ev.Index
	bar := r.plan.Bars[i]
	cfg := r.plan.Config
	last := i == len(r.plan.Bars)-1

	switch pos := r.portfolio.Position(); {
	case pos != nil && !r.exitPending:
		if exitsOnSignal(cfg.SignalMode, pos.Side, ev.Signal) {
			r.queueClose(i, events.PrioritySignalFill, bar.Close, types.ExitReasonSignal)
		} else if last {
			r.queueClose(i, events.PrioritySignalFill, bar.Close, types.ExitReasonEndOfData)
		}
	case pos == nil && r.exitedBar != i:
		if side, ok := entrySide(ev.Signal, cfg.AllowShort); ok && r.plan.admits(i, r.enteredDay) {
			r.queue.Push(events.NewFillEvent(i, ev.Timestamp, events.PrioritySignalFill, events.FillOpen, side, bar.Close, ""))
		}
	}

	r.queue.Push(events.NewMarkEvent(i, ev.Timestamp, bar.Close))
}

func (r *eventRun) queueClose(i, priority int, price float64, reason types.ExitReason) {
	pos := r.portfolio.Position()
	r.exitPending = true
	r.queue.Push(events.NewFillEvent(i, r.plan.Bars[i].Time(), priority, events.FillClose, pos.Side, price, reason))
}

// onFill applies a fill to the ledger.
func (r *eventRun) onFill(ev *events.FillEvent) {
	i := ev.Index
	switch ev.Action {
	case events.FillOpen:
		if !r.portfolio.Open(ev.Side, i, ev.Timestamp, ev.Price, r.plan.Config.RiskPerTrade) {
			return
		}
		stopPct, _, targetPct, _ := r.plan.Bands.At(i)
		pos := r.portfolio.Position()
		pos.Stop, pos.Target = stops.Levels(ev.Side, ev.Price, stopPct, targetPct)
		r.enteredDay = r.plan.Days[i]
	case events.FillClose:
		r.trades = append(r.trades, r.portfolio.Close(i, ev.Timestamp, ev.Price, ev.Reason))
		r.exitedBar = i
	}
}

// onMark records equity at the close and schedules the next bar.
func (r *eventRun) onMark(ev *events.MarkEvent) {
	r.equity = append(r.equity, types.EquityPoint{
		Timestamp: r.plan.Bars[ev.Index].Timestamp,
		Equity:    r.portfolio.Equity(ev.Close),
	})
	if next := ev.Index + 1; next < len(r.plan.Bars) {
		r.queue.Push(events.NewBarEvent(next, r.plan.Bars[next]))
	}
}
