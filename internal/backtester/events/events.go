// Package events provides event types for the event-driven backtester.
package events

import (
	"time"

	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeBar    EventType = "bar"
	EventTypeSignal EventType = "signal"
	EventTypeFill   EventType = "fill"
	EventTypeMark   EventType = "mark"
)

// Priorities order events sharing a timestamp: the bar opens, protective
// exits fill, the signal is read, signal fills apply, equity is marked.
const (
	PriorityBar = iota
	PriorityProtectiveFill
	PrioritySignal
	PrioritySignalFill
	PriorityMark
)

// Event is the base interface for all events
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetPriority() int
}

// BaseEvent provides common fields for all events
type BaseEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Priority  int       `json:"priority"`
	Index     int       `json:"index"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetPriority() int        { return e.Priority }

// BarEvent delivers one bar
type BarEvent struct {
	BaseEvent
	Bar types.Bar `json:"bar"`
}

// NewBarEvent creates a bar event for bar index i.
func NewBarEvent(i int, bar types.Bar) *BarEvent {
	return &BarEvent{
		BaseEvent: BaseEvent{Type: EventTypeBar, Timestamp: bar.Time(), Priority: PriorityBar, Index: i},
		Bar:       bar,
	}
}

// SignalEvent carries the filtered signal for a bar
type SignalEvent struct {
	BaseEvent
	Signal types.Signal `json:"signal"`
}

// NewSignalEvent creates a signal event.
func NewSignalEvent(i int, ts time.Time, s types.Signal) *SignalEvent {
	return &SignalEvent{
		BaseEvent: BaseEvent{Type: EventTypeSignal, Timestamp: ts, Priority: PrioritySignal, Index: i},
		Signal:    s,
	}
}

// FillAction distinguishes opening from closing fills
type FillAction string

const (
	FillOpen  FillAction = "open"
	FillClose FillAction = "close"
)

// FillEvent represents an execution at a price
type FillEvent struct {
	BaseEvent
	Action FillAction       `json:"action"`
	Side   types.TradeSide  `json:"side"`
	Price  float64          `json:"price"`
	Reason types.ExitReason `json:"reason,omitempty"`
}

// NewFillEvent creates a fill event with the given priority.
func NewFillEvent(i int, ts time.Time, priority int, action FillAction, side types.TradeSide, price float64, reason types.ExitReason) *FillEvent {
	return &FillEvent{
		BaseEvent: BaseEvent{Type: EventTypeFill, Timestamp: ts, Priority: priority, Index: i},
		Action:    action,
		Side:      side,
		Price:     price,
		Reason:    reason,
	}
}

// MarkEvent closes a bar: equity is marked to the close
type MarkEvent struct {
	BaseEvent
	Close float64 `json:"close"`
}

// NewMarkEvent creates a mark event.
func NewMarkEvent(i int, ts time.Time, close float64) *MarkEvent {
	return &MarkEvent{
		BaseEvent: BaseEvent{Type: EventTypeMark, Timestamp: ts, Priority: PriorityMark, Index: i},
		Close:     close,
	}
}

// EventQueue is a priority queue for events
type EventQueue struct {
	events []Event
}

// NewEventQueue creates a new event queue
func NewEventQueue() *EventQueue {
	return &EventQueue{
		events: make([]Event, 0, 16),
	}
}

// Push adds an event, keeping order by timestamp then priority. Events
// with equal keys keep insertion order.
func (q *EventQueue) Push(e Event) {
	i := len(q.events)
	for i > 0 {
		prev := q.events[i-1]
		if e.GetTimestamp().After(prev.GetTimestamp()) {
			break
		}
		if e.GetTimestamp().Equal(prev.GetTimestamp()) && e.GetPriority() >= prev.GetPriority() {
			break
		}
		i--
	}

	q.events = append(q.events, nil)
	copy(q.events[i+1:], q.events[i:])
	q.events[i] = e
}

// Pop removes and returns the next event
func (q *EventQueue) Pop() Event {
	if len(q.events) == 0 {
		return nil
	}
	e := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	return e
}

// Peek returns the next event without removing it
func (q *EventQueue) Peek() Event {
	if len(q.events) == 0 {
		return nil
	}
	return q.events[0]
}

// Len returns the number of events in the queue
func (q *EventQueue) Len() int {
	return len(q.events)
}

// Clear removes all events from the queue
func (q *EventQueue) Clear() {
	q.events = q.events[:0]
}
