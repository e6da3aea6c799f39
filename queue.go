package rocketterm

import (
	"fmt"
	"sync"
)

// Event is a queued unit of work. Name identifies the event in logs.
type Event struct {
	Name string
	Fn   func() error
}

// EventQueue hands events from transport goroutines over to the single
// goroutine that owns controller state.
//
// Push never blocks. Drain takes everything queued so far; handlers must
// be run after Drain returns, never while the lock is held.
type EventQueue struct {
	mu      sync.Mutex
	pending []Event

	// ready holds at most one wakeup; readers drain the whole queue
	ready chan struct{}
}

func NewEventQueue() *EventQueue {
	return &EventQueue{ready: make(chan struct{}, 1)}
}

// Push appends an event and signals Ready.
func (q *EventQueue) Push(name string, fn func() error) {
	q.mu.Lock()
	q.pending = append(q.pending, Event{Name: name, Fn: fn})
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Drain removes and returns all pending events in FIFO order.
func (q *EventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.pending
	q.pending = nil
	return events
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Ready fires after Push. A receive may be spurious if a previous Drain
// already consumed the events.
func (q *EventQueue) Ready() <-chan struct{} {
	return q.ready
}

// Run invokes fn, converting a panic into an error so one broken handler
// cannot take down the loop that drains the queue.
func (e Event) Run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event %s panicked: %v", e.Name, r)
		}
	}()
	return e.Fn()
}
