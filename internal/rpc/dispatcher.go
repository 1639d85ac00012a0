// ABOUTME: Routes server-pushed events to registered handlers by event name
// ABOUTME: Delivers in arrival order on one goroutine and isolates handler failures

package rpc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// AllEvents registers a handler for every event name.
const AllEvents = "*"

// dispatchBufferSize is the number of events queued ahead of the handlers.
const dispatchBufferSize = 256

// Event is a server-pushed event.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Handler processes one event. Returned errors are logged.
type Handler func(Event) error

type registration struct {
	id      uint64
	handler Handler
}

// Dispatcher fans events out to handlers registered per event name.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   uint64

	queue     chan Event
	done      chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher and starts its delivery goroutine.
// Pass nil logger for default.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		handlers: make(map[string][]registration),
		queue:    make(chan Event, dispatchBufferSize),
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
		logger:   logger.With("component", "dispatcher"),
	}
	go d.run()
	return d
}

// On registers h for events named name (or AllEvents). The returned function
// removes the registration and may be called more than once.
func (d *Dispatcher) On(name string, h Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[name] = append(d.handlers[name], registration{id: id, handler: h})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		regs := d.handlers[name]
		for i, r := range regs {
			if r.id == id {
				d.handlers[name] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		if len(d.handlers[name]) == 0 {
			delete(d.handlers, name)
		}
	}
}

// Dispatch queues an event for delivery. It blocks only while the queue is
// full, and drops the event once the dispatcher is closed.
func (d *Dispatcher) Dispatch(ev Event) {
	select {
	case <-d.done:
		return
	default:
	}

	select {
	case d.queue <- ev:
	case <-d.done:
	}
}

// Close stops accepting events. Events already queued are still delivered,
// in order; Drained reports when that is finished. Safe to call multiple
// times and from a handler.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
}

// Drained is closed once the dispatcher is closed and every queued event
// has been delivered.
func (d *Dispatcher) Drained() <-chan struct{} {
	return d.drained
}

func (d *Dispatcher) run() {
	defer close(d.drained)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.done:
			d.drain()
			return
		}
	}
}

// drain delivers what is left in the queue after Close.
func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		default:
			return
		}
	}
}

// deliver snapshots the handlers under the read lock so handlers may
// register or unregister while running.
func (d *Dispatcher) deliver(ev Event) {
	d.mu.RLock()
	targets := make([]Handler, 0, len(d.handlers[ev.Name])+len(d.handlers[AllEvents]))
	for _, r := range d.handlers[ev.Name] {
		targets = append(targets, r.handler)
	}
	for _, r := range d.handlers[AllEvents] {
		targets = append(targets, r.handler)
	}
	d.mu.RUnlock()

	if len(targets) == 0 {
		d.logger.Debug("no handler for event", "event", ev.Name)
		return
	}

	for _, h := range targets {
		if err := d.invoke(h, ev); err != nil {
			d.logger.Warn("event handler failed",
				"event", ev.Name,
				"error", err,
			)
		}
	}
}

func (d *Dispatcher) invoke(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ev)
}
