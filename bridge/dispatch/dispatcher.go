// Package dispatch routes inbound host events to subscribed listeners and node handlers.
package dispatch

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"lovebridge/bridge/common"
)

// Listener receives an event. A returned error or panic is reported and never stops dispatch.
type Listener func(ev common.Event) error

// Unsubscribe removes a listener. Calling it more than once is a no-op.
type Unsubscribe func()

type subscription struct {
	id       uint64
	listener Listener
}

// Dispatcher delivers events by type to subscribed listeners, plus wildcard listeners.
type Dispatcher struct {
	logger *zap.Logger
	sink   common.ErrorSink

	mutex     sync.RWMutex
	nextID    uint64
	listeners map[string][]subscription
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithErrorSink sets where listener failures are reported.
func WithErrorSink(sink common.ErrorSink) Option {
	return func(d *Dispatcher) {
		if sink != nil {
			d.sink = sink
		}
	}
}

// New creates an empty dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:    zap.NewNop(),
		listeners: make(map[string][]subscription),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.sink == nil {
		d.sink = common.LogSink{Logger: d.logger}
	}
	return d
}

// Subscribe registers fn for events of eventType. Use common.WildcardEvent to observe every event.
func (d *Dispatcher) Subscribe(eventType string, fn Listener) Unsubscribe {
	d.mutex.Lock()
	d.nextID++
	id := d.nextID
	d.listeners[eventType] = append(d.listeners[eventType], subscription{id: id, listener: fn})
	d.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(eventType, id) })
	}
}

func (d *Dispatcher) remove(eventType string, id uint64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	subs := d.listeners[eventType]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}
		// Copy so snapshots taken by an in-flight dispatch are not disturbed.
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(d.listeners, eventType)
		} else {
			d.listeners[eventType] = next
		}
		return
	}
}

// Count returns the number of listeners registered for eventType.
func (d *Dispatcher) Count(eventType string) int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return len(d.listeners[eventType])
}

// Ingest dispatches events in order. It never returns an error or panics because of a listener.
func (d *Dispatcher) Ingest(events []common.Event) {
	for _, ev := range events {
		d.dispatch(ev)
	}
}

func (d *Dispatcher) dispatch(ev common.Event) {
	d.mutex.RLock()
	exact := d.listeners[ev.Type]
	var wildcard []subscription
	if ev.Type != common.WildcardEvent {
		wildcard = d.listeners[common.WildcardEvent]
	}
	d.mutex.RUnlock()

	if len(exact) == 0 && len(wildcard) == 0 {
		d.logger.Debug("no listeners for event", zap.String("type", ev.Type))
		return
	}
	for _, sub := range exact {
		d.invoke(sub, ev)
	}
	for _, sub := range wildcard {
		d.invoke(sub, ev)
	}
}

func (d *Dispatcher) invoke(sub subscription, ev common.Event) {
	if err := common.SafeCall(func() error { return sub.listener(ev) }); err != nil {
		d.sink.Report(err, fmt.Sprintf("listener for %s", ev.Type))
	}
}

// Clear removes every listener.
func (d *Dispatcher) Clear() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.listeners = make(map[string][]subscription)
}
