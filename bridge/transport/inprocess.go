package transport

import (
	"context"
	"sync"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
)

// InProcess delivers batches by calling the host directly on the flush call stack.
// It is ready as soon as it is created.
type InProcess struct {
	apply     command.DeliverFunc
	readiness *Readiness

	mutex   sync.Mutex
	sink    Sink
	backlog []common.Event
	closed  bool
}

// NewInProcess creates a transport that calls apply for every batch.
func NewInProcess(apply command.DeliverFunc) *InProcess {
	t := &InProcess{apply: apply, readiness: NewReadiness(nil)}
	t.readiness.MarkReady()
	return t
}

// Deliver implements Transport.
func (t *InProcess) Deliver(batch command.Batch) error {
	t.mutex.Lock()
	closed := t.closed
	t.mutex.Unlock()
	if closed {
		return common.ErrClosed
	}
	if t.apply == nil {
		return nil
	}
	return t.apply(batch)
}

// Start implements Transport. Events pushed before Start are delivered now.
func (t *InProcess) Start(_ context.Context, sink Sink) error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return common.ErrClosed
	}
	t.sink = sink
	backlog := t.backlog
	t.backlog = nil
	t.mutex.Unlock()

	if len(backlog) > 0 {
		sink(backlog)
	}
	return nil
}

// Push hands events from the host to the producer.
func (t *InProcess) Push(events ...common.Event) {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return
	}
	sink := t.sink
	if sink == nil {
		t.backlog = append(t.backlog, events...)
		t.mutex.Unlock()
		return
	}
	t.mutex.Unlock()
	sink(events)
}

// Readiness implements Transport.
func (t *InProcess) Readiness() *Readiness {
	return t.readiness
}

// Close implements Transport.
func (t *InProcess) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.closed = true
	t.sink = nil
	t.backlog = nil
	t.readiness.Close()
	return nil
}
