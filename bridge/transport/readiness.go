package transport

import (
	"context"
	"sync"

	"lovebridge/bridge/common"
)

// State is a readiness state.
type State int

const (
	NotReady State = iota
	Polling
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case NotReady:
		return "not_ready"
	case Polling:
		return "polling"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Readiness tracks whether the host can accept commands. It moves NotReady -> Polling -> Ready,
// and to Closed from any state. Only Close leaves Ready.
type Readiness struct {
	sink common.ErrorSink

	mutex     sync.Mutex
	state     State
	callbacks []func()
	ready     chan struct{}
	closed    chan struct{}
}

// NewReadiness creates a readiness tracker in the NotReady state. Panicking callbacks are
// reported to sink when it is non-nil.
func NewReadiness(sink common.ErrorSink) *Readiness {
	return &Readiness{sink: sink, ready: make(chan struct{}), closed: make(chan struct{})}
}

// State returns the current state.
func (r *Readiness) State() State {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state
}

// IsReady reports whether the host is ready.
func (r *Readiness) IsReady() bool {
	return r.State() == Ready
}

// OnReady runs fn now if the host is ready, otherwise once when it becomes ready.
// Callbacks registered after Close never run.
func (r *Readiness) OnReady(fn func()) {
	r.mutex.Lock()
	switch r.state {
	case Ready:
		r.mutex.Unlock()
		r.run(fn)
		return
	case Closed:
		r.mutex.Unlock()
		return
	}
	r.callbacks = append(r.callbacks, fn)
	r.mutex.Unlock()
}

// StartPolling moves NotReady to Polling. It reports whether the transition happened.
func (r *Readiness) StartPolling() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.state != NotReady {
		return false
	}
	r.state = Polling
	return true
}

// MarkReady moves to Ready and runs queued callbacks once. It reports whether the transition happened.
func (r *Readiness) MarkReady() bool {
	r.mutex.Lock()
	if r.state == Ready || r.state == Closed {
		r.mutex.Unlock()
		return false
	}
	r.state = Ready
	callbacks := r.callbacks
	r.callbacks = nil
	close(r.ready)
	r.mutex.Unlock()

	for _, fn := range callbacks {
		r.run(fn)
	}
	return true
}

// Close moves to Closed and drops queued callbacks. Pending Wait calls return ErrClosed.
func (r *Readiness) Close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.state == Closed {
		return
	}
	r.state = Closed
	r.callbacks = nil
	close(r.closed)
}

// Wait blocks until the host is ready, the tracker is closed or ctx ends. A host that became
// ready before Close still reports ready.
func (r *Readiness) Wait(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	default:
	}
	select {
	case <-r.ready:
		return nil
	case <-r.closed:
		return common.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Readiness) run(fn func()) {
	err := common.SafeCall(func() error {
		fn()
		return nil
	})
	if err != nil && r.sink != nil {
		r.sink.Report(err, "ready callback")
	}
}
