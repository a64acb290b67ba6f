package command

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"lovebridge/bridge/common"
)

// DeliverFunc hands a coalesced batch to the transport.
type DeliverFunc func(batch Batch) error

// Emitter buffers commands for one frame and delivers them, coalesced, on Flush.
type Emitter struct {
	// logger is used for debug output about dropped flushes.
	logger *zap.Logger
	// sink receives delivery failures.
	sink common.ErrorSink

	// mutex protects pending, deliver and flushing.
	mutex   sync.Mutex
	pending []Command
	deliver DeliverFunc
	// flushing is set while a Flush is delivering. Only one Flush delivers at a time, so
	// batch N is handed over before batch N+1 is taken.
	flushing bool
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithLogger sets the emitter logger.
func WithLogger(logger *zap.Logger) EmitterOption {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithErrorSink sets where delivery failures are reported.
func WithErrorSink(sink common.ErrorSink) EmitterOption {
	return func(e *Emitter) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// NewEmitter creates an emitter with no delivery function.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.sink == nil {
		e.sink = common.LogSink{Logger: e.logger}
	}
	return e
}

// SetDelivery registers the transport delivery function.
func (e *Emitter) SetDelivery(fn DeliverFunc) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.deliver = fn
}

// Emit appends a command to the pending list. Invalid commands are reported and dropped.
func (e *Emitter) Emit(cmd Command) {
	if err := cmd.Validate(); err != nil {
		e.sink.Report(err, "emit")
		return
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.pending = append(e.pending, cmd)
}

// Pending returns the number of queued commands.
func (e *Emitter) Pending() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.pending)
}

// Reset discards queued commands.
func (e *Emitter) Reset() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.pending = nil
}

// Flush coalesces the pending commands and hands them to the delivery function.
// It returns the number of commands delivered. Flush never fails: delivery errors
// and panics are reported to the error sink and the batch is dropped.
//
// A Flush called while another is delivering, including one made by a listener running on
// the delivery call stack, returns 0 at once. The running Flush delivers whatever was queued
// in the meantime as a further batch before it returns.
func (e *Emitter) Flush() int {
	e.mutex.Lock()
	if e.flushing {
		e.mutex.Unlock()
		return 0
	}
	e.flushing = true
	e.mutex.Unlock()

	delivered := 0
	for {
		e.mutex.Lock()
		if len(e.pending) == 0 {
			e.flushing = false
			e.mutex.Unlock()
			return delivered
		}
		pending := e.pending
		e.pending = nil
		deliver := e.deliver
		if deliver == nil {
			e.flushing = false
		}
		e.mutex.Unlock()

		if deliver == nil {
			e.logger.Debug("no delivery function, dropping flush", zap.Int("commands", len(pending)))
			return delivered
		}

		batch := Coalesce(pending)
		if err := common.SafeCall(func() error { return deliver(batch) }); err != nil {
			e.sink.Report(err, fmt.Sprintf("flush (%d commands)", len(batch)))
			continue
		}
		delivered += len(batch)
	}
}
