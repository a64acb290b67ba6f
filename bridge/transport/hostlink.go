package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
	"lovebridge/bridge/hostlink"
)

// HostLink talks to an embedding host through the process-wide hooks in package hostlink.
// The delivery hook is looked up on every Deliver, so a host that replaces it takes over at
// once. Batches delivered while no hook is installed are dropped. The host is ready when a
// delivery hook is installed.
type HostLink struct {
	options   *Options
	readiness *Readiness

	mutex  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewHostLink creates a hook-based transport. A nil options means NewOptions().
func NewHostLink(options *Options) *HostLink {
	if options == nil {
		options = NewOptions()
	}
	options = options.normalize()
	return &HostLink{
		options:   options,
		readiness: NewReadiness(options.ErrorSink),
	}
}

// Deliver implements Transport.
func (h *HostLink) Deliver(batch command.Batch) error {
	h.mutex.Lock()
	closed := h.closed
	h.mutex.Unlock()
	if closed {
		return common.ErrClosed
	}
	flush := hostlink.Flush()
	if flush == nil {
		h.options.Logger.Debug("no host flush hook, dropping batch", zap.Int("commands", len(batch)))
		return nil
	}
	return flush(batch)
}

// Start implements Transport. It checks for the delivery hook every ReadyInterval, then
// calls the poll hook every PollInterval until ctx ends or Close.
func (h *HostLink) Start(ctx context.Context, sink Sink) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed {
		return common.ErrClosed
	}
	if h.cancel != nil {
		return errors.New("hostlink transport already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.readiness.StartPolling()
	if hostlink.Flush() != nil {
		h.readiness.MarkReady()
	}

	go h.run(loopCtx, sink, h.done)
	return nil
}

func (h *HostLink) run(ctx context.Context, sink Sink, done chan struct{}) {
	defer close(done)

	if !h.readiness.IsReady() {
		ready := h.options.Clock.Ticker(h.options.ReadyInterval)
		for !h.readiness.IsReady() {
			select {
			case <-ctx.Done():
				ready.Stop()
				return
			case <-ready.C:
				if hostlink.Flush() != nil {
					h.readiness.MarkReady()
				}
			}
		}
		ready.Stop()
	}
	h.options.Logger.Info("host hooks installed", zap.String("namespace", h.options.Namespace))

	ticker := h.options.Clock.Ticker(h.options.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Poll(sink)
			h.options.tick()
		}
	}
}

// Poll calls the poll hook once and hands its events to sink. It returns the number of events.
func (h *HostLink) Poll(sink Sink) int {
	poll := hostlink.Poll()
	if poll == nil {
		return 0
	}
	var events []common.Event
	if err := common.SafeCall(func() error {
		events = poll()
		return nil
	}); err != nil {
		h.options.ErrorSink.Report(err, "poll hook")
		return 0
	}
	if len(events) == 0 {
		return 0
	}
	sink(events)
	return len(events)
}

// Readiness implements Transport.
func (h *HostLink) Readiness() *Readiness {
	return h.readiness
}

// Close implements Transport.
func (h *HostLink) Close() error {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return nil
	}
	h.closed = true
	cancel, done := h.cancel, h.done
	h.mutex.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	h.readiness.Close()
	return nil
}
