package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
)

// Polled writes batches to a shared medium and polls the medium for host events.
//
// After Start it checks the ready marker every ReadyInterval. Once the marker is seen it
// drains the outbox every PollInterval and calls OnTick after each poll.
type Polled struct {
	// medium is the shared storage.
	medium Medium
	// regions are the region names for this namespace.
	regions Regions
	// codec encodes batches and decodes events.
	codec command.Codec
	// options holds the normalized configuration.
	options *Options
	// readiness is the readiness state machine.
	readiness *Readiness

	// mutex protects cancel, done and closed.
	mutex  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewPolled creates a polled transport over medium. A nil options means NewOptions().
func NewPolled(medium Medium, options *Options) (*Polled, error) {
	if medium == nil {
		return nil, errors.New("medium cannot be nil")
	}
	if options == nil {
		options = NewOptions()
	}
	options = options.normalize()

	codec, err := command.GetCodec(options.Format)
	if err != nil {
		return nil, err
	}

	return &Polled{
		medium:    medium,
		regions:   NamespaceRegions(options.Namespace),
		codec:     codec,
		options:   options,
		readiness: NewReadiness(options.ErrorSink),
	}, nil
}

// Regions returns the region names this transport uses.
func (p *Polled) Regions() Regions {
	return p.regions
}

// Deliver implements Transport. The batch is written whether or not the host is ready yet.
func (p *Polled) Deliver(batch command.Batch) error {
	p.mutex.Lock()
	closed := p.closed
	p.mutex.Unlock()
	if closed {
		return common.ErrClosed
	}

	data, err := p.codec.EncodeBatch(batch)
	if err != nil {
		return errors.Wrap(err, "failed to encode batch")
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.options.IOTimeout)
	defer cancel()
	if err := p.medium.Push(ctx, p.regions.Inbox, data); err != nil {
		return errors.Wrapf(err, "failed to write batch to %s", p.regions.Inbox)
	}
	return nil
}

// Start implements Transport. It returns immediately; polling runs until ctx ends or Close.
func (p *Polled) Start(ctx context.Context, sink Sink) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return common.ErrClosed
	}
	if p.cancel != nil {
		return errors.New("polled transport already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.readiness.StartPolling()

	go p.run(loopCtx, sink, p.done)
	return nil
}

func (p *Polled) run(ctx context.Context, sink Sink, done chan struct{}) {
	defer close(done)

	logger := p.options.Logger.With(zap.String("namespace", p.options.Namespace))
	logger.Debug("waiting for host", zap.String("marker", p.regions.Ready))

	if !p.waitReady(ctx) {
		return
	}
	logger.Info("host ready")

	ticker := p.options.Clock.Ticker(p.options.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx, sink)
			p.options.tick()
		}
	}
}

// waitReady checks the ready marker until it is set. It reports false if ctx ended first.
func (p *Polled) waitReady(ctx context.Context) bool {
	if p.checkReady(ctx) {
		return true
	}

	ticker := p.options.Clock.Ticker(p.options.ReadyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if p.checkReady(ctx) {
				return true
			}
		}
	}
}

func (p *Polled) checkReady(ctx context.Context) bool {
	opCtx, cancel := context.WithTimeout(ctx, p.options.IOTimeout)
	defer cancel()

	marked, err := p.medium.Marked(opCtx, p.regions.Ready)
	if err != nil {
		p.options.ErrorSink.Report(errors.Wrap(err, "failed to check ready marker"), "ready check")
		return false
	}
	if !marked {
		return false
	}
	p.readiness.MarkReady()
	return true
}

// Poll drains the outbox once and hands the decoded events to sink. Finding nothing is not
// an error. Blobs that fail to decode are reported and skipped. A drain that fails part way
// is reported, and the blobs it already removed are still dispatched.
func (p *Polled) Poll(ctx context.Context, sink Sink) int {
	opCtx, cancel := context.WithTimeout(ctx, p.options.IOTimeout)
	defer cancel()

	blobs, err := p.medium.Drain(opCtx, p.regions.Outbox)
	if err != nil {
		p.options.ErrorSink.Report(errors.Wrapf(err, "failed to read %s", p.regions.Outbox), "poll")
	}

	n := 0
	for _, blob := range blobs {
		events, err := p.codec.DecodeEvents(blob)
		if err != nil {
			p.options.ErrorSink.Report(errors.Wrap(err, "failed to decode events"), "poll")
			continue
		}
		if len(events) == 0 {
			continue
		}
		n += len(events)
		sink(events)
	}
	return n
}

// Readiness implements Transport.
func (p *Polled) Readiness() *Readiness {
	return p.readiness
}

// Close implements Transport. It stops the poll loop and waits for it to exit.
func (p *Polled) Close() error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	cancel, done := p.cancel, p.done
	p.mutex.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	p.readiness.Close()

	if p.options.CloseMedium {
		return p.medium.Close()
	}
	return nil
}
