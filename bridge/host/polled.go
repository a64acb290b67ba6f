package host

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
	"lovebridge/bridge/transport"
)

// PolledHost serves the host side of a polled transport: it sets the ready marker, drains the
// inbox each tick, applies the batches and writes responses and input events to the outbox.
type PolledHost struct {
	host     *Host
	medium   transport.Medium
	regions  transport.Regions
	codec    command.Codec
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger

	mutex   sync.Mutex
	pending []common.Event
}

// NewPolledHost creates a polled host. A nil options means transport.NewOptions().
func NewPolledHost(h *Host, medium transport.Medium, options *transport.Options) (*PolledHost, error) {
	if options == nil {
		options = transport.NewOptions()
	}
	codec, err := command.GetCodec(options.Format)
	if err != nil {
		return nil, err
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.New()
	}
	interval := options.PollInterval
	if interval <= 0 {
		interval = transport.DefaultPollInterval
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolledHost{
		host:     h,
		medium:   medium,
		regions:  transport.NamespaceRegions(options.Namespace),
		codec:    codec,
		clock:    clk,
		interval: interval,
		logger:   logger,
	}, nil
}

// Emit queues host-originated events, such as input, for the next tick.
func (p *PolledHost) Emit(events ...common.Event) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.pending = append(p.pending, events...)
}

// Run marks the host ready and ticks until ctx ends. The marker is cleared on return.
func (p *PolledHost) Run(ctx context.Context) error {
	if err := p.medium.Mark(ctx, p.regions.Ready); err != nil {
		return errors.Wrap(err, "failed to set ready marker")
	}
	p.logger.Info("polled host ready", zap.String("marker", p.regions.Ready))

	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := p.medium.Unmark(context.Background(), p.regions.Ready); err != nil {
				p.logger.Warn("failed to clear ready marker", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				p.logger.Warn("host tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one host frame: drain and apply the inbox, then flush queued events to the outbox.
func (p *PolledHost) Tick(ctx context.Context) error {
	blobs, err := p.medium.Drain(ctx, p.regions.Inbox)
	if err != nil {
		return errors.Wrapf(err, "failed to drain %s", p.regions.Inbox)
	}

	var out []common.Event
	for _, blob := range blobs {
		batch, err := p.codec.DecodeBatch(blob)
		if err != nil {
			p.logger.Warn("dropping undecodable batch", zap.Error(err))
			continue
		}
		out = append(out, p.host.Apply(ctx, batch)...)
	}

	p.mutex.Lock()
	out = append(out, p.pending...)
	p.pending = nil
	p.mutex.Unlock()

	if len(out) == 0 {
		return nil
	}
	data, err := p.codec.EncodeEvents(out)
	if err != nil {
		return errors.Wrap(err, "failed to encode events")
	}
	if err := p.medium.Push(ctx, p.regions.Outbox, data); err != nil {
		return errors.Wrapf(err, "failed to write %s", p.regions.Outbox)
	}
	return nil
}
