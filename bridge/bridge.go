// Package bridge connects a tree-producing UI layer to a host renderer in another runtime.
//
// A Bridge owns one node registry, one command emitter, one event dispatcher and one RPC
// client, and talks to the host through a transport.Transport. Tree mutations are made
// through the Renderer and flushed as coalesced batches; host events come back through
// Subscribe and the node handlers.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
	"lovebridge/bridge/dispatch"
	"lovebridge/bridge/hostlink"
	"lovebridge/bridge/registry"
	"lovebridge/bridge/rpc"
	"lovebridge/bridge/transport"
)

// TransportFactory builds a transport from the options the bridge prepared: namespace,
// clock, logger, error sink and the tick hook are already filled in.
type TransportFactory func(options *transport.Options) (transport.Transport, error)

// Bridge is one producer-side bridge instance.
type Bridge struct {
	// namespace selects the host regions this bridge talks to.
	namespace string

	// logger is the bridge logger, tagged with the namespace.
	logger *zap.Logger

	// nodes is the node registry and HandlerMap.
	nodes *registry.Registry

	// emitter buffers commands until the next flush.
	emitter *command.Emitter

	// dispatcher fans host events out to listeners.
	dispatcher *dispatch.Dispatcher

	// router calls node handlers for input events.
	router *dispatch.Router

	// rpc correlates calls and responses.
	rpc *rpc.Client

	// transport carries batches and events.
	transport transport.Transport

	// renderer is the structural-operation surface.
	renderer *Renderer

	// publishHook makes this bridge's delivery the process-wide default.
	publishHook bool

	// cancel stops the transport's background work.
	cancel context.CancelFunc

	// mutex protects destroyed.
	mutex     sync.Mutex
	destroyed bool
}

type options struct {
	namespace        string
	logger           *zap.Logger
	sink             common.ErrorSink
	clock            clock.Clock
	factory          TransportFactory
	transport        transport.Transport
	transportOptions transport.Options
	routes           []dispatch.Route
	rpcTimeout       time.Duration
	flushOnCall      bool
	flushOnTick      bool
	publishHook      bool
}

// Option configures a Bridge.
type Option func(*options)

// WithNamespace sets the namespace. The default is transport.DefaultNamespace.
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithErrorSink sets where delivery, listener and handler failures are reported.
// The default logs them.
func WithErrorSink(sink common.ErrorSink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithClock sets the clock used for RPC deadlines and transport tickers.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithTransport uses an already built transport. Its tick hook is not wired to Flush.
func WithTransport(t transport.Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithTransportFactory builds the transport from the bridge's options. Without a transport
// or factory the bridge uses transport.NewHostLink.
func WithTransportFactory(factory TransportFactory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

// WithPollInterval sets the transport poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.transportOptions.PollInterval = d
	}
}

// WithFormat sets the blob encoding for byte media.
func WithFormat(format command.EncodingFormat) Option {
	return func(o *options) {
		o.transportOptions.Format = format
	}
}

// WithRoutes replaces dispatch.DefaultRoutes.
func WithRoutes(routes []dispatch.Route) Option {
	return func(o *options) {
		o.routes = routes
	}
}

// WithRPCTimeout sets the timeout of calls made with a zero timeout.
func WithRPCTimeout(d time.Duration) Option {
	return func(o *options) {
		o.rpcTimeout = d
	}
}

// WithFlushOnCall controls whether Call flushes immediately. The default is true.
func WithFlushOnCall(flush bool) Option {
	return func(o *options) {
		o.flushOnCall = flush
	}
}

// WithFlushOnTick controls whether the transport tick hook flushes queued commands.
// The default is true.
func WithFlushOnTick(flush bool) Option {
	return func(o *options) {
		o.flushOnTick = flush
	}
}

// WithPublishedHook installs this bridge's delivery as the process-wide default in package
// hostlink, so code holding no bridge can still reach the host. Destroy detaches it.
func WithPublishedHook() Option {
	return func(o *options) {
		o.publishHook = true
	}
}

// New creates a bridge and starts its transport.
func New(ctx context.Context, opts ...Option) (*Bridge, error) {
	o := &options{
		namespace:        transport.DefaultNamespace,
		transportOptions: *transport.NewOptions(),
		rpcTimeout:       rpc.DefaultTimeout,
		flushOnCall:      true,
		flushOnTick:      true,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	logger := o.logger.With(zap.String("namespace", o.namespace))
	sink := o.sink
	if sink == nil {
		sink = common.LogSink{Logger: logger}
	}

	b := &Bridge{
		namespace:   o.namespace,
		logger:      logger,
		nodes:       registry.New(logger),
		publishHook: o.publishHook,
	}
	b.emitter = command.NewEmitter(command.WithLogger(logger), command.WithErrorSink(sink))
	b.dispatcher = dispatch.New(dispatch.WithLogger(logger), dispatch.WithErrorSink(sink))
	b.router = dispatch.NewRouter(b.dispatcher, b.nodes, o.routes)
	b.rpc = rpc.NewClient(b.emitter, b.dispatcher,
		rpc.WithClock(o.clock),
		rpc.WithLogger(logger),
		rpc.WithDefaultTimeout(o.rpcTimeout),
		rpc.WithFlushOnCall(o.flushOnCall))
	b.renderer = &Renderer{nodes: b.nodes, emitter: b.emitter, flush: b.Flush}

	t := o.transport
	if t == nil {
		topts := o.transportOptions
		topts.Namespace = o.namespace
		topts.Clock = o.clock
		topts.Logger = logger
		topts.ErrorSink = sink
		if o.flushOnTick {
			topts.OnTick = func() { b.Flush() }
		}
		factory := o.factory
		if factory == nil {
			factory = func(opts *transport.Options) (transport.Transport, error) {
				return transport.NewHostLink(opts), nil
			}
		}
		var err error
		if t, err = factory(&topts); err != nil {
			return nil, errors.Wrap(err, "failed to create transport")
		}
	}
	b.transport = t
	b.emitter.SetDelivery(t.Deliver)

	startCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	if err := t.Start(startCtx, b.dispatcher.Ingest); err != nil {
		cancel()
		b.rpc.Close()
		b.router.Close()
		t.Close()
		return nil, errors.Wrap(err, "failed to start transport")
	}

	if b.publishHook {
		if _, ok := t.(*transport.HostLink); ok {
			logger.Warn("hostlink transport cannot publish its own delivery hook")
			b.publishHook = false
		} else {
			hostlink.SetFlush(b, t.Deliver)
		}
	}

	logger.Debug("bridge created")
	return b, nil
}

// Namespace returns the bridge namespace.
func (b *Bridge) Namespace() string {
	return b.namespace
}

// Renderer returns the structural-operation surface of this bridge.
func (b *Bridge) Renderer() *Renderer {
	return b.renderer
}

// Nodes returns the node registry.
func (b *Bridge) Nodes() *registry.Registry {
	return b.nodes
}

// Transport returns the transport.
func (b *Bridge) Transport() transport.Transport {
	return b.transport
}

func (b *Bridge) isDestroyed() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.destroyed
}

// Send queues a MESSAGE command for the next flush.
func (b *Bridge) Send(msgType string, payload any) error {
	if b.isDestroyed() {
		return common.ErrClosed
	}
	cmd, err := command.Message(msgType, payload)
	if err != nil {
		return err
	}
	b.emitter.Emit(cmd)
	return nil
}

// Flush delivers everything queued and returns the number of commands delivered.
func (b *Bridge) Flush() int {
	if b.isDestroyed() {
		return 0
	}
	return b.emitter.Flush()
}

// Subscribe registers fn for events of eventType, or every event for common.WildcardEvent.
func (b *Bridge) Subscribe(eventType string, fn dispatch.Listener) dispatch.Unsubscribe {
	return b.dispatcher.Subscribe(eventType, fn)
}

// Call invokes a host method. A timeout of zero means the configured default.
func (b *Bridge) Call(method string, args any, timeout time.Duration) *rpc.Future {
	return b.rpc.Call(method, args, timeout)
}

// SetSharedState sends a state:update message for key.
func (b *Bridge) SetSharedState(key string, value any) error {
	return b.Send(command.StateUpdateType, map[string]any{"key": key, "value": value})
}

// IsReady reports whether the host is ready.
func (b *Bridge) IsReady() bool {
	return b.transport.Readiness().IsReady()
}

// OnReady runs fn once the host is ready. If it already is, fn runs before OnReady returns.
func (b *Bridge) OnReady(fn func()) {
	b.transport.Readiness().OnReady(fn)
}

// WaitReady blocks until the host is ready or ctx ends. It returns common.ErrClosed once the
// bridge is destroyed.
func (b *Bridge) WaitReady(ctx context.Context) error {
	return b.transport.Readiness().Wait(ctx)
}

// Destroy rejects pending calls, drops listeners and queued commands, detaches the published
// delivery hook and closes the transport. It is safe to call more than once.
func (b *Bridge) Destroy() error {
	b.mutex.Lock()
	if b.destroyed {
		b.mutex.Unlock()
		return nil
	}
	b.destroyed = true
	b.mutex.Unlock()

	b.rpc.Close()
	b.router.Close()
	b.dispatcher.Clear()
	b.emitter.Reset()
	b.emitter.SetDelivery(nil)
	if b.publishHook {
		hostlink.DetachFlush(b)
	}
	b.cancel()
	err := b.transport.Close()
	b.nodes.Reset()

	b.logger.Debug("bridge destroyed")
	return err
}
