// Package rpc issues correlated calls to the host over the command channel and settles them
// from response events or timeouts.
package rpc

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
	"lovebridge/bridge/dispatch"
)

const (
	// CallType is the message type of a call envelope.
	CallType = "rpc:call"
	// ResponsePrefix prefixes the correlation id in the event type of a response.
	ResponsePrefix = "rpc:"
	// DefaultTimeout applies to calls made with a zero timeout.
	DefaultTimeout = 5 * time.Second
)

// Envelope is the payload of a call message.
type Envelope struct {
	CorrelationID string `json:"correlationId"`
	Method        string `json:"method"`
	Args          any    `json:"args"`
}

// Response is the payload of a response event.
type Response struct {
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ResponseType returns the event type a host answers correlationID with.
func ResponseType(correlationID string) string {
	return ResponsePrefix + correlationID
}

// IsResponseType reports whether eventType names a call response.
func IsResponseType(eventType string) bool {
	return strings.HasPrefix(eventType, ResponsePrefix) && eventType != CallType
}

// NewResponse builds the response event for a call. A non-empty errMsg makes it an error response.
func NewResponse(correlationID string, result any, errMsg string) (common.Event, error) {
	resp := Response{Error: errMsg}
	if errMsg == "" && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return common.Event{}, fmt.Errorf("failed to encode result of %s: %w", correlationID, err)
		}
		resp.Result = data
	}
	return common.NewEvent(ResponseType(correlationID), resp)
}

// Sender queues commands and flushes them. command.Emitter satisfies it.
type Sender interface {
	Emit(cmd command.Command)
	Flush() int
}

// Subscriber registers event listeners. dispatch.Dispatcher satisfies it.
type Subscriber interface {
	Subscribe(eventType string, fn dispatch.Listener) dispatch.Unsubscribe
}

// PendingCall is a call awaiting its response or deadline.
type PendingCall struct {
	CorrelationID string
	Method        string
	Deadline      time.Time

	future      *Future
	timer       *clock.Timer
	unsubscribe dispatch.Unsubscribe
}

// Client issues calls and tracks them until they settle.
type Client struct {
	sender  Sender
	events  Subscriber
	clock   clock.Clock
	logger  *zap.Logger
	newID   func() string
	timeout time.Duration
	flush   bool

	mutex   sync.Mutex
	pending map[string]*PendingCall
	closed  bool
}

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock used for deadlines.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) {
		if c != nil {
			cl.clock = c
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// WithIDGenerator replaces the uuid correlation id generator.
func WithIDGenerator(fn func() string) Option {
	return func(cl *Client) {
		if fn != nil {
			cl.newID = fn
		}
	}
}

// WithDefaultTimeout sets the timeout used when Call gets zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithFlushOnCall controls whether Call flushes the sender right after queueing the envelope.
func WithFlushOnCall(flush bool) Option {
	return func(cl *Client) {
		cl.flush = flush
	}
}

// NewClient creates a client that sends through sender and listens on events.
func NewClient(sender Sender, events Subscriber, opts ...Option) *Client {
	c := &Client{
		sender:  sender,
		events:  events,
		clock:   clock.New(),
		logger:  zap.NewNop(),
		newID:   func() string { return uuid.New().String() },
		timeout: DefaultTimeout,
		flush:   true,
		pending: make(map[string]*PendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends method with args to the host. A timeout of zero or less means the default.
// Call never fails synchronously; every failure settles the returned future.
func (c *Client) Call(method string, args any, timeout time.Duration) *Future {
	if timeout <= 0 {
		timeout = c.timeout
	}

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		f := newFuture("", method)
		f.settle(nil, ErrClosed)
		return f
	}

	id := c.newID()
	for _, taken := c.pending[id]; taken; _, taken = c.pending[id] {
		id = c.newID()
	}
	envelope, err := command.Message(CallType, Envelope{CorrelationID: id, Method: method, Args: args})
	if err != nil {
		c.mutex.Unlock()
		f := newFuture(id, method)
		f.settle(nil, err)
		return f
	}

	pc := &PendingCall{
		CorrelationID: id,
		Method:        method,
		Deadline:      c.clock.Now().Add(timeout),
		future:        newFuture(id, method),
	}
	// Settlement paths take the mutex, so the call is fully armed before either can run.
	c.pending[id] = pc
	pc.unsubscribe = c.events.Subscribe(ResponseType(id), func(ev common.Event) error {
		c.respond(id, ev)
		return nil
	})
	pc.timer = c.clock.AfterFunc(timeout, func() {
		c.settle(id, nil, &TimeoutError{Method: method, Timeout: timeout})
	})
	c.mutex.Unlock()

	c.logger.Debug("rpc call", zap.String("method", method), zap.String("correlation_id", id), zap.Duration("timeout", timeout))

	c.sender.Emit(envelope)
	if c.flush {
		c.sender.Flush()
	}
	return pc.future
}

func (c *Client) respond(id string, ev common.Event) {
	var resp Response
	if err := ev.Decode(&resp); err != nil {
		c.settle(id, nil, fmt.Errorf("failed to decode rpc response %s: %w", id, err))
		return
	}
	if resp.Error != "" {
		c.mutex.Lock()
		method := ""
		if pc, ok := c.pending[id]; ok {
			method = pc.Method
		}
		c.mutex.Unlock()
		c.settle(id, nil, &RemoteError{Method: method, Message: resp.Error})
		return
	}
	c.settle(id, resp.Result, nil)
}

// settle completes a pending call. The first caller for an id wins; later ones find nothing.
func (c *Client) settle(id string, result json.RawMessage, err error) {
	c.mutex.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mutex.Unlock()

	if !ok {
		c.logger.Debug("late rpc settlement ignored", zap.String("correlation_id", id), zap.Error(err))
		return
	}
	pc.timer.Stop()
	pc.unsubscribe()
	if err != nil {
		c.logger.Debug("rpc call failed", zap.String("method", pc.Method), zap.String("correlation_id", id), zap.Error(err))
	}
	pc.future.settle(result, err)
}

// Pending returns the number of unsettled calls.
func (c *Client) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.pending)
}

// Close rejects every pending call with ErrClosed. Calls made after Close are rejected immediately.
func (c *Client) Close() {
	c.mutex.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*PendingCall)
	c.mutex.Unlock()

	for _, pc := range pending {
		pc.timer.Stop()
		pc.unsubscribe()
		pc.future.settle(nil, ErrClosed)
	}
}
