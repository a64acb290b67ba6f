package transport

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
)

// JSON-RPC methods spoken between producer and host.
const (
	// MethodHello is a call from producer to host; the result is a HelloResult.
	MethodHello = "bridge/hello"
	// MethodFlush is a notification from producer to host carrying a batch.
	MethodFlush = "bridge/flush"
	// MethodEvents is a notification from host to producer carrying events.
	MethodEvents = "bridge/events"
)

// HelloParams are the params of MethodHello.
type HelloParams struct {
	Namespace string `json:"namespace"`
}

// HelloResult is the result of MethodHello.
type HelloResult struct {
	Session string `json:"session"`
}

// JSONRPC talks to a host over a JSON-RPC 2.0 object stream, such as a pipe to a child
// process or a TCP connection. The host is ready once it answers the hello call.
type JSONRPC struct {
	stream  jsonrpc2.ObjectStream
	options *Options

	readiness *Readiness

	mutex   sync.Mutex
	conn    *jsonrpc2.Conn
	session string
	closed  bool
}

// NewJSONRPC creates a transport over rwc using header-framed JSON objects.
func NewJSONRPC(rwc io.ReadWriteCloser, options *Options) *JSONRPC {
	return NewJSONRPCStream(jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{}), options)
}

// NewJSONRPCStream creates a transport over an existing object stream.
func NewJSONRPCStream(stream jsonrpc2.ObjectStream, options *Options) *JSONRPC {
	if options == nil {
		options = NewOptions()
	}
	options = options.normalize()
	return &JSONRPC{
		stream:    stream,
		options:   options,
		readiness: NewReadiness(options.ErrorSink),
	}
}

// Session returns the session id from the hello result.
func (j *JSONRPC) Session() string {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return j.session
}

// Start implements Transport. It returns once the connection is set up; the hello call runs
// in the background and marks the host ready when it answers.
func (j *JSONRPC) Start(ctx context.Context, sink Sink) error {
	j.mutex.Lock()
	if j.closed {
		j.mutex.Unlock()
		return common.ErrClosed
	}
	if j.conn != nil {
		j.mutex.Unlock()
		return errors.New("jsonrpc transport already started")
	}

	handler := jsonrpc2.HandlerWithError(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
		return nil, j.handle(req, sink)
	})
	conn := jsonrpc2.NewConn(ctx, j.stream, handler.SuppressErrClosed(),
		jsonrpc2.SetLogger(zap.NewStdLog(j.options.Logger)))
	j.conn = conn
	j.mutex.Unlock()

	j.readiness.StartPolling()
	go j.hello(ctx, conn)
	return nil
}

func (j *JSONRPC) hello(ctx context.Context, conn *jsonrpc2.Conn) {
	var result HelloResult
	if err := conn.Call(ctx, MethodHello, HelloParams{Namespace: j.options.Namespace}, &result); err != nil {
		j.mutex.Lock()
		closed := j.closed
		j.mutex.Unlock()
		if !closed && ctx.Err() == nil {
			j.options.ErrorSink.Report(errors.Wrap(err, "hello failed"), "jsonrpc")
		}
		return
	}

	j.mutex.Lock()
	j.session = result.Session
	j.mutex.Unlock()
	j.options.Logger.Info("host ready", zap.String("session", result.Session))
	j.readiness.MarkReady()
}

func (j *JSONRPC) handle(req *jsonrpc2.Request, sink Sink) error {
	switch req.Method {
	case MethodEvents:
		if req.Params == nil {
			return nil
		}
		var events []common.Event
		if err := json.Unmarshal(*req.Params, &events); err != nil {
			j.options.ErrorSink.Report(errors.Wrap(err, "failed to decode events"), "jsonrpc")
			return err
		}
		if len(events) > 0 {
			sink(events)
		}
		j.options.tick()
		return nil
	default:
		return &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

// Deliver implements Transport.
func (j *JSONRPC) Deliver(batch command.Batch) error {
	j.mutex.Lock()
	conn, closed := j.conn, j.closed
	j.mutex.Unlock()
	if closed {
		return common.ErrClosed
	}
	if conn == nil {
		return common.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.options.IOTimeout)
	defer cancel()
	if batch == nil {
		batch = command.Batch{}
	}
	if err := conn.Notify(ctx, MethodFlush, batch); err != nil {
		return errors.Wrap(err, "failed to send batch")
	}
	return nil
}

// Readiness implements Transport.
func (j *JSONRPC) Readiness() *Readiness {
	return j.readiness
}

// Close implements Transport.
func (j *JSONRPC) Close() error {
	j.mutex.Lock()
	if j.closed {
		j.mutex.Unlock()
		return nil
	}
	j.closed = true
	conn := j.conn
	j.mutex.Unlock()

	j.readiness.Close()
	if conn == nil {
		return j.stream.Close()
	}
	err := conn.Close()
	if errors.Is(err, jsonrpc2.ErrClosed) {
		return nil
	}
	return err
}
