package host

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
	"lovebridge/bridge/transport"
)

// JSONRPCHost serves the host side of the JSON-RPC transport on one connection.
type JSONRPCHost struct {
	host    *Host
	logger  *zap.Logger
	session string
	conn    *jsonrpc2.Conn
}

// ServeJSONRPC serves rwc with header-framed JSON objects until the connection closes.
func ServeJSONRPC(ctx context.Context, h *Host, rwc io.ReadWriteCloser, logger *zap.Logger) *JSONRPCHost {
	return ServeJSONRPCStream(ctx, h, jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{}), logger)
}

// ServeJSONRPCStream serves an object stream until the connection closes.
func ServeJSONRPCStream(ctx context.Context, h *Host, stream jsonrpc2.ObjectStream, logger *zap.Logger) *JSONRPCHost {
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &JSONRPCHost{
		host:    h,
		session: ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
	}
	j.logger = logger.With(zap.String("session", j.session))
	j.conn = jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(j.handle).SuppressErrClosed(),
		jsonrpc2.SetLogger(zap.NewStdLog(j.logger)))
	return j
}

func (j *JSONRPCHost) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	switch req.Method {
	case transport.MethodHello:
		var params transport.HelloParams
		if req.Params != nil {
			if err := json.Unmarshal(*req.Params, &params); err != nil {
				return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
			}
		}
		j.logger.Info("producer connected", zap.String("namespace", params.Namespace))
		return transport.HelloResult{Session: j.session}, nil

	case transport.MethodFlush:
		var batch command.Batch
		if req.Params != nil {
			if err := json.Unmarshal(*req.Params, &batch); err != nil {
				return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
			}
		}
		events := j.host.Apply(ctx, batch)
		if len(events) > 0 {
			if err := conn.Notify(ctx, transport.MethodEvents, events); err != nil {
				j.logger.Warn("failed to send events", zap.Error(err))
			}
		}
		return nil, nil

	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

// Session returns the session id handed to the producer.
func (j *JSONRPCHost) Session() string {
	return j.session
}

// Emit sends host-originated events to the producer.
func (j *JSONRPCHost) Emit(ctx context.Context, events ...common.Event) error {
	return j.conn.Notify(ctx, transport.MethodEvents, events)
}

// Done is closed when the connection ends.
func (j *JSONRPCHost) Done() <-chan struct{} {
	return j.conn.DisconnectNotify()
}

// Close closes the connection.
func (j *JSONRPCHost) Close() error {
	return j.conn.Close()
}
