package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
)

// Frame kinds exchanged over a websocket.
const (
	FrameHello  = "hello"
	FrameReady  = "ready"
	FrameBatch  = "batch"
	FrameEvents = "events"
	FrameError  = "error"
)

// Frame is one websocket message between producer and host.
type Frame struct {
	Kind      string         `json:"kind"`
	Namespace string         `json:"namespace,omitempty"`
	Session   string         `json:"session,omitempty"`
	Commands  command.Batch  `json:"commands,omitempty"`
	Events    []common.Event `json:"events,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// WebSocket connects to a host over a websocket. The host is ready once it answers the
// hello frame with a ready frame.
type WebSocket struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	options *Options

	readiness *Readiness

	// writeMutex serializes writes; gorilla connections allow one concurrent writer.
	writeMutex sync.Mutex

	// mutex protects the fields below.
	mutex   sync.Mutex
	conn    *websocket.Conn
	session string
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// NewWebSocket creates a websocket transport for url. A nil options means NewOptions().
func NewWebSocket(url string, header http.Header, options *Options) *WebSocket {
	if options == nil {
		options = NewOptions()
	}
	options = options.normalize()
	return &WebSocket{
		url:       url,
		header:    header,
		dialer:    websocket.DefaultDialer,
		options:   options,
		readiness: NewReadiness(options.ErrorSink),
	}
}

// Session returns the session id the host assigned, or "" before the handshake.
func (w *WebSocket) Session() string {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.session
}

// Start implements Transport. It dials the host and sends the hello frame; the ready frame
// arrives asynchronously.
func (w *WebSocket) Start(ctx context.Context, sink Sink) error {
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return common.ErrClosed
	}
	if w.conn != nil {
		w.mutex.Unlock()
		return errors.New("websocket transport already started")
	}
	w.mutex.Unlock()

	w.readiness.StartPolling()

	dialCtx, cancelDial := context.WithTimeout(ctx, w.options.IOTimeout)
	defer cancelDial()
	conn, _, err := w.dialer.DialContext(dialCtx, w.url, w.header)
	if err != nil {
		return errors.Wrapf(err, "failed to dial %s", w.url)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.mutex.Lock()
	w.conn = conn
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mutex.Unlock()

	go w.receiveLoop(loopCtx, conn, sink, done)
	go func() {
		<-loopCtx.Done()
		conn.Close()
	}()

	if err := w.write(Frame{Kind: FrameHello, Namespace: w.options.Namespace}); err != nil {
		cancel()
		return errors.Wrap(err, "failed to send hello")
	}
	return nil
}

func (w *WebSocket) receiveLoop(ctx context.Context, conn *websocket.Conn, sink Sink, done chan struct{}) {
	defer close(done)

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.options.Logger.Warn("WebSocket read error",
					zap.String("url", w.url),
					zap.Error(err))
				w.options.ErrorSink.Report(err, "websocket read")
			}
			return
		}

		switch frame.Kind {
		case FrameReady:
			w.mutex.Lock()
			w.session = frame.Session
			w.mutex.Unlock()
			w.options.Logger.Info("host ready", zap.String("session", frame.Session))
			w.readiness.MarkReady()
		case FrameEvents:
			if len(frame.Events) > 0 {
				sink(frame.Events)
			}
			w.options.tick()
		case FrameError:
			w.options.ErrorSink.Report(errors.New(frame.Error), "host")
		default:
			w.options.Logger.Warn("unknown frame kind", zap.String("kind", frame.Kind))
		}
	}
}

func (w *WebSocket) write(frame Frame) error {
	w.mutex.Lock()
	conn := w.conn
	w.mutex.Unlock()
	if conn == nil {
		return common.ErrNotConnected
	}

	w.writeMutex.Lock()
	defer w.writeMutex.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(w.options.IOTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

// Deliver implements Transport.
func (w *WebSocket) Deliver(batch command.Batch) error {
	w.mutex.Lock()
	closed := w.closed
	w.mutex.Unlock()
	if closed {
		return common.ErrClosed
	}
	if err := w.write(Frame{Kind: FrameBatch, Commands: batch}); err != nil {
		return errors.Wrap(err, "failed to send batch")
	}
	return nil
}

// Readiness implements Transport.
func (w *WebSocket) Readiness() *Readiness {
	return w.readiness
}

// Close implements Transport.
func (w *WebSocket) Close() error {
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return nil
	}
	w.closed = true
	conn, cancel, done := w.conn, w.cancel, w.done
	w.mutex.Unlock()

	if conn != nil {
		w.writeMutex.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMutex.Unlock()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	w.readiness.Close()
	return nil
}
