package host

import (
	"context"
	"crypto/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"lovebridge/bridge/common"
	"lovebridge/bridge/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketHandler serves the host side of the websocket transport. Each connection gets
// its own Host, created by newHost.
type WebSocketHandler struct {
	newHost func(session string) *Host
	logger  *zap.Logger

	mutex    sync.Mutex
	sessions map[string]*wsSession
}

type wsSession struct {
	id        string
	namespace string
	host      *Host
	conn      *websocket.Conn
	logger    *zap.Logger

	writeMutex sync.Mutex
}

// NewWebSocketHandler creates a handler. newHost is called once per connection.
func NewWebSocketHandler(newHost func(session string) *Host, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{
		newHost:  newHost,
		logger:   logger,
		sessions: make(map[string]*wsSession),
	}
}

// ServeHTTP implements http.Handler.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	s := &wsSession{
		id:     id,
		host:   h.newHost(id),
		conn:   conn,
		logger: h.logger.With(zap.String("session", id)),
	}

	h.mutex.Lock()
	h.sessions[id] = s
	h.mutex.Unlock()
	defer func() {
		h.mutex.Lock()
		delete(h.sessions, id)
		h.mutex.Unlock()
		conn.Close()
	}()

	s.receiveLoop(r.Context())
}

// Emit sends host-originated events to one session.
func (h *WebSocketHandler) Emit(session string, events ...common.Event) error {
	h.mutex.Lock()
	s, ok := h.sessions[session]
	h.mutex.Unlock()
	if !ok {
		return common.ErrNotConnected
	}
	return s.send(transport.Frame{Kind: transport.FrameEvents, Events: events})
}

// Sessions returns the ids of connected sessions.
func (h *WebSocketHandler) Sessions() []string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Host returns the host serving a session.
func (h *WebSocketHandler) Host(session string) (*Host, bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	s, ok := h.sessions[session]
	if !ok {
		return nil, false
	}
	return s.host, true
}

func (s *wsSession) receiveLoop(ctx context.Context) {
	for {
		var frame transport.Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		switch frame.Kind {
		case transport.FrameHello:
			s.namespace = frame.Namespace
			s.logger.Info("producer connected", zap.String("namespace", frame.Namespace))
			if err := s.send(transport.Frame{Kind: transport.FrameReady, Session: s.id}); err != nil {
				return
			}
		case transport.FrameBatch:
			events := s.host.Apply(ctx, frame.Commands)
			if len(events) == 0 {
				continue
			}
			if err := s.send(transport.Frame{Kind: transport.FrameEvents, Events: events}); err != nil {
				return
			}
		default:
			s.logger.Warn("unknown frame kind", zap.String("kind", frame.Kind))
			_ = s.send(transport.Frame{Kind: transport.FrameError, Error: "unknown frame kind: " + frame.Kind})
		}
	}
}

func (s *wsSession) send(frame transport.Frame) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(transport.DefaultIOTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(frame); err != nil {
		s.logger.Warn("WebSocket write failed", zap.String("kind", frame.Kind), zap.Error(err))
		return err
	}
	return nil
}
