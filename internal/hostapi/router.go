package hostapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"

	"lovebridge/bridge/host"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HostFactory creates the host serving one producer connection.
type HostFactory func(session string) *host.Host

// Router wires the producer endpoints and the session API.
type Router struct {
	handler  *Handler
	sessions *host.WebSocketHandler
	newHost  HostFactory
	logger   *zap.Logger
}

// NewRouter creates a router. newHost is called once per websocket or JSON-RPC connection.
func NewRouter(newHost HostFactory, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	sessions := host.NewWebSocketHandler(newHost, logger.Named("ws"))
	return &Router{
		handler:  NewHandler(sessions, logger.Named("api")),
		sessions: sessions,
		newHost:  newHost,
		logger:   logger,
	}
}

// Sessions returns the websocket session handler.
func (r *Router) Sessions() *host.WebSocketHandler {
	return r.sessions
}

// Setup builds the HTTP handler.
//
//	/ws                               websocket producer endpoint
//	/rpc                              JSON-RPC over websocket producer endpoint
//	/healthz                          liveness
//	/api/sessions                     GET connected sessions
//	/api/sessions/{session}/tree      GET replica tree
//	/api/sessions/{session}/state/{key}  GET shared state
//	/api/sessions/{session}/events    POST events to the producer
func (r *Router) Setup() http.Handler {
	api := mux.NewRouter()
	api.HandleFunc("/api/sessions", r.handler.GetSessions).Methods(http.MethodGet)
	api.HandleFunc("/api/sessions/{session}/tree", r.handler.GetTree).Methods(http.MethodGet)
	api.HandleFunc("/api/sessions/{session}/state/{key}", r.handler.GetState).Methods(http.MethodGet)
	api.HandleFunc("/api/sessions/{session}/events", r.handler.PostEvents).Methods(http.MethodPost)
	apiHandler := ApplyMiddleware(api, LoggingMiddleware(r.logger.Named("api")), RecoveryMiddleware(r.logger.Named("api")))

	// Producer streams are long lived and skip the request middleware.
	router := mux.NewRouter()
	router.Handle("/ws", r.sessions)
	router.HandleFunc("/rpc", r.serveJSONRPC)
	router.HandleFunc("/healthz", r.handler.Healthz).Methods(http.MethodGet)
	router.PathPrefix("/api/").Handler(apiHandler)
	return router
}

func (r *Router) serveJSONRPC(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	logger := r.logger.Named("rpc")
	jh := host.ServeJSONRPCStream(req.Context(), r.newHost(""), wsstream.NewObjectStream(conn), logger)
	<-jh.Done()
}
