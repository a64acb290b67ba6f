// Package hostapi is the HTTP surface of cmd/lovehost: the websocket and JSON-RPC producer
// endpoints plus a small JSON API for inspecting sessions and pushing host events.
package hostapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"lovebridge/bridge/common"
	"lovebridge/bridge/host"
)

// Handler serves the session API.
type Handler struct {
	sessions *host.WebSocketHandler
	logger   *zap.Logger
}

// NewHandler creates a handler over the websocket sessions.
func NewHandler(sessions *host.WebSocketHandler, logger *zap.Logger) *Handler {
	return &Handler{sessions: sessions, logger: logger}
}

// TreeResponse is the replica of one session, in depth-first order from the root.
type TreeResponse struct {
	Root  []common.NodeID `json:"root"`
	Nodes []host.Node     `json:"nodes"`
}

// GetSessions lists connected session ids.
func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	ids := h.sessions.Sessions()
	slices.Sort(ids)
	respondJSON(w, http.StatusOK, ids)
}

// GetTree returns a session's replica tree.
func (h *Handler) GetTree(w http.ResponseWriter, r *http.Request) {
	hst, ok := h.session(w, r)
	if !ok {
		return
	}
	replica := hst.Replica()
	resp := TreeResponse{Root: replica.Root(), Nodes: []host.Node{}}

	stack := slices.Clone(resp.Root)
	slices.Reverse(stack)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, ok := replica.Node(id)
		if !ok {
			continue
		}
		resp.Nodes = append(resp.Nodes, node)
		for i := len(node.Children) - 1; i >= 0; i-- {
			stack = append(stack, node.Children[i])
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetState returns one shared state value of a session.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	hst, ok := h.session(w, r)
	if !ok {
		return
	}
	key := mux.Vars(r)["key"]
	value, ok := hst.State(key)
	if !ok {
		respondError(w, http.StatusNotFound, "no state for key "+key)
		return
	}
	respondJSON(w, http.StatusOK, value)
}

// PostEvents pushes a JSON array of events to a session's producer.
func (h *Handler) PostEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session"]
	var events []common.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		respondError(w, http.StatusBadRequest, "body must be a JSON array of events")
		return
	}
	for _, ev := range events {
		if ev.Type == "" {
			respondError(w, http.StatusBadRequest, "every event needs a type")
			return
		}
	}

	if err := h.sessions.Emit(id, events...); err != nil {
		if errors.Is(err, common.ErrNotConnected) {
			respondError(w, http.StatusNotFound, "unknown session "+id)
			return
		}
		h.logger.Warn("Failed to emit events", zap.String("session", id), zap.Error(err))
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]int{"emitted": len(events)})
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*host.Host, bool) {
	id := mux.Vars(r)["session"]
	hst, ok := h.sessions.Host(id)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown session "+id)
	}
	return hst, ok
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
