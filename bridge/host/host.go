package host

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
	"lovebridge/bridge/rpc"
)

// StateUpdate is the payload of a state:update message.
type StateUpdate struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// MethodFunc answers an rpc call. The returned value becomes the response result.
type MethodFunc func(ctx context.Context, args json.RawMessage) (any, error)

// callEnvelope is rpc.Envelope with the args left undecoded.
type callEnvelope struct {
	CorrelationID string          `json:"correlationId"`
	Method        string          `json:"method"`
	Args          json.RawMessage `json:"args"`
}

// Host applies batches to a Replica, answers rpc calls and keeps shared state.
type Host struct {
	replica *Replica
	logger  *zap.Logger

	mutex     sync.RWMutex
	methods   map[string]MethodFunc
	state     map[string]json.RawMessage
	onMessage func(cmd command.Command)
}

// New creates a host with an empty replica.
func New(logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		replica: NewReplica(),
		logger:  logger,
		methods: make(map[string]MethodFunc),
		state:   make(map[string]json.RawMessage),
	}
}

// Replica returns the host tree.
func (h *Host) Replica() *Replica {
	return h.replica
}

// Handle registers an rpc method.
func (h *Host) Handle(method string, fn MethodFunc) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.methods[method] = fn
}

// OnMessage sets a hook for MESSAGE commands that are neither rpc calls nor state updates.
func (h *Host) OnMessage(fn func(cmd command.Command)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onMessage = fn
}

// State returns a shared state value.
func (h *Host) State(key string) (json.RawMessage, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	v, ok := h.state[key]
	return v, ok
}

// Apply applies a batch and returns the events to send back: one response per rpc call.
// A command the replica rejects is logged and ends the tree part of the batch, but messages
// received before it are still answered.
func (h *Host) Apply(ctx context.Context, batch command.Batch) []common.Event {
	if err := h.replica.Apply(batch); err != nil {
		h.logger.Warn("failed to apply batch", zap.Int("commands", len(batch)), zap.Error(err))
	}

	var events []common.Event
	for _, msg := range h.replica.Messages() {
		switch msg.Type {
		case rpc.CallType:
			if ev, ok := h.call(ctx, msg); ok {
				events = append(events, ev)
			}
		case command.StateUpdateType:
			var update StateUpdate
			if err := json.Unmarshal(msg.Payload, &update); err != nil || update.Key == "" {
				h.logger.Warn("bad state update", zap.ByteString("payload", msg.Payload), zap.Error(err))
				continue
			}
			h.mutex.Lock()
			h.state[update.Key] = update.Value
			h.mutex.Unlock()
		default:
			h.mutex.RLock()
			hook := h.onMessage
			h.mutex.RUnlock()
			if hook != nil {
				hook(msg)
			} else {
				h.logger.Debug("unhandled message", zap.String("type", msg.Type))
			}
		}
	}
	return events
}

func (h *Host) call(ctx context.Context, msg command.Command) (common.Event, bool) {
	var env callEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil || env.CorrelationID == "" {
		h.logger.Warn("bad rpc envelope", zap.ByteString("payload", msg.Payload), zap.Error(err))
		return common.Event{}, false
	}

	h.mutex.RLock()
	fn, ok := h.methods[env.Method]
	h.mutex.RUnlock()

	var result any
	errMsg := ""
	if !ok {
		errMsg = fmt.Sprintf("unknown method: %s", env.Method)
	} else {
		err := common.SafeCall(func() error {
			var err error
			result, err = fn(ctx, env.Args)
			return err
		})
		if err != nil {
			errMsg = err.Error()
		}
	}

	ev, err := rpc.NewResponse(env.CorrelationID, result, errMsg)
	if err != nil {
		ev, _ = rpc.NewResponse(env.CorrelationID, nil, err.Error())
	}
	return ev, true
}
