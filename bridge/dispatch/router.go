package dispatch

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"lovebridge/bridge/common"
)

// Mode selects which nodes an input event reaches.
type Mode int

const (
	// Bubble walks the event's bubble path from target to root until a handler stops propagation.
	Bubble Mode = iota
	// TargetOnly calls the handler on the target node only.
	TargetOnly
	// Broadcast calls the handler on every node that has one.
	Broadcast
)

func (m Mode) String() string {
	switch m {
	case Bubble:
		return "bubble"
	case TargetOnly:
		return "target"
	case Broadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Route maps an inbound event type to a node handler name.
type Route struct {
	Event   string
	Handler string
	Mode    Mode
}

// DefaultRoutes are the input events a host reports.
var DefaultRoutes = []Route{
	{"click", "onClick", Bubble},
	{"release", "onRelease", Bubble},
	{"wheel", "onWheel", Bubble},
	{"touchstart", "onTouchStart", Bubble},
	{"touchend", "onTouchEnd", Bubble},
	{"dragstart", "onDragStart", Bubble},
	{"drag", "onDrag", Bubble},
	{"dragend", "onDragEnd", Bubble},

	{"pointerEnter", "onPointerEnter", TargetOnly},
	{"pointerLeave", "onPointerLeave", TargetOnly},
	{"texteditor:focus", "onTextEditorFocus", TargetOnly},
	{"texteditor:blur", "onTextEditorBlur", TargetOnly},
	{"texteditor:submit", "onTextEditorSubmit", TargetOnly},

	{"keydown", "onKeyDown", Broadcast},
	{"keyup", "onKeyUp", Broadcast},
	{"textinput", "onTextInput", Broadcast},
	{"touchmove", "onTouchMove", Broadcast},
	{"gamepadpressed", "onGamepadPress", Broadcast},
	{"gamepadreleased", "onGamepadRelease", Broadcast},
	{"gamepadaxis", "onGamepadAxis", Broadcast},
}

// HandlerLookup finds node handlers. registry.Registry satisfies it.
type HandlerLookup interface {
	Handler(id common.NodeID, name string) (common.Handler, bool)
	EachHandler(name string, fn func(id common.NodeID, h common.Handler))
}

// Router turns input events into node handler calls.
type Router struct {
	handlers HandlerLookup
	logger   *zap.Logger
	sink     common.ErrorSink
	unsubs   []Unsubscribe
}

// NewRouter subscribes routes on d and returns the router. A nil route list means DefaultRoutes.
func NewRouter(d *Dispatcher, handlers HandlerLookup, routes []Route) *Router {
	if routes == nil {
		routes = DefaultRoutes
	}
	r := &Router{handlers: handlers, logger: d.logger, sink: d.sink}
	for _, route := range routes {
		route := route
		r.unsubs = append(r.unsubs, d.Subscribe(route.Event, func(ev common.Event) error {
			return r.Route(route, ev)
		}))
	}
	return r
}

// Route delivers one event according to route.
func (r *Router) Route(route Route, ev common.Event) error {
	input := &common.InputEvent{}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, input); err != nil {
			return fmt.Errorf("failed to decode %s event: %w", ev.Type, err)
		}
	}
	input.Type = ev.Type
	input.Raw = ev.Payload

	switch route.Mode {
	case Bubble:
		r.bubble(route.Handler, input)
	case TargetOnly:
		if input.TargetID == 0 {
			return nil
		}
		r.call(input.TargetID, route.Handler, input)
	case Broadcast:
		r.handlers.EachHandler(route.Handler, func(id common.NodeID, h common.Handler) {
			input.CurrentTarget = id
			r.invoke(id, route.Handler, h, input)
		})
	}
	return nil
}

func (r *Router) bubble(name string, input *common.InputEvent) {
	if input.TargetID == 0 {
		return
	}
	path := input.BubblePath
	if len(path) == 0 {
		path = []common.NodeID{input.TargetID}
	}
	for _, id := range path {
		if input.Stopped() {
			r.logger.Debug("propagation stopped", zap.String("handler", name), zap.Int64("at", int64(input.CurrentTarget)))
			return
		}
		r.call(id, name, input)
	}
}

func (r *Router) call(id common.NodeID, name string, input *common.InputEvent) {
	h, ok := r.handlers.Handler(id, name)
	if !ok {
		return
	}
	input.CurrentTarget = id
	r.invoke(id, name, h, input)
}

func (r *Router) invoke(id common.NodeID, name string, h common.Handler, input *common.InputEvent) {
	if err := common.SafeCall(func() error { return h(input) }); err != nil {
		r.sink.Report(err, fmt.Sprintf("%s for node %d", name, id))
	}
}

// Close unsubscribes every route.
func (r *Router) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}
