package common

import (
	"encoding/json"
	"fmt"
	"maps"
)

// NodeID identifies a node in the remote tree. IDs start at 1 and are never reused.
type NodeID int64

// RootID is the implicit container every top-level node is attached to.
const RootID NodeID = 0

// StyleKey is the props key whose value is diffed one level deep.
const StyleKey = "style"

// WildcardEvent is the event type whose listeners observe every event.
const WildcardEvent = "*"

// Props is a clean props snapshot. It never contains handlers.
type Props map[string]any

// Style returns the nested style map, or nil if there is none.
func (p Props) Style() map[string]any {
	if p == nil {
		return nil
	}
	return AsStyle(p[StyleKey])
}

// Clone copies the props and the nested style map. Other nested values are shared.
func (p Props) Clone() Props {
	if p == nil {
		return nil
	}
	out := make(Props, len(p))
	for k, v := range p {
		if k == StyleKey {
			if style := AsStyle(v); style != nil {
				out[k] = maps.Clone(style)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// AsStyle converts a style value to a map. Props decoded from JSON and props built in
// Go both end up here, so both map flavors are accepted.
func AsStyle(v any) map[string]any {
	switch s := v.(type) {
	case map[string]any:
		return s
	case Props:
		return map[string]any(s)
	default:
		return nil
	}
}

// Event is a message delivered from the host to the producer.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event, encoding payload as JSON.
func NewEvent(eventType string, payload any) (Event, error) {
	if payload == nil {
		return Event{Type: eventType}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Event{Type: eventType, Payload: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode payload for event %s: %w", eventType, err)
	}
	return Event{Type: eventType, Payload: data}, nil
}

// MustEvent is NewEvent for payloads that are known to encode.
func MustEvent(eventType string, payload any) Event {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// InputEvent is an input event targeted at a node, as passed to node handlers.
type InputEvent struct {
	Type          string   `json:"type"`
	TargetID      NodeID   `json:"targetId,omitempty"`
	BubblePath    []NodeID `json:"bubblePath,omitempty"`
	CurrentTarget NodeID   `json:"-"`

	// Raw is the full event payload for handlers that need fields beyond targeting.
	Raw json.RawMessage `json:"-"`

	stopped bool
}

// StopPropagation stops a bubbling event from reaching further ancestors.
func (e *InputEvent) StopPropagation() {
	e.stopped = true
}

// Stopped reports whether StopPropagation was called.
func (e *InputEvent) Stopped() bool {
	return e.stopped
}

// Decode unmarshals the raw payload into v.
func (e *InputEvent) Decode(v any) error {
	if len(e.Raw) == 0 {
		return nil
	}
	return json.Unmarshal(e.Raw, v)
}

// Handler is a producer-side event callback attached to a node. Handlers never cross the bridge.
type Handler func(e *InputEvent) error
