// Package command defines the tree-mutation commands sent to the host, the coalescer that
// merges redundant updates within a batch, and the emitter that buffers one frame of commands.
package command

import (
	"encoding/json"
	"fmt"

	"lovebridge/bridge/common"
	"lovebridge/bridge/diff"
)

// Op names a command kind on the wire.
type Op string

const (
	OpCreate           Op = "CREATE"
	OpCreateText       Op = "CREATE_TEXT"
	OpAppend           Op = "APPEND"
	OpAppendToRoot     Op = "APPEND_TO_ROOT"
	OpRemove           Op = "REMOVE"
	OpRemoveFromRoot   Op = "REMOVE_FROM_ROOT"
	OpInsertBefore     Op = "INSERT_BEFORE"
	OpInsertBeforeRoot Op = "INSERT_BEFORE_ROOT"
	OpUpdate           Op = "UPDATE"
	OpUpdateText       Op = "UPDATE_TEXT"
	// OpMessage carries a generic typed message (rpc:call, state:update, ...).
	OpMessage Op = "MESSAGE"
)

// StateUpdateType is the message type of shared state updates. The payload is {key, value}.
const StateUpdateType = "state:update"

// Command is one operation destined for the host. Fields not used by an op are left zero
// and omitted from the JSON envelope.
type Command struct {
	Op              Op              `json:"op"`
	ID              common.NodeID   `json:"id,omitempty"`
	ParentID        common.NodeID   `json:"parentId,omitempty"`
	ChildID         common.NodeID   `json:"childId,omitempty"`
	BeforeID        common.NodeID   `json:"beforeId,omitempty"`
	Type            string          `json:"type,omitempty"`
	Text            string          `json:"text,omitempty"`
	Props           common.Props    `json:"props,omitempty"`
	HasHandlers     *bool           `json:"hasHandlers,omitempty"`
	RemoveKeys      []string        `json:"removeKeys,omitempty"`
	RemoveStyleKeys []string        `json:"removeStyleKeys,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// Batch is the ordered list of commands delivered in one flush.
type Batch []Command

// Create builds a CREATE command for a node of the given kind.
func Create(id common.NodeID, kind string, props common.Props, hasHandlers bool) Command {
	return Command{Op: OpCreate, ID: id, Type: kind, Props: props.Clone(), HasHandlers: boolPtr(hasHandlers)}
}

// CreateText builds a CREATE_TEXT command.
func CreateText(id common.NodeID, text string) Command {
	return Command{Op: OpCreateText, ID: id, Text: text}
}

// Append builds an APPEND command.
func Append(parent, child common.NodeID) Command {
	return Command{Op: OpAppend, ParentID: parent, ChildID: child}
}

// AppendToRoot builds an APPEND_TO_ROOT command.
func AppendToRoot(child common.NodeID) Command {
	return Command{Op: OpAppendToRoot, ChildID: child}
}

// Remove builds a REMOVE command.
func Remove(parent, child common.NodeID) Command {
	return Command{Op: OpRemove, ParentID: parent, ChildID: child}
}

// RemoveFromRoot builds a REMOVE_FROM_ROOT command.
func RemoveFromRoot(child common.NodeID) Command {
	return Command{Op: OpRemoveFromRoot, ChildID: child}
}

// InsertBefore builds an INSERT_BEFORE command.
func InsertBefore(parent, child, before common.NodeID) Command {
	return Command{Op: OpInsertBefore, ParentID: parent, ChildID: child, BeforeID: before}
}

// InsertBeforeRoot builds an INSERT_BEFORE_ROOT command.
func InsertBeforeRoot(child, before common.NodeID) Command {
	return Command{Op: OpInsertBeforeRoot, ChildID: child, BeforeID: before}
}

// Update builds an UPDATE command from a diff result. A nil result produces a
// handler-only update with empty props.
func Update(id common.NodeID, res *diff.Result, hasHandlers bool) Command {
	cmd := Command{Op: OpUpdate, ID: id, Props: common.Props{}, HasHandlers: boolPtr(hasHandlers)}
	if res == nil {
		return cmd
	}
	if res.Diff != nil {
		cmd.Props = res.Diff.Clone()
	}
	if len(res.RemoveKeys) > 0 {
		cmd.RemoveKeys = append([]string(nil), res.RemoveKeys...)
	}
	if len(res.RemoveStyleKeys) > 0 {
		cmd.RemoveStyleKeys = append([]string(nil), res.RemoveStyleKeys...)
	}
	return cmd
}

// UpdateText builds an UPDATE_TEXT command.
func UpdateText(id common.NodeID, text string) Command {
	return Command{Op: OpUpdateText, ID: id, Text: text}
}

// Message builds a MESSAGE command, encoding payload as JSON.
func Message(msgType string, payload any) (Command, error) {
	cmd := Command{Op: OpMessage, Type: msgType}
	if payload == nil {
		return cmd, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		cmd.Payload = raw
		return cmd, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	cmd.Payload = data
	return cmd, nil
}

// Validate checks that the command carries the fields its op requires.
func (c Command) Validate() error {
	invalid := func(msg string) error {
		return common.ErrInvalidCommand{Op: string(c.Op), Message: msg}
	}
	switch c.Op {
	case OpCreate:
		if c.ID <= 0 {
			return invalid("missing id")
		}
		if c.Type == "" {
			return invalid("missing type")
		}
	case OpCreateText, OpUpdateText, OpUpdate:
		if c.ID <= 0 {
			return invalid("missing id")
		}
	case OpAppend, OpRemove:
		if c.ParentID <= 0 || c.ChildID <= 0 {
			return invalid("missing parentId or childId")
		}
	case OpAppendToRoot, OpRemoveFromRoot:
		if c.ChildID <= 0 {
			return invalid("missing childId")
		}
	case OpInsertBefore:
		if c.ParentID <= 0 || c.ChildID <= 0 || c.BeforeID <= 0 {
			return invalid("missing parentId, childId or beforeId")
		}
	case OpInsertBeforeRoot:
		if c.ChildID <= 0 || c.BeforeID <= 0 {
			return invalid("missing childId or beforeId")
		}
	case OpMessage:
		if c.Type == "" {
			return invalid("missing type")
		}
	default:
		return invalid("unknown op")
	}
	return nil
}

// Handlers returns the hasHandlers flag, treating an absent flag as false.
func (c Command) Handlers() bool {
	return c.HasHandlers != nil && *c.HasHandlers
}

func boolPtr(b bool) *bool {
	return &b
}
