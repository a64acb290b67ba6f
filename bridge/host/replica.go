// Package host is a reference host: it applies command batches to a replica tree and serves
// the host side of each transport.
package host

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
)

// Node is a host-side node.
type Node struct {
	ID          common.NodeID   `json:"id"`
	Kind        string          `json:"kind"`
	Text        string          `json:"text,omitempty"`
	Props       common.Props    `json:"props,omitempty"`
	HasHandlers bool            `json:"hasHandlers"`
	Children    []common.NodeID `json:"children,omitempty"`
	Parent      common.NodeID   `json:"parent"`
}

// Replica is the host's copy of the producer tree.
//
// UPDATE applies props (with style merged one level deep) and then deletes removeKeys and
// removeStyleKeys. A key that was never sent and is then removed is simply absent.
type Replica struct {
	mutex sync.RWMutex
	nodes map[common.NodeID]*Node
	root  []common.NodeID
	// messages records MESSAGE commands in arrival order.
	messages []command.Command
}

// NewReplica creates an empty replica.
func NewReplica() *Replica {
	return &Replica{nodes: make(map[common.NodeID]*Node)}
}

// Apply applies every command of a batch in order. It stops at the first command that
// references an unknown node and returns its error; earlier commands stay applied.
func (r *Replica) Apply(batch command.Batch) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for i, cmd := range batch {
		if err := r.apply(cmd); err != nil {
			return fmt.Errorf("command %d (%s): %w", i, cmd.Op, err)
		}
	}
	return nil
}

func (r *Replica) apply(cmd command.Command) error {
	switch cmd.Op {
	case command.OpCreate:
		r.nodes[cmd.ID] = &Node{ID: cmd.ID, Kind: cmd.Type, Props: cmd.Props.Clone(), HasHandlers: cmd.Handlers()}
	case command.OpCreateText:
		r.nodes[cmd.ID] = &Node{ID: cmd.ID, Kind: "#text", Text: cmd.Text}
	case command.OpAppend:
		return r.insert(cmd.ParentID, cmd.ChildID, 0)
	case command.OpAppendToRoot:
		return r.insert(common.RootID, cmd.ChildID, 0)
	case command.OpInsertBefore:
		return r.insert(cmd.ParentID, cmd.ChildID, cmd.BeforeID)
	case command.OpInsertBeforeRoot:
		return r.insert(common.RootID, cmd.ChildID, cmd.BeforeID)
	case command.OpRemove:
		return r.remove(cmd.ParentID, cmd.ChildID)
	case command.OpRemoveFromRoot:
		return r.remove(common.RootID, cmd.ChildID)
	case command.OpUpdate:
		node, ok := r.nodes[cmd.ID]
		if !ok {
			return common.ErrUnknownNode{ID: cmd.ID, Op: string(cmd.Op)}
		}
		node.Props = ApplyUpdate(node.Props, cmd)
		if cmd.HasHandlers != nil {
			node.HasHandlers = *cmd.HasHandlers
		}
	case command.OpUpdateText:
		node, ok := r.nodes[cmd.ID]
		if !ok {
			return common.ErrUnknownNode{ID: cmd.ID, Op: string(cmd.Op)}
		}
		node.Text = cmd.Text
	case command.OpMessage:
		r.messages = append(r.messages, cmd)
	default:
		return fmt.Errorf("unknown op %q", cmd.Op)
	}
	return nil
}

// ApplyUpdate returns props with an UPDATE applied: props first, then removals.
func ApplyUpdate(props common.Props, cmd command.Command) common.Props {
	out := props.Clone()
	if out == nil {
		out = common.Props{}
	}
	for k, v := range cmd.Props {
		if k == common.StyleKey {
			if style := common.AsStyle(v); style != nil {
				merged := maps.Clone(out.Style())
				if merged == nil {
					merged = make(map[string]any, len(style))
				}
				maps.Copy(merged, style)
				out[k] = merged
				continue
			}
		}
		out[k] = v
	}
	for _, k := range cmd.RemoveKeys {
		delete(out, k)
	}
	if style := out.Style(); style != nil {
		for _, k := range cmd.RemoveStyleKeys {
			delete(style, k)
		}
	}
	return out
}

func (r *Replica) children(parent common.NodeID) (*[]common.NodeID, error) {
	if parent == common.RootID {
		return &r.root, nil
	}
	node, ok := r.nodes[parent]
	if !ok {
		return nil, common.ErrUnknownNode{ID: parent, Op: "children"}
	}
	return &node.Children, nil
}

func (r *Replica) insert(parent, child, before common.NodeID) error {
	node, ok := r.nodes[child]
	if !ok {
		return common.ErrUnknownNode{ID: child, Op: "insert"}
	}
	list, err := r.children(parent)
	if err != nil {
		return err
	}

	// Moving a node detaches it from wherever it was.
	if old, err := r.children(node.Parent); err == nil {
		*old = slices.DeleteFunc(*old, func(id common.NodeID) bool { return id == child })
	}

	idx := len(*list)
	if before != 0 {
		if i := slices.Index(*list, before); i >= 0 {
			idx = i
		}
	}
	*list = slices.Insert(*list, idx, child)
	node.Parent = parent
	return nil
}

func (r *Replica) remove(parent, child common.NodeID) error {
	list, err := r.children(parent)
	if err != nil {
		return err
	}
	*list = slices.DeleteFunc(*list, func(id common.NodeID) bool { return id == child })

	// The subtree is gone from the host's point of view.
	stack := []common.NodeID{child}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node, ok := r.nodes[id]; ok {
			stack = append(stack, node.Children...)
			delete(r.nodes, id)
		}
	}
	return nil
}

// Node returns a copy of a node.
func (r *Replica) Node(id common.NodeID) (Node, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	node, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	out := *node
	out.Props = node.Props.Clone()
	out.Children = slices.Clone(node.Children)
	return out, true
}

// Props returns a copy of a node's props.
func (r *Replica) Props(id common.NodeID) common.Props {
	node, _ := r.Node(id)
	return node.Props
}

// Root returns the ids attached to the root, in order.
func (r *Replica) Root() []common.NodeID {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return slices.Clone(r.root)
}

// Len returns the number of live nodes.
func (r *Replica) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.nodes)
}

// Messages returns and clears the MESSAGE commands received so far.
func (r *Replica) Messages() []command.Command {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	out := r.messages
	r.messages = nil
	return out
}

// Handlers returns the ids of nodes the producer wants events for, ascending.
func (r *Replica) Handlers() []common.NodeID {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var ids []common.NodeID
	for id, node := range r.nodes {
		if node.HasHandlers {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Path returns the bubble path from id up to its top-level ancestor.
func (r *Replica) Path(id common.NodeID) []common.NodeID {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var path []common.NodeID
	for id != common.RootID {
		node, ok := r.nodes[id]
		if !ok {
			break
		}
		path = append(path, id)
		id = node.Parent
	}
	return path
}
