package bridge

import (
	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
	"lovebridge/bridge/diff"
	"lovebridge/bridge/registry"
)

// Renderer is the structural-operation surface a reconciler drives. Every operation records
// its effect in the registry and queues the matching command; nothing reaches the host before
// Commit or the next tick flush.
//
// Operations naming an unknown node are reported through the registry and queue nothing.
//
// Props and handlers are passed as separate maps. Handlers never cross the bridge; the host
// only learns whether a node has any.
type Renderer struct {
	nodes   *registry.Registry
	emitter *command.Emitter
	flush   func() int
}

// CreateInstance creates an element node.
func (r *Renderer) CreateInstance(kind string, props common.Props, handlers map[string]common.Handler) common.NodeID {
	id := r.nodes.Allocate(kind)
	clean := props.Clone()
	r.nodes.SetCleanProps(id, clean)
	hasHandlers := r.nodes.SetHandlers(id, handlers)
	r.emitter.Emit(command.Create(id, kind, clean, hasHandlers))
	return id
}

// CreateText creates a text node.
func (r *Renderer) CreateText(text string) common.NodeID {
	id := r.nodes.Allocate(registry.KindText)
	r.emitter.Emit(command.CreateText(id, text))
	return id
}

// AppendChild appends child to parent, moving it if it is already attached there.
func (r *Renderer) AppendChild(parent, child common.NodeID) {
	if !r.nodes.Check("AppendChild", parent, child) {
		return
	}
	r.nodes.Link(parent, child, 0)
	r.emitter.Emit(command.Append(parent, child))
}

// AppendToRoot appends child to the root container.
func (r *Renderer) AppendToRoot(child common.NodeID) {
	if !r.nodes.Check("AppendToRoot", child) {
		return
	}
	r.nodes.Link(common.RootID, child, 0)
	r.emitter.Emit(command.AppendToRoot(child))
}

// InsertBefore inserts child into parent before the sibling before.
func (r *Renderer) InsertBefore(parent, child, before common.NodeID) {
	if !r.nodes.Check("InsertBefore", parent, child) {
		return
	}
	r.nodes.Link(parent, child, before)
	r.emitter.Emit(command.InsertBefore(parent, child, before))
}

// InsertBeforeRoot inserts child into the root container before the sibling before.
func (r *Renderer) InsertBeforeRoot(child, before common.NodeID) {
	if !r.nodes.Check("InsertBeforeRoot", child) {
		return
	}
	r.nodes.Link(common.RootID, child, before)
	r.emitter.Emit(command.InsertBeforeRoot(child, before))
}

// RemoveChild detaches child from parent and releases its subtree, handlers included.
func (r *Renderer) RemoveChild(parent, child common.NodeID) {
	if !r.nodes.Check("RemoveChild", parent, child) {
		return
	}
	r.nodes.Unlink(parent, child)
	r.nodes.Release(child)
	r.emitter.Emit(command.Remove(parent, child))
}

// RemoveFromRoot detaches child from the root container and releases its subtree.
func (r *Renderer) RemoveFromRoot(child common.NodeID) {
	if !r.nodes.Check("RemoveFromRoot", child) {
		return
	}
	r.nodes.Unlink(common.RootID, child)
	r.nodes.Release(child)
	r.emitter.Emit(command.RemoveFromRoot(child))
}

// CommitUpdate diffs props against the last snapshot sent for id and queues an UPDATE when
// props or the set of handler names changed. It reports whether a command was queued.
func (r *Renderer) CommitUpdate(id common.NodeID, props common.Props, handlers map[string]common.Handler) bool {
	if !r.nodes.Check("CommitUpdate", id) {
		return false
	}
	res := diff.Props(r.nodes.CleanProps(id), props)
	handlersChanged := diff.HandlersChanged(r.nodes.Handlers(id), handlers)

	// Same-named handlers are still swapped so the newest closures run.
	hasHandlers := r.nodes.SetHandlers(id, handlers)
	if res == nil && !handlersChanged {
		return false
	}
	r.nodes.SetCleanProps(id, props)
	r.emitter.Emit(command.Update(id, res, hasHandlers))
	return true
}

// CommitText replaces the text of a text node.
func (r *Renderer) CommitText(id common.NodeID, text string) {
	if !r.nodes.Check("CommitText", id) {
		return
	}
	r.emitter.Emit(command.UpdateText(id, text))
}

// Commit flushes the queued commands. It returns the number delivered.
func (r *Renderer) Commit() int {
	return r.flush()
}
