// Package registry assigns node ids and keeps the producer-side state of every remote node:
// the last clean props sent to the host, the handlers attached to it, and the child list
// needed to clean up a removed subtree.
package registry

import (
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"lovebridge/bridge/common"
)

// KindText is the kind recorded for text nodes.
const KindText = "#text"

// entry is the registry record of one node.
type entry struct {
	kind       string
	cleanProps common.Props
	children   []common.NodeID
	// parent is valid while linked is set. RootID means the root container.
	parent common.NodeID
	linked bool
}

// Registry owns node ids, clean props and handlers for one bridge instance.
// hasHandlers is derived from the handler map so the two can never disagree.
type Registry struct {
	// logger reports misuse. A development logger panics on DPanic.
	logger *zap.Logger
	// mutex protects all fields below.
	mutex sync.RWMutex
	// last is the most recently allocated id.
	last common.NodeID
	// nodes holds every live node.
	nodes map[common.NodeID]*entry
	// handlers is the HandlerMap. Only nodes with at least one handler appear here.
	handlers map[common.NodeID]map[string]common.Handler
	// rootChildren lists top-level nodes in order.
	rootChildren []common.NodeID
}

// New creates an empty registry. A nil logger disables misuse reporting.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:   logger,
		nodes:    make(map[common.NodeID]*entry),
		handlers: make(map[common.NodeID]map[string]common.Handler),
	}
}

// Allocate returns a fresh node id for a node of the given kind.
func (r *Registry) Allocate(kind string) common.NodeID {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.last++
	r.nodes[r.last] = &entry{kind: kind}
	return r.last
}

// Last returns the most recently allocated id, or 0 if none was allocated.
func (r *Registry) Last() common.NodeID {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.last
}

// Len returns the number of live nodes.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.nodes)
}

// Kind returns the kind a node was allocated with.
func (r *Registry) Kind(id common.NodeID) (string, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, ok := r.nodes[id]
	if !ok {
		return "", false
	}
	return e.kind, true
}

// Contains reports whether id is a live node.
func (r *Registry) Contains(id common.NodeID) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, ok := r.nodes[id]
	return ok
}

// Check reports whether every id is a live node or RootID. The first unknown id is reported
// as misuse of op, so a development logger panics here.
func (r *Registry) Check(op string, ids ...common.NodeID) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, id := range ids {
		if id == common.RootID {
			continue
		}
		if _, ok := r.nodes[id]; !ok {
			r.misuse(op, id)
			return false
		}
	}
	return true
}

// SetHandlers records the handlers of a node and returns the resulting hasHandlers flag.
// An empty map removes the node from the HandlerMap.
func (r *Registry) SetHandlers(id common.NodeID, handlers map[string]common.Handler) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.nodes[id]; !ok {
		r.misuse("SetHandlers", id)
		return false
	}
	if len(handlers) == 0 {
		delete(r.handlers, id)
		return false
	}
	r.handlers[id] = maps.Clone(handlers)
	return true
}

// ClearHandlers removes a node from the HandlerMap.
func (r *Registry) ClearHandlers(id common.NodeID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.nodes[id]; !ok {
		r.misuse("ClearHandlers", id)
		return
	}
	delete(r.handlers, id)
}

// HasHandlers reports whether the host should report events for id.
func (r *Registry) HasHandlers(id common.NodeID) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.handlers[id]) > 0
}

// Handlers returns a copy of the handlers attached to id.
func (r *Registry) Handlers(id common.NodeID) map[string]common.Handler {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return maps.Clone(r.handlers[id])
}

// Handler returns a single named handler of a node.
func (r *Registry) Handler(id common.NodeID, name string) (common.Handler, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	h, ok := r.handlers[id][name]
	return h, ok && h != nil
}

// EachHandler calls fn for every node that has a handler with the given name, in id order.
// fn runs without the registry lock held.
func (r *Registry) EachHandler(name string, fn func(id common.NodeID, h common.Handler)) {
	r.mutex.RLock()
	ids := make([]common.NodeID, 0, len(r.handlers))
	found := make(map[common.NodeID]common.Handler)
	for id, hs := range r.handlers {
		if h, ok := hs[name]; ok && h != nil {
			ids = append(ids, id)
			found[id] = h
		}
	}
	r.mutex.RUnlock()

	slices.Sort(ids)
	for _, id := range ids {
		fn(id, found[id])
	}
}

// CleanProps returns a copy of the last props snapshot sent for id.
func (r *Registry) CleanProps(id common.NodeID) common.Props {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, ok := r.nodes[id]
	if !ok {
		r.misuse("CleanProps", id)
		return nil
	}
	return e.cleanProps.Clone()
}

// SetCleanProps stores the props snapshot that was just sent for id.
func (r *Registry) SetCleanProps(id common.NodeID, props common.Props) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, ok := r.nodes[id]
	if !ok {
		r.misuse("SetCleanProps", id)
		return
	}
	e.cleanProps = props.Clone()
}

// Link records child under parent, before the given sibling or at the end when before is 0
// or not a child of parent. A child already linked elsewhere is moved out of its old parent.
func (r *Registry) Link(parent, child, before common.NodeID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.nodes[child]; !ok {
		r.misuse("Link", child)
		return
	}
	list, ok := r.childList(parent)
	if !ok {
		r.misuse("Link", parent)
		return
	}

	e := r.nodes[child]
	if e.linked && e.parent != parent {
		if old, ok := r.childList(e.parent); ok {
			*old = slices.DeleteFunc(*old, func(id common.NodeID) bool { return id == child })
		}
	}
	e.parent, e.linked = parent, true

	*list = slices.DeleteFunc(*list, func(id common.NodeID) bool { return id == child })
	idx := -1
	if before != 0 {
		idx = slices.Index(*list, before)
	}
	if idx < 0 {
		*list = append(*list, child)
	} else {
		*list = slices.Insert(*list, idx, child)
	}
}

// Unlink removes child from the child list of parent.
func (r *Registry) Unlink(parent, child common.NodeID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	list, ok := r.childList(parent)
	if !ok {
		r.misuse("Unlink", parent)
		return
	}
	*list = slices.DeleteFunc(*list, func(id common.NodeID) bool { return id == child })
	if e, ok := r.nodes[child]; ok && e.linked && e.parent == parent {
		e.linked = false
	}
}

// Children returns the known children of id. RootID lists top-level nodes.
func (r *Registry) Children(id common.NodeID) []common.NodeID {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if id == common.RootID {
		return slices.Clone(r.rootChildren)
	}
	e, ok := r.nodes[id]
	if !ok {
		return nil
	}
	return slices.Clone(e.children)
}

// Release forgets a removed node and its whole known subtree, clearing their handlers.
// Released ids are not handed out again.
func (r *Registry) Release(id common.NodeID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.nodes[id]; !ok {
		r.misuse("Release", id)
		return
	}
	stack := []common.NodeID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		e, ok := r.nodes[cur]
		if !ok {
			continue
		}
		stack = append(stack, e.children...)
		delete(r.handlers, cur)
		delete(r.nodes, cur)
	}
}

// Reset forgets every node but keeps the id counter, so ids stay unique for the life of the registry.
func (r *Registry) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.nodes = make(map[common.NodeID]*entry)
	r.handlers = make(map[common.NodeID]map[string]common.Handler)
	r.rootChildren = nil
}

func (r *Registry) childList(parent common.NodeID) (*[]common.NodeID, bool) {
	if parent == common.RootID {
		return &r.rootChildren, true
	}
	e, ok := r.nodes[parent]
	if !ok {
		return nil, false
	}
	return &e.children, true
}

// misuse reports an operation on an unknown node. It must be called with the mutex held;
// a panicking development logger unwinds through the deferred unlock.
func (r *Registry) misuse(op string, id common.NodeID) {
	r.logger.DPanic("registry misuse",
		zap.Error(common.ErrUnknownNode{ID: id, Op: op}),
		zap.Int64("node_id", int64(id)),
		zap.String("op", op))
}
