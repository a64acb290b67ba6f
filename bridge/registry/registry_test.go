package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"lovebridge/bridge/common"
)

func noop(*common.InputEvent) error { return nil }

func TestAllocateIsMonotonic(t *testing.T) {
	r := New(zaptest.NewLogger(t))

	var prev common.NodeID
	seen := make(map[common.NodeID]bool)
	for i := 0; i < 50; i++ {
		id := r.Allocate("Box")
		if i%7 == 0 {
			r.SetHandlers(id, map[string]common.Handler{"onClick": noop})
			r.ClearHandlers(id)
		}
		if i%5 == 0 {
			r.Release(id)
		}
		assert.Greater(t, id, prev, "ids must strictly increase")
		assert.False(t, seen[id], "id %d handed out twice", id)
		seen[id] = true
		prev = id
	}
	assert.Equal(t, common.NodeID(1), firstKey(seen))
	assert.Equal(t, common.NodeID(50), r.Last())
}

func firstKey(m map[common.NodeID]bool) common.NodeID {
	lowest := common.NodeID(-1)
	for k := range m {
		if lowest < 0 || k < lowest {
			lowest = k
		}
	}
	return lowest
}

func TestResetKeepsCounter(t *testing.T) {
	r := New(nil)
	r.Allocate("Box")
	r.Allocate("Box")
	r.Reset()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, common.NodeID(3), r.Allocate("Text"))
}

func TestHandlersAndFlagStayInSync(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	id := r.Allocate("Pressable")

	assert.False(t, r.HasHandlers(id))

	has := r.SetHandlers(id, map[string]common.Handler{"onClick": noop})
	assert.True(t, has)
	assert.True(t, r.HasHandlers(id))
	_, ok := r.Handler(id, "onClick")
	assert.True(t, ok)

	has = r.SetHandlers(id, map[string]common.Handler{})
	assert.False(t, has)
	assert.False(t, r.HasHandlers(id))
	assert.Empty(t, r.Handlers(id))

	r.SetHandlers(id, map[string]common.Handler{"onClick": noop})
	r.ClearHandlers(id)
	assert.False(t, r.HasHandlers(id))
}

func TestSetHandlersCopiesMap(t *testing.T) {
	r := New(nil)
	id := r.Allocate("Box")

	hs := map[string]common.Handler{"onClick": noop}
	r.SetHandlers(id, hs)
	delete(hs, "onClick")

	assert.True(t, r.HasHandlers(id))
}

func TestCleanPropsAreSnapshots(t *testing.T) {
	r := New(nil)
	id := r.Allocate("Box")

	props := common.Props{"color": "red", "style": map[string]any{"width": 10}}
	r.SetCleanProps(id, props)

	props["color"] = "blue"
	props.Style()["width"] = 20

	got := r.CleanProps(id)
	assert.Equal(t, "red", got["color"])
	assert.Equal(t, 10, got.Style()["width"])
}

func TestLinkOrdering(t *testing.T) {
	r := New(nil)
	parent := r.Allocate("Box")
	a := r.Allocate("Box")
	b := r.Allocate("Box")
	c := r.Allocate("Box")

	r.Link(parent, a, 0)
	r.Link(parent, c, 0)
	r.Link(parent, b, c)
	assert.Equal(t, []common.NodeID{a, b, c}, r.Children(parent))

	// Moving an existing child does not duplicate it.
	r.Link(parent, c, a)
	assert.Equal(t, []common.NodeID{c, a, b}, r.Children(parent))

	r.Unlink(parent, a)
	assert.Equal(t, []common.NodeID{c, b}, r.Children(parent))

	r.Link(common.RootID, parent, 0)
	assert.Equal(t, []common.NodeID{parent}, r.Children(common.RootID))
}

func TestLinkMovesAcrossParents(t *testing.T) {
	r := New(nil)
	left := r.Allocate("Box")
	right := r.Allocate("Box")
	child := r.Allocate("Pressable")
	r.SetHandlers(child, map[string]common.Handler{"onClick": noop})

	r.Link(left, child, 0)
	r.Link(right, child, 0)
	assert.Empty(t, r.Children(left))
	assert.Equal(t, []common.NodeID{child}, r.Children(right))

	// Releasing the old parent leaves the moved child alone.
	r.Release(left)
	assert.True(t, r.Contains(child))
	assert.True(t, r.HasHandlers(child))

	// Root to node and back.
	r.Link(common.RootID, child, 0)
	assert.Empty(t, r.Children(right))
	r.Link(right, child, 0)
	assert.Empty(t, r.Children(common.RootID))
	assert.Equal(t, []common.NodeID{child}, r.Children(right))
}

func TestReleaseCascadesHandlerCleanup(t *testing.T) {
	r := New(nil)
	root := r.Allocate("Box")
	child := r.Allocate("Box")
	grandchild := r.Allocate("Pressable")
	sibling := r.Allocate("Pressable")

	r.Link(root, child, 0)
	r.Link(child, grandchild, 0)
	for _, id := range []common.NodeID{root, child, grandchild, sibling} {
		r.SetHandlers(id, map[string]common.Handler{"onClick": noop})
	}

	r.Release(root)

	for _, id := range []common.NodeID{root, child, grandchild} {
		assert.False(t, r.Contains(id))
		assert.False(t, r.HasHandlers(id))
	}
	assert.True(t, r.HasHandlers(sibling))

	var visited []common.NodeID
	r.EachHandler("onClick", func(id common.NodeID, _ common.Handler) {
		visited = append(visited, id)
	})
	assert.Equal(t, []common.NodeID{sibling}, visited)
}

func TestUnknownNodeIsIgnoredInRelease(t *testing.T) {
	r := New(zap.NewNop())

	require.NotPanics(t, func() {
		r.SetCleanProps(99, common.Props{"a": 1})
		r.ClearHandlers(99)
		assert.False(t, r.SetHandlers(99, map[string]common.Handler{"onClick": noop}))
		assert.Nil(t, r.CleanProps(99))
	})
	assert.False(t, r.HasHandlers(99))
}

func TestUnknownNodePanicsInDevelopment(t *testing.T) {
	logger := zaptest.NewLogger(t, zaptest.WrapOptions(zap.Development()))
	r := New(logger)

	assert.Panics(t, func() { r.SetCleanProps(42, common.Props{}) })

	// The lock must have been released by the panic.
	id := r.Allocate("Box")
	assert.Equal(t, common.NodeID(1), id)
}
