package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
	"lovebridge/bridge/host"
	"lovebridge/bridge/hostlink"
	"lovebridge/bridge/rpc"
	"lovebridge/bridge/transport"
)

// fixture wires a bridge to a reference host over the in-process transport.
type fixture struct {
	bridge *Bridge
	host   *host.Host
	tr     *transport.InProcess
	clock  *clock.Mock

	mu      sync.Mutex
	batches []command.Batch
	// respond controls whether host events are pushed back.
	respond bool
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		host:    host.New(zaptest.NewLogger(t)),
		clock:   clock.NewMock(),
		respond: true,
	}
	f.host.Handle("ping", func(context.Context, json.RawMessage) (any, error) { return "pong", nil })
	f.tr = transport.NewInProcess(func(batch command.Batch) error {
		f.mu.Lock()
		f.batches = append(f.batches, batch)
		respond := f.respond
		f.mu.Unlock()

		events := f.host.Apply(context.Background(), batch)
		if respond && len(events) > 0 {
			f.tr.Push(events...)
		}
		return nil
	})

	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithClock(f.clock),
		WithTransport(f.tr),
	}, opts...)
	b, err := New(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Destroy() })
	f.bridge = b
	return f
}

func (f *fixture) delivered() []command.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.Batch(nil), f.batches...)
}

func (f *fixture) setRespond(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = v
}

func TestBridgeCoalescesUpdatesWithinFlush(t *testing.T) {
	f := newFixture(t)
	r := f.bridge.Renderer()

	id := r.CreateInstance("Box", common.Props{"color": "red"}, nil)
	require.Equal(t, common.NodeID(1), id)
	require.True(t, r.CommitUpdate(id, common.Props{"color": "blue"}, nil))
	require.True(t, r.CommitUpdate(id, common.Props{"size": 10}, nil))

	assert.Equal(t, 2, r.Commit())

	batches := f.delivered()
	require.Len(t, batches, 1)
	hasHandlers := false
	want := command.Batch{
		{Op: command.OpCreate, ID: 1, Type: "Box", Props: common.Props{"color": "red"}, HasHandlers: &hasHandlers},
		{Op: command.OpUpdate, ID: 1, Props: common.Props{"color": "blue", "size": 10}, RemoveKeys: []string{"color"}, HasHandlers: &hasHandlers},
	}
	if d := cmp.Diff(want, batches[0]); d != "" {
		t.Errorf("batch mismatch (-want +got):\n%s", d)
	}
	assert.Equal(t, common.Props{"size": 10}, f.host.Replica().Props(1))
}

func TestBridgeCommitUpdateSkipsNoop(t *testing.T) {
	f := newFixture(t)
	r := f.bridge.Renderer()

	onClick := func(*common.InputEvent) error { return nil }
	id := r.CreateInstance("Box", common.Props{"a": 1}, map[string]common.Handler{"onClick": onClick})
	r.Commit()

	assert.False(t, r.CommitUpdate(id, common.Props{"a": 1}, map[string]common.Handler{"onClick": onClick}))
	assert.True(t, r.CommitUpdate(id, common.Props{"a": 1}, nil), "dropping every handler is a change")
	r.Commit()

	node, ok := f.host.Replica().Node(id)
	require.True(t, ok)
	assert.False(t, node.HasHandlers)
}

func TestBridgeTreeReachesHost(t *testing.T) {
	f := newFixture(t)
	r := f.bridge.Renderer()

	list := r.CreateInstance("List", nil, nil)
	a := r.CreateInstance("Item", common.Props{"key": "a"}, nil)
	b := r.CreateInstance("Item", common.Props{"key": "b"}, nil)
	label := r.CreateText("hello")
	r.AppendChild(a, label)
	r.AppendChild(list, b)
	r.InsertBefore(list, a, b)
	r.AppendToRoot(list)
	r.Commit()

	replica := f.host.Replica()
	assert.Equal(t, []common.NodeID{list}, replica.Root())
	node, _ := replica.Node(list)
	assert.Equal(t, []common.NodeID{a, b}, node.Children)
	assert.Equal(t, []common.NodeID{a, b}, f.bridge.Nodes().Children(list))

	r.CommitText(label, "bye")
	r.RemoveChild(list, b)
	r.Commit()
	text, _ := replica.Node(label)
	assert.Equal(t, "bye", text.Text)
	assert.Equal(t, 3, replica.Len())

	r.RemoveFromRoot(list)
	r.Commit()
	assert.Equal(t, 0, replica.Len())
	assert.Equal(t, 0, f.bridge.Nodes().Len())
}

func TestBridgeRemovalClearsSubtreeHandlers(t *testing.T) {
	f := newFixture(t)
	r := f.bridge.Renderer()

	noop := func(*common.InputEvent) error { return nil }
	parent := r.CreateInstance("Box", nil, map[string]common.Handler{"onClick": noop})
	child := r.CreateInstance("Box", nil, map[string]common.Handler{"onClick": noop})
	r.AppendChild(parent, child)
	r.AppendToRoot(parent)
	r.Commit()

	r.RemoveFromRoot(parent)
	assert.False(t, f.bridge.Nodes().HasHandlers(parent))
	assert.False(t, f.bridge.Nodes().HasHandlers(child))

	// Ids are never reused after removal.
	next := r.CreateText("x")
	assert.Greater(t, next, child)
}

func TestBridgeRoutesInputToHandlers(t *testing.T) {
	f := newFixture(t)
	r := f.bridge.Renderer()

	var calls []string
	parent := r.CreateInstance("Box", nil, map[string]common.Handler{
		"onClick": func(e *common.InputEvent) error {
			calls = append(calls, "parent")
			return nil
		},
	})
	child := r.CreateInstance("Button", nil, map[string]common.Handler{
		"onClick": func(e *common.InputEvent) error {
			calls = append(calls, "child")
			return nil
		},
		"onKeyDown": func(e *common.InputEvent) error {
			var key struct{ Key string }
			if err := e.Decode(&key); err != nil {
				return err
			}
			calls = append(calls, "key:"+key.Key)
			return nil
		},
	})
	r.AppendChild(parent, child)
	r.AppendToRoot(parent)
	r.Commit()

	path := f.host.Replica().Path(child)
	f.tr.Push(common.MustEvent("click", map[string]any{"targetId": child, "bubblePath": path}))
	f.tr.Push(common.MustEvent("keydown", map[string]any{"key": "a"}))

	assert.Equal(t, []string{"child", "parent", "key:a"}, calls)
}

func TestBridgeRPCPingPong(t *testing.T) {
	f := newFixture(t)

	fut := f.bridge.Call("ping", map[string]any{}, 100*time.Millisecond)
	got, err := rpc.Await[string](context.Background(), fut)
	require.NoError(t, err)
	assert.Equal(t, "pong", got)

	batches := f.delivered()
	require.Len(t, batches, 1, "the call flushed on its own")
	assert.Equal(t, command.OpMessage, batches[0][0].Op)
	assert.Equal(t, rpc.CallType, batches[0][0].Type)
}

func TestBridgeRPCTimeout(t *testing.T) {
	f := newFixture(t)
	f.setRespond(false)

	fut := f.bridge.Call("ping", nil, 100*time.Millisecond)
	require.Eventually(t, func() bool {
		f.clock.Add(50 * time.Millisecond)
		select {
		case <-fut.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	_, err := fut.Result()
	assert.True(t, rpc.IsTimeout(err))
}

func TestBridgeRemoteError(t *testing.T) {
	f := newFixture(t)
	f.host.Handle("fail", func(context.Context, json.RawMessage) (any, error) { return nil, errors.New("denied") })

	_, err := f.bridge.Call("fail", nil, 0).Result()
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "denied", remote.Message)
}

func TestBridgeSendAndSharedState(t *testing.T) {
	f := newFixture(t)
	var messages []string
	f.host.OnMessage(func(cmd command.Command) { messages = append(messages, cmd.Type) })

	require.NoError(t, f.bridge.Send("sound:play", map[string]string{"name": "click"}))
	require.NoError(t, f.bridge.SetSharedState("score", 12))
	assert.Equal(t, 2, f.bridge.Flush())

	assert.Equal(t, []string{"sound:play"}, messages)
	v, ok := f.host.State("score")
	require.True(t, ok)
	assert.JSONEq(t, "12", string(v))
}

func TestBridgeSubscribeAndWildcard(t *testing.T) {
	f := newFixture(t)

	var typed, all []string
	unsub := f.bridge.Subscribe("resize", func(ev common.Event) error {
		typed = append(typed, ev.Type)
		return nil
	})
	f.bridge.Subscribe(common.WildcardEvent, func(ev common.Event) error {
		all = append(all, ev.Type)
		return nil
	})

	f.tr.Push(common.Event{Type: "resize"}, common.Event{Type: "focus"})
	unsub()
	f.tr.Push(common.Event{Type: "resize"})

	assert.Equal(t, []string{"resize"}, typed)
	assert.Equal(t, []string{"resize", "focus", "resize"}, all)
}

// settled fails the test unless fut has already completed.
func settled(t *testing.T, fut *rpc.Future) json.RawMessage {
	t.Helper()
	select {
	case <-fut.Done():
	default:
		t.Fatal("future still pending")
	}
	v, err := fut.Result()
	require.NoError(t, err)
	return v
}

func TestBridgeListenerMayFlushDuringDelivery(t *testing.T) {
	f := newFixture(t)
	b := f.bridge

	var once sync.Once
	var nested *rpc.Future
	b.Subscribe(common.WildcardEvent, func(common.Event) error {
		once.Do(func() {
			assert.NoError(t, b.SetSharedState("seen", true))
			assert.Equal(t, 0, b.Flush(), "the running flush delivers for us")
			nested = b.Call("ping", nil, time.Second)
		})
		return nil
	})

	done := make(chan *rpc.Future, 1)
	go func() { done <- b.Call("ping", nil, time.Second) }()

	var outer *rpc.Future
	select {
	case outer = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Call blocked while a listener flushed during delivery")
	}

	assert.JSONEq(t, `"pong"`, string(settled(t, outer)))
	require.NotNil(t, nested)
	assert.JSONEq(t, `"pong"`, string(settled(t, nested)))

	v, ok := f.host.State("seen")
	require.True(t, ok)
	assert.JSONEq(t, "true", string(v))
	assert.Len(t, f.delivered(), 2, "reentrant commands go out as a second batch")
}

func TestBridgeHandlerMayCommitDuringDelivery(t *testing.T) {
	f := newFixture(t)
	b := f.bridge
	r := b.Renderer()

	var nested *rpc.Future
	button := r.CreateInstance("Button", common.Props{"pressed": false}, nil)
	require.True(t, r.CommitUpdate(button, common.Props{"pressed": false}, map[string]common.Handler{
		"onClick": func(*common.InputEvent) error {
			r.CommitUpdate(button, common.Props{"pressed": true}, nil)
			assert.Equal(t, 0, r.Commit())
			nested = b.Call("ping", nil, time.Second)
			return nil
		},
	}))
	r.AppendToRoot(button)
	require.Equal(t, 3, r.Commit())
	path := f.host.Replica().Path(button)

	// The host answers a message by clicking the button on the same stack.
	f.host.OnMessage(func(cmd command.Command) {
		if cmd.Type == "press" {
			f.tr.Push(common.MustEvent("click", map[string]any{"targetId": button, "bubblePath": path}))
		}
	})

	require.NoError(t, b.Send("press", nil))
	flushed := make(chan int, 1)
	go func() { flushed <- b.Flush() }()
	select {
	case n := <-flushed:
		assert.Equal(t, 3, n, "press, then the handler's update and call")
	case <-time.After(2 * time.Second):
		t.Fatal("Flush blocked while a handler committed during delivery")
	}

	assert.JSONEq(t, `"pong"`, string(settled(t, nested)))
	assert.Equal(t, common.Props{"pressed": true}, f.host.Replica().Props(button))
}

func TestBridgeOnReadyMayFlush(t *testing.T) {
	medium := transport.NewMemoryMedium()
	clk := clock.NewMock()
	opts := transport.NewOptions()
	opts.Clock = clk
	opts.Logger = zaptest.NewLogger(t)
	p, err := transport.NewPolled(medium, opts)
	require.NoError(t, err)

	b, err := New(context.Background(), WithLogger(zaptest.NewLogger(t)), WithClock(clk), WithTransport(p))
	require.NoError(t, err)
	t.Cleanup(func() { b.Destroy() })

	flushed := make(chan int, 1)
	b.OnReady(func() {
		assert.NoError(t, b.Send("hello", nil))
		flushed <- b.Flush()
	})

	ctx := context.Background()
	regions := p.Regions()
	require.NoError(t, medium.Mark(ctx, regions.Ready))
	require.Eventually(t, func() bool {
		clk.Add(transport.DefaultReadyInterval)
		return b.IsReady()
	}, 2*time.Second, time.Millisecond)

	select {
	case n := <-flushed:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("OnReady callback did not flush")
	}
	assert.Equal(t, 1, medium.Len(regions.Inbox))
}

func TestBridgeWaitReadyAfterDestroy(t *testing.T) {
	p, err := transport.NewPolled(transport.NewMemoryMedium(), transport.NewOptions())
	require.NoError(t, err)
	b, err := New(context.Background(), WithLogger(zaptest.NewLogger(t)), WithTransport(p))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- b.WaitReady(context.Background()) }()
	require.NoError(t, b.Destroy())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, common.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitReady outlived Destroy")
	}
}

func TestBridgeRendererIgnoresUnknownNodesInRelease(t *testing.T) {
	core, logs := observer.New(zap.DPanicLevel)
	f := newFixture(t, WithLogger(zap.New(core)))
	r := f.bridge.Renderer()

	box := r.CreateInstance("Box", nil, nil)
	const ghost = common.NodeID(999)

	assert.NotPanics(t, func() {
		assert.False(t, r.CommitUpdate(ghost, common.Props{"a": 1}, nil))
		r.AppendChild(ghost, box)
		r.AppendChild(box, ghost)
		r.AppendToRoot(ghost)
		r.InsertBefore(ghost, box, 0)
		r.InsertBeforeRoot(ghost, box)
		r.RemoveChild(box, ghost)
		r.RemoveFromRoot(ghost)
		r.CommitText(ghost, "boo")
	})
	assert.Equal(t, 9, logs.FilterMessage("registry misuse").Len())

	r.AppendToRoot(box)
	assert.Equal(t, 2, r.Commit(), "only the create and the append were queued")
	batches := f.delivered()
	require.Len(t, batches, 1)
	for _, cmd := range batches[0] {
		assert.NotEqual(t, ghost, cmd.ID)
		assert.NotEqual(t, ghost, cmd.ParentID)
		assert.NotEqual(t, ghost, cmd.ChildID)
	}
	assert.Equal(t, []common.NodeID{box}, f.host.Replica().Root())
}

func TestBridgeRendererMisusePanicsInDevelopment(t *testing.T) {
	f := newFixture(t, WithLogger(zaptest.NewLogger(t, zaptest.WrapOptions(zap.Development()))))
	r := f.bridge.Renderer()

	assert.Panics(t, func() { r.AppendToRoot(999) })
	assert.Equal(t, 0, r.Commit())
	assert.Empty(t, f.delivered())
}

func TestBridgeOnReadyRunsSynchronouslyWhenReady(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.bridge.IsReady())

	called := false
	f.bridge.OnReady(func() { called = true })
	assert.True(t, called)
	assert.NoError(t, f.bridge.WaitReady(context.Background()))
}

func TestBridgeDestroy(t *testing.T) {
	f := newFixture(t)
	f.setRespond(false)

	fut := f.bridge.Call("ping", nil, time.Minute)
	f.bridge.Renderer().CreateText("queued")

	require.NoError(t, f.bridge.Destroy())
	require.NoError(t, f.bridge.Destroy())

	_, err := fut.Result()
	assert.ErrorIs(t, err, rpc.ErrClosed)
	assert.ErrorIs(t, f.bridge.Send("x", nil), common.ErrClosed)
	assert.Equal(t, 0, f.bridge.Flush())
	assert.Len(t, f.delivered(), 1, "only the call was delivered")
	assert.False(t, f.bridge.IsReady())
}

func TestBridgePublishedHookHandsOver(t *testing.T) {
	first := newFixture(t, WithPublishedHook())
	require.NotNil(t, hostlink.Flush())

	second := newFixture(t, WithPublishedHook())
	require.NoError(t, first.bridge.Destroy())
	assert.NotNil(t, hostlink.Flush(), "destroying a replaced owner keeps the new hook")

	require.NoError(t, second.bridge.Destroy())
	assert.Nil(t, hostlink.Flush())
}

func TestBridgeOverHostLinkFlushesOnTick(t *testing.T) {
	h := host.New(zaptest.NewLogger(t))
	var mu sync.Mutex
	var pending []common.Event
	owner := new(int)
	hostlink.SetFlush(owner, func(batch command.Batch) error {
		events := h.Apply(context.Background(), batch)
		mu.Lock()
		pending = append(pending, events...)
		mu.Unlock()
		return nil
	})
	hostlink.SetPoll(owner, func() []common.Event {
		mu.Lock()
		defer mu.Unlock()
		out := pending
		pending = nil
		return out
	})
	t.Cleanup(func() {
		hostlink.DetachFlush(owner)
		hostlink.DetachPoll(owner)
	})

	clk := clock.NewMock()
	b, err := New(context.Background(), WithClock(clk), WithLogger(zaptest.NewLogger(t)), WithFlushOnCall(false))
	require.NoError(t, err)
	defer b.Destroy()
	require.True(t, b.IsReady())

	r := b.Renderer()
	r.AppendToRoot(r.CreateText("tick"))
	h.Handle("ping", func(context.Context, json.RawMessage) (any, error) { return "pong", nil })
	fut := b.Call("ping", nil, time.Minute)

	// The first tick flushes the queue, the next one polls the response.
	require.Eventually(t, func() bool {
		clk.Add(transport.DefaultPollInterval)
		select {
		case <-fut.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	got, err := rpc.Await[string](context.Background(), fut)
	require.NoError(t, err)
	assert.Equal(t, "pong", got)
	assert.Len(t, h.Replica().Root(), 1)
}
