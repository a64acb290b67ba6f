package host

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
	"lovebridge/bridge/rpc"
	"lovebridge/bridge/transport"
)

type collected struct {
	mu     sync.Mutex
	events []common.Event
}

func (c *collected) sink(events []common.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
}

func (c *collected) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func pingHost(t *testing.T) *Host {
	h := New(zaptest.NewLogger(t))
	h.Handle("ping", func(context.Context, json.RawMessage) (any, error) {
		return map[string]bool{"pong": true}, nil
	})
	return h
}

func TestPolledHostRoundTrip(t *testing.T) {
	ctx := context.Background()
	medium := transport.NewMemoryMedium()
	opts := transport.NewOptions()
	opts.Namespace = "hud"
	opts.Clock = clock.NewMock()
	opts.Logger = zaptest.NewLogger(t)

	producer, err := transport.NewPolled(medium, opts)
	require.NoError(t, err)
	defer producer.Close()

	h := pingHost(t)
	ph, err := NewPolledHost(h, medium, opts)
	require.NoError(t, err)

	require.NoError(t, producer.Deliver(command.Batch{
		command.Create(1, "view", common.Props{"id": "root"}, false),
		command.AppendToRoot(1),
		callMessage(t, "c1", "ping", nil),
	}))
	ph.Emit(common.MustEvent("click", map[string]any{"targetId": 1}))
	require.NoError(t, ph.Tick(ctx))

	assert.Equal(t, []common.NodeID{1}, h.Replica().Root())

	var got collected
	n := producer.Poll(ctx, got.sink)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{rpc.ResponseType("c1"), "click"}, got.types())

	// Nothing queued means nothing written.
	require.NoError(t, ph.Tick(ctx))
	assert.Equal(t, 0, medium.Len("__bridge_hud_out"))
}

func TestPolledHostSkipsBadBlobs(t *testing.T) {
	ctx := context.Background()
	medium := transport.NewMemoryMedium()
	h := New(zaptest.NewLogger(t))
	ph, err := NewPolledHost(h, medium, nil)
	require.NoError(t, err)

	require.NoError(t, medium.Push(ctx, "__bridge_in", []byte("not json")))
	good, err := command.JSONCodec{}.EncodeBatch(command.Batch{command.CreateText(1, "a")})
	require.NoError(t, err)
	require.NoError(t, medium.Push(ctx, "__bridge_in", good))

	require.NoError(t, ph.Tick(ctx))
	assert.Equal(t, 1, h.Replica().Len())
}

func TestPolledHostRunSetsMarker(t *testing.T) {
	medium := transport.NewMemoryMedium()
	opts := transport.NewOptions()
	opts.Clock = clock.NewMock()
	ph, err := NewPolledHost(New(nil), medium, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ph.Run(ctx) }()

	require.Eventually(t, func() bool {
		marked, _ := medium.Marked(context.Background(), "__bridge_default_ready")
		return marked
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	marked, err := medium.Marked(context.Background(), "__bridge_default_ready")
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestWebSocketHandlerRoundTrip(t *testing.T) {
	h := pingHost(t)
	handler := NewWebSocketHandler(func(string) *Host { return h }, zaptest.NewLogger(t))
	server := httptest.NewServer(handler)
	defer server.Close()

	opts := transport.NewOptions()
	opts.Logger = zaptest.NewLogger(t)
	ws := transport.NewWebSocket("ws"+strings.TrimPrefix(server.URL, "http"), nil, opts)
	defer ws.Close()

	var got collected
	require.NoError(t, ws.Start(context.Background(), got.sink))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ws.Readiness().Wait(ctx))
	require.NotEmpty(t, ws.Session())

	require.NoError(t, ws.Deliver(command.Batch{
		command.CreateText(1, "hi"),
		command.AppendToRoot(1),
		callMessage(t, "c1", "ping", nil),
	}))
	require.Eventually(t, func() bool { return len(got.types()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, rpc.ResponseType("c1"), got.types()[0])
	assert.Equal(t, []common.NodeID{1}, h.Replica().Root())

	// Host-initiated input.
	require.NoError(t, handler.Emit(ws.Session(), common.MustEvent("click", nil)))
	require.Eventually(t, func() bool { return len(got.types()) == 2 }, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, handler.Emit("nobody", common.MustEvent("click", nil)), common.ErrNotConnected)
}

func TestJSONRPCHostRoundTrip(t *testing.T) {
	hostSide, producerSide := net.Pipe()
	h := pingHost(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jh := ServeJSONRPC(ctx, h, hostSide, zaptest.NewLogger(t))
	defer jh.Close()

	opts := transport.NewOptions()
	opts.Namespace = "menu"
	opts.Logger = zaptest.NewLogger(t)
	producer := transport.NewJSONRPC(producerSide, opts)
	defer producer.Close()

	var got collected
	require.NoError(t, producer.Start(ctx, got.sink))
	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, producer.Readiness().Wait(waitCtx))
	assert.Equal(t, jh.Session(), producer.Session())

	require.NoError(t, producer.Deliver(command.Batch{
		command.Create(1, "view", nil, true),
		command.AppendToRoot(1),
		callMessage(t, "c1", "ping", nil),
	}))
	require.Eventually(t, func() bool { return len(got.types()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, rpc.ResponseType("c1"), got.types()[0])
	assert.Equal(t, []common.NodeID{1}, h.Replica().Handlers())

	require.NoError(t, jh.Emit(ctx, common.MustEvent("hover", nil)))
	require.Eventually(t, func() bool { return len(got.types()) == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "hover", got.types()[1])
}
