package transport

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lovebridge/bridge/common"
)

func TestJSONRPCStartDoesNotWaitForHello(t *testing.T) {
	producerSide, silent := net.Pipe()
	defer silent.Close()

	var reported atomic.Int32
	opts := NewOptions()
	opts.Logger = zaptest.NewLogger(t)
	opts.ErrorSink = common.SinkFunc(func(error, string) { reported.Add(1) })
	j := NewJSONRPC(producerSide, opts)

	started := make(chan error, 1)
	go func() { started <- j.Start(context.Background(), func([]common.Event) {}) }()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start waited for a host that never answers")
	}
	assert.Equal(t, Polling, j.Readiness().State())
	assert.Empty(t, j.Session())

	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Readiness().Wait(context.Background()), common.ErrClosed)
	assert.Equal(t, int32(0), reported.Load(), "a hello cut short by Close is not an error")
}
