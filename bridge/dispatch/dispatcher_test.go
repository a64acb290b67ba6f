package dispatch

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lovebridge/bridge/common"
)

type recordingSink struct {
	mu     sync.Mutex
	errors []error
	wheres []string
}

func (s *recordingSink) Report(err error, where string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, err)
	s.wheres = append(s.wheres, where)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *recordingSink) {
	sink := &recordingSink{}
	return New(WithLogger(zaptest.NewLogger(t)), WithErrorSink(sink)), sink
}

func TestListenerIsolation(t *testing.T) {
	for _, failure := range []string{"error", "panic"} {
		t.Run(failure, func(t *testing.T) {
			d, sink := newTestDispatcher(t)

			var calls []int
			d.Subscribe("tick", func(common.Event) error {
				calls = append(calls, 1)
				return nil
			})
			d.Subscribe("tick", func(common.Event) error {
				calls = append(calls, 2)
				if failure == "panic" {
					panic("listener blew up")
				}
				return errors.New("listener failed")
			})
			d.Subscribe("tick", func(common.Event) error {
				calls = append(calls, 3)
				return nil
			})

			assert.NotPanics(t, func() {
				d.Ingest([]common.Event{{Type: "tick"}, {Type: "tick"}})
			})
			assert.Equal(t, []int{1, 2, 3, 1, 2, 3}, calls)
			require.Len(t, sink.errors, 2)
			assert.Equal(t, "listener for tick", sink.wheres[0])
		})
	}
}

func TestWildcardSeesEveryEvent(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var exact []string
	var all []common.Event
	d.Subscribe("a", func(ev common.Event) error {
		exact = append(exact, ev.Type)
		return nil
	})
	d.Subscribe(common.WildcardEvent, func(ev common.Event) error {
		all = append(all, ev)
		return nil
	})

	d.Ingest([]common.Event{
		common.MustEvent("a", map[string]int{"n": 1}),
		{Type: "b"},
	})

	assert.Equal(t, []string{"a"}, exact)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Type)
	assert.JSONEq(t, `{"n":1}`, string(all[0].Payload))
	assert.Equal(t, "b", all[1].Type)
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var calls []string
	var unsubSecond Unsubscribe
	d.Subscribe("e", func(common.Event) error {
		calls = append(calls, "first")
		unsubSecond()
		return nil
	})
	unsubSecond = d.Subscribe("e", func(common.Event) error {
		calls = append(calls, "second")
		return nil
	})

	d.Ingest([]common.Event{{Type: "e"}})
	assert.Equal(t, []string{"first", "second"}, calls, "listeners collected for the pass still run")

	calls = nil
	d.Ingest([]common.Event{{Type: "e"}})
	assert.Equal(t, []string{"first"}, calls)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	d, _ := newTestDispatcher(t)

	unsub := d.Subscribe("e", func(common.Event) error { return nil })
	d.Subscribe("e", func(common.Event) error { return nil })
	assert.Equal(t, 2, d.Count("e"))

	unsub()
	unsub()
	assert.Equal(t, 1, d.Count("e"))

	d.Clear()
	assert.Equal(t, 0, d.Count("e"))
}

func TestIngestPreservesOrder(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var seen []string
	d.Subscribe(common.WildcardEvent, func(ev common.Event) error {
		seen = append(seen, ev.Type)
		return nil
	})

	d.Ingest([]common.Event{{Type: "x"}, {Type: "y"}, {Type: "x"}, {Type: "z"}})
	assert.Equal(t, []string{"x", "y", "x", "z"}, seen)
}
