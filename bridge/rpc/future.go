package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrPending is returned by Future.Result before the call has settled.
var ErrPending = errors.New("rpc: call still pending")

// Future is the eventual result of a call. It settles exactly once.
type Future struct {
	CorrelationID string
	Method        string

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newFuture(correlationID, method string) *Future {
	return &Future{CorrelationID: correlationID, Method: method, done: make(chan struct{})}
}

// settle records the outcome. Later calls are ignored and report false.
func (f *Future) settle(result json.RawMessage, err error) bool {
	settled := false
	f.once.Do(func() {
		f.result = result
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}

// Done is closed once the call has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome without waiting. It returns ErrPending if the call has not settled.
func (f *Future) Result() (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
		return nil, ErrPending
	}
}

// Await waits for the call to settle or ctx to end. Giving up on ctx does not cancel the
// call; it still settles by response or timeout.
func (f *Future) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits for the result and unmarshals it into v.
func (f *Future) Decode(ctx context.Context, v any) error {
	raw, err := f.Await(ctx)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Await waits for f and decodes its result as T.
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var out T
	err := f.Decode(ctx, &out)
	return out, err
}
