package common

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by components used after they were closed or destroyed.
	ErrClosed = errors.New("bridge: closed")
	// ErrNotConnected is returned by stream transports that have no live connection.
	ErrNotConnected = errors.New("bridge: not connected")
)

// ErrUnknownNode is reported when an operation names a node id the registry does not know.
type ErrUnknownNode struct {
	ID NodeID
	Op string
}

func (e ErrUnknownNode) Error() string {
	return fmt.Sprintf("unknown node %d in %s", e.ID, e.Op)
}

// ErrInvalidCommand is returned when a command is missing fields its op requires.
type ErrInvalidCommand struct {
	Op      string
	Message string
}

func (e ErrInvalidCommand) Error() string {
	return fmt.Sprintf("invalid %s command: %s", e.Op, e.Message)
}

// ErrorSink receives failures that must not propagate to the caller.
type ErrorSink interface {
	Report(err error, where string)
}

// SinkFunc adapts a function to ErrorSink.
type SinkFunc func(err error, where string)

// Report implements ErrorSink.
func (f SinkFunc) Report(err error, where string) {
	f(err, where)
}

// LogSink reports errors to a zap logger.
type LogSink struct {
	Logger *zap.Logger
}

// Report implements ErrorSink.
func (s LogSink) Report(err error, where string) {
	if s.Logger == nil {
		return
	}
	s.Logger.Error("bridge error", zap.String("where", where), zap.Error(err))
}

// RecoverError converts a recovered panic value into an error.
func RecoverError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}

// SafeCall runs fn and turns a panic into an error.
func SafeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = RecoverError(r)
		}
	}()
	return fn()
}
