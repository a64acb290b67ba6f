package rpc

import (
	"errors"
	"fmt"
	"time"

	"lovebridge/bridge/common"
)

// ErrClosed rejects calls that were pending when the client closed, and calls made afterwards.
var ErrClosed = fmt.Errorf("rpc: %w", common.ErrClosed)

// TimeoutError is returned when no response arrives before the call deadline.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc call %s timed out after %s", e.Method, e.Timeout)
}

// RemoteError carries the error string a host reported for a call.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc call %s failed: %s", e.Method, e.Message)
}

// IsTimeout reports whether err is a call timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
