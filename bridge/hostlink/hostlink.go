// Package hostlink holds the process-wide hooks an embedding host installs so that a bridge
// created without an explicit transport can still find a delivery function and an event source.
package hostlink

import (
	"sync"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
)

// PollFunc returns events the host has queued for the producer since the last call.
type PollFunc func() []common.Event

var (
	mutex      sync.RWMutex
	flush      command.DeliverFunc
	flushOwner any
	poll       PollFunc
	pollOwner  any
)

// SetFlush installs the default delivery function on behalf of owner, replacing any previous owner.
// Passing a nil fn removes it.
func SetFlush(owner any, fn command.DeliverFunc) {
	mutex.Lock()
	defer mutex.Unlock()
	flush = fn
	flushOwner = owner
	if fn == nil {
		flushOwner = nil
	}
}

// Flush returns the default delivery function, or nil if none is installed.
func Flush() command.DeliverFunc {
	mutex.RLock()
	defer mutex.RUnlock()
	return flush
}

// DetachFlush removes the delivery function if owner still holds it.
func DetachFlush(owner any) bool {
	mutex.Lock()
	defer mutex.Unlock()
	if flush == nil || flushOwner != owner {
		return false
	}
	flush = nil
	flushOwner = nil
	return true
}

// SetPoll installs the global poll hook on behalf of owner, replacing any previous owner.
func SetPoll(owner any, fn PollFunc) {
	mutex.Lock()
	defer mutex.Unlock()
	poll = fn
	pollOwner = owner
	if fn == nil {
		pollOwner = nil
	}
}

// Poll returns the installed poll hook, or nil.
func Poll() PollFunc {
	mutex.RLock()
	defer mutex.RUnlock()
	return poll
}

// DetachPoll removes the poll hook if owner still holds it. It reports whether the hook was removed.
func DetachPoll(owner any) bool {
	mutex.Lock()
	defer mutex.Unlock()
	if poll == nil || pollOwner != owner {
		return false
	}
	poll = nil
	pollOwner = nil
	return true
}
