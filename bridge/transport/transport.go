// Package transport carries command batches to the host and host events back to the producer.
package transport

import (
	"context"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
)

// Sink receives inbound events in delivery order.
type Sink func(events []common.Event)

// Transport is the channel between a bridge and its host.
type Transport interface {
	// Deliver hands a batch to the host. Errors are reported by the caller, never retried.
	Deliver(batch command.Batch) error
	// Start begins readiness detection and inbound event delivery to sink.
	Start(ctx context.Context, sink Sink) error
	// Readiness exposes the readiness state machine.
	Readiness() *Readiness
	// Close stops the transport and releases its resources.
	Close() error
}
