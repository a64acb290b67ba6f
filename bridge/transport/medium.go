package transport

import (
	"context"
	"fmt"
)

// Medium is shared storage both sides of a polled transport can reach. Each region is an
// ordered queue of blobs written by exactly one side and consumed by the other, so neither
// side ever rewrites data the other owns.
type Medium interface {
	// Push appends a blob to a region.
	Push(ctx context.Context, region string, data []byte) error
	// Drain removes and returns every blob in a region, oldest first. An empty region
	// returns nil and no error. A blob is returned by at most one Drain.
	Drain(ctx context.Context, region string) ([][]byte, error)
	// Mark sets a presence marker.
	Mark(ctx context.Context, name string) error
	// Unmark clears a presence marker.
	Unmark(ctx context.Context, name string) error
	// Marked reports whether a presence marker is set.
	Marked(ctx context.Context, name string) (bool, error)
	// Close releases the medium.
	Close() error
}

// Regions names the parts of a medium one bridge instance uses.
type Regions struct {
	// Inbox holds command batches for the host.
	Inbox string
	// Outbox holds event batches for the producer.
	Outbox string
	// Ready is the marker the host sets once it is applying commands.
	Ready string
}

// NamespaceRegions returns the region names for a namespace. The default namespace keeps the
// short inbox and outbox names.
func NamespaceRegions(namespace string) Regions {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if namespace == DefaultNamespace {
		return Regions{
			Inbox:  "__bridge_in",
			Outbox: "__bridge_out",
			Ready:  "__bridge_default_ready",
		}
	}
	return Regions{
		Inbox:  fmt.Sprintf("__bridge_%s_in", namespace),
		Outbox: fmt.Sprintf("__bridge_%s_out", namespace),
		Ready:  fmt.Sprintf("__bridge_%s_ready", namespace),
	}
}
