package transport

import (
	"context"
	"sync"

	"lovebridge/bridge/common"
)

// MemoryMedium is an in-memory Medium for hosts running in the same process, and for tests.
type MemoryMedium struct {
	mutex   sync.Mutex
	regions map[string][][]byte
	markers map[string]bool
	closed  bool
}

// NewMemoryMedium creates an empty MemoryMedium.
func NewMemoryMedium() *MemoryMedium {
	return &MemoryMedium{
		regions: make(map[string][][]byte),
		markers: make(map[string]bool),
	}
}

// Push implements Medium.
func (m *MemoryMedium) Push(_ context.Context, region string, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return common.ErrClosed
	}
	m.regions[region] = append(m.regions[region], append([]byte(nil), data...))
	return nil
}

// Drain implements Medium.
func (m *MemoryMedium) Drain(_ context.Context, region string) ([][]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return nil, common.ErrClosed
	}
	blobs := m.regions[region]
	delete(m.regions, region)
	return blobs, nil
}

// Len returns the number of blobs waiting in a region.
func (m *MemoryMedium) Len(region string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.regions[region])
}

// Mark implements Medium.
func (m *MemoryMedium) Mark(_ context.Context, name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return common.ErrClosed
	}
	m.markers[name] = true
	return nil
}

// Unmark implements Medium.
func (m *MemoryMedium) Unmark(_ context.Context, name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return common.ErrClosed
	}
	delete(m.markers, name)
	return nil
}

// Marked implements Medium.
func (m *MemoryMedium) Marked(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return false, common.ErrClosed
	}
	return m.markers[name], nil
}

// Close implements Medium.
func (m *MemoryMedium) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	return nil
}
