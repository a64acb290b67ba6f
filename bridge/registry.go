package bridge

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"lovebridge/bridge/transport"
)

// Registry keeps one bridge per namespace.
type Registry struct {
	logger *zap.Logger

	mutex   sync.Mutex
	bridges map[string]*Bridge
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger, bridges: make(map[string]*Bridge)}
}

// Create returns the bridge for namespace, creating it with opts if there is none.
// An empty namespace means transport.DefaultNamespace.
func (r *Registry) Create(ctx context.Context, namespace string, opts ...Option) (*Bridge, error) {
	if namespace == "" {
		namespace = transport.DefaultNamespace
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if b, ok := r.bridges[namespace]; ok {
		return b, nil
	}
	opts = append(slices.Clone(opts), WithNamespace(namespace))
	b, err := New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	r.bridges[namespace] = b
	r.logger.Info("bridge registered", zap.String("namespace", namespace))
	return b, nil
}

// Get returns the bridge for namespace.
func (r *Registry) Get(namespace string) (*Bridge, bool) {
	if namespace == "" {
		namespace = transport.DefaultNamespace
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	b, ok := r.bridges[namespace]
	return b, ok
}

// List returns the registered namespaces in sorted order.
func (r *Registry) List() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	names := make([]string, 0, len(r.bridges))
	for name := range r.bridges {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Destroy destroys and forgets the bridge for namespace.
func (r *Registry) Destroy(namespace string) error {
	r.mutex.Lock()
	b, ok := r.bridges[namespace]
	delete(r.bridges, namespace)
	r.mutex.Unlock()
	if !ok {
		return nil
	}
	return b.Destroy()
}

// DestroyAll destroys every bridge. The first error is returned; every bridge is still destroyed.
func (r *Registry) DestroyAll() error {
	r.mutex.Lock()
	bridges := r.bridges
	r.bridges = make(map[string]*Bridge)
	r.mutex.Unlock()

	var first error
	for name, b := range bridges {
		if err := b.Destroy(); err != nil {
			r.logger.Warn("failed to destroy bridge", zap.String("namespace", name), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}
