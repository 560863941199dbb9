package lease

import (
	"context"
	"sync"
)

// MemoryStore keeps leases in process memory. It is useful for tests and
// single-replica deployments that do not need durability.
type MemoryStore struct {
	mu        sync.Mutex
	namespace string
	leases    map[string]Lease
}

// NewMemoryStore constructs an empty in-memory store scoped to namespace.
func NewMemoryStore(namespace string) *MemoryStore {
	return &MemoryStore{namespace: namespace, leases: make(map[string]Lease)}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, name string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[name]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return l.Clone(), nil
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, l Lease) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leases[l.Name]; ok {
		return Lease{}, ErrAlreadyExists
	}
	stored := l.Clone()
	if stored.Namespace == "" {
		stored.Namespace = s.namespace
	}
	s.leases[l.Name] = stored
	return stored.Clone(), nil
}

// Patch implements Store.
func (s *MemoryStore) Patch(ctx context.Context, name string, annotations map[string]string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[name]
	if !ok {
		return Lease{}, ErrNotFound
	}
	if l.Annotations == nil {
		l.Annotations = make(map[string]string, len(annotations))
	}
	for k, v := range annotations {
		l.Annotations[k] = v
	}
	s.leases[name] = l
	return l.Clone(), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leases[name]; !ok {
		return ErrNotFound
	}
	delete(s.leases, name)
	return nil
}

var _ Store = (*MemoryStore)(nil)
