package artifacts

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Store persists artifacts produced by metered tools. Upload returns the
// storage path of the persisted object; Delete is best-effort cleanup after a
// failed metered operation and its errors are logged, never escalated.
type Store interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, path string) error
}

// InMemoryStore is a thread-safe in-memory Store for tests and the demo binary.
type InMemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{objects: make(map[string][]byte)}
}

func (s *InMemoryStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[path] = cp
	return path, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[path]; !ok {
		return errors.Errorf("artifact not found: %s", path)
	}
	delete(s.objects, path)
	return nil
}

// Has reports whether an artifact exists at the given path.
func (s *InMemoryStore) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[path]
	return ok
}

// Count returns the number of stored artifacts.
func (s *InMemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

var _ Store = (*InMemoryStore)(nil)
