package secrets

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/scambiohq/scambio/internal/core/ports"
)

// memoryStore holds sealed values for the life of the process. Handles are
// random, so leaking a handle reveals nothing about the value; the value
// itself never crosses the dispatcher boundary.
type memoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewInMemoryStore() ports.SecretStore {
	return &memoryStore{values: make(map[string]string)}
}

func (s *memoryStore) Seal(kind, value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("cannot seal empty %s", kind)
	}
	handle := fmt.Sprintf("%s:%s", kind, uuid.NewString())
	s.mu.Lock()
	s.values[handle] = value
	s.mu.Unlock()
	return handle, nil
}

func (s *memoryStore) Resolve(handle string) (string, error) {
	s.mu.RLock()
	value, ok := s.values[handle]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown secret handle")
	}
	return value, nil
}
