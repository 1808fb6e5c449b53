package objectstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fetchbridge/dlsvc/internal/jobengine"
)

// MemoryStore is a pure in-memory ObjectStorage, used in tests and local
// development where no GCS bucket is configured. PresignGet fabricates a
// URL pointing at the in-process key rather than anything externally
// reachable.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte

	// FailPut and FailPresign, when non-nil, are returned verbatim by the
	// next matching call and then cleared — deterministic failure
	// injection for tests exercising the retry path.
	FailPut     error
	FailPresign error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) PutDescriptor(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailPut != nil {
		err := s.FailPut
		s.FailPut = nil
		return err
	}

	cp := append([]byte(nil), data...)
	s.data[key] = cp
	return nil
}

func (s *MemoryStore) PresignGet(_ context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailPresign != nil {
		err := s.FailPresign
		s.FailPresign = nil
		return "", time.Time{}, err
	}

	if _, ok := s.data[key]; !ok {
		return "", time.Time{}, jobengine.Permanent(fmt.Errorf("object %s not found", key))
	}
	expiresAt := time.Now().Add(ttl)
	return fmt.Sprintf("memory://%s?expires=%d", key, expiresAt.Unix()), expiresAt, nil
}

func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Get returns the raw bytes stored under key, for test assertions.
func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}
