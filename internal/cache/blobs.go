package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.RWMutex
	entries map[string]Blob
}

// NewMemoryStore keeps blobs in process. Expired entries are dropped on
// lookup; once maxEntries is reached the entry closest to expiry is replaced.
func NewMemoryStore(ttl time.Duration, maxEntries int) Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 512
	}
	return &memoryStore{ttl: ttl, maxEntries: maxEntries, entries: make(map[string]Blob)}
}

func (s *memoryStore) Lookup(_ context.Context, key string) (Blob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.entries[key]
	if !ok {
		return Blob{}, false, nil
	}
	if time.Now().After(blob.ExpiresAt) {
		delete(s.entries, key)
		return Blob{}, false, nil
	}
	return cloneBlob(blob), true, nil
}

func (s *memoryStore) Save(_ context.Context, key string, blob Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blob.StoredAt.IsZero() {
		blob.StoredAt = time.Now().UTC()
	}
	if blob.ExpiresAt.IsZero() || blob.ExpiresAt.Before(blob.StoredAt) {
		blob.ExpiresAt = blob.StoredAt.Add(s.ttl)
	}
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxEntries {
		s.evictOldest()
	}
	s.entries[key] = cloneBlob(blob)
	return nil
}

func (s *memoryStore) DeletePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}
	return nil
}

func (s *memoryStore) Size(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

func (s *memoryStore) Close(_ context.Context) error {
	return nil
}

func (s *memoryStore) evictOldest() {
	var (
		victim string
		oldest time.Time
	)
	for key, blob := range s.entries {
		if victim == "" || blob.ExpiresAt.Before(oldest) {
			victim, oldest = key, blob.ExpiresAt
		}
	}
	delete(s.entries, victim)
}

func cloneBlob(in Blob) Blob {
	out := in
	if in.Data != nil {
		out.Data = append([]byte(nil), in.Data...)
	}
	return out
}

type discardStore struct{}

// NoStore never keeps a blob, so every download goes to the network.
var NoStore Store = discardStore{}

func (discardStore) Lookup(context.Context, string) (Blob, bool, error) { return Blob{}, false, nil }
func (discardStore) Save(context.Context, string, Blob) error           { return nil }
func (discardStore) DeletePrefix(context.Context, string) error         { return nil }
func (discardStore) Size(context.Context) (int64, error)                { return 0, nil }
func (discardStore) Close(context.Context) error                        { return nil }
