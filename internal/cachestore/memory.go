package cachestore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage is a map-backed Storage. Entries are cloned on the way in and
// out so it behaves like a real store.
type MemoryStorage struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{buckets: map[string]*memoryBucket{}}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b := &memoryBucket{name: name, entries: map[string]Entry{}}
	s.buckets[name] = b
	return b, nil
}

func (s *MemoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.buckets))
	for n := range s.buckets {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		return false, nil
	}
	b.mu.Lock()
	b.dropped = true
	b.entries = map[string]Entry{}
	b.mu.Unlock()
	delete(s.buckets, name)
	return true, nil
}

func (s *MemoryStorage) Close() error { return nil }

type memoryBucket struct {
	name string

	mu      sync.Mutex
	entries map[string]Entry
	dropped bool
}

func (b *memoryBucket) Name() string { return b.name }

func (b *memoryBucket) Get(_ context.Context, key string) (Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ent, ok := b.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return ent.Clone(), true, nil
}

func (b *memoryBucket) Put(_ context.Context, key string, ent Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped {
		return ErrBucketDeleted
	}
	b.entries[key] = ent.Clone()
	return nil
}

func (b *memoryBucket) Keys(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.entries))
	for k := range b.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (b *memoryBucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}
