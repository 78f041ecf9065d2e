package cachestore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<bucket>            bucket registry
//	e:<bucket>\x00<key>   gob Entry
//	m:<bucket>\x00<key>   gob entryMeta
const keySep = "\x00"

type entryMeta struct {
	Size      int64
	StoredAt  int64
	Precached bool
}

// LevelStorage keeps buckets in a single goleveldb database.
type LevelStorage struct {
	db *leveldb.DB

	// maxBytes bounds runtime (non-precached) entries per bucket; 0 disables.
	maxBytes int64

	mu      sync.Mutex
	buckets map[string]*levelBucket
	closed  bool
}

func OpenLevel(path string, maxBytes int64) (*LevelStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelStorage{
		db:       db,
		maxBytes: maxBytes,
		buckets:  map[string]*levelBucket{},
	}, nil
}

func (s *LevelStorage) Open(_ context.Context, name string) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	if err := s.db.Put([]byte("n:"+name), nil, nil); err != nil {
		return nil, err
	}
	b := &levelBucket{
		name:     name,
		db:       s.db,
		maxBytes: s.maxBytes,
		index:    map[string]entryMeta{},
	}
	if err := b.loadIndex(); err != nil {
		return nil, err
	}
	s.buckets[name] = b
	return b, nil
}

func (s *LevelStorage) Names(_ context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("n:"))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *LevelStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	existed, err := s.db.Has([]byte("n:"+name), nil)
	if err != nil {
		return false, err
	}

	// Writers on an open handle must stop before the entries are collected.
	if b, ok := s.buckets[name]; ok {
		b.markDropped()
		delete(s.buckets, name)
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte("n:" + name))
	for _, p := range []string{"e:", "m:"} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(p+name+keySep)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, err
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return existed, nil
}

func (s *LevelStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type levelBucket struct {
	name     string
	db       *leveldb.DB
	maxBytes int64

	mu      sync.Mutex
	index   map[string]entryMeta
	total   int64 // runtime entries only
	dropped bool
}

func (b *levelBucket) Name() string { return b.name }

func (b *levelBucket) entryKey(key string) []byte { return []byte("e:" + b.name + keySep + key) }
func (b *levelBucket) metaKey(key string) []byte  { return []byte("m:" + b.name + keySep + key) }

func (b *levelBucket) loadIndex() error {
	prefix := []byte("m:" + b.name + keySep)
	it := b.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var total int64
	idx := map[string]entryMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), prefix))
		var meta entryMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		if !meta.Precached {
			total += meta.Size
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	b.mu.Lock()
	b.index = idx
	b.total = total
	b.mu.Unlock()
	return nil
}

func (b *levelBucket) markDropped() {
	b.mu.Lock()
	b.dropped = true
	b.index = map[string]entryMeta{}
	b.total = 0
	b.mu.Unlock()
}

func (b *levelBucket) Get(_ context.Context, key string) (Entry, bool, error) {
	b.mu.Lock()
	dropped := b.dropped
	b.mu.Unlock()
	if dropped {
		return Entry{}, false, nil
	}

	raw, err := b.db.Get(b.entryKey(key), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decodeGob(raw, &ent); err != nil {
		return Entry{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return ent, true, nil
}

func (b *levelBucket) Put(_ context.Context, key string, ent Entry) error {
	raw, err := encodeGob(ent)
	if err != nil {
		return err
	}
	meta := entryMeta{Size: int64(len(raw)), StoredAt: ent.StoredAt, Precached: ent.Precached}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.dropped {
		b.mu.Unlock()
		return ErrBucketDeleted
	}
	batch := new(leveldb.Batch)
	batch.Put(b.entryKey(key), raw)
	batch.Put(b.metaKey(key), mb)
	if err := b.db.Write(batch, nil); err != nil {
		b.mu.Unlock()
		return err
	}
	if old, ok := b.index[key]; ok && !old.Precached {
		b.total -= old.Size
	}
	b.index[key] = meta
	if !meta.Precached {
		b.total += meta.Size
	}
	over := b.maxBytes > 0 && b.total > b.maxBytes
	b.mu.Unlock()

	if over {
		b.evictSome()
	}
	return nil
}

func (b *levelBucket) Keys(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.index))
	for k := range b.index {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (b *levelBucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleteLocked(key)
}

func (b *levelBucket) deleteLocked(key string) error {
	if b.dropped {
		return nil
	}
	batch := new(leveldb.Batch)
	batch.Delete(b.entryKey(key))
	batch.Delete(b.metaKey(key))
	if err := b.db.Write(batch, nil); err != nil {
		return err
	}
	if meta, ok := b.index[key]; ok {
		if !meta.Precached {
			b.total -= meta.Size
		}
		delete(b.index, key)
	}
	return nil
}

// evictSome drops the oldest 10% of runtime entries.
func (b *levelBucket) evictSome() {
	b.mu.Lock()
	defer b.mu.Unlock()

	type item struct {
		key string
		m   entryMeta
	}
	items := make([]item, 0, len(b.index))
	for k, m := range b.index {
		if m.Precached {
			continue
		}
		items = append(items, item{k, m})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].m.StoredAt < items[j].m.StoredAt
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		_ = b.deleteLocked(items[i].key)
	}
}
