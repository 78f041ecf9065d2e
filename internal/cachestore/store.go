package cachestore

import (
	"context"
	"errors"
	"net/http"
)

// BucketPrefix is the shared prefix of every versioned asset bucket.
const BucketPrefix = "static-assets-"

var (
	ErrBucketDeleted = errors.New("cachestore: bucket deleted")
	ErrClosed        = errors.New("cachestore: storage closed")
)

// Entry is a stored response snapshot keyed by request URL.
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	Hash32   uint32

	// Precached entries come from the install manifest and are never evicted
	// by the size budget.
	Precached bool
}

// Bucket is a single named cache. Reads and writes are atomic per key only.
type Bucket interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, ent Entry) error
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Storage holds every bucket of an origin.
type Storage interface {
	// Open returns the named bucket, creating it if needed.
	Open(ctx context.Context, name string) (Bucket, error)
	Names(ctx context.Context) ([]string, error)
	// Delete drops the bucket and all of its entries. It reports whether the
	// bucket existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

func BucketName(version string) string {
	return BucketPrefix + version
}

// Clone returns a deep copy so callers can't mutate stored state.
func (e Entry) Clone() Entry {
	out := e
	out.Header = e.Header.Clone()
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}
