package cachestore

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storages(t *testing.T) map[string]Storage {
	t.Helper()
	lvl, err := OpenLevel(filepath.Join(t.TempDir(), "db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lvl.Close() })
	return map[string]Storage{
		"leveldb": lvl,
		"memory":  NewMemory(),
	}
}

func TestBucketName(t *testing.T) {
	assert.Equal(t, "static-assets-v3", BucketName("v3"))
}

func TestStorage_PutGetKeysDelete(t *testing.T) {
	ctx := context.Background()
	for name, st := range storages(t) {
		t.Run(name, func(t *testing.T) {
			b, err := st.Open(ctx, BucketName("v1"))
			require.NoError(t, err)

			_, ok, err := b.Get(ctx, "/index.html")
			require.NoError(t, err)
			assert.False(t, ok)

			ent := Entry{
				URL:    "/index.html",
				Status: http.StatusOK,
				Header: http.Header{"Content-Type": {"text/html"}},
				Body:   []byte("<html></html>"),
			}
			require.NoError(t, b.Put(ctx, "/index.html", ent))
			require.NoError(t, b.Put(ctx, "/sw.js", Entry{Status: 200, Body: []byte("sw")}))

			got, ok, err := b.Get(ctx, "/index.html")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, ent.Body, got.Body)
			assert.Equal(t, "text/html", got.Header.Get("Content-Type"))

			keys, err := b.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"/index.html", "/sw.js"}, keys)

			require.NoError(t, b.Delete(ctx, "/sw.js"))
			keys, err = b.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"/index.html"}, keys)
		})
	}
}

func TestStorage_DeleteBucket(t *testing.T) {
	ctx := context.Background()
	for name, st := range storages(t) {
		t.Run(name, func(t *testing.T) {
			old, err := st.Open(ctx, BucketName("v1"))
			require.NoError(t, err)
			require.NoError(t, old.Put(ctx, "/a", Entry{Body: []byte("a")}))
			_, err = st.Open(ctx, BucketName("v2"))
			require.NoError(t, err)

			names, err := st.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{BucketName("v1"), BucketName("v2")}, names)

			existed, err := st.Delete(ctx, BucketName("v1"))
			require.NoError(t, err)
			assert.True(t, existed)

			existed, err = st.Delete(ctx, BucketName("v1"))
			require.NoError(t, err)
			assert.False(t, existed)

			names, err = st.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{BucketName("v2")}, names)

			// writes through a handle to a deleted bucket are lost
			assert.ErrorIs(t, old.Put(ctx, "/b", Entry{}), ErrBucketDeleted)

			reopened, err := st.Open(ctx, BucketName("v1"))
			require.NoError(t, err)
			keys, err := reopened.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestMemoryStorage_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	b, err := NewMemory().Open(ctx, "x")
	require.NoError(t, err)
	body := []byte("one")
	require.NoError(t, b.Put(ctx, "k", Entry{Body: body}))
	body[0] = 'X'

	got, _, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "one", string(got.Body))
}

func TestLevelStorage_ReopenKeepsIndex(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")

	st, err := OpenLevel(path, 0)
	require.NoError(t, err)
	b, err := st.Open(ctx, BucketName("v1"))
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "/offline.html", Entry{Body: []byte("offline"), Precached: true}))
	require.NoError(t, st.Close())

	st, err = OpenLevel(path, 0)
	require.NoError(t, err)
	defer st.Close()
	b, err = st.Open(ctx, BucketName("v1"))
	require.NoError(t, err)
	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/offline.html"}, keys)
}

func TestLevelStorage_DeleteRacingWritesLeavesNothing(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")

	st, err := OpenLevel(path, 0)
	require.NoError(t, err)
	b, err := st.Open(ctx, BucketName("v1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			<-start
			for i := 0; i < 200; i++ {
				if err := b.Put(ctx, fmt.Sprintf("/assets/%d-%d.js", w, i), Entry{Body: []byte("x")}); err != nil {
					assert.ErrorIs(t, err, ErrBucketDeleted)
					return
				}
			}
		}(w)
	}
	close(start)
	_, err = st.Delete(ctx, BucketName("v1"))
	require.NoError(t, err)
	wg.Wait()
	require.NoError(t, st.Close())

	st, err = OpenLevel(path, 0)
	require.NoError(t, err)
	defer st.Close()
	b, err = st.Open(ctx, BucketName("v1"))
	require.NoError(t, err)
	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLevelStorage_EvictsRuntimeEntriesOnly(t *testing.T) {
	ctx := context.Background()
	st, err := OpenLevel(filepath.Join(t.TempDir(), "db"), 2048)
	require.NoError(t, err)
	defer st.Close()

	b, err := st.Open(ctx, BucketName("v1"))
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "/offline.html", Entry{Body: make([]byte, 4096), Precached: true}))

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("/assets/%02d.js", i)
		require.NoError(t, b.Put(ctx, key, Entry{Body: make([]byte, 256), StoredAt: int64(i)}))
	}

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, "/offline.html")
	assert.NotContains(t, keys, "/assets/00.js")
	assert.Contains(t, keys, "/assets/19.js")
}
