package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"pwaedge/internal/cachestore"
)

// Offline serves the precached offline document.
type Offline struct {
	bucket cachestore.Bucket
	log    *zap.Logger
}

func NewOffline(bucket cachestore.Bucket, log *zap.Logger) *Offline {
	return &Offline{bucket: bucket, log: log}
}

func (o *Offline) Serve(ctx context.Context, w http.ResponseWriter) string {
	ent, ok, err := o.bucket.Get(ctx, OfflinePath)
	if err != nil {
		o.log.Error("offline document lookup failed", zap.Error(err))
	}
	if !ok {
		setStatusHeader(w.Header(), OutcomeOffline)
		http.Error(w, "offline", http.StatusServiceUnavailable)
		return OutcomeOffline
	}
	writeEntry(w, ent, OutcomeOffline)
	return OutcomeOffline
}

const (
	maxCooldownKeys = 4096
	// missFetchTimeout bounds a coalesced miss fetch, which no single request
	// owns.
	missFetchTimeout = 30 * time.Second
)

// CacheFirst is stale-while-revalidate: hits are served from the bucket at once
// and refreshed in the background, misses go to the network and are stored.
type CacheFirst struct {
	origin  string
	fetch   Fetcher
	bucket  cachestore.Bucket
	offline *Offline
	tasks   *Tasks
	log     *zap.Logger

	// cooldown suppresses repeated revalidation of the same key; nil means
	// every hit revalidates.
	cooldown *gocache.Cache
	group    singleflight.Group
}

func NewCacheFirst(origin string, fetch Fetcher, bucket cachestore.Bucket, offline *Offline, tasks *Tasks, cooldown time.Duration, log *zap.Logger) *CacheFirst {
	s := &CacheFirst{
		origin:  origin,
		fetch:   fetch,
		bucket:  bucket,
		offline: offline,
		tasks:   tasks,
		log:     log,
	}
	if cooldown > 0 {
		// No janitor goroutine; expired keys are swept in revalidate.
		s.cooldown = gocache.New(cooldown, 0)
	}
	return s
}

func (s *CacheFirst) Serve(w http.ResponseWriter, r *http.Request) string {
	if r.Method != http.MethodGet {
		return passthrough(w, r, s.fetch, s.origin+r.URL.RequestURI(), s.log)
	}
	ctx := r.Context()
	key := cacheKey(r)

	ent, ok, err := s.bucket.Get(ctx, key)
	if err != nil {
		s.log.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		writeEntry(w, ent, OutcomeHit)
		s.revalidate(key, r.Header.Clone())
		return OutcomeHit
	}

	hdr := r.Header.Clone()
	ch := s.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), missFetchTimeout)
		defer cancel()
		fresh, err := fetchEntry(fctx, s.fetch, s.origin, key, hdr)
		if err != nil {
			return nil, err
		}
		if isOK(fresh.Status) {
			if err := s.bucket.Put(fctx, key, fresh); err != nil {
				s.log.Warn("cache store failed", zap.String("key", key), zap.Error(err))
			}
		}
		return fresh, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		// The shared fetch keeps running for the other callers.
		s.log.Debug("request ended before network response", zap.String("key", key), zap.Error(ctx.Err()))
		return s.offline.Serve(ctx, w)
	}
	if res.Err != nil {
		s.log.Info("network fetch failed, serving offline document", zap.String("key", key), zap.Error(res.Err))
		return s.offline.Serve(ctx, w)
	}
	fresh := res.Val.(cachestore.Entry)
	if !isOK(fresh.Status) {
		writeEntry(w, fresh, OutcomeUncached)
		return OutcomeUncached
	}
	writeEntry(w, fresh, OutcomeMiss)
	return OutcomeMiss
}

func (s *CacheFirst) revalidate(key string, hdr http.Header) {
	if s.cooldown != nil {
		if _, found := s.cooldown.Get(key); found {
			return
		}
		if s.cooldown.ItemCount() > maxCooldownKeys {
			s.cooldown.DeleteExpired()
		}
		s.cooldown.SetDefault(key, struct{}{})
	}
	s.tasks.Go("revalidate "+key, func(ctx context.Context) error {
		return s.revalidateOnce(ctx, key, hdr)
	})
}

func (s *CacheFirst) revalidateOnce(ctx context.Context, key string, hdr http.Header) error {
	fresh, err := fetchEntry(ctx, s.fetch, s.origin, key, hdr)
	if err != nil {
		return err
	}
	if !isOK(fresh.Status) {
		return fmt.Errorf("revalidate %s: status %d", key, fresh.Status)
	}
	cur, ok, err := s.bucket.Get(ctx, key)
	if err == nil && ok && cur.Hash32 == fresh.Hash32 {
		return nil
	}
	fresh.Precached = ok && cur.Precached
	return s.bucket.Put(ctx, key, fresh)
}

// NetworkFallback is the catch-all: cached copy if present, else network,
// else the offline document. It never writes to the bucket.
type NetworkFallback struct {
	origin  string
	fetch   Fetcher
	bucket  cachestore.Bucket
	offline *Offline
	log     *zap.Logger
}

func NewNetworkFallback(origin string, fetch Fetcher, bucket cachestore.Bucket, offline *Offline, log *zap.Logger) *NetworkFallback {
	return &NetworkFallback{origin: origin, fetch: fetch, bucket: bucket, offline: offline, log: log}
}

func (s *NetworkFallback) Serve(w http.ResponseWriter, r *http.Request) string {
	ctx := r.Context()
	if r.Method != http.MethodGet {
		return s.forward(w, r)
	}
	key := cacheKey(r)

	ent, ok, err := s.bucket.Get(ctx, key)
	if err != nil {
		s.log.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		writeEntry(w, ent, OutcomeHit)
		return OutcomeHit
	}

	fresh, err := fetchEntry(ctx, s.fetch, s.origin, key, r.Header)
	if err != nil {
		s.log.Info("network fetch failed, serving offline document", zap.String("key", key), zap.Error(err))
		return s.offline.Serve(ctx, w)
	}
	writeEntry(w, fresh, OutcomeNetwork)
	return OutcomeNetwork
}

func (s *NetworkFallback) forward(w http.ResponseWriter, r *http.Request) string {
	target := s.origin + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return s.offline.Serve(r.Context(), w)
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)
	resp, err := s.fetch.Do(req)
	if err != nil {
		s.log.Info("network fetch failed, serving offline document", zap.String("url", target), zap.Error(err))
		return s.offline.Serve(r.Context(), w)
	}
	defer resp.Body.Close()
	copyResponse(w, resp, OutcomeNetwork)
	return OutcomeNetwork
}
