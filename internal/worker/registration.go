package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pwaedge/internal/cachestore"
)

var (
	ErrInstallFailed = errors.New("install failed")
	ErrUnregistered  = errors.New("registration unregistered")
)

// Script is one revision of the worker: its cache version and precache list.
// Raw is compared byte for byte to decide whether an update is needed.
type Script struct {
	Version  string
	Manifest Manifest
	Raw      []byte
}

type ScriptSource interface {
	Fetch(ctx context.Context) (Script, error)
}

// Clients is the set of open pages.
type Clients interface {
	// Claim makes every open page controlled by version and returns how many
	// pages changed controller.
	Claim(ctx context.Context, version string) int
	// Controlled counts pages controlled by version.
	Controlled(version string) int
	OpenWindow(ctx context.Context, url string) error
	Broadcast(ctx context.Context, v any) error
}

type Config struct {
	// Origin serves the app shell and static assets.
	Origin            string
	Backend           string
	APIPrefix         string
	AssetSegment      string
	ObjectStorageHost string

	RevalidateCooldown  time.Duration
	PrecacheConcurrency int
}

// Worker is one installed revision.
type Worker struct {
	script Script
	state  State
	bucket cachestore.Bucket
	router *Router
}

func (w *Worker) Version() string { return w.script.Version }

// Snapshot is the externally visible registration state.
type Snapshot struct {
	Registered bool   `json:"registered"`
	Installing string `json:"installing,omitempty"`
	Waiting    string `json:"waiting,omitempty"`
	Active     string `json:"active,omitempty"`
	Controlled int    `json:"controlled"`
}

// Registration owns the workers of one scope: at most one installing, one
// waiting and one active.
type Registration struct {
	cfg     Config
	storage cachestore.Storage
	fetch   Fetcher
	clients Clients
	scripts ScriptSource
	tasks   *Tasks
	log     *zap.Logger

	// OnInstallError is called with every fatal install error.
	OnInstallError func(error)

	installMu sync.Mutex

	mu           sync.Mutex
	installing   *Worker
	waiting      *Worker
	active       *Worker
	unregistered bool
}

func NewRegistration(cfg Config, storage cachestore.Storage, fetch Fetcher, clients Clients, scripts ScriptSource, tasks *Tasks, log *zap.Logger) *Registration {
	if cfg.PrecacheConcurrency <= 0 {
		cfg.PrecacheConcurrency = 4
	}
	cfg.Origin = strings.TrimRight(cfg.Origin, "/")
	return &Registration{
		cfg:     cfg,
		storage: storage,
		fetch:   fetch,
		clients: clients,
		scripts: scripts,
		tasks:   tasks,
		log:     log,
	}
}

// Register re-enables a registration after Unregister and checks for a script.
func (r *Registration) Register(ctx context.Context) error {
	r.mu.Lock()
	r.unregistered = false
	r.mu.Unlock()
	return r.Update(ctx)
}

// Update fetches the worker script and installs it when it differs from the
// newest known worker. Only one install runs at a time; an Update that
// overlaps a running install returns immediately.
func (r *Registration) Update(ctx context.Context) error {
	r.mu.Lock()
	unregistered := r.unregistered
	r.mu.Unlock()
	if unregistered {
		return ErrUnregistered
	}

	if !r.installMu.TryLock() {
		return nil
	}
	defer r.installMu.Unlock()

	script, err := r.scripts.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch worker script: %w", err)
	}

	r.mu.Lock()
	newest := r.waiting
	if newest == nil {
		newest = r.active
	}
	r.mu.Unlock()
	if newest != nil && bytes.Equal(newest.script.Raw, script.Raw) {
		return nil
	}

	return r.install(ctx, script)
}

func (r *Registration) install(ctx context.Context, script Script) error {
	w := &Worker{script: script, state: StateInstalling}
	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()

	r.log.Info("installing worker", zap.String("version", script.Version), zap.Int("precache", len(script.Manifest)))

	if err := r.step(ctx, w, EventInstall); err != nil {
		_ = r.step(ctx, w, EventInstallFailed)
		r.mu.Lock()
		r.installing = nil
		r.mu.Unlock()

		err = fmt.Errorf("%w: version %s: %v", ErrInstallFailed, script.Version, err)
		r.log.Error("worker install failed", zap.Error(err))
		if r.OnInstallError != nil {
			r.OnInstallError(err)
		}
		return err
	}
	_ = r.step(ctx, w, EventInstallSucceeded)

	r.mu.Lock()
	r.installing = nil
	if r.unregistered {
		r.mu.Unlock()
		_ = r.step(ctx, w, EventReplaced)
		return ErrUnregistered
	}
	prev := r.waiting
	r.waiting = w
	r.mu.Unlock()
	if prev != nil {
		_ = r.step(ctx, prev, EventReplaced)
	}

	r.ReleaseIfIdle(ctx)
	return nil
}

// ReleaseIfIdle activates the waiting worker when no page is controlled by the
// active one. Hosts call it after a page goes away.
func (r *Registration) ReleaseIfIdle(ctx context.Context) {
	r.mu.Lock()
	active := r.active
	waiting := r.waiting
	r.mu.Unlock()
	if waiting == nil {
		return
	}
	if active != nil && r.clients.Controlled(active.Version()) > 0 {
		r.log.Info("worker waiting for confirmation",
			zap.String("version", waiting.Version()),
			zap.String("active", active.Version()))
		return
	}
	r.activateWaiting(ctx, EventControllerReleased)
}

// SkipWaiting moves the waiting worker out of Waiting. It reports false when
// no worker was waiting; calling it again is a no-op.
func (r *Registration) SkipWaiting(ctx context.Context) bool {
	return r.activateWaiting(ctx, EventSkipWaiting)
}

// HandleMessage handles a page-to-worker envelope. Unknown or malformed
// messages are dropped.
func (r *Registration) HandleMessage(ctx context.Context, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		r.log.Debug("dropping message", zap.Error(err))
		return
	}
	switch msg.(type) {
	case SkipWaitingMessage:
		if !r.SkipWaiting(ctx) {
			r.log.Debug("skip waiting: no waiting worker")
		}
	}
}

func (r *Registration) activateWaiting(ctx context.Context, e Event) bool {
	r.mu.Lock()
	w := r.waiting
	if w == nil {
		r.mu.Unlock()
		return false
	}
	from := w.state
	to, effects := Transition(from, e)
	if to != StateActivating {
		r.mu.Unlock()
		return false
	}
	w.state = to
	r.waiting = nil
	prev := r.active
	r.mu.Unlock()
	r.observe(w, from, to, e)

	var errs error
	for _, eff := range effects {
		errs = multierr.Append(errs, r.applyActivate(ctx, w, prev, eff))
	}
	if errs != nil {
		r.log.Warn("worker activate cleanup incomplete", zap.String("version", w.Version()), zap.Error(errs))
	}
	_ = r.step(ctx, w, EventActivateDone)
	r.log.Info("worker activated", zap.String("version", w.Version()))
	return true
}

// step runs a transition and its install-side effects.
func (r *Registration) step(ctx context.Context, w *Worker, e Event) error {
	r.mu.Lock()
	from := w.state
	to, effects := Transition(from, e)
	w.state = to
	r.mu.Unlock()
	r.observe(w, from, to, e)

	for _, eff := range effects {
		if err := r.applyInstall(ctx, w, eff); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registration) observe(w *Worker, from, to State, e Event) {
	if from == to {
		return
	}
	transitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	r.log.Debug("worker transition",
		zap.String("version", w.Version()),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Stringer("event", e))
}

func (r *Registration) applyInstall(ctx context.Context, w *Worker, eff Effect) error {
	switch eff {
	case EffectOpenBucket:
		b, err := r.storage.Open(ctx, cachestore.BucketName(w.Version()))
		if err != nil {
			return fmt.Errorf("open bucket: %w", err)
		}
		w.bucket = b
		w.router = r.newRouter(w)
		return nil
	case EffectPrecache:
		return r.precache(ctx, w)
	case EffectDiscard:
		// The bucket of a failed install is left behind; the next activate
		// removes it.
		return nil
	}
	return nil
}

func (r *Registration) applyActivate(ctx context.Context, w, prev *Worker, eff Effect) error {
	switch eff {
	case EffectDeleteStaleBuckets:
		return r.deleteStaleBuckets(ctx, w)
	case EffectPruneBucket:
		return r.pruneBucket(ctx, w)
	case EffectClaimClients:
		r.mu.Lock()
		r.active = w
		r.mu.Unlock()
		n := r.clients.Claim(ctx, w.Version())
		r.log.Info("claimed clients", zap.String("version", w.Version()), zap.Int("clients", n))
		return nil
	case EffectRetirePrevious:
		if prev != nil {
			_ = r.step(ctx, prev, EventReplaced)
		}
		return nil
	}
	return nil
}

// precache stores every manifest entry or fails as a whole.
func (r *Registration) precache(ctx context.Context, w *Worker) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.PrecacheConcurrency)
	for _, e := range w.script.Manifest {
		g.Go(func() error {
			ent, err := fetchEntry(gctx, r.fetch, r.cfg.Origin, e.URL, nil)
			if err != nil {
				return fmt.Errorf("precache %s: %w", e.URL, err)
			}
			if !isOK(ent.Status) {
				return fmt.Errorf("precache %s: status %d", e.URL, ent.Status)
			}
			ent.Precached = true
			if err := w.bucket.Put(gctx, e.URL, ent); err != nil {
				return fmt.Errorf("precache %s: %w", e.URL, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Registration) deleteStaleBuckets(ctx context.Context, w *Worker) error {
	current := cachestore.BucketName(w.Version())
	names, err := r.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}
	var errs error
	for _, name := range names {
		if name == current {
			continue
		}
		if _, err := r.storage.Delete(ctx, name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete bucket %s: %w", name, err))
			continue
		}
		r.log.Info("deleted stale bucket", zap.String("bucket", name))
	}
	return errs
}

// pruneBucket keeps manifest URLs and runtime assets only.
func (r *Registration) pruneBucket(ctx context.Context, w *Worker) error {
	keep := w.script.Manifest.pathSet()
	keys, err := w.bucket.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}
	var errs error
	for _, k := range keys {
		if _, ok := keep[k]; ok {
			continue
		}
		if strings.Contains(k, r.assetSegment()) {
			continue
		}
		errs = multierr.Append(errs, w.bucket.Delete(ctx, k))
	}
	return errs
}

func (r *Registration) assetSegment() string {
	if r.cfg.AssetSegment == "" {
		return "/assets/"
	}
	return r.cfg.AssetSegment
}

func (r *Registration) newRouter(w *Worker) *Router {
	offline := NewOffline(w.bucket, r.log)
	strategies := map[Route]Strategy{
		RouteObjectStorage: NewObjectStorage(r.fetch, r.log),
		RouteStatic:        NewCacheFirst(r.cfg.Origin, r.fetch, w.bucket, offline, r.tasks, r.cfg.RevalidateCooldown, r.log),
		RouteOther:         NewNetworkFallback(r.cfg.Origin, r.fetch, w.bucket, offline, r.log),
	}
	if api, err := NewAPIProxy(r.cfg.Backend, r.cfg.APIPrefix, r.fetch, r.log); err == nil {
		strategies[RouteAPI] = api
	} else {
		r.log.Warn("api proxy disabled", zap.Error(err))
	}
	return NewRouter(RouterConfig{
		ObjectStorageHost: r.cfg.ObjectStorageHost,
		APIPrefix:         r.cfg.APIPrefix,
		AssetSegment:      r.cfg.AssetSegment,
		Manifest:          w.script.Manifest,
	}, strategies)
}

// ServeHTTP routes through the active worker, or straight to the network when
// nothing is active.
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active == nil {
		target := targetURL(req)
		if !req.URL.IsAbs() {
			target = r.cfg.Origin + req.URL.RequestURI()
		}
		outcome := passthrough(w, req, r.fetch, target, r.log)
		requestsTotal.WithLabelValues("uncontrolled", outcome).Inc()
		return
	}
	active.router.ServeHTTP(w, req)
}

// Unregister drops every worker. Buckets stay until the next activate.
func (r *Registration) Unregister(ctx context.Context) error {
	r.mu.Lock()
	workers := []*Worker{r.installing, r.waiting, r.active}
	r.installing, r.waiting, r.active = nil, nil, nil
	r.unregistered = true
	r.mu.Unlock()

	for _, w := range workers {
		if w != nil {
			_ = r.step(ctx, w, EventReplaced)
		}
	}
	r.log.Info("registration unregistered")
	return nil
}

func (r *Registration) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{Registered: !r.unregistered}
	if r.installing != nil {
		s.Installing = r.installing.Version()
	}
	if r.waiting != nil {
		s.Waiting = r.waiting.Version()
	}
	if r.active != nil {
		s.Active = r.active.Version()
		s.Controlled = r.clients.Controlled(s.Active)
	}
	return s
}

// ActiveBucket returns the controlling worker's bucket, or nil.
func (r *Registration) ActiveBucket() cachestore.Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	return r.active.bucket
}
