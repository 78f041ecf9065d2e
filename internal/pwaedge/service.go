package pwaedge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pwaedge/internal/cachestore"
	"pwaedge/internal/worker"
)

const maxControlBody = 64 << 10

type Service struct {
	cfg Config
	log *zap.Logger

	httpClient *http.Client

	storage   cachestore.Storage
	pushStore cachestore.Storage

	tasks   *worker.Tasks
	clients *ClientSet
	reg     *worker.Registration
	push    *worker.Push
	metrics *prometheus.Registry

	stats     *statsCollector
	updateLog *rateLimitedLogger
	flush     func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options carries dependencies that tests and the CLI may override.
type Options struct {
	// Fetcher replaces the outbound HTTP client.
	Fetcher worker.Fetcher
	Release string
}

func NewService(cfg Config, log *zap.Logger, opts Options) (*Service, error) {
	storage, pushStore, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg: cfg,
		log: log,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			// Redirects reach the page untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		storage:   storage,
		pushStore: pushStore,
		tasks:     worker.NewTasks(log.Named("tasks"), 32, 30*time.Second),
		clients:   NewClientSet(log.Named("clients")),
		stats:     newStatsCollector(),
		updateLog: newRateLimitedLogger(log, time.Minute),
		stopCh:    make(chan struct{}),
	}
	fetch := opts.Fetcher
	if fetch == nil {
		fetch = s.httpClient
	}

	if s.metrics, err = newRegistry(); err != nil {
		s.closeStorage()
		return nil, err
	}

	s.reg = worker.NewRegistration(worker.Config{
		Origin:              cfg.Server.Origin,
		Backend:             cfg.Backend.URL,
		APIPrefix:           cfg.Backend.APIPrefix,
		AssetSegment:        cfg.Cache.AssetSegment,
		ObjectStorageHost:   cfg.ObjectStorage.Host,
		RevalidateCooldown:  cfg.Cache.RevalidateCooldown.Std(),
		PrecacheConcurrency: cfg.Worker.PrecacheConcurrency,
	}, storage, fetch, s.clients,
		newOriginScripts(cfg.Server.Origin, cfg.Worker.ScriptPath, fetch, cfg.Worker.Manifest),
		s.tasks, log.Named("worker"))

	flush, err := initSentry(cfg, opts.Release)
	if err != nil {
		s.closeStorage()
		return nil, err
	}
	if flush != nil {
		s.flush = flush
		s.reg.OnInstallError = reportInstallError
	}

	s.clients.Active = func() string { return s.reg.Snapshot().Active }
	s.clients.OnMessage = s.reg.HandleMessage
	s.clients.OnLeave = s.reg.ReleaseIfIdle

	n, err := newNotifier(s.clients, cfg.Push.Notify, log.Named("notify"))
	if err != nil {
		s.closeStorage()
		return nil, err
	}
	s.push = worker.NewPush(
		worker.NewStoredPushManager(pushStore, cfg.Push.ServiceURL),
		worker.NewHTTPMirror(cfg.Push.MirrorURL, fetch),
		n, s.clients, s.reg, cfg.Push.VAPIDPublicKey, log.Named("push"))

	if every := cfg.Worker.UpdateInterval.Std(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.updateLoop(every)
		}()
	}
	if every := cfg.Logging.LogStatsEvery.Std(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pingLoop(clientPingPeriod)
	}()

	return s, nil
}

func openStorage(cfg Config) (cachestore.Storage, cachestore.Storage, error) {
	if cfg.Storage.Backend == "memory" {
		return cachestore.NewMemory(), cachestore.NewMemory(), nil
	}
	assets, err := cachestore.OpenLevel(filepath.Join(cfg.Storage.Path, "buckets"), cfg.DiskMax())
	if err != nil {
		return nil, nil, err
	}
	push, err := cachestore.OpenLevel(filepath.Join(cfg.Storage.Path, "push"), 0)
	if err != nil {
		_ = assets.Close()
		return nil, nil, err
	}
	return assets, push, nil
}

func (s *Service) closeStorage() error {
	return multierr.Combine(s.storage.Close(), s.pushStore.Close())
}

// Close stops the background loops, disconnects pages and closes storage.
func (s *Service) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	s.clients.Close()
	s.tasks.Wait()
	if s.flush != nil {
		s.flush()
	}
	return s.closeStorage()
}

func (s *Service) Registration() *worker.Registration { return s.reg }

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/_worker", func(r chi.Router) {
		r.Get("/registration", s.handleRegistration)
		r.Post("/register", s.handleRegister)
		r.Post("/update", s.handleUpdate)
		r.Post("/message", s.handleMessage)
		r.Post("/push", s.handlePush)
		r.Post("/notificationclick", s.handleNotificationClick)
		r.Post("/pushsubscriptionchange", s.handleSubscriptionChange)
		r.Post("/subscribe", s.handleSubscribe)
		r.Post("/unregister", s.handleUnregister)
		r.Get("/clients", s.clients.ServeHTTP)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	r.Handle("/*", s.stats.Middleware(s.reg))
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxControlBody))
}

func (s *Service) handleRegistration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Snapshot())
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Register(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, s.reg.Snapshot())
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	err := s.reg.Update(r.Context())
	switch {
	case errors.Is(err, worker.ErrUnregistered):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, s.reg.Snapshot())
	}
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.reg.HandleMessage(r.Context(), raw)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.push.HandlePush(r.Context(), raw); err != nil {
		s.log.Warn("push event rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type notificationClick struct {
	Notification worker.Notification `json:"notification"`
	Action       string              `json:"action"`
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var req notificationClick
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Notification.Tag == "" {
		req.Notification.Tag = worker.NotificationTag
	}
	if err := s.push.HandleNotificationClick(r.Context(), req.Notification, req.Action); err != nil {
		s.log.Warn("notification click", zap.Error(err))
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleSubscriptionChange(w http.ResponseWriter, r *http.Request) {
	s.push.HandleSubscriptionChange(context.WithoutCancel(r.Context()))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	sub, err := s.push.Subscribe(r.Context())
	switch {
	case errors.Is(err, worker.ErrPushUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
	default:
		writeJSON(w, http.StatusOK, sub)
	}
}

func (s *Service) handleUnregister(w http.ResponseWriter, r *http.Request) {
	s.push.Unregister(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, s.reg.Snapshot())
}

func (s *Service) updateLoop(every time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.checkForUpdate(ctx)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.checkForUpdate(ctx)
		}
	}
}

func (s *Service) checkForUpdate(ctx context.Context) {
	err := s.reg.Update(ctx)
	if err == nil || errors.Is(err, worker.ErrUnregistered) || errors.Is(err, context.Canceled) {
		return
	}
	s.updateLog.Warn("worker update check failed", zap.Error(err))
}

func (s *Service) pingLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.clients.Ping()
		}
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ctx := context.Background()
	snap := s.reg.Snapshot()
	ss := s.stats.Snapshot()

	fields := []zap.Field{
		zap.String("active", snap.Active),
		zap.String("waiting", snap.Waiting),
		zap.Int("pages", s.clients.Len()),
		zap.Int("controlled", snap.Controlled),
		zap.Uint64("responses", ss.Responses),
		zap.String("resp_min", formatBytes(ss.MinBytes)),
		zap.String("resp_avg", formatBytes(ss.AvgBytes)),
		zap.String("resp_max", formatBytes(ss.MaxBytes)),
	}
	if b := s.reg.ActiveBucket(); b != nil {
		if keys, err := b.Keys(ctx); err == nil {
			fields = append(fields, zap.Int("cached", len(keys)))
		}
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	s.log.Info("stats", fields...)
}
