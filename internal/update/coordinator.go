// Package update is the page side of worker updates: it polls the
// registration for a new worker, surfaces a waiting worker to the user and
// applies it only on confirmation.
package update

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"pwaedge/internal/worker"
)

var ErrNoWaitingWorker = errors.New("no waiting worker")

const DefaultCheckInterval = 60 * time.Second

// Registration is the page's handle on the worker registration.
type Registration interface {
	Register(ctx context.Context) error
	Update(ctx context.Context) error
	State(ctx context.Context) (worker.Snapshot, error)
	PostMessage(ctx context.Context, m worker.Message) error
	Unregister(ctx context.Context) error
}

// Reloader replaces the current document with a freshly loaded one.
type Reloader interface {
	Reload(ctx context.Context) error
}

type Coordinator struct {
	reg      Registration
	reloader Reloader
	interval time.Duration
	log      *zap.Logger

	available chan string

	mu sync.Mutex
	// announced is the last waiting version raised on Available. A dismissed
	// version is not raised again but can still be confirmed.
	announced string
	pending   string

	started   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewCoordinator(reg Registration, reloader Reloader, interval time.Duration, log *zap.Logger) *Coordinator {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Coordinator{
		reg:       reg,
		reloader:  reloader,
		interval:  interval,
		log:       log,
		available: make(chan string, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start registers the worker and begins periodic update checks. The checks
// stop on Close or when ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.reg.Register(ctx); err != nil {
		return err
	}
	c.observe(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(ctx)
	}()
	return nil
}

func (c *Coordinator) loop(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			c.Check(ctx)
		}
	}
}

// Check asks the registration to look for a new worker script and then
// observes the result.
func (c *Coordinator) Check(ctx context.Context) {
	if err := c.reg.Update(ctx); err != nil {
		c.log.Warn("update check failed", zap.Error(err))
	}
	c.observe(ctx)
}

func (c *Coordinator) observe(ctx context.Context) {
	st, err := c.reg.State(ctx)
	if err != nil {
		c.log.Warn("read registration state failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st.Waiting == "" {
		c.pending = ""
		return
	}
	// First installs have no controller and activate on their own.
	if st.Active == "" || st.Waiting == c.announced {
		return
	}
	c.announced = st.Waiting
	c.pending = st.Waiting
	c.log.Info("update available", zap.String("version", st.Waiting), zap.String("active", st.Active))

	select {
	case c.available <- st.Waiting:
	default:
	}
}

// Available delivers the version of each newly waiting worker.
func (c *Coordinator) Available() <-chan string {
	return c.available
}

// Pending reports the waiting version the user has not yet answered.
func (c *Coordinator) Pending() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, c.pending != ""
}

// Confirm tells the waiting worker to skip waiting and reloads the page. A
// worker that was dismissed earlier is still confirmed while it waits.
func (c *Coordinator) Confirm(ctx context.Context) error {
	c.mu.Lock()
	version := c.pending
	c.mu.Unlock()
	if version == "" {
		st, err := c.reg.State(ctx)
		if err != nil {
			return err
		}
		if st.Waiting == "" {
			return ErrNoWaitingWorker
		}
		version = st.Waiting
	}
	if err := c.reg.PostMessage(ctx, worker.SkipWaitingMessage{}); err != nil {
		return err
	}
	c.mu.Lock()
	c.pending = ""
	c.mu.Unlock()
	c.log.Info("update applied", zap.String("version", version))
	return c.reloader.Reload(ctx)
}

// Dismiss clears the signal. The waiting worker stays in place.
func (c *Coordinator) Dismiss() {
	c.mu.Lock()
	c.pending = ""
	c.mu.Unlock()
}

// Close stops the update checks and unregisters the worker.
func (c *Coordinator) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		err = c.reg.Unregister(ctx)
	})
	return err
}
