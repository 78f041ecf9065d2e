package pwaedge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pwaedge/internal/worker"
)

var ErrNoClients = errors.New("no open pages")

const (
	clientWriteWait  = 10 * time.Second
	clientPongWait   = 60 * time.Second
	clientPingPeriod = (clientPongWait * 9) / 10
	clientMaxMsgSize = 64 * 1024
)

var clientUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Non-browser clients send no Origin.
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

type client struct {
	id         string
	conn       *websocket.Conn
	writeMu    sync.Mutex
	controller string
}

func (c *client) send(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// ClientSet is the set of open pages. Each page holds a websocket to
// /_worker/clients for as long as it is open.
type ClientSet struct {
	log *zap.Logger

	// Active reports the controlling version for newly opened pages.
	Active func() string
	// OnMessage receives page-to-worker envelopes.
	OnMessage func(ctx context.Context, raw []byte)
	// OnLeave runs after a page disconnects.
	OnLeave func(ctx context.Context)

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

func NewClientSet(log *zap.Logger) *ClientSet {
	return &ClientSet{log: log, clients: map[string]*client{}}
}

func (s *ClientSet) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := clientUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("client upgrade failed", zap.Error(err))
		return
	}
	var controller string
	if s.Active != nil {
		controller = s.Active()
	}
	c := &client{id: uuid.NewString(), conn: conn, controller: controller}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c.id] = c
	s.wg.Add(1)
	s.updateGaugeLocked()
	s.mu.Unlock()
	defer s.wg.Done()

	log := s.log.With(zap.String("client", c.id))
	log.Debug("page opened", zap.String("controller", controller))
	if controller != "" {
		s.sendJSON(c, worker.ControllerChange{Type: worker.TypeControllerChange, Version: controller})
	}

	s.readLoop(r.Context(), c)

	s.mu.Lock()
	delete(s.clients, c.id)
	s.updateGaugeLocked()
	s.mu.Unlock()
	_ = conn.Close()
	log.Debug("page closed")

	if s.OnLeave != nil {
		s.OnLeave(context.WithoutCancel(r.Context()))
	}
}

func (s *ClientSet) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(clientMaxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})
	for {
		typ, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		if s.OnMessage != nil {
			s.OnMessage(context.WithoutCancel(ctx), raw)
		}
	}
}

func (s *ClientSet) snapshot() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *ClientSet) sendJSON(c *client, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.send(raw); err != nil {
		s.log.Debug("send to page failed", zap.String("client", c.id), zap.Error(err))
		return err
	}
	return nil
}

// Claim makes every open page controlled by version and tells each page that
// changed controller.
func (s *ClientSet) Claim(_ context.Context, version string) int {
	var changed []*client
	s.mu.Lock()
	for _, c := range s.clients {
		if c.controller != version {
			c.controller = version
			changed = append(changed, c)
		}
	}
	s.updateGaugeLocked()
	s.mu.Unlock()

	for _, c := range changed {
		_ = s.sendJSON(c, worker.ControllerChange{Type: worker.TypeControllerChange, Version: version})
	}
	return len(changed)
}

func (s *ClientSet) Controlled(version string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.clients {
		if c.controller == version {
			n++
		}
	}
	return n
}

// Len counts open pages.
func (s *ClientSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// OpenWindow asks an open page to navigate a new window to url.
func (s *ClientSet) OpenWindow(_ context.Context, url string) error {
	clients := s.snapshot()
	if len(clients) == 0 {
		return ErrNoClients
	}
	msg := worker.OpenWindow{Type: worker.TypeOpenWindow, URL: url}
	var errs error
	for _, c := range clients {
		err := s.sendJSON(c, msg)
		if err == nil {
			return nil
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Broadcast sends v to every open page.
func (s *ClientSet) Broadcast(_ context.Context, v any) error {
	var errs error
	for _, c := range s.snapshot() {
		errs = multierr.Append(errs, s.sendJSON(c, v))
	}
	return errs
}

// Ping keeps idle page connections alive.
func (s *ClientSet) Ping() {
	for _, c := range s.snapshot() {
		if err := c.ping(); err != nil {
			s.log.Debug("ping failed", zap.String("client", c.id), zap.Error(err))
		}
	}
}

// Close disconnects every page and waits for their handlers to return.
func (s *ClientSet) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(clientWriteWait))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}
	s.wg.Wait()
}

func (s *ClientSet) updateGaugeLocked() {
	n := 0
	for _, c := range s.clients {
		if c.controller != "" {
			n++
		}
	}
	controlledClients.Set(float64(n))
}
