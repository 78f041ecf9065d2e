package update

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Page is a client connected to the host's client set over a websocket. While
// connected it counts as an open page, so a new worker waits for it. Reload
// drops the connection and dials again, which is how a reloaded document picks
// up the new controller.
type Page struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.Logger

	// OnMessage receives every envelope the worker sends.
	OnMessage func(typ string, raw []byte)

	mu   sync.Mutex
	conn *websocket.Conn
	wg   sync.WaitGroup
}

// NewPage derives the websocket URL from the host's base URL.
func NewPage(baseURL string, log *zap.Logger) (*Page, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + PathClients)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, errors.New("page url must be http(s) or ws(s)")
	}
	return &Page{url: u.String(), dialer: websocket.DefaultDialer, log: log}, nil
}

func (p *Page) Open(ctx context.Context) error {
	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.read(conn)
	}()
	return nil
}

func (p *Page) read(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				p.log.Debug("page connection closed", zap.Error(err))
			}
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			p.log.Debug("dropping malformed envelope", zap.Error(err))
			continue
		}
		if p.OnMessage != nil {
			p.OnMessage(env.Type, raw)
		}
	}
}

// Reload closes the current connection and opens a new one.
func (p *Page) Reload(ctx context.Context) error {
	p.Close()
	return p.Open(ctx)
}

func (p *Page) Close() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	p.wg.Wait()
}
