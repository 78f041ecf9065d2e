package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errNetwork = errors.New("network down")

type fetchFunc func(req *http.Request) (*http.Response, error)

func (f fetchFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// originFetcher serves bodies by path and records every request.
type originFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	fail   map[string]bool
	seen   []string
}

func newOrigin(bodies map[string]string) *originFetcher {
	return &originFetcher{bodies: bodies, fail: map[string]bool{}}
}

func (o *originFetcher) Do(req *http.Request) (*http.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, req.URL.RequestURI())
	if o.fail[req.URL.Path] {
		return nil, errNetwork
	}
	body, ok := o.bodies[req.URL.Path]
	if !ok {
		return respond(http.StatusNotFound, "not found"), nil
	}
	return respond(http.StatusOK, body), nil
}

func (o *originFetcher) set(path, body string) {
	o.mu.Lock()
	o.bodies[path] = body
	o.mu.Unlock()
}

func (o *originFetcher) setFail(path string, fail bool) {
	o.mu.Lock()
	o.fail[path] = fail
	o.mu.Unlock()
}

type fakeClients struct {
	mu         sync.Mutex
	controlled map[string]int
	open       int
	claims     []string
	opened     []string
	openErr    error
}

func newFakeClients(open int) *fakeClients {
	return &fakeClients{controlled: map[string]int{}, open: open}
}

func (c *fakeClients) Claim(_ context.Context, version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controlled = map[string]int{version: c.open}
	c.claims = append(c.claims, version)
	return c.open
}

func (c *fakeClients) Controlled(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlled[version]
}

func (c *fakeClients) OpenWindow(_ context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.opened = append(c.opened, url)
	return nil
}

func (c *fakeClients) Broadcast(context.Context, any) error { return nil }

type staticScripts struct {
	mu     sync.Mutex
	script Script
}

func (s *staticScripts) Fetch(context.Context) (Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.script, nil
}

func (s *staticScripts) set(version string, m Manifest) {
	s.mu.Lock()
	s.script = Script{Version: version, Manifest: m, Raw: []byte(version)}
	s.mu.Unlock()
}

func testLogger() *zap.Logger { return zap.NewNop() }

func testTasks() *Tasks { return NewTasks(testLogger(), 8, 0) }
