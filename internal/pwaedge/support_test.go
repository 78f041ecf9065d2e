package pwaedge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"pwaedge/internal/worker"
)

func TestParseScript(t *testing.T) {
	fallback := worker.Manifest{{URL: "/index.html"}}

	s := parseScript([]byte(`{"version":"2024.06.1"}`), fallback)
	assert.Equal(t, "2024.06.1", s.Version)
	assert.Equal(t, fallback, s.Manifest)

	s = parseScript([]byte(`{"version":"v3","precache":[{"url":"/app.html","revision":"9"}]}`), fallback)
	assert.Equal(t, worker.Manifest{{URL: "/app.html", Revision: "9"}}, s.Manifest)

	// no version: the checksum identifies the script
	a := parseScript([]byte(`self.addEventListener("fetch", handle)`), fallback)
	b := parseScript([]byte(`self.addEventListener("fetch", handle2)`), fallback)
	assert.Len(t, a.Version, 8)
	assert.NotEqual(t, a.Version, b.Version)
}

func TestRateLimitedLogger(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	l := newRateLimitedLogger(zap.New(core), time.Hour)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Warn("update failed")
	l.Warn("update failed")
	l.Warn("update failed")
	assert.Equal(t, 1, logs.Len())

	now = now.Add(2 * time.Hour)
	l.Warn("update failed")

	entries := logs.All()
	assert.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[1].ContextMap()["suppressed"])
}

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Query().Get("body")))
	}))
	for _, body := range []string{"a", "abcdef", "abc"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/?body="+body, nil))
	}

	assert.Equal(t, statsSnapshot{Responses: 3, MinBytes: 1, AvgBytes: 3, MaxBytes: 6}, s.Snapshot())
}

type recordingSender struct {
	messages []string
	titles   []string
	err      error
}

func (s *recordingSender) Send(message string, params *types.Params) []error {
	s.messages = append(s.messages, message)
	s.titles = append(s.titles, (*params)["title"])
	if s.err != nil {
		return []error{s.err}
	}
	return nil
}

func TestNotifierFanOut(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	snd := &recordingSender{}
	n := &notifier{clients: NewClientSet(zap.NewNop()), sender: snd, log: zap.New(core)}

	note := worker.NewNotification(worker.PushPayload{Title: "Sunday", Body: "<b>Service</b> at 10"})
	require.NoError(t, n.Show(context.Background(), note))
	assert.Equal(t, []string{"Service at 10"}, snd.messages)
	assert.Equal(t, []string{"Sunday"}, snd.titles)
	assert.Zero(t, logs.Len())

	snd.err = errors.New("smtp down")
	require.NoError(t, n.Show(context.Background(), note))
	assert.Equal(t, 1, logs.FilterMessage("notification fan-out failed").Len())
}

func TestNewNotifierRejectsBadURL(t *testing.T) {
	_, err := newNotifier(NewClientSet(zap.NewNop()), []string{"not a service url"}, zap.NewNop())
	assert.Error(t, err)

	n, err := newNotifier(NewClientSet(zap.NewNop()), nil, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, n.sender)
}
