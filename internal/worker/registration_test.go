package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pwaedge/internal/cachestore"
)

var testManifest = Manifest{
	{URL: "/index.html"},
	{URL: "/offline.html"},
	{URL: "/version.json"},
}

func shellOrigin() *originFetcher {
	return newOrigin(map[string]string{
		"/index.html":    "<html>shell</html>",
		"/offline.html":  "<html>offline</html>",
		"/version.json":  `{"version":"v1"}`,
		"/assets/app.js": "console.log(1)",
		"/boards":        "boards page",
	})
}

type regFixture struct {
	reg     *Registration
	storage *cachestore.MemoryStorage
	origin  *originFetcher
	clients *fakeClients
	scripts *staticScripts
	tasks   *Tasks
}

func newRegFixture(t *testing.T, openPages int) *regFixture {
	t.Helper()
	f := &regFixture{
		storage: cachestore.NewMemory(),
		origin:  shellOrigin(),
		clients: newFakeClients(openPages),
		scripts: &staticScripts{},
		tasks:   testTasks(),
	}
	f.scripts.set("v1", testManifest)
	f.reg = NewRegistration(Config{
		Origin:    testOrigin,
		Backend:   testBackend,
		APIPrefix: "/api",
	}, f.storage, f.origin, f.clients, f.scripts, f.tasks, testLogger())
	t.Cleanup(f.tasks.Wait)
	return f
}

func TestRegistration_InstallPrecachesEveryEntry(t *testing.T) {
	ctx := context.Background()
	f := newRegFixture(t, 0)

	require.NoError(t, f.reg.Update(ctx))

	snap := f.reg.Snapshot()
	assert.Equal(t, "v1", snap.Active)
	assert.Empty(t, snap.Waiting)

	b, err := f.storage.Open(ctx, cachestore.BucketName("v1"))
	require.NoError(t, err)
	for _, e := range testManifest {
		ent, ok, err := b.Get(ctx, e.URL)
		require.NoError(t, err)
		require.True(t, ok, e.URL)
		assert.Equal(t, f.origin.bodies[e.URL], string(ent.Body), e.URL)
		assert.True(t, ent.Precached)
	}
}

func TestRegistration_InstallFailureDiscardsWorker(t *testing.T) {
	ctx := context.Background()
	f := newRegFixture(t, 0)
	f.origin.setFail("/offline.html", true)

	var reported error
	f.reg.OnInstallError = func(err error) { reported = err }

	err := f.reg.Update(ctx)
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.ErrorIs(t, reported, ErrInstallFailed)

	snap := f.reg.Snapshot()
	assert.Empty(t, snap.Active)
	assert.Empty(t, snap.Waiting)
	assert.Empty(t, snap.Installing)

	// the next update retries the whole install
	f.origin.setFail("/offline.html", false)
	require.NoError(t, f.reg.Update(ctx))
	assert.Equal(t, "v1", f.reg.Snapshot().Active)
}

func TestRegistration_InstallFailsOnNotOK(t *testing.T) {
	f := newRegFixture(t, 0)
	f.scripts.set("v1", append(Manifest{{URL: "/missing.png"}}, testManifest...))
	assert.ErrorIs(t, f.reg.Update(context.Background()), ErrInstallFailed)
}

func TestRegistration_UnchangedScriptIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newRegFixture(t, 0)
	require.NoError(t, f.reg.Update(ctx))
	seen := len(f.origin.seen)

	require.NoError(t, f.reg.Update(ctx))
	assert.Len(t, f.origin.seen, seen)
}

func TestRegistration_ActivateLeavesOneBucket(t *testing.T) {
	ctx := context.Background()
	f := newRegFixture(t, 0)
	require.NoError(t, f.reg.Update(ctx))

	// leftovers from an older version and a failed install
	for _, name := range []string{cachestore.BucketName("v0"), cachestore.BucketName("broken")} {
		_, err := f.storage.Open(ctx, name)
		require.NoError(t, err)
	}
	// runtime entries in the current bucket
	b, err := f.storage.Open(ctx, cachestore.BucketName("v1"))
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "/assets/app.js", cachestore.Entry{Body: []byte("js")}))
	require.NoError(t, b.Put(ctx, "/boards/1", cachestore.Entry{Body: []byte("stale page")}))

	f.scripts.set("v2", testManifest)
	require.NoError(t, f.reg.Update(ctx))
	assert.Equal(t, "v2", f.reg.Snapshot().Active)

	names, err := f.storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{cachestore.BucketName("v2")}, names)

	// v2's prune keeps manifest + asset entries only
	b2, err := f.storage.Open(ctx, cachestore.BucketName("v2"))
	require.NoError(t, err)
	require.NoError(t, b2.Put(ctx, "/assets/app.js", cachestore.Entry{Body: []byte("js")}))
	require.NoError(t, b2.Put(ctx, "/boards/1", cachestore.Entry{Body: []byte("stale page")}))
	require.NoError(t, f.reg.pruneBucket(ctx, f.reg.active))
	keys, err := b2.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/assets/app.js", "/index.html", "/offline.html", "/version.json"}, keys)
}

func TestRegistration_UpdateWaitsWhilePagesAreControlled(t *testing.T) {
	ctx := context.Background()
	f := newRegFixture(t, 2)
	require.NoError(t, f.reg.Update(ctx))
	assert.Equal(t, "v1", f.reg.Snapshot().Active)
	assert.Equal(t, []string{"v1"}, f.clients.claims)

	f.scripts.set("v2", testManifest)
	require.NoError(t, f.reg.Update(ctx))

	snap := f.reg.Snapshot()
	assert.Equal(t, "v1", snap.Active)
	assert.Equal(t, "v2", snap.Waiting)
	assert.Equal(t, 2, snap.Controlled)
}

func TestRegistration_SkipWaitingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newRegFixture(t, 1)

	// nothing waiting: no-op
	assert.False(t, f.reg.SkipWaiting(ctx))
	f.reg.HandleMessage(ctx, []byte(`{"type":"SKIP_WAITING"}`))
	assert.Equal(t, Snapshot{Registered: true}, f.reg.Snapshot())

	require.NoError(t, f.reg.Update(ctx))
	f.scripts.set("v2", testManifest)
	require.NoError(t, f.reg.Update(ctx))
	require.Equal(t, "v2", f.reg.Snapshot().Waiting)

	f.reg.HandleMessage(ctx, []byte(`{"type":"SKIP_WAITING"}`))
	f.reg.HandleMessage(ctx, []byte(`{"type":"SKIP_WAITING"}`))

	snap := f.reg.Snapshot()
	assert.Equal(t, "v2", snap.Active)
	assert.Empty(t, snap.Waiting)
	assert.Equal(t, []string{"v1", "v2"}, f.clients.claims)
}

func TestRegistration_UnknownMessagesAreDropped(t *testing.T) {
	ctx := context.Background()
	f := newRegFixture(t, 1)
	require.NoError(t, f.reg.Update(ctx))
	f.scripts.set("v2", testManifest)
	require.NoError(t, f.reg.Update(ctx))

	f.reg.HandleMessage(ctx, []byte(`{"type":"RELOAD"}`))
	f.reg.HandleMessage(ctx, []byte(`{{{`))
	assert.Equal(t, "v2", f.reg.Snapshot().Waiting)
}

func TestRegistration_ReleaseIfIdle(t *testing.T) {
	ctx := context.Background()
	f := newRegFixture(t, 1)
	require.NoError(t, f.reg.Update(ctx))
	f.scripts.set("v2", testManifest)
	require.NoError(t, f.reg.Update(ctx))

	f.clients.mu.Lock()
	f.clients.controlled = map[string]int{}
	f.clients.mu.Unlock()

	f.reg.ReleaseIfIdle(ctx)
	assert.Equal(t, "v2", f.reg.Snapshot().Active)
}

func TestRegistration_ServeHTTP(t *testing.T) {
	ctx := context.Background()
	f := newRegFixture(t, 0)

	// uncontrolled: straight to the origin
	rec := httptest.NewRecorder()
	f.reg.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boards", nil))
	assert.Equal(t, "boards page", rec.Body.String())
	assert.Equal(t, OutcomePassthrough, rec.Header().Get(StatusHeader))

	require.NoError(t, f.reg.Update(ctx))

	rec = httptest.NewRecorder()
	f.reg.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	assert.Equal(t, "<html>shell</html>", rec.Body.String())
	assert.Equal(t, OutcomeHit, rec.Header().Get(StatusHeader))

	f.origin.setFail("/boards", true)
	rec = httptest.NewRecorder()
	f.reg.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boards", nil))
	assert.Equal(t, "<html>offline</html>", rec.Body.String())
	assert.Equal(t, OutcomeOffline, rec.Header().Get(StatusHeader))
}

func TestRegistration_Unregister(t *testing.T) {
	ctx := context.Background()
	f := newRegFixture(t, 0)
	require.NoError(t, f.reg.Update(ctx))

	require.NoError(t, f.reg.Unregister(ctx))
	assert.Equal(t, Snapshot{}, f.reg.Snapshot())
	assert.ErrorIs(t, f.reg.Update(ctx), ErrUnregistered)

	require.NoError(t, f.reg.Register(ctx))
	assert.Equal(t, "v1", f.reg.Snapshot().Active)
}
