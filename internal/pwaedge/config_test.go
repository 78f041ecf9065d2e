package pwaedge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pwaedge/internal/worker"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  origin: http://app.local/
backend:
  url: https://api.example.org/
`))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://app.local", cfg.Server.Origin)
	assert.Equal(t, "https://api.example.org", cfg.Backend.URL)
	assert.Equal(t, "/api", cfg.Backend.APIPrefix)
	assert.Equal(t, "leveldb", cfg.Storage.Backend)
	assert.Equal(t, "./data", cfg.Storage.Path)
	assert.Zero(t, cfg.DiskMax())
	assert.Equal(t, "/assets/", cfg.Cache.AssetSegment)
	assert.Zero(t, cfg.Cache.RevalidateCooldown)
	assert.Equal(t, "/version.json", cfg.Worker.ScriptPath)
	assert.Equal(t, time.Minute, cfg.Worker.UpdateInterval.Std())
	assert.Equal(t, time.Minute, cfg.Update.CheckInterval.Std())
	assert.Equal(t, worker.DefaultManifest(), cfg.Worker.Manifest)
	assert.Equal(t, "https://api.example.org/push", cfg.Push.MirrorURL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParseConfig_Values(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  port: 9090
  origin: http://app.local
backend:
  url: https://api.example.org
  apiPrefix: /backend
objectStorage:
  host: files.example.org:9000
storage:
  backend: memory
  disk:
    max: 256m
cache:
  revalidateCooldown: 30s
worker:
  updateInterval: 5m
  manifest:
    - url: /index.html
      revision: "3"
    - url: /offline.html
update:
  checkInterval: 90
logging:
  level: debug
  logStatsEvery: 1m
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/backend", cfg.Backend.APIPrefix)
	assert.Equal(t, "files.example.org:9000", cfg.ObjectStorage.Host)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, int64(256*1024*1024), cfg.DiskMax())
	assert.Equal(t, 30*time.Second, cfg.Cache.RevalidateCooldown.Std())
	assert.Equal(t, 5*time.Minute, cfg.Worker.UpdateInterval.Std())
	assert.Equal(t, 90*time.Second, cfg.Update.CheckInterval.Std())
	assert.Equal(t, worker.Manifest{{URL: "/index.html", Revision: "3"}, {URL: "/offline.html"}}, cfg.Worker.Manifest)
	assert.Equal(t, time.Minute, cfg.Logging.LogStatsEvery.Std())
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing origin", "backend: {url: http://b}"},
		{"missing backend", "server: {origin: http://a}"},
		{"relative api prefix", "server: {origin: http://a}\nbackend: {url: http://b, apiPrefix: api}"},
		{"unknown storage", "server: {origin: http://a}\nbackend: {url: http://b}\nstorage: {backend: redis}"},
		{"bad size", "server: {origin: http://a}\nbackend: {url: http://b}\nstorage: {disk: {max: lots}}"},
		{"bad duration", "server: {origin: http://a}\nbackend: {url: http://b}\ncache: {revalidateCooldown: soon}"},
		{"relative manifest url", "server: {origin: http://a}\nbackend: {url: http://b}\nworker: {manifest: [{url: index.html}]}"},
		{"bad vapid key", "server: {origin: http://a}\nbackend: {url: http://b}\npush: {vapidPublicKey: nope}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pwaedge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {origin: http://a}\nbackend: {url: http://b}\n"), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://a", cfg.Server.Origin)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"100b", 100},
		{"4k", 4 * kib},
		{"4KB", 4 * kib},
		{"256m", 256 * mib},
		{"256MiB", 256 * mib},
		{"1.5g", 3 * gib / 2},
		{" 2 gb ", 2 * gib},
	}
	for _, tt := range tests {
		got, err := parseBytes(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "b", "-1m", "tenm"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "4kb", formatBytes(4*kib))
	assert.Equal(t, "1.5mb", formatBytes(3*mib/2))
	assert.Equal(t, "2gb", formatBytes(2*gib))
}
