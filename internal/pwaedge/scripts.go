package pwaedge

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"

	"pwaedge/internal/worker"
)

const maxScriptBytes = 1 << 20

// versionDoc is the script document served by the origin. Only the fields we
// use are decoded; the raw bytes decide whether an update is needed.
type versionDoc struct {
	Version  string          `json:"version"`
	Precache worker.Manifest `json:"precache"`
}

// originScripts fetches the worker script from the app origin.
type originScripts struct {
	url      string
	fetch    worker.Fetcher
	manifest worker.Manifest
}

func newOriginScripts(origin, path string, fetch worker.Fetcher, manifest worker.Manifest) *originScripts {
	return &originScripts{url: strings.TrimRight(origin, "/") + path, fetch: fetch, manifest: manifest}
}

func (s *originScripts) Fetch(ctx context.Context) (worker.Script, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return worker.Script{}, err
	}
	// Always revalidate against the origin, never an intermediate cache.
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := s.fetch.Do(req)
	if err != nil {
		return worker.Script{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return worker.Script{}, fmt.Errorf("get %s: status %d", s.url, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes))
	if err != nil {
		return worker.Script{}, err
	}
	return parseScript(raw, s.manifest), nil
}

// parseScript derives the cache version and precache list. A document without
// a version gets one from its checksum; one without a precache list uses the
// configured manifest.
func parseScript(raw []byte, fallback worker.Manifest) worker.Script {
	var doc versionDoc
	_ = json.Unmarshal(raw, &doc)

	version := strings.TrimSpace(doc.Version)
	if version == "" {
		version = fmt.Sprintf("%08x", crc32.ChecksumIEEE(raw))
	}
	manifest := doc.Precache
	if len(manifest) == 0 {
		manifest = fallback
	}
	return worker.Script{Version: version, Manifest: manifest, Raw: raw}
}
