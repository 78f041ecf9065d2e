package worker

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"

	"pwaedge/internal/cachestore"
)

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Strategy answers one intercepted request and returns the outcome label
// that is reported in the X-Pwaedge header and metrics.
type Strategy interface {
	Serve(w http.ResponseWriter, r *http.Request) string
}

const (
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeNetwork     = "network"
	OutcomeUncached    = "uncached"
	OutcomeOffline     = "offline"
	OutcomeProxy       = "proxy"
	OutcomePassthrough = "passthrough"
	OutcomeError       = "error"
)

const StatusHeader = "X-Pwaedge"

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func setStatusHeader(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(StatusHeader, outcome)
	}
	// Custom headers are not readable by page JS in a CORS context unless
	// explicitly exposed.
	ensureExposedHeader(h, StatusHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeEntry(w http.ResponseWriter, ent cachestore.Entry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, StatusHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setStatusHeader(w.Header(), outcome)
	status := ent.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(ent.Body)
}

// copyResponse streams an upstream response to the page.
func copyResponse(w http.ResponseWriter, resp *http.Response, outcome string) {
	copyHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	setStatusHeader(w.Header(), outcome)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func isOK(status int) bool { return status >= 200 && status < 300 }

// cacheKey is the request identity inside a bucket.
func cacheKey(r *http.Request) string {
	return r.URL.RequestURI()
}

// fetchEntry GETs origin+uri and snapshots the response.
func fetchEntry(ctx context.Context, f Fetcher, origin, uri string, hdr http.Header) (cachestore.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+uri, nil)
	if err != nil {
		return cachestore.Entry{}, err
	}
	if hdr != nil {
		copyHeaders(req.Header, hdr)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.Do(req)
	if err != nil {
		return cachestore.Entry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachestore.Entry{}, fmt.Errorf("read %s: %w", uri, err)
	}

	ent := cachestore.Entry{
		URL:      uri,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UnixNano(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	for _, h := range hopHeaders {
		ent.Header.Del(h)
	}
	return ent, nil
}

// targetURL resolves the absolute URL of a request received in proxy form or
// origin form.
func targetURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
