package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// FetchFailedBody is the payload of every failed API proxy call.
type FetchFailedBody struct {
	Error string `json:"error"`
}

const fetchFailedMessage = "Failed to fetch"

// APIProxy rewrites /api requests onto the backend origin.
type APIProxy struct {
	backend string // scheme://host[:port], no trailing slash
	prefix  string
	fetch   Fetcher
	log     *zap.Logger
}

func NewAPIProxy(backend, prefix string, fetch Fetcher, log *zap.Logger) (*APIProxy, error) {
	u, err := url.Parse(strings.TrimRight(backend, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend origin %q must be absolute", backend)
	}
	if prefix == "" {
		prefix = "/api"
	}
	return &APIProxy{
		backend: u.Scheme + "://" + u.Host,
		prefix:  prefix,
		fetch:   fetch,
		log:     log,
	}, nil
}

func bodyMethod(m string) bool {
	return m == http.MethodPost || m == http.MethodPut || m == http.MethodPatch
}

// Rewrite builds the upstream request. Bodies of POST/PUT/PATCH are buffered
// because the inbound stream can be consumed only once.
func (p *APIProxy) Rewrite(r *http.Request) (*http.Request, error) {
	rest := strings.TrimPrefix(r.URL.Path, p.prefix)
	if rest == "" {
		rest = "/"
	}
	target := p.backend + rest
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if bodyMethod(r.Method) && r.Body != nil {
		buf, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("buffer request body: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Del("Content-Length")
	req.Header.Set("Origin", p.backend)
	return req, nil
}

func (p *APIProxy) Serve(w http.ResponseWriter, r *http.Request) string {
	req, err := p.Rewrite(r)
	if err != nil {
		p.log.Warn("api proxy: rewrite failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeFetchFailed(w)
		return OutcomeError
	}

	resp, err := p.fetch.Do(req)
	if err != nil {
		p.log.Warn("api proxy: fetch failed", zap.String("url", req.URL.String()), zap.Error(err))
		writeFetchFailed(w)
		return OutcomeError
	}
	defer resp.Body.Close()
	if !isOK(resp.StatusCode) {
		p.log.Info("api proxy: upstream not ok", zap.String("url", req.URL.String()), zap.Int("status", resp.StatusCode))
		_, _ = io.Copy(io.Discard, resp.Body)
		writeFetchFailed(w)
		return OutcomeError
	}

	copyResponse(w, resp, OutcomeProxy)
	return OutcomeProxy
}

// writeFetchFailed writes the JSON 500 every caller of /api relies on.
func writeFetchFailed(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	setStatusHeader(w.Header(), OutcomeError)
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(FetchFailedBody{Error: fetchFailedMessage})
}

// ObjectStorage forwards presigned-URL traffic. Uploads get a plain-text 500
// on a non-OK upstream; nothing is retried or cached.
type ObjectStorage struct {
	fetch Fetcher
	log   *zap.Logger
}

func NewObjectStorage(fetch Fetcher, log *zap.Logger) *ObjectStorage {
	return &ObjectStorage{fetch: fetch, log: log}
}

func (o *ObjectStorage) Serve(w http.ResponseWriter, r *http.Request) string {
	target := targetURL(r)
	if r.Method != http.MethodPut {
		return passthrough(w, r, o.fetch, target, o.log)
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPut, target, r.Body)
	if err != nil {
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return OutcomeError
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)

	resp, err := o.fetch.Do(req)
	if err != nil {
		o.log.Warn("object storage: upload failed", zap.String("url", target), zap.Error(err))
		setStatusHeader(w.Header(), OutcomeError)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return OutcomeError
	}
	defer resp.Body.Close()
	if !isOK(resp.StatusCode) {
		o.log.Warn("object storage: upload rejected", zap.String("url", target), zap.Int("status", resp.StatusCode))
		_, _ = io.Copy(io.Discard, resp.Body)
		setStatusHeader(w.Header(), OutcomeError)
		http.Error(w, fmt.Sprintf("upload failed: %d", resp.StatusCode), http.StatusInternalServerError)
		return OutcomeError
	}
	copyResponse(w, resp, OutcomePassthrough)
	return OutcomePassthrough
}

// passthrough forwards r unchanged to target.
func passthrough(w http.ResponseWriter, r *http.Request, f Fetcher, target string, log *zap.Logger) string {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return OutcomeError
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)

	resp, err := f.Do(req)
	if err != nil {
		log.Info("passthrough failed", zap.String("url", target), zap.Error(err))
		setStatusHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return OutcomeError
	}
	defer resp.Body.Close()
	copyResponse(w, resp, OutcomePassthrough)
	return OutcomePassthrough
}
