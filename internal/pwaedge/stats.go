package pwaedge

import (
	"math"
	"net/http"
	"sync/atomic"
)

// statsCollector tracks sizes of responses served through the worker.
type statsCollector struct {
	responses atomic.Uint64
	bytes     atomic.Uint64
	minBytes  atomic.Uint64
	maxBytes  atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(n uint64) {
	s.responses.Add(1)
	s.bytes.Add(n)
	for cur := s.minBytes.Load(); n < cur; cur = s.minBytes.Load() {
		if s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for cur := s.maxBytes.Load(); n > cur; cur = s.maxBytes.Load() {
		if s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Responses uint64
	MinBytes  uint64
	AvgBytes  uint64
	MaxBytes  uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.responses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	return statsSnapshot{
		Responses: count,
		MinBytes:  s.minBytes.Load(),
		AvgBytes:  s.bytes.Load() / count,
		MaxBytes:  s.maxBytes.Load(),
	}
}

// Middleware records the body size of every response written by next.
func (s *statsCollector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cw := &countingWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r)
		s.Observe(cw.n)
	})
}

type countingWriter struct {
	http.ResponseWriter
	n uint64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.n += uint64(n)
	return n, err
}

func (w *countingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
