package worker

import (
	"net"
	"net/http"
	"strings"
)

// Route is the request class that picks a caching strategy.
type Route int

const (
	RouteOther Route = iota
	RouteObjectStorage
	RouteAPI
	RouteStatic
)

func (r Route) String() string {
	switch r {
	case RouteObjectStorage:
		return "object-storage"
	case RouteAPI:
		return "api"
	case RouteStatic:
		return "static"
	default:
		return "other"
	}
}

// RouterConfig holds the classification inputs.
type RouterConfig struct {
	// ObjectStorageHost is a host:port pair, e.g. "files.example.org:9000".
	ObjectStorageHost string
	APIPrefix         string
	AssetSegment      string
	Manifest          Manifest
}

// Router classifies intercepted requests and dispatches them.
type Router struct {
	cfg        RouterConfig
	manifest   map[string]struct{}
	strategies map[Route]Strategy
}

func NewRouter(cfg RouterConfig, strategies map[Route]Strategy) *Router {
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api"
	}
	if cfg.AssetSegment == "" {
		cfg.AssetSegment = "/assets/"
	}
	return &Router{
		cfg:        cfg,
		manifest:   cfg.Manifest.pathSet(),
		strategies: strategies,
	}
}

// Classify returns the route for r. First match wins.
func (rt *Router) Classify(r *http.Request) Route {
	if rt.cfg.ObjectStorageHost != "" && hostPort(r) == rt.cfg.ObjectStorageHost {
		return RouteObjectStorage
	}
	path := r.URL.Path
	if hasPathPrefix(path, rt.cfg.APIPrefix) {
		return RouteAPI
	}
	if strings.Contains(path, rt.cfg.AssetSegment) {
		return RouteStatic
	}
	if _, ok := rt.manifest[path]; ok {
		return RouteStatic
	}
	return RouteOther
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := rt.Classify(r)
	s, ok := rt.strategies[route]
	if !ok {
		s = rt.strategies[RouteOther]
	}
	outcome := s.Serve(w, r)
	requestsTotal.WithLabelValues(route.String(), outcome).Inc()
}

// hasPathPrefix matches "/api" and "/api/..." but not "/apiary".
func hasPathPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/' || strings.HasSuffix(prefix, "/")
}

// hostPort returns the request target as host:port, filling the default port
// for the scheme.
func hostPort(r *http.Request) string {
	host := r.URL.Host
	scheme := r.URL.Scheme
	if host == "" {
		host = r.Host
	}
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := "80"
	if scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(host, port)
}
