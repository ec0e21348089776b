package api

import (
	"embed"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omniflow/previewd/internal/config"
)

//go:embed static
var staticFS embed.FS

// Splicer is the WebSocket side of the front door.
type Splicer interface {
	Handles(r *http.Request) bool
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// PreviewProxy relays /p/<id>/ traffic.
type PreviewProxy interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Deps wires the front door together.
type Deps struct {
	Auth      config.AuthConfig
	Projects  Projects
	URLs      URLs
	Instances Instances
	Proxy     PreviewProxy
	// ProxyHandles reports whether a path belongs to the preview proxy.
	ProxyHandles func(path string) bool
	Splicer      Splicer
	// Registry serves native Prometheus metrics on /metrics. Optional.
	Registry *prometheus.Registry
	Version  string
	Logger   *slog.Logger
}

// NewRouter composes the single public handler: WebSocket upgrades first,
// then the preview proxy, then the mux with control-plane and health
// routes.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	ph := &projectHandlers{projects: d.Projects, urls: d.URLs, logger: logger}
	control := http.NewServeMux()
	ph.register(control)
	authed := AuthMiddleware(d.Auth, logger)(control)
	mux.Handle("/projects", authed)
	mux.Handle("/projects/", authed)

	hh := &healthHandlers{instances: d.Instances, startedAt: time.Now(), version: d.Version}
	hh.register(mux)

	mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))

	if d.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	}

	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.Splicer != nil && d.Splicer.Handles(r) {
			d.Splicer.ServeHTTP(w, r)
			return
		}
		if d.Proxy != nil && d.ProxyHandles != nil && d.ProxyHandles(r.URL.Path) {
			d.Proxy.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
	return RequestIDMiddleware(root)
}
