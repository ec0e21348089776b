package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/omniflow/previewd/internal/supervisor"
)

type fakeResolver struct {
	mu    sync.Mutex
	infos map[string]supervisor.Info
}

func (f *fakeResolver) Get(id string) (supervisor.Info, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[id]
	return info, ok
}

func (f *fakeResolver) MarkActive(string) {}

type fakeStarter struct {
	exists   map[string]bool
	startErr error
	started  supervisor.Info
}

func (f *fakeStarter) StartPreview(ctx context.Context, id string) (supervisor.Info, error) {
	if f.startErr != nil {
		return supervisor.Info{}, f.startErr
	}
	return f.started, nil
}

func (f *fakeStarter) Exists(id string) bool { return f.exists[id] }

// newUpstream runs a fake dev server and returns its port plus a request
// recorder.
func newUpstream(t *testing.T, handler http.HandlerFunc) (int, *[]*http.Request) {
	t.Helper()
	var mu sync.Mutex
	var seen []*http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clone := r.Clone(context.Background())
		clone.Host = r.Host
		mu.Lock()
		seen = append(seen, clone)
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	_, portStr, _ := net.SplitHostPort(u.Host)
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port, &seen
}

func newProxyFor(t *testing.T, id string, port int) *Proxy {
	t.Helper()
	resolver := &fakeResolver{infos: map[string]supervisor.Info{
		id: {ProjectID: id, Port: port, Status: supervisor.StatusRunning},
	}}
	return New(resolver, &fakeStarter{exists: map[string]bool{id: true}}, nil)
}

func TestRedirectAddsTrailingSlash(t *testing.T) {
	p := newProxyFor(t, "p1", 1)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p/p1", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/p/p1/" {
		t.Errorf("Location = %q, want /p/p1/", loc)
	}
}

func TestForwardHeadersAndPath(t *testing.T) {
	port, seen := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	p := newProxyFor(t, "p1", port)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/p/p1/src/App.tsx?import", nil)
	req.Header.Set("Accept", "text/javascript")
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(*seen) != 1 {
		t.Fatalf("upstream saw %d requests, want 1", len(*seen))
	}
	up := (*seen)[0]
	if up.URL.Path != "/p/p1/src/App.tsx" {
		t.Errorf("forwarded path = %q, want /p/p1/src/App.tsx", up.URL.Path)
	}
	if up.URL.RawQuery != "import" {
		t.Errorf("query = %q, want import", up.URL.RawQuery)
	}
	if want := fmt.Sprintf("localhost:%d", port); up.Host != want {
		t.Errorf("Host = %q, want %q", up.Host, want)
	}
	if want := fmt.Sprintf("http://localhost:%d", port); up.Header.Get("Origin") != want {
		t.Errorf("Origin = %q, want %q", up.Header.Get("Origin"), want)
	}
	if up.Header.Get("Accept") != "text/javascript" {
		t.Errorf("Accept not copied: %q", up.Header.Get("Accept"))
	}
}

func TestTaggerRoutesStripPrefix(t *testing.T) {
	port, seen := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})
	p := newProxyFor(t, "p1", port)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p/p1/__jsx-source-map", nil))

	if got := (*seen)[0].URL.Path; got != "/__jsx-source-map" {
		t.Errorf("forwarded path = %q, want /__jsx-source-map", got)
	}
}

func TestResponseHeaderStripping(t *testing.T) {
	port, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "identity")
		w.Header().Set("X-Custom", "kept")
		w.Write([]byte("payload"))
	})
	p := newProxyFor(t, "p1", port)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p/p1/asset.js", nil))

	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding leaked: %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "" {
		t.Errorf("Content-Length leaked: %q", got)
	}
	if rec.Header().Get("X-Custom") != "kept" {
		t.Error("unrelated headers must be relayed")
	}
}

func TestHTMLInjection(t *testing.T) {
	page := `<!doctype html><html><HEAD><title>x</title></HEAD><body></body></html>`
	port, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(page))
	})
	p := newProxyFor(t, "p1", port)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p/p1/", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `<base href="/p/p1/">`) {
		t.Error("base tag not injected")
	}
	if !strings.Contains(body, `src="/static/visual-edit-script.js"`) {
		t.Error("edit script not injected")
	}
	// Injection goes right after the (uppercase) head tag.
	headIdx := strings.Index(body, "<HEAD>")
	baseIdx := strings.Index(body, "<base")
	titleIdx := strings.Index(body, "<title>")
	if !(headIdx < baseIdx && baseIdx < titleIdx) {
		t.Errorf("injection position wrong:\n%s", body)
	}
}

func TestInjectionSpecificity(t *testing.T) {
	html := `<html><head></head><body></body></html>`

	t.Run("non-entry path untouched", func(t *testing.T) {
		port, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(html))
		})
		p := newProxyFor(t, "p1", port)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p/p1/docs/page.html", nil))
		if rec.Body.String() != html {
			t.Error("non-entry HTML body was modified")
		}
	})

	t.Run("non-html entry untouched", func(t *testing.T) {
		port, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/javascript")
			w.Write([]byte("export default 1"))
		})
		p := newProxyFor(t, "p1", port)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p/p1/", nil))
		if rec.Body.String() != "export default 1" {
			t.Error("non-HTML body was modified")
		}
	})
}

func TestAutoStartOnMissingInstance(t *testing.T) {
	port, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("started"))
	})
	resolver := &fakeResolver{infos: map[string]supervisor.Info{}}
	starter := &fakeStarter{
		exists:  map[string]bool{"p1": true},
		started: supervisor.Info{ProjectID: "p1", Port: port, Status: supervisor.StatusRunning},
	}
	p := New(resolver, starter, nil)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p/p1/x", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "started" {
		t.Errorf("auto-start relay failed: %d %q", rec.Code, rec.Body.String())
	}
}

func TestMissingProject404(t *testing.T) {
	resolver := &fakeResolver{infos: map[string]supervisor.Info{}}
	starter := &fakeStarter{exists: map[string]bool{}, startErr: errors.New("no dir")}
	p := New(resolver, starter, nil)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p/ghost/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestUpstreamDown502(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := newProxyFor(t, "p1", port)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p/p1/", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Proxy error") {
		t.Errorf("body = %q, want proxy error envelope", rec.Body.String())
	}
}

func TestBodyStreamedForPost(t *testing.T) {
	port, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Write(b)
	})
	p := newProxyFor(t, "p1", port)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/p/p1/api", strings.NewReader("payload"))
	req.Header.Set("Content-Type", "text/plain")
	p.ServeHTTP(rec, req)

	if rec.Body.String() != "payload" {
		t.Errorf("body = %q, want payload relayed", rec.Body.String())
	}
}
