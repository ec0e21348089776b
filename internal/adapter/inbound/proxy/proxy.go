// Package proxy forwards /p/<projectId>/ traffic to the owning dev
// server, starting it on demand, and injects the visual-editor bootstrap
// into served HTML entry pages.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/omniflow/previewd/internal/supervisor"
)

// pathRe splits "/p/<id>" and "/p/<id>/<tail>".
var pathRe = regexp.MustCompile(`^/p/([A-Za-z0-9_-]+)(/.*)?$`)

// headRe locates the opening head tag for script injection.
var headRe = regexp.MustCompile(`(?i)<head[^>]*>`)

// Resolver is the read side of the supervisor the proxy needs.
type Resolver interface {
	Get(projectID string) (supervisor.Info, bool)
	MarkActive(projectID string)
}

// Starter lazily brings up a project's dev server.
type Starter interface {
	StartPreview(ctx context.Context, projectID string) (supervisor.Info, error)
	Exists(projectID string) bool
}

// Proxy relays preview traffic to dev-server children.
type Proxy struct {
	resolver Resolver
	starter  Starter
	client   *http.Client
	logger   *slog.Logger
}

// New creates a Proxy.
func New(resolver Resolver, starter Starter, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		resolver: resolver,
		starter:  starter,
		// The transport negotiates gzip itself and transparently
		// decompresses, so relayed bodies are always plain bytes.
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}
}

// Handles reports whether path belongs to the preview proxy.
func Handles(path string) bool {
	return pathRe.MatchString(path)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := pathRe.FindStringSubmatch(r.URL.Path)
	if m == nil {
		http.NotFound(w, r)
		return
	}
	projectID, tail := m[1], m[2]

	// Bare /p/<id> gets a canonical trailing slash so relative asset URLs
	// resolve under the project base.
	if tail == "" {
		http.Redirect(w, r, r.URL.Path+"/", http.StatusFound)
		return
	}

	info, ok := p.resolver.Get(projectID)
	if !ok || info.Status != supervisor.StatusRunning {
		started, err := p.starter.StartPreview(r.Context(), projectID)
		if err != nil {
			if !p.starter.Exists(projectID) {
				writeError(w, http.StatusNotFound, "Project not found")
				return
			}
			p.logger.Error("auto-start failed", "project_id", projectID, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to start preview")
			return
		}
		info = started
	}
	p.resolver.MarkActive(projectID)

	p.forward(w, r, projectID, tail, info.Port)
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, projectID, tail string, port int) {
	// Tagger middleware routes are registered at the child's root; all
	// other paths keep the /p/<id> prefix because the child's base is
	// /p/<id>/.
	forwardPath := r.URL.Path
	if strings.HasPrefix(tail, "/__jsx-") {
		forwardPath = tail
	}

	addr := fmt.Sprintf("localhost:%d", port)
	target := "http://" + addr + forwardPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Proxy error")
		return
	}

	// Host and Origin name the child's own address to pass its
	// allowed-hosts check.
	req.Host = addr
	req.Header.Set("Origin", "http://"+addr)
	for _, h := range []string{"Accept", "Content-Type"} {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("upstream request failed", "project_id", projectID, "path", forwardPath, "error", err)
		writeError(w, http.StatusBadGateway, "Proxy error")
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vs := range resp.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Encoding", "Content-Length":
			// Bodies are relayed decompressed and possibly rewritten;
			// neither header survives.
		default:
			for _, v := range vs {
				header.Add(k, v)
			}
		}
	}

	if p.shouldInject(tail, resp) {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			writeError(w, http.StatusBadGateway, "Proxy error")
			return
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(injectEditScript(raw, projectID))
		return
	}

	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// shouldInject limits rewriting to the HTML entry page itself.
func (p *Proxy) shouldInject(tail string, resp *http.Response) bool {
	if tail != "/" && tail != "/index.html" {
		return false
	}
	return strings.Contains(resp.Header.Get("Content-Type"), "text/html")
}

// injectEditScript inserts the base tag and the visual-editor bootstrap
// right after the document's opening head tag.
func injectEditScript(body []byte, projectID string) []byte {
	loc := headRe.FindIndex(body)
	if loc == nil {
		return body
	}
	snippet := fmt.Sprintf("\n    <base href=\"/p/%s/\">\n    <script type=\"module\" src=\"/static/visual-edit-script.js\"></script>", projectID)

	var out bytes.Buffer
	out.Grow(len(body) + len(snippet))
	out.Write(body[:loc[1]])
	out.WriteString(snippet)
	out.Write(body[loc[1]:])
	return out.Bytes()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
