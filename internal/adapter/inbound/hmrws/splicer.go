// Package hmrws relays hot-module-reload WebSocket traffic between
// browsers and the per-project Vite dev servers. Two transports exist: a
// managed fan-out for external editor clients, and a raw TCP splice for
// the browser's own HMR channel, whose protocol extensions must pass
// through untouched.
package hmrws

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/omniflow/previewd/internal/supervisor"
)

// connectTimeout bounds the upstream TCP connect plus handshake write.
const connectTimeout = 5 * time.Second

// DefaultHMRPath is the managed-client endpoint.
const DefaultHMRPath = "/hmr"

// Resolver is the slice of the supervisor the splicer needs.
type Resolver interface {
	Get(projectID string) (supervisor.Info, bool)
	MarkActive(projectID string)
}

// hmrIDRe matches "/hmr/<id>" anywhere in the path, covering direct,
// base-prefixed, and doubly-prefixed routed variants.
var hmrIDRe = regexp.MustCompile(`/hmr/([A-Za-z0-9_-]+)`)

// legacyRe matches the legacy "/p/<id>/..." upgrade path.
var legacyRe = regexp.MustCompile(`^/p/([A-Za-z0-9_-]+)/`)

// Splicer proxies HMR WebSocket upgrades to the owning dev server.
type Splicer struct {
	resolver Resolver
	logger   *slog.Logger
	hmrPath  string

	mu     sync.Mutex
	raw    map[net.Conn]struct{}
	closed bool

	fanout *fanout
}

// New creates a Splicer. hmrPath is the managed-client endpoint; empty
// means DefaultHMRPath.
func New(resolver Resolver, hmrPath string, logger *slog.Logger) *Splicer {
	if logger == nil {
		logger = slog.Default()
	}
	if hmrPath == "" {
		hmrPath = DefaultHMRPath
	}
	s := &Splicer{
		resolver: resolver,
		logger:   logger,
		hmrPath:  hmrPath,
		raw:      make(map[net.Conn]struct{}),
	}
	s.fanout = newFanout(resolver, logger)
	return s
}

// IsUpgrade reports whether r asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// Handles reports whether the splicer owns this request's path.
func (s *Splicer) Handles(r *http.Request) bool {
	path := r.URL.Path
	if path == s.hmrPath || hmrIDRe.MatchString(path) {
		return true
	}
	return IsUpgrade(r) && legacyRe.MatchString(path)
}

// ServeHTTP resolves the project and dispatches to the managed fan-out or
// the raw splice.
func (s *Splicer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !IsUpgrade(r) {
		// Probes hit the HMR endpoints with plain GETs; answer politely.
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.URL.Path == s.hmrPath {
		s.fanout.serve(w, r)
		return
	}
	if m := hmrIDRe.FindStringSubmatch(r.URL.Path); m != nil {
		s.splice(w, r, m[1])
		return
	}
	if m := legacyRe.FindStringSubmatch(r.URL.Path); m != nil {
		s.splice(w, r, m[1])
		return
	}
	s.splice(w, r, "")
}

// splice performs the raw TCP relay: hijack the client socket, hand-build
// the upgrade request toward the dev server, then pipe bytes both ways.
// No WebSocket library sits on this path, so Vite's HMR protocol
// extensions survive unharmed.
func (s *Splicer) splice(w http.ResponseWriter, r *http.Request, projectID string) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		s.logger.Error("hijack failed", "error", err)
		return
	}
	if !s.track(client) {
		client.Close()
		return
	}
	defer s.untrack(client)

	if projectID == "" {
		writeStatus(client, http.StatusBadRequest)
		client.Close()
		return
	}
	info, found := s.resolver.Get(projectID)
	if !found || info.Status != supervisor.StatusRunning {
		s.logger.Warn("hmr splice for project without running instance", "project_id", projectID)
		writeStatus(client, http.StatusServiceUnavailable)
		client.Close()
		return
	}

	addr := fmt.Sprintf("localhost:%d", info.Port)
	upstream, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		status := http.StatusBadGateway
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			status = http.StatusGatewayTimeout
		}
		s.logger.Warn("hmr upstream dial failed", "project_id", projectID, "addr", addr, "error", err)
		writeStatus(client, status)
		client.Close()
		return
	}
	if !s.track(upstream) {
		client.Close()
		upstream.Close()
		return
	}
	defer s.untrack(upstream)

	upstream.SetDeadline(time.Now().Add(connectTimeout))
	if _, err := upstream.Write([]byte(buildUpgradeRequest(r, addr))); err != nil {
		s.logger.Warn("hmr upgrade write failed", "project_id", projectID, "error", err)
		writeStatus(client, http.StatusBadGateway)
		client.Close()
		upstream.Close()
		return
	}
	// Bytes the client pipelined behind the upgrade must reach the child.
	if n := buf.Reader.Buffered(); n > 0 {
		head, _ := buf.Reader.Peek(n)
		if _, err := upstream.Write(head); err != nil {
			client.Close()
			upstream.Close()
			return
		}
	}
	upstream.SetDeadline(time.Time{})

	s.resolver.MarkActive(projectID)
	s.logger.Debug("hmr splice established", "project_id", projectID, "port", info.Port)

	// Either side closing tears down the other.
	go func() {
		io.Copy(upstream, client)
		upstream.Close()
		client.Close()
	}()
	io.Copy(client, upstream)
	client.Close()
	upstream.Close()
}

// track registers a live connection for shutdown; false once closed.
func (s *Splicer) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.raw[c] = struct{}{}
	return true
}

func (s *Splicer) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.raw, c)
	s.mu.Unlock()
}

// Close tears down every relayed connection and refuses new splices.
func (s *Splicer) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.raw))
	for c := range s.raw {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.fanout.close()
}

// buildUpgradeRequest constructs the handshake sent to the dev server.
// Host and Origin point at the child's own address so its allowed-hosts
// check passes.
func buildUpgradeRequest(r *http.Request, addr string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GET / HTTP/1.1\r\n")
	fmt.Fprintf(&b, "Host: %s\r\n", addr)
	fmt.Fprintf(&b, "Origin: http://%s\r\n", addr)
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Upgrade: websocket\r\n")

	key := r.Header.Get("Sec-WebSocket-Key")
	if key != "" {
		fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	}
	version := r.Header.Get("Sec-WebSocket-Version")
	if version == "" {
		version = "13"
	}
	fmt.Fprintf(&b, "Sec-WebSocket-Version: %s\r\n", version)
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s\r\n", proto)
	}
	if ext := r.Header.Get("Sec-WebSocket-Extensions"); ext != "" {
		fmt.Fprintf(&b, "Sec-WebSocket-Extensions: %s\r\n", ext)
	}
	b.WriteString("\r\n")
	return b.String()
}

// writeStatus writes a bare HTTP status line to a hijacked connection.
func writeStatus(c net.Conn, code int) {
	fmt.Fprintf(c, "HTTP/1.1 %d %s\r\nConnection: close\r\n\r\n", code, http.StatusText(code))
}
