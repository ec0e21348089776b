package hmrws

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/omniflow/previewd/internal/supervisor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Previews are served cross-origin by design.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn serialises writes to a gorilla connection. The library permits at
// most one concurrent writer, and both the per-client relay goroutines and
// the broadcast loop write to shared connections.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(msgType int, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(msgType, msg)
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) close() {
	c.conn.Close()
}

// fanout serves external HMR clients: each project has at most one managed
// upstream connection to its dev server, broadcast to every subscribed
// client.
type fanout struct {
	resolver Resolver
	logger   *slog.Logger

	mu        sync.Mutex
	clients   map[string]map[*wsConn]bool
	upstreams map[string]*wsConn
	closed    bool
}

func newFanout(resolver Resolver, logger *slog.Logger) *fanout {
	return &fanout{
		resolver:  resolver,
		logger:    logger,
		clients:   make(map[string]map[*wsConn]bool),
		upstreams: make(map[string]*wsConn),
	}
}

func (f *fanout) serve(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		http.Error(w, "projectId query parameter required", http.StatusBadRequest)
		return
	}
	info, found := f.resolver.Get(projectID)
	if !found || info.Status != supervisor.StatusRunning {
		http.Error(w, "no running instance for project", http.StatusServiceUnavailable)
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("hmr client upgrade failed", "project_id", projectID, "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	conn.writeJSON(map[string]string{"type": "connected"})

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.close()
		return
	}
	if f.clients[projectID] == nil {
		f.clients[projectID] = make(map[*wsConn]bool)
	}
	f.clients[projectID][conn] = true
	f.mu.Unlock()

	f.resolver.MarkActive(projectID)
	f.logger.Debug("hmr client connected", "project_id", projectID)

	// Relay client -> upstream until the client goes away. Reads stay on
	// this goroutine; writes to the shared upstream go through its mutex.
	for {
		msgType, msg, err := raw.ReadMessage()
		if err != nil {
			break
		}
		up, err := f.ensureUpstream(projectID, info.Port)
		if err != nil {
			f.logger.Warn("hmr upstream unavailable", "project_id", projectID, "error", err)
			continue
		}
		if err := up.write(msgType, msg); err != nil {
			f.dropUpstream(projectID, up)
		}
	}
	f.removeClient(projectID, conn)
}

// ensureUpstream opens the project's dev-server connection on first use.
func (f *fanout) ensureUpstream(projectID string, port int) (*wsConn, error) {
	f.mu.Lock()
	if up, ok := f.upstreams[projectID]; ok {
		f.mu.Unlock()
		return up, nil
	}
	f.mu.Unlock()

	raw, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://localhost:%d/", port), nil)
	if err != nil {
		return nil, err
	}
	up := &wsConn{conn: raw}

	f.mu.Lock()
	if existing, ok := f.upstreams[projectID]; ok {
		f.mu.Unlock()
		up.close()
		return existing, nil
	}
	f.upstreams[projectID] = up
	f.mu.Unlock()

	go f.broadcastLoop(projectID, up)
	return up, nil
}

// broadcastLoop relays dev-server messages to every client of the project.
// It is the only reader of the upstream connection.
func (f *fanout) broadcastLoop(projectID string, up *wsConn) {
	for {
		msgType, msg, err := up.conn.ReadMessage()
		if err != nil {
			f.dropUpstream(projectID, up)
			return
		}
		f.mu.Lock()
		conns := make([]*wsConn, 0, len(f.clients[projectID]))
		for c := range f.clients[projectID] {
			conns = append(conns, c)
		}
		f.mu.Unlock()
		for _, c := range conns {
			if err := c.write(msgType, msg); err != nil {
				f.removeClient(projectID, c)
			}
		}
	}
}

func (f *fanout) removeClient(projectID string, conn *wsConn) {
	conn.close()

	f.mu.Lock()
	delete(f.clients[projectID], conn)
	last := len(f.clients[projectID]) == 0
	var up *wsConn
	if last {
		delete(f.clients, projectID)
		up = f.upstreams[projectID]
		delete(f.upstreams, projectID)
	}
	f.mu.Unlock()

	if up != nil {
		f.logger.Debug("last hmr client left, closing upstream", "project_id", projectID)
		up.close()
	}
}

func (f *fanout) dropUpstream(projectID string, up *wsConn) {
	up.close()
	f.mu.Lock()
	if f.upstreams[projectID] == up {
		delete(f.upstreams, projectID)
	}
	f.mu.Unlock()
}

func (f *fanout) close() {
	f.mu.Lock()
	f.closed = true
	var conns []*wsConn
	for _, set := range f.clients {
		for c := range set {
			conns = append(conns, c)
		}
	}
	for _, up := range f.upstreams {
		conns = append(conns, up)
	}
	f.clients = make(map[string]map[*wsConn]bool)
	f.upstreams = make(map[string]*wsConn)
	f.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
