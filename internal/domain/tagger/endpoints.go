package tagger

import (
	"encoding/json"
	"net/http"
)

// SourceMapPath and friends are the query endpoints the browser-side editor
// talks to. They are mounted on the dev-server middleware chain and are
// CORS-open: the editor may be served from a different origin than the
// preview itself.
const (
	SourceMapPath = "/__jsx-source-map"
	LocatePath    = "/__jsx-locate"
	ByFilePath    = "/__jsx-by-file"
)

// Endpoints serves the source-map query routes backed by a SourceMap.
type Endpoints struct {
	sm *SourceMap
}

// NewEndpoints creates the query endpoint handler.
func NewEndpoints(sm *SourceMap) *Endpoints {
	return &Endpoints{sm: sm}
}

// Handles reports whether path is one of the tagger query routes.
func Handles(path string) bool {
	return path == SourceMapPath || path == LocatePath || path == ByFilePath
}

// ServeHTTP dispatches the three query routes.
func (e *Endpoints) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch r.URL.Path {
	case SourceMapPath:
		e.serveSourceMap(w, r)
	case LocatePath:
		e.serveLocate(w, r)
	case ByFilePath:
		e.serveByFile(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (e *Endpoints) serveSourceMap(w http.ResponseWriter, r *http.Request) {
	body, etag := e.sm.Snapshot()
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (e *Endpoints) serveLocate(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	entry, ok := e.sm.Lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "id not found"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (e *Endpoints) serveByFile(w http.ResponseWriter, r *http.Request) {
	file := r.URL.Query().Get("file")
	writeJSON(w, http.StatusOK, e.sm.ByFile(file))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
