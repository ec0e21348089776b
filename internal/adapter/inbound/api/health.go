package api

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/omniflow/previewd/internal/supervisor"
)

// Instances is the read side of the supervisor the health surface needs.
type Instances interface {
	All() []supervisor.Info
	RunningCount() int
	PortsAvailable() int
}

type healthHandlers struct {
	instances Instances
	startedAt time.Time
	version   string
}

func (h *healthHandlers) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.welcome)
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /health/ready", h.health)
	mux.HandleFunc("GET /health/live", h.health)
	mux.HandleFunc("GET /health/metrics", h.metrics)
	mux.HandleFunc("GET /health/debug/instances", h.debugInstances)
}

func (h *healthHandlers) health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// metrics reports pool occupancy, per-instance details, and process stats.
func (h *healthHandlers) metrics(w http.ResponseWriter, r *http.Request) {
	instances := h.instances.All()
	counts := map[supervisor.Status]int{}
	for _, info := range instances {
		counts[info.Status]++
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeData(w, http.StatusOK, map[string]any{
		"vite": map[string]int{
			"running":  counts[supervisor.StatusRunning],
			"starting": counts[supervisor.StatusStarting],
			"stopping": counts[supervisor.StatusStopping],
			// Failed instances are removed from the table on exit, so this
			// is always zero; kept for consumers that key on it.
			"error": 0,
			"total": len(instances),
		},
		"instances": instances,
		"uptime":    int(time.Since(h.startedAt).Seconds()),
		"memory": map[string]uint64{
			"allocBytes": mem.Alloc,
			"sysBytes":   mem.Sys,
			"numGC":      uint64(mem.NumGC),
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *healthHandlers) debugInstances(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"instances":      h.instances.All(),
		"running":        h.instances.RunningCount(),
		"portsAvailable": h.instances.PortsAvailable(),
	})
}

func (h *healthHandlers) welcome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<html>
<head><title>previewd</title></head>
<body>
<h1>previewd %s</h1>
<p>%d instances running, %d ports available.</p>
</body>
</html>
`, h.version, h.instances.RunningCount(), h.instances.PortsAvailable())
}
