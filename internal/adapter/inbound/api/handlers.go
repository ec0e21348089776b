package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/omniflow/previewd/internal/adapter/outbound/pkgmgr"
	"github.com/omniflow/previewd/internal/service/project"
	"github.com/omniflow/previewd/internal/supervisor"
)

// Projects is the slice of the project service the control plane exposes.
type Projects interface {
	Create(ctx context.Context, cfg project.CreateConfig) (project.CreateResult, error)
	GetStatus(projectID string) project.Status
	Delete(ctx context.Context, projectID string) error
	UpdateFiles(projectID string, updates []project.FileUpdate) (project.UpdateResult, error)
	ReadFile(projectID, path string) ([]byte, error)
	ListFiles(projectID string) ([]string, error)
	StartPreview(ctx context.Context, projectID string) (supervisor.Info, error)
	StopPreview(projectID string) error
	Reinstall(ctx context.Context, projectID string) (supervisor.Info, error)
	AddDependency(ctx context.Context, projectID, pkg string, dev bool) (pkgmgr.Result, error)
	RemoveDependency(ctx context.Context, projectID, pkg string) (pkgmgr.Result, error)
}

// URLs renders the public addresses for a project's preview and HMR.
type URLs interface {
	PreviewURL(projectID string) string
	HmrURL(projectID string) string
}

type projectHandlers struct {
	projects Projects
	urls     URLs
	logger   *slog.Logger
}

func (h *projectHandlers) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /projects", h.create)
	mux.HandleFunc("GET /projects/{id}", h.status)
	mux.HandleFunc("DELETE /projects/{id}", h.delete)
	mux.HandleFunc("PUT /projects/{id}/files", h.updateFiles)
	mux.HandleFunc("GET /projects/{id}/files", h.listFiles)
	mux.HandleFunc("GET /projects/{id}/files/{path...}", h.readFile)
	mux.HandleFunc("POST /projects/{id}/preview/start", h.startPreview)
	mux.HandleFunc("POST /projects/{id}/preview/stop", h.stopPreview)
	mux.HandleFunc("POST /projects/{id}/reinstall", h.reinstall)
	mux.HandleFunc("POST /projects/{id}/dependencies", h.addDependency)
	mux.HandleFunc("DELETE /projects/{id}/dependencies/{package}", h.removeDependency)
}

func (h *projectHandlers) create(w http.ResponseWriter, r *http.Request) {
	body, err := requestBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	var cfg project.CreateConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		writeErr(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if cfg.ProjectID == "" || cfg.ProjectName == "" {
		writeErr(w, http.StatusBadRequest, "projectId and projectName are required")
		return
	}

	res, err := h.projects.Create(r.Context(), cfg)
	if err != nil {
		h.logger.Error("project create failed", "project_id", cfg.ProjectID, "error", err)
		writeErr(w, http.StatusInternalServerError, startFailure(err, "Failed to create project"))
		return
	}
	writeData(w, http.StatusCreated, res)
}

// startFailure surfaces operational start errors the caller can act on
// (pool exhausted, child never became ready); anything else stays generic.
func startFailure(err error, fallback string) string {
	if errors.Is(err, supervisor.ErrNoCapacity) || errors.Is(err, supervisor.ErrStartupTimeout) {
		return err.Error()
	}
	return fallback
}

func (h *projectHandlers) status(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.projects.GetStatus(r.PathValue("id")))
}

func (h *projectHandlers) delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.projects.Delete(r.Context(), id); err != nil {
		h.logger.Error("project delete failed", "project_id", id, "error", err)
		writeErr(w, http.StatusInternalServerError, "Failed to delete project")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"projectId": id})
}

func (h *projectHandlers) updateFiles(w http.ResponseWriter, r *http.Request) {
	body, err := requestBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	var req struct {
		Updates []project.FileUpdate `json:"updates"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	res, err := h.projects.UpdateFiles(r.PathValue("id"), req.Updates)
	if errors.Is(err, project.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *projectHandlers) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.projects.ListFiles(r.PathValue("id"))
	if errors.Is(err, project.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "Failed to list files")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"files": files})
}

func (h *projectHandlers) readFile(w http.ResponseWriter, r *http.Request) {
	id, path := r.PathValue("id"), r.PathValue("path")
	data, err := h.projects.ReadFile(id, path)
	if errors.Is(err, project.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "File not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]string{"path": path, "content": string(data)})
}

func (h *projectHandlers) startPreview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := h.projects.StartPreview(r.Context(), id)
	if errors.Is(err, project.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		h.logger.Error("preview start failed", "project_id", id, "error", err)
		writeErr(w, http.StatusInternalServerError, startFailure(err, "Failed to start preview"))
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"port":       info.Port,
		"previewUrl": h.urls.PreviewURL(id),
		"hmrUrl":     h.urls.HmrURL(id),
	})
}

func (h *projectHandlers) stopPreview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.projects.StopPreview(id); err != nil {
		writeErr(w, http.StatusInternalServerError, "Failed to stop preview")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"projectId": id})
}

func (h *projectHandlers) reinstall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := h.projects.Reinstall(r.Context(), id)
	if errors.Is(err, project.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		h.logger.Error("reinstall failed", "project_id", id, "error", err)
		writeErr(w, http.StatusInternalServerError, startFailure(err, "Failed to reinstall dependencies"))
		return
	}
	writeData(w, http.StatusOK, map[string]any{"port": info.Port})
}

func (h *projectHandlers) addDependency(w http.ResponseWriter, r *http.Request) {
	body, err := requestBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	var req struct {
		Package string `json:"package"`
		Dev     bool   `json:"dev"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Package == "" {
		writeErr(w, http.StatusBadRequest, "package is required")
		return
	}

	res, err := h.projects.AddDependency(r.Context(), r.PathValue("id"), req.Package, req.Dev)
	if errors.Is(err, project.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "Project not found")
		return
	}
	if !res.Success {
		writeErr(w, http.StatusInternalServerError, "Failed to add dependency")
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *projectHandlers) removeDependency(w http.ResponseWriter, r *http.Request) {
	res, err := h.projects.RemoveDependency(r.Context(), r.PathValue("id"), r.PathValue("package"))
	if errors.Is(err, project.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "Project not found")
		return
	}
	if !res.Success {
		writeErr(w, http.StatusInternalServerError, "Failed to remove dependency")
		return
	}
	writeData(w, http.StatusOK, res)
}
