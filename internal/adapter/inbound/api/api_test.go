package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/omniflow/previewd/internal/adapter/outbound/pkgmgr"
	"github.com/omniflow/previewd/internal/config"
	"github.com/omniflow/previewd/internal/domain/signature"
	"github.com/omniflow/previewd/internal/service/project"
	"github.com/omniflow/previewd/internal/supervisor"
)

type fakeProjects struct {
	creates   atomic.Int64
	status    project.Status
	files     map[string]string
	createErr error
	startErr  error
}

func (f *fakeProjects) Create(ctx context.Context, cfg project.CreateConfig) (project.CreateResult, error) {
	if f.createErr != nil {
		return project.CreateResult{}, f.createErr
	}
	f.creates.Add(1)
	return project.CreateResult{Dir: "/data/sites/" + cfg.ProjectID, Port: 5200, PreviewURL: "u", HmrURL: "h"}, nil
}

func (f *fakeProjects) GetStatus(string) project.Status { return f.status }

func (f *fakeProjects) Delete(context.Context, string) error { return nil }

func (f *fakeProjects) UpdateFiles(id string, updates []project.FileUpdate) (project.UpdateResult, error) {
	if f.files == nil {
		return project.UpdateResult{}, project.ErrNotFound
	}
	res := project.UpdateResult{}
	for _, u := range updates {
		f.files[u.Path] = u.Content
		res.Written++
	}
	return res, nil
}

func (f *fakeProjects) ReadFile(id, path string) ([]byte, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, project.ErrNotFound
	}
	return []byte(content), nil
}

func (f *fakeProjects) ListFiles(string) ([]string, error) {
	out := make([]string, 0, len(f.files))
	for p := range f.files {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeProjects) StartPreview(context.Context, string) (supervisor.Info, error) {
	if f.startErr != nil {
		return supervisor.Info{}, f.startErr
	}
	return supervisor.Info{Port: 5200, Status: supervisor.StatusRunning}, nil
}

func (f *fakeProjects) StopPreview(string) error { return nil }

func (f *fakeProjects) Reinstall(context.Context, string) (supervisor.Info, error) {
	return supervisor.Info{Port: 5200}, nil
}

func (f *fakeProjects) AddDependency(context.Context, string, string, bool) (pkgmgr.Result, error) {
	return pkgmgr.Result{Success: true}, nil
}

func (f *fakeProjects) RemoveDependency(context.Context, string, string) (pkgmgr.Result, error) {
	return pkgmgr.Result{Success: true}, nil
}

type fakeURLs struct{}

func (fakeURLs) PreviewURL(id string) string { return "https://host/p/" + id + "/" }
func (fakeURLs) HmrURL(id string) string     { return "wss://host/hmr/" + id }

type fakeInstances struct{ infos []supervisor.Info }

func (f *fakeInstances) All() []supervisor.Info { return f.infos }

func (f *fakeInstances) RunningCount() int {
	n := 0
	for _, i := range f.infos {
		if i.Status == supervisor.StatusRunning {
			n++
		}
	}
	return n
}

func (f *fakeInstances) PortsAvailable() int { return 20 - len(f.infos) }

func newTestRouter(t *testing.T, auth config.AuthConfig, projects *fakeProjects) http.Handler {
	t.Helper()
	if projects.files == nil {
		projects.files = map[string]string{}
	}
	return NewRouter(Deps{
		Auth:      auth,
		Projects:  projects,
		URLs:      fakeURLs{},
		Instances: &fakeInstances{infos: []supervisor.Info{{ProjectID: "p1", Port: 5200, Status: supervisor.StatusRunning}}},
		Registry:  prometheus.NewRegistry(),
		Version:   "test",
	})
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope: %v (%s)", err, rec.Body.String())
	}
	return env
}

func signedRequest(method, path, body string, ts int64, key, secret string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-API-Key", key)
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-Signature", signature.Sign(method, path, []byte(body), ts, secret))
	return req
}

func TestAuthDevModeSkips(t *testing.T) {
	h := newTestRouter(t, config.AuthConfig{}, &fakeProjects{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/projects",
		strings.NewReader(`{"projectId":"p1","projectName":"x"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("dev-mode create = %d, want 201: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthMissingHeaders(t *testing.T) {
	auth := config.AuthConfig{APIKey: "k", APISecret: "s"}
	h := newTestRouter(t, auth, &fakeProjects{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/projects", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if env := decode(t, rec); env.Code != CodeMissingHeaders {
		t.Errorf("code = %q, want %q", env.Code, CodeMissingHeaders)
	}
}

func TestAuthInvalidKey(t *testing.T) {
	auth := config.AuthConfig{APIKey: "k", APISecret: "s"}
	h := newTestRouter(t, auth, &fakeProjects{})

	req := signedRequest(http.MethodPost, "/projects", "{}", time.Now().Unix(), "wrong", "s")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if env := decode(t, rec); rec.Code != http.StatusUnauthorized || env.Code != CodeInvalidKey {
		t.Errorf("got %d %q, want 401 %q", rec.Code, env.Code, CodeInvalidKey)
	}
}

func TestAuthNonNumericTimestamp(t *testing.T) {
	auth := config.AuthConfig{APIKey: "k", APISecret: "s"}
	h := newTestRouter(t, auth, &fakeProjects{})

	req := httptest.NewRequest(http.MethodPost, "/projects", strings.NewReader("{}"))
	req.Header.Set("X-API-Key", "k")
	req.Header.Set("X-Timestamp", "yesterday")
	req.Header.Set("X-Signature", "00")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if env := decode(t, rec); env.Code != CodeInvalidTimestamp {
		t.Errorf("code = %q, want %q", env.Code, CodeInvalidTimestamp)
	}
}

func TestAuthExpiredTimestampCreatesNothing(t *testing.T) {
	auth := config.AuthConfig{APIKey: "k", APISecret: "s"}
	projects := &fakeProjects{}
	h := newTestRouter(t, auth, projects)

	body := `{"projectId":"p1","projectName":"x"}`
	req := signedRequest(http.MethodPost, "/projects", body, time.Now().Unix()-600, "k", "s")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if env := decode(t, rec); env.Code != CodeTimestampExpired {
		t.Errorf("code = %q, want %q", env.Code, CodeTimestampExpired)
	}
	if projects.creates.Load() != 0 {
		t.Error("project was created despite auth failure")
	}
}

func TestAuthTamperedBodyRejected(t *testing.T) {
	auth := config.AuthConfig{APIKey: "k", APISecret: "s"}
	h := newTestRouter(t, auth, &fakeProjects{})

	ts := time.Now().Unix()
	req := httptest.NewRequest(http.MethodPost, "/projects", strings.NewReader(`{"projectId":"evil"}`))
	req.Header.Set("X-API-Key", "k")
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-Signature", signature.Sign(http.MethodPost, "/projects", []byte(`{"projectId":"good"}`), ts, "s"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if env := decode(t, rec); env.Code != CodeInvalidSignature {
		t.Errorf("code = %q, want %q", env.Code, CodeInvalidSignature)
	}
}

func TestSignedCreateSucceeds(t *testing.T) {
	auth := config.AuthConfig{APIKey: "k", APISecret: "s"}
	projects := &fakeProjects{}
	h := newTestRouter(t, auth, projects)

	body := `{"projectId":"p1","projectName":"Demo"}`
	req := signedRequest(http.MethodPost, "/projects", body, time.Now().Unix(), "k", "s")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	env := decode(t, rec)
	if !env.Success {
		t.Error("envelope not successful")
	}
	if projects.creates.Load() != 1 {
		t.Errorf("creates = %d, want 1", projects.creates.Load())
	}
}

func TestCreateValidation(t *testing.T) {
	h := newTestRouter(t, config.AuthConfig{}, &fakeProjects{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/projects", strings.NewReader(`{"projectName":"x"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing projectId = %d, want 400", rec.Code)
	}
}

func TestCreateSurfacesCapacityError(t *testing.T) {
	projects := &fakeProjects{
		createErr: fmt.Errorf("starting dev server: %w", supervisor.ErrNoCapacity),
	}
	h := newTestRouter(t, config.AuthConfig{}, projects)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/projects",
		strings.NewReader(`{"projectId":"p1","projectName":"x"}`)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if env := decode(t, rec); !strings.Contains(env.Error, "no available ports") {
		t.Errorf("error = %q, want the capacity message surfaced", env.Error)
	}
}

func TestStartPreviewSurfacesStartupTimeout(t *testing.T) {
	projects := &fakeProjects{
		startErr: fmt.Errorf("starting dev server: %w", supervisor.ErrStartupTimeout),
	}
	h := newTestRouter(t, config.AuthConfig{}, projects)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/projects/p1/preview/start", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if env := decode(t, rec); !strings.Contains(env.Error, "not ready before startup deadline") {
		t.Errorf("error = %q, want the timeout message surfaced", env.Error)
	}
}

func TestStartPreviewGenericErrorStaysOpaque(t *testing.T) {
	projects := &fakeProjects{startErr: errors.New("bun install wrote garbage to node_modules")}
	h := newTestRouter(t, config.AuthConfig{}, projects)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/projects/p1/preview/start", nil))
	if env := decode(t, rec); env.Error != "Failed to start preview" {
		t.Errorf("error = %q, want the generic message", env.Error)
	}
}

func TestFileRoutes(t *testing.T) {
	projects := &fakeProjects{files: map[string]string{"src/App.tsx": "app"}}
	h := newTestRouter(t, config.AuthConfig{}, projects)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/projects/p1/files",
		strings.NewReader(`{"updates":[{"path":"src/New.tsx","content":"n"}]}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", rec.Code, rec.Body.String())
	}
	if projects.files["src/New.tsx"] != "n" {
		t.Error("update did not land")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/projects/p1/files/src/App.tsx", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("read = %d", rec.Code)
	}
	env := decode(t, rec)
	data := env.Data.(map[string]any)
	if data["content"] != "app" || data["path"] != "src/App.tsx" {
		t.Errorf("read data = %v", data)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/projects/p1/files/missing.ts", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing file = %d, want 404", rec.Code)
	}
}

func TestHealthRoutes(t *testing.T) {
	h := newTestRouter(t, config.AuthConfig{}, &fakeProjects{})

	for _, path := range []string{"/health", "/health/ready", "/health/live"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s = %d, want 200", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/metrics", nil))
	env := decode(t, rec)
	data := env.Data.(map[string]any)
	vite := data["vite"].(map[string]any)
	if vite["running"].(float64) != 1 || vite["total"].(float64) != 1 {
		t.Errorf("vite counts = %v", vite)
	}
	if errCount, ok := vite["error"]; !ok || errCount.(float64) != 0 {
		t.Errorf("vite error count = %v, want present and 0", vite["error"])
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/debug/instances", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("debug instances = %d", rec.Code)
	}
}

func TestWelcomePage(t *testing.T) {
	h := newTestRouter(t, config.AuthConfig{}, &fakeProjects{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("welcome = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "1 instances running") {
		t.Errorf("welcome body missing counts:\n%s", rec.Body.String())
	}
}

func TestStaticAssetServed(t *testing.T) {
	h := newTestRouter(t, config.AuthConfig{}, &fakeProjects{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/visual-edit-script.js", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("static asset = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "data-jsx-id") {
		t.Error("served asset is not the visual edit script")
	}
}

func TestPrometheusMetricsServed(t *testing.T) {
	h := newTestRouter(t, config.AuthConfig{}, &fakeProjects{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", rec.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	h := newTestRouter(t, config.AuthConfig{}, &fakeProjects{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "given")
	h.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") != "given" {
		t.Error("caller request id not echoed")
	}
}
