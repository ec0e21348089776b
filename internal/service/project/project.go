// Package project implements the project lifecycle: materialising a
// workspace from the shared template or from scratch, mutating its files,
// and driving its dev-server instance.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/omniflow/previewd/internal/adapter/outbound/pkgmgr"
	"github.com/omniflow/previewd/internal/domain/scaffold"
	"github.com/omniflow/previewd/internal/service/template"
	"github.com/omniflow/previewd/internal/supervisor"
)

// ErrNotFound is returned for operations on a project with no directory.
var ErrNotFound = errors.New("project not found")

// Supervisor is the slice of the instance supervisor the service uses.
type Supervisor interface {
	Start(ctx context.Context, projectID, dir string) (supervisor.Info, error)
	Stop(projectID string) error
	Get(projectID string) (supervisor.Info, bool)
	MarkActive(projectID string)
	PreviewURL(projectID string) string
	HmrURL(projectID string) string
}

// PackageManager is the slice of the package manager the service uses.
type PackageManager interface {
	Install(ctx context.Context, dir string) pkgmgr.Result
	Ensure(ctx context.Context, dir string) pkgmgr.Result
	Reinstall(ctx context.Context, dir string) pkgmgr.Result
	Add(ctx context.Context, dir, pkg string, dev bool) pkgmgr.Result
	Remove(ctx context.Context, dir, pkg string) pkgmgr.Result
}

// Templates is the slice of the template manager the service uses.
type Templates interface {
	State() template.State
	Initialize(ctx context.Context) error
	CreateFromTemplate(ctx context.Context, projectID, dest string) error
}

// FileSpec is one user-supplied file in a create request.
type FileSpec struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// CreateConfig is the payload for creating a project.
type CreateConfig struct {
	ProjectID   string     `json:"projectId"`
	ProjectName string     `json:"projectName"`
	Description string     `json:"description,omitempty"`
	Files       []FileSpec `json:"files,omitempty"`
}

// CreateResult reports where the project landed and how to reach it.
type CreateResult struct {
	Dir        string `json:"dir"`
	Port       int    `json:"port"`
	PreviewURL string `json:"previewUrl"`
	HmrURL     string `json:"hmrUrl"`
}

// Service coordinates project storage, templates, installs, and instances.
type Service struct {
	dataDir     string
	scaffoldCfg scaffold.Config
	templates   Templates
	pm          PackageManager
	sup         Supervisor
	logger      *slog.Logger
}

// New creates a project Service. scaffoldCfg supplies the slow-path
// scaffolding parameters (tagger dep, public host).
func New(dataDir string, scaffoldCfg scaffold.Config, templates Templates, pm PackageManager, sup Supervisor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		dataDir:     dataDir,
		scaffoldCfg: scaffoldCfg,
		templates:   templates,
		pm:          pm,
		sup:         sup,
		logger:      logger,
	}
}

var idSanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Path returns the project's directory, with the id reduced to a safe
// character set so traversal sequences cannot escape the data root.
func (s *Service) Path(projectID string) string {
	return filepath.Join(s.dataDir, idSanitizeRe.ReplaceAllString(projectID, ""))
}

// Exists reports whether the project has a directory on disk.
func (s *Service) Exists(projectID string) bool {
	info, err := os.Stat(s.Path(projectID))
	return err == nil && info.IsDir()
}

// configSkipList names the template-owned config files a user manifest
// must never overwrite: the template's resolved dependency set is what
// makes the pre-installed node_modules valid.
var configSkipList = map[string]bool{
	"package.json":       true,
	"vite.config.ts":     true,
	"vite.config.js":     true,
	"bun.lock":           true,
	"bun.lockb":          true,
	"package-lock.json":  true,
	"yarn.lock":          true,
	"pnpm-lock.yaml":     true,
	"tailwind.config.js": true,
	"tailwind.config.ts": true,
	"postcss.config.js":  true,
	"postcss.config.cjs": true,
	"tsconfig.json":      true,
	"tsconfig.node.json": true,
	"tsconfig.app.json":  true,
}

// Create materialises a project and starts its dev server. A ready
// template is cloned; otherwise the project is scaffolded from scratch
// and installed cold.
func (s *Service) Create(ctx context.Context, cfg CreateConfig) (CreateResult, error) {
	if cfg.ProjectID == "" || cfg.ProjectName == "" {
		return CreateResult{}, errors.New("projectId and projectName are required")
	}
	dir := s.Path(cfg.ProjectID)

	if s.templates.State() == template.StateReady {
		if err := s.createFromTemplate(ctx, cfg, dir); err != nil {
			return CreateResult{}, err
		}
	} else {
		s.logger.Warn("template not ready, scaffolding project cold", "project_id", cfg.ProjectID, "template_state", s.templates.State())
		if err := s.createFromScratch(ctx, cfg, dir); err != nil {
			return CreateResult{}, err
		}
	}

	info, err := s.sup.Start(ctx, cfg.ProjectID, dir)
	if err != nil {
		return CreateResult{}, fmt.Errorf("starting dev server: %w", err)
	}
	return CreateResult{
		Dir:        dir,
		Port:       info.Port,
		PreviewURL: s.sup.PreviewURL(cfg.ProjectID),
		HmrURL:     s.sup.HmrURL(cfg.ProjectID),
	}, nil
}

func (s *Service) createFromTemplate(ctx context.Context, cfg CreateConfig, dir string) error {
	if err := s.templates.CreateFromTemplate(ctx, cfg.ProjectID, dir); err != nil {
		return err
	}
	if err := s.writeUserFiles(dir, cfg.Files); err != nil {
		return err
	}
	return s.mergeUserDependencies(ctx, cfg, dir)
}

func (s *Service) createFromScratch(ctx context.Context, cfg CreateConfig, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating project dir: %w", err)
	}
	sc := s.scaffoldCfg
	sc.ProjectID = cfg.ProjectID
	sc.ProjectName = cfg.ProjectName
	sc.Description = cfg.Description
	for _, f := range scaffold.Scaffold(sc) {
		path := filepath.Join(dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			return err
		}
	}
	if err := s.writeUserFiles(dir, cfg.Files); err != nil {
		return err
	}
	if res := s.pm.Install(ctx, dir); !res.Success {
		return fmt.Errorf("installing dependencies for %s failed", cfg.ProjectID)
	}
	return nil
}

// writeUserFiles lands the user's sources, skipping template-owned config
// files.
func (s *Service) writeUserFiles(dir string, files []FileSpec) error {
	for _, f := range files {
		rel := filepath.ToSlash(filepath.Clean(f.Path))
		if configSkipList[rel] {
			continue
		}
		path, err := safeJoin(dir, f.Path)
		if err != nil {
			return fmt.Errorf("file %q: %w", f.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// mergeUserDependencies folds dependencies from a user-supplied manifest
// that the template lacks into the cloned manifest, then installs the
// delta. The template's own pins always win on conflict.
func (s *Service) mergeUserDependencies(ctx context.Context, cfg CreateConfig, dir string) error {
	var userManifest string
	for _, f := range cfg.Files {
		if filepath.ToSlash(filepath.Clean(f.Path)) == "package.json" {
			userManifest = f.Content
			break
		}
	}
	if userManifest == "" {
		return nil
	}

	type manifest struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	var user manifest
	if err := json.Unmarshal([]byte(userManifest), &user); err != nil {
		s.logger.Warn("user package.json unparsable, ignoring", "project_id", cfg.ProjectID, "error", err)
		return nil
	}

	manifestPath := filepath.Join(dir, "package.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("reading cloned manifest: %w", err)
	}
	var full map[string]json.RawMessage
	if err := json.Unmarshal(raw, &full); err != nil {
		return fmt.Errorf("parsing cloned manifest: %w", err)
	}
	var current manifest
	json.Unmarshal(raw, &current)
	if current.Dependencies == nil {
		current.Dependencies = map[string]string{}
	}

	added := 0
	for name, version := range user.Dependencies {
		if _, ok := current.Dependencies[name]; ok {
			continue
		}
		if _, ok := current.DevDependencies[name]; ok {
			continue
		}
		current.Dependencies[name] = version
		added++
	}
	if added == 0 {
		return nil
	}

	deps, err := json.Marshal(current.Dependencies)
	if err != nil {
		return err
	}
	full["dependencies"] = deps
	out, err := json.MarshalIndent(full, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(manifestPath, append(out, '\n'), 0o644); err != nil {
		return err
	}

	s.logger.Info("installing user dependency delta", "project_id", cfg.ProjectID, "added", added)
	if res := s.pm.Ensure(ctx, dir); !res.Success {
		return fmt.Errorf("installing extra dependencies for %s failed", cfg.ProjectID)
	}
	return nil
}

// StartPreview installs (cheap when node_modules exists) and starts the
// project's dev server.
func (s *Service) StartPreview(ctx context.Context, projectID string) (supervisor.Info, error) {
	dir := s.Path(projectID)
	if !s.Exists(projectID) {
		return supervisor.Info{}, ErrNotFound
	}
	if res := s.pm.Install(ctx, dir); !res.Success {
		return supervisor.Info{}, fmt.Errorf("installing dependencies for %s failed", projectID)
	}
	return s.sup.Start(ctx, projectID, dir)
}

// StopPreview stops the project's dev server if it runs.
func (s *Service) StopPreview(projectID string) error {
	return s.sup.Stop(projectID)
}

// Delete stops the instance and removes the project directory.
func (s *Service) Delete(ctx context.Context, projectID string) error {
	_ = s.sup.Stop(projectID)
	if err := os.RemoveAll(s.Path(projectID)); err != nil {
		return fmt.Errorf("removing project dir: %w", err)
	}
	s.logger.Info("project deleted", "project_id", projectID)
	return nil
}

// Reinstall stops the instance, reinstalls from scratch, and restarts.
func (s *Service) Reinstall(ctx context.Context, projectID string) (supervisor.Info, error) {
	if !s.Exists(projectID) {
		return supervisor.Info{}, ErrNotFound
	}
	_ = s.sup.Stop(projectID)
	if res := s.pm.Reinstall(ctx, s.Path(projectID)); !res.Success {
		return supervisor.Info{}, fmt.Errorf("reinstall for %s failed", projectID)
	}
	return s.sup.Start(ctx, projectID, s.Path(projectID))
}

// AddDependency installs pkg into the project.
func (s *Service) AddDependency(ctx context.Context, projectID, pkg string, dev bool) (pkgmgr.Result, error) {
	if !s.Exists(projectID) {
		return pkgmgr.Result{}, ErrNotFound
	}
	return s.pm.Add(ctx, s.Path(projectID), pkg, dev), nil
}

// RemoveDependency uninstalls pkg from the project.
func (s *Service) RemoveDependency(ctx context.Context, projectID, pkg string) (pkgmgr.Result, error) {
	if !s.Exists(projectID) {
		return pkgmgr.Result{}, ErrNotFound
	}
	return s.pm.Remove(ctx, s.Path(projectID), pkg), nil
}
