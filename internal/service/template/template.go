// Package template maintains the shared project template: a fully
// installed Vite workspace that new projects are cloned from so creation
// never waits on a cold dependency install.
package template

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/omniflow/previewd/internal/adapter/outbound/pkgmgr"
	"github.com/omniflow/previewd/internal/domain/scaffold"
)

// TemplateDirName is the template's directory under the data root.
const TemplateDirName = "_template"

// State is the template lifecycle state.
type State string

const (
	StateNotInitialised State = "not-initialised"
	StateInitialising   State = "initialising"
	StateReady          State = "ready"
	StateFailed         State = "failed"
)

// Installer is the slice of the package manager the template needs.
type Installer interface {
	Ensure(ctx context.Context, dir string) pkgmgr.Result
}

// Service owns the template directory and clones projects from it.
type Service struct {
	dataDir     string
	prebuiltDir string
	scaffoldCfg scaffold.Config
	installer   Installer
	logger      *slog.Logger

	flight singleflight.Group

	mu    sync.Mutex
	state State
}

// New creates a template service. scaffoldCfg carries the tagger dependency
// and public-host settings applied to every generated vite config.
func New(dataDir, prebuiltDir string, scaffoldCfg scaffold.Config, installer Installer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		dataDir:     dataDir,
		prebuiltDir: prebuiltDir,
		scaffoldCfg: scaffoldCfg,
		installer:   installer,
		logger:      logger,
		state:       StateNotInitialised,
	}
}

// Dir returns the template directory path.
func (s *Service) Dir() string {
	return filepath.Join(s.dataDir, TemplateDirName)
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Initialize brings the template to ready. Idempotent: concurrent callers
// share one in-flight initialisation, and a ready template returns
// immediately.
func (s *Service) Initialize(ctx context.Context) error {
	_, err, _ := s.flight.Do("init", func() (any, error) {
		if s.State() == StateReady && installed(s.Dir()) {
			return nil, nil
		}
		s.setState(StateInitialising)
		if err := s.initialize(ctx); err != nil {
			s.setState(StateFailed)
			return nil, err
		}
		s.setState(StateReady)
		return nil, nil
	})
	return err
}

// initialize walks the fast paths first: an already-populated template,
// then a build-time pre-warmed copy, then a full scaffold + install.
func (s *Service) initialize(ctx context.Context) error {
	dir := s.Dir()

	if installed(dir) {
		s.logger.Info("template already populated", "dir", dir)
		return nil
	}

	if s.prebuiltDir != "" && installed(s.prebuiltDir) {
		s.logger.Info("copying pre-warmed template", "from", s.prebuiltDir, "to", dir)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("clearing template dir: %w", err)
		}
		if err := copyTree(s.prebuiltDir, dir); err != nil {
			os.RemoveAll(dir)
			return fmt.Errorf("copying prebuilt template: %w", err)
		}
		return nil
	}

	s.logger.Info("scaffolding template from scratch", "dir", dir)
	cfg := s.scaffoldCfg
	cfg.ProjectID = TemplateDirName
	cfg.ProjectName = "Template"
	for _, f := range scaffold.Scaffold(cfg) {
		path := filepath.Join(dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			os.RemoveAll(dir)
			return fmt.Errorf("creating template dirs: %w", err)
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			os.RemoveAll(dir)
			return fmt.Errorf("writing %s: %w", f.Path, err)
		}
	}
	if res := s.installer.Ensure(ctx, dir); !res.Success {
		os.RemoveAll(dir)
		return fmt.Errorf("template install failed: %v", lastLog(res.Logs))
	}
	return nil
}

// CreateFromTemplate clones the template into dest for projectID and
// rewrites vite.config.ts for that project's base path and HMR endpoint.
func (s *Service) CreateFromTemplate(ctx context.Context, projectID, dest string) error {
	// The template may have been wiped underneath us (volume reset).
	if !installed(s.Dir()) {
		s.setState(StateNotInitialised)
		if err := s.Initialize(ctx); err != nil {
			return fmt.Errorf("reinitialising template: %w", err)
		}
	}

	// A stale clone from a failed earlier attempt would make the copy
	// fail with source-inside-destination errors; start clean.
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clearing project dir: %w", err)
	}
	if err := copyTree(s.Dir(), dest); err != nil {
		return fmt.Errorf("cloning template: %w", err)
	}

	vite := scaffold.ViteConfig(scaffold.ViteOptions{
		ProjectID:  projectID,
		PublicHost: s.scaffoldCfg.PublicHost,
		HTTPS:      s.scaffoldCfg.HTTPS,
	})
	if err := os.WriteFile(filepath.Join(dest, "vite.config.ts"), []byte(vite), 0o644); err != nil {
		return fmt.Errorf("writing vite config: %w", err)
	}
	s.logger.Info("project cloned from template", "project_id", projectID, "dest", dest)
	return nil
}

// installed reports whether dir holds a populated workspace.
func installed(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, "node_modules"))
	return err == nil && info.IsDir()
}

func lastLog(logs []string) string {
	if len(logs) == 0 {
		return "no output"
	}
	return logs[len(logs)-1]
}
