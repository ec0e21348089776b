// Package pkgmgr wraps the JavaScript package manager used to materialise
// project dependency trees. All operations return a Result instead of an
// error: a failed install is a state the caller reports, not an exception.
package pkgmgr

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Result is the outcome of one package-manager operation.
type Result struct {
	Success    bool     `json:"success"`
	DurationMs int64    `json:"durationMs"`
	Logs       []string `json:"logs"`
}

// Manager runs the package manager binary in project directories.
// Concurrent Install calls for the same directory share one process.
type Manager struct {
	bin    string
	logger *slog.Logger
	flight singleflight.Group

	// runCmd is swapped in tests to count spawns without a real binary.
	runCmd func(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// New creates a Manager around the given package-manager binary.
func New(bin string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{bin: bin, logger: logger}
	m.runCmd = m.execCmd
	return m
}

// Install materialises dir's dependency tree. A directory that already has
// node_modules is considered installed and skipped. Concurrent calls for
// the same directory share a single in-flight install.
func (m *Manager) Install(ctx context.Context, dir string) Result {
	key := filepath.Clean(dir)
	v, _, _ := m.flight.Do(key, func() (any, error) {
		if _, err := os.Stat(filepath.Join(key, "node_modules")); err == nil {
			m.logger.Debug("dependencies already installed", "dir", key)
			return Result{Success: true, Logs: []string{"node_modules present, skipping install"}}, nil
		}
		return m.run(ctx, key, "install"), nil
	})
	return v.(Result)
}

// Ensure always runs the package manager, healing partial trees that a
// bare node_modules stat check would miss.
func (m *Manager) Ensure(ctx context.Context, dir string) Result {
	key := filepath.Clean(dir)
	v, _, _ := m.flight.Do("ensure:"+key, func() (any, error) {
		return m.run(ctx, key, "install"), nil
	})
	return v.(Result)
}

// Reinstall deletes the node_modules tree and installs from scratch.
func (m *Manager) Reinstall(ctx context.Context, dir string) Result {
	key := filepath.Clean(dir)
	start := time.Now()
	if err := os.RemoveAll(filepath.Join(key, "node_modules")); err != nil {
		return Result{
			Success:    false,
			DurationMs: time.Since(start).Milliseconds(),
			Logs:       []string{"failed to remove node_modules: " + err.Error()},
		}
	}
	res := m.Ensure(ctx, key)
	res.DurationMs = time.Since(start).Milliseconds()
	return res
}

// Add installs one package into dir, optionally as a dev dependency.
func (m *Manager) Add(ctx context.Context, dir, pkg string, dev bool) Result {
	args := []string{"add", pkg}
	if dev {
		args = append(args, "--dev")
	}
	return m.run(ctx, filepath.Clean(dir), args...)
}

// Remove uninstalls one package from dir.
func (m *Manager) Remove(ctx context.Context, dir, pkg string) Result {
	return m.run(ctx, filepath.Clean(dir), "remove", pkg)
}

// run executes the package manager and folds exit status plus output into
// a Result. Spawn failures are reported the same way as non-zero exits.
func (m *Manager) run(ctx context.Context, dir string, args ...string) Result {
	start := time.Now()
	m.logger.Info("running package manager", "dir", dir, "args", strings.Join(args, " "))

	out, err := m.runCmd(ctx, dir, args...)
	res := Result{
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
		Logs:       splitLogs(out),
	}
	if err != nil {
		res.Logs = append(res.Logs, err.Error())
		m.logger.Warn("package manager failed", "dir", dir, "error", err, "duration_ms", res.DurationMs)
	} else {
		m.logger.Info("package manager finished", "dir", dir, "duration_ms", res.DurationMs)
	}
	return res
}

func (m *Manager) execCmd(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, m.bin, args...)
	cmd.Dir = dir
	// CI mode keeps the package manager from prompting or animating.
	cmd.Env = append(os.Environ(), "CI=true", "NO_COLOR=1")
	return cmd.CombinedOutput()
}

func splitLogs(out []byte) []string {
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}
