package project

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/omniflow/previewd/internal/supervisor"
)

// Operation names for a file update entry.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// FileUpdate is one entry in a batch file mutation. An empty Operation
// means update.
type FileUpdate struct {
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// UpdateResult summarises a batch mutation.
type UpdateResult struct {
	Written int `json:"written"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

// Status describes a project's on-disk and runtime state.
type Status struct {
	Exists           bool       `json:"exists"`
	DevServerRunning bool       `json:"devServerRunning"`
	Port             int        `json:"port,omitempty"`
	FileCount        int        `json:"fileCount"`
	LastModified     *time.Time `json:"lastModified,omitempty"`
}

// safeJoin resolves rel under base, rejecting absolute paths and
// traversal out of base.
func safeJoin(base, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path not allowed")
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes project directory")
	}
	return filepath.Join(base, clean), nil
}

// UpdateFiles applies a batch of create/update/delete operations to the
// project's tree. Writes whose content already matches the file on disk
// are skipped, which keeps Vite from reloading modules that did not
// change. The instance's idle clock is refreshed once per batch.
func (s *Service) UpdateFiles(projectID string, updates []FileUpdate) (UpdateResult, error) {
	if !s.Exists(projectID) {
		return UpdateResult{}, ErrNotFound
	}
	dir := s.Path(projectID)

	var res UpdateResult
	for _, u := range updates {
		path, err := safeJoin(dir, u.Path)
		if err != nil {
			return res, fmt.Errorf("file %q: %w", u.Path, err)
		}
		op := u.Operation
		if op == "" {
			op = OpUpdate
		}
		switch op {
		case OpDelete:
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return res, fmt.Errorf("deleting %s: %w", u.Path, err)
			}
			res.Deleted++
		case OpCreate, OpUpdate:
			content := []byte(u.Content)
			if existing, err := os.ReadFile(path); err == nil &&
				len(existing) == len(content) && xxhash.Sum64(existing) == xxhash.Sum64(content) {
				res.Skipped++
				continue
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return res, err
			}
			if err := os.WriteFile(path, content, 0o644); err != nil {
				return res, fmt.Errorf("writing %s: %w", u.Path, err)
			}
			res.Written++
		default:
			return res, fmt.Errorf("unknown operation %q for %s", u.Operation, u.Path)
		}
	}

	s.sup.MarkActive(projectID)
	s.logger.Debug("files updated", "project_id", projectID, "written", res.Written, "deleted", res.Deleted, "skipped", res.Skipped)
	return res, nil
}

// ReadFile returns one file's content.
func (s *Service) ReadFile(projectID, rel string) ([]byte, error) {
	if !s.Exists(projectID) {
		return nil, ErrNotFound
	}
	path, err := safeJoin(s.Path(projectID), rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("file %s: %w", rel, ErrNotFound)
	}
	return data, err
}

// ListFiles returns the project's source files as slash-separated
// relative paths, pruning dependency and VCS trees.
func (s *Service) ListFiles(projectID string) ([]string, error) {
	if !s.Exists(projectID) {
		return nil, ErrNotFound
	}
	dir := s.Path(projectID)

	files := []string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "node_modules" || d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}

// GetStatus reports existence, instance state, and tree stats.
func (s *Service) GetStatus(projectID string) Status {
	st := Status{}
	if !s.Exists(projectID) {
		return st
	}
	st.Exists = true

	if info, ok := s.sup.Get(projectID); ok && info.Status == supervisor.StatusRunning {
		st.DevServerRunning = true
		st.Port = info.Port
	}

	var latest time.Time
	dir := s.Path(projectID)
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "node_modules" || d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		st.FileCount++
		if info, err := d.Info(); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	if !latest.IsZero() {
		st.LastModified = &latest
	}
	return st
}
