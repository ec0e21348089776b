package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/omniflow/previewd/internal/domain/scaffold"
)

const taggerPackage = "vite-plugin-jsx-tagger"

// preflight repairs a project workspace before spawning its dev server:
// the tagger plugin must be an installed dev dependency, and vite.config.ts
// must carry the correct base path, HMR endpoint, and plugin order.
// Projects whose config files a user overwrote get them regenerated rather
// than patched in place.
func (s *Supervisor) preflight(ctx context.Context, projectID, dir string) error {
	if err := s.ensureTaggerDep(ctx, dir); err != nil {
		return err
	}
	return s.healViteConfig(dir, projectID)
}

// ensureTaggerDep adds the tagger plugin to the manifest's devDependencies
// and reinstalls when a user-supplied package.json dropped it.
func (s *Supervisor) ensureTaggerDep(ctx context.Context, dir string) error {
	manifestPath := filepath.Join(dir, "package.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("reading project manifest: %w", err)
	}

	var manifest map[string]json.RawMessage
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("parsing project manifest: %w", err)
	}

	devDeps := map[string]string{}
	if rawDeps, ok := manifest["devDependencies"]; ok {
		if err := json.Unmarshal(rawDeps, &devDeps); err != nil {
			return fmt.Errorf("parsing devDependencies: %w", err)
		}
	}
	if _, ok := devDeps[taggerPackage]; ok {
		return nil
	}

	dep := s.cfg.TaggerDep
	if dep == "" {
		dep = scaffold.DefaultTaggerDep
	}
	devDeps[taggerPackage] = dep
	encoded, err := json.Marshal(devDeps)
	if err != nil {
		return err
	}
	manifest["devDependencies"] = encoded

	out, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(manifestPath, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing project manifest: %w", err)
	}

	s.logger.Info("tagger dependency missing from manifest, installing", "dir", dir)
	if res := s.installer.Ensure(ctx, dir); !res.Success {
		return fmt.Errorf("installing tagger dependency in %s failed", dir)
	}
	return nil
}

var (
	aliasRe  = regexp.MustCompile(`alias:\s*\{[^}]*\}`)
	importRe = regexp.MustCompile(`(?m)^import .*$`)
)

// knownImports are the imports every generated config carries; anything
// else in an existing config is a user addition worth preserving.
var knownImports = []string{`"vite"`, `"@vitejs/plugin-react"`, `"` + taggerPackage + `"`}

// healViteConfig regenerates vite.config.ts when its base path, HMR
// endpoint, or tagger plugin went missing, carrying over user alias blocks
// and extra imports.
func (s *Supervisor) healViteConfig(dir, projectID string) error {
	path := filepath.Join(dir, "vite.config.ts")
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading vite config: %w", err)
	}

	cfg := string(existing)
	if strings.Contains(cfg, `"/p/`+projectID+`/"`) &&
		strings.Contains(cfg, "/hmr/"+projectID) &&
		strings.Contains(cfg, "jsxTagger") {
		return nil
	}

	opts := scaffold.ViteOptions{
		ProjectID:  projectID,
		PublicHost: s.cfg.PublicHost,
		HTTPS:      s.cfg.HTTPS,
	}
	if m := aliasRe.FindString(cfg); m != "" {
		opts.PreservedAlias = m
	}
	for _, line := range importRe.FindAllString(cfg, -1) {
		known := false
		for _, imp := range knownImports {
			if strings.Contains(line, imp) {
				known = true
				break
			}
		}
		if !known {
			opts.ExtraImports = append(opts.ExtraImports, line)
		}
	}

	s.logger.Info("regenerating vite config", "project_id", projectID, "preserved_imports", len(opts.ExtraImports))
	if err := os.WriteFile(path, []byte(scaffold.ViteConfig(opts)), 0o644); err != nil {
		return fmt.Errorf("writing vite config: %w", err)
	}
	return nil
}
