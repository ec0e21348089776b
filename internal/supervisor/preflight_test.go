package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureTaggerDepAddsMissing(t *testing.T) {
	s, inst := newTestSupervisor(t, Config{TaggerDep: "file:/opt/tagger"})
	dir := t.TempDir()
	manifest := `{"name":"p","devDependencies":{"vite":"^5.4.2"}}`
	os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644)

	if err := s.ensureTaggerDep(context.Background(), dir); err != nil {
		t.Fatalf("ensureTaggerDep: %v", err)
	}

	raw, _ := os.ReadFile(filepath.Join(dir, "package.json"))
	var parsed struct {
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("rewritten manifest is not JSON: %v", err)
	}
	if parsed.DevDependencies[taggerPackage] != "file:/opt/tagger" {
		t.Errorf("tagger dep = %q, want file:/opt/tagger", parsed.DevDependencies[taggerPackage])
	}
	if parsed.DevDependencies["vite"] != "^5.4.2" {
		t.Error("existing dev dependency lost during rewrite")
	}
	if inst.calls.Load() != 1 {
		t.Errorf("installer called %d times, want 1", inst.calls.Load())
	}
}

func TestEnsureTaggerDepNoopWhenPresent(t *testing.T) {
	s, inst := newTestSupervisor(t, Config{})
	dir := t.TempDir()
	manifest := `{"devDependencies":{"vite-plugin-jsx-tagger":"file:/x"}}`
	os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644)

	if err := s.ensureTaggerDep(context.Background(), dir); err != nil {
		t.Fatal(err)
	}
	if inst.calls.Load() != 0 {
		t.Error("installer ran although the tagger dep was present")
	}
}

func TestHealViteConfigRegenerates(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{PublicHost: "preview.example.com", HTTPS: true})
	dir := t.TempDir()
	userCfg := `import { defineConfig } from "vite";
import react from "@vitejs/plugin-react";
import svgr from "vite-plugin-svgr";

export default defineConfig({
  plugins: [react(), svgr()],
  resolve: {
    alias: { "@": "/src" },
  },
});
`
	os.WriteFile(filepath.Join(dir, "vite.config.ts"), []byte(userCfg), 0o644)

	if err := s.healViteConfig(dir, "p1"); err != nil {
		t.Fatalf("healViteConfig: %v", err)
	}

	out, _ := os.ReadFile(filepath.Join(dir, "vite.config.ts"))
	cfg := string(out)
	for _, want := range []string{
		`base: "/p/p1/"`,
		`path: "/hmr/p1"`,
		"jsxTagger(",
		`alias: { "@": "/src" }`,
		`import svgr from "vite-plugin-svgr";`,
	} {
		if !strings.Contains(cfg, want) {
			t.Errorf("healed config missing %q:\n%s", want, cfg)
		}
	}
}

func TestHealViteConfigLeavesCorrectConfig(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{PublicHost: "preview.example.com"})
	dir := makeProject(t, "p1")

	before, _ := os.ReadFile(filepath.Join(dir, "vite.config.ts"))
	if err := s.healViteConfig(dir, "p1"); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, "vite.config.ts"))
	if string(before) != string(after) {
		t.Error("correct config was rewritten")
	}
}
