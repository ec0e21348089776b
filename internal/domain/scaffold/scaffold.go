// Package scaffold generates the file set for a fresh Vite + React project.
// Everything here is pure string assembly: no filesystem access, so the
// template manager can decide where and whether the files land.
package scaffold

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// DefaultTaggerDep is the local-path dependency used for the tagging
// transform when no override is configured.
const DefaultTaggerDep = "file:/app/packages/vite-plugin-jsx-tagger"

// Config describes one project to scaffold.
type Config struct {
	ProjectID   string
	ProjectName string
	Description string
	// TaggerDep is the package.json source for the tagging plugin.
	TaggerDep string
	// PublicHost and HTTPS drive the HMR client configuration.
	PublicHost string
	HTTPS      bool
}

// File is one generated file, path relative to the project root.
type File struct {
	Path    string
	Content string
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases name and collapses every non-alphanumeric run into a
// single dash, producing a valid package name.
func Slugify(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "preview-project"
	}
	return s
}

// IDPrefix returns the tagger id prefix for a project: the first 8 chars
// of its id.
func IDPrefix(projectID string) string {
	if len(projectID) > 8 {
		return projectID[:8]
	}
	return projectID
}

// Scaffold produces the complete file set for cfg.
func Scaffold(cfg Config) []File {
	return []File{
		{Path: "package.json", Content: PackageJSON(cfg)},
		{Path: "vite.config.ts", Content: ViteConfig(ViteOptions{
			ProjectID:  cfg.ProjectID,
			PublicHost: cfg.PublicHost,
			HTTPS:      cfg.HTTPS,
		})},
		{Path: "tsconfig.json", Content: tsconfigJSON},
		{Path: "tsconfig.node.json", Content: tsconfigNodeJSON},
		{Path: "tailwind.config.js", Content: tailwindConfig},
		{Path: "postcss.config.js", Content: postcssConfig},
		{Path: "index.html", Content: IndexHTML(cfg)},
		{Path: "src/main.tsx", Content: mainTSX},
		{Path: "src/App.tsx", Content: appTSX(cfg)},
		{Path: "src/index.css", Content: indexCSS},
	}
}

// PackageJSON renders the project manifest with pinned runtime majors and
// the tagger plugin as a dev dependency.
func PackageJSON(cfg Config) string {
	dep := cfg.TaggerDep
	if dep == "" {
		dep = DefaultTaggerDep
	}
	return fmt.Sprintf(`{
  "name": %q,
  "private": true,
  "version": "0.0.0",
  "type": "module",
  "scripts": {
    "dev": "vite",
    "build": "tsc -b && vite build",
    "preview": "vite preview"
  },
  "dependencies": {
    "react": "^18.3.1",
    "react-dom": "^18.3.1"
  },
  "devDependencies": {
    "@types/react": "^18.3.3",
    "@types/react-dom": "^18.3.0",
    "@vitejs/plugin-react": "^4.3.1",
    "autoprefixer": "^10.4.20",
    "postcss": "^8.4.41",
    "tailwindcss": "^3.4.10",
    "typescript": "^5.5.3",
    "vite": "^5.4.2",
    "vite-plugin-jsx-tagger": %q
  }
}
`, Slugify(cfg.ProjectName), dep)
}

// ViteOptions parameterises the generated vite.config.ts. PreservedAlias
// and ExtraImports carry user additions the config healer found in an
// existing config and must not lose.
type ViteOptions struct {
	ProjectID  string
	PublicHost string
	HTTPS      bool

	PreservedAlias string   // raw "alias: {...}" block, verbatim
	ExtraImports   []string // extra import lines, verbatim
}

// ViteConfig renders vite.config.ts for a project. The tagger plugin sits
// before the react plugin so it sees untranspiled JSX, and the HMR client
// is pointed at the public splice endpoint for this project.
func ViteConfig(opts ViteOptions) string {
	protocol, clientPort := "ws", 80
	if opts.HTTPS {
		protocol, clientPort = "wss", 443
	}

	var b strings.Builder
	b.WriteString(`import { defineConfig } from "vite";
import react from "@vitejs/plugin-react";
import jsxTagger from "vite-plugin-jsx-tagger";
`)
	for _, imp := range opts.ExtraImports {
		b.WriteString(imp)
		b.WriteString("\n")
	}

	resolve := ""
	if opts.PreservedAlias != "" {
		resolve = fmt.Sprintf("  resolve: {\n    %s,\n  },\n", opts.PreservedAlias)
	}

	fmt.Fprintf(&b, `
export default defineConfig({
  plugins: [jsxTagger({ idPrefix: %q }), react()],
  base: %q,
%s  server: {
    host: "0.0.0.0",
    hmr: {
      protocol: %q,
      host: %q,
      clientPort: %d,
      path: %q,
    },
  },
});
`,
		IDPrefix(opts.ProjectID),
		"/p/"+opts.ProjectID+"/",
		resolve,
		protocol,
		opts.PublicHost,
		clientPort,
		"/hmr/"+opts.ProjectID,
	)
	return b.String()
}

// IndexHTML renders the entry page. Title and description are attacker
// controlled and escaped before interpolation.
func IndexHTML(cfg Config) string {
	title := cfg.ProjectName
	if title == "" {
		title = "Preview"
	}
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <meta name="description" content="%s" />
    <title>%s</title>
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/src/main.tsx"></script>
  </body>
</html>
`, html.EscapeString(cfg.Description), html.EscapeString(title))
}

func appTSX(cfg Config) string {
	return fmt.Sprintf(`function App() {
  return (
    <div className="flex min-h-screen items-center justify-center bg-gray-50">
      <div className="text-center">
        <h1 className="text-3xl font-semibold text-gray-900">%s</h1>
        <p className="mt-2 text-gray-600">Start editing src/App.tsx</p>
      </div>
    </div>
  );
}

export default App;
`, html.EscapeString(cfg.ProjectName))
}

const mainTSX = `import { StrictMode } from "react";
import { createRoot } from "react-dom/client";
import App from "./App";
import "./index.css";

createRoot(document.getElementById("root")!).render(
  <StrictMode>
    <App />
  </StrictMode>,
);
`

const indexCSS = `@tailwind base;
@tailwind components;
@tailwind utilities;
`

const tailwindConfig = `/** @type {import('tailwindcss').Config} */
export default {
  content: ["./index.html", "./src/**/*.{js,ts,jsx,tsx}"],
  theme: {
    extend: {},
  },
  plugins: [],
};
`

const postcssConfig = `export default {
  plugins: {
    tailwindcss: {},
    autoprefixer: {},
  },
};
`

const tsconfigJSON = `{
  "compilerOptions": {
    "target": "ES2020",
    "useDefineForClassFields": true,
    "lib": ["ES2020", "DOM", "DOM.Iterable"],
    "module": "ESNext",
    "skipLibCheck": true,
    "moduleResolution": "bundler",
    "allowImportingTsExtensions": true,
    "resolveJsonModule": true,
    "isolatedModules": true,
    "noEmit": true,
    "jsx": "react-jsx",
    "strict": true
  },
  "include": ["src"],
  "references": [{ "path": "./tsconfig.node.json" }]
}
`

const tsconfigNodeJSON = `{
  "compilerOptions": {
    "composite": true,
    "skipLibCheck": true,
    "module": "ESNext",
    "moduleResolution": "bundler",
    "allowSyntheticDefaultImports": true
  },
  "include": ["vite.config.ts"]
}
`
