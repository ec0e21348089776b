package cmd

import (
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/omniflow/previewd/internal/domain/tagger"
)

var (
	tagPrefix string
	tagServe  string
)

var tagCmd = &cobra.Command{
	Use:   "tag <file.tsx | dir>",
	Short: "Run the JSX tagging transform",
	Long: `Apply the source-location tagging transform to a .jsx/.tsx file and
print the tagged output to stdout. Useful for inspecting what the dev
servers see.

With --serve, the argument is a project directory: every taggable file
under it is transformed into one source map, and the map's query
endpoints are served on the given address so the browser-side editor
can be exercised without a running dev server.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sm := tagger.NewSourceMap()
		tr := tagger.New(sm, tagger.Options{Prefix: tagPrefix})

		if tagServe != "" {
			return tagServeDir(tr, sm, args[0])
		}

		path := args[0]
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !tr.Eligible(path) {
			return fmt.Errorf("%s is not a taggable file", path)
		}
		_, err = os.Stdout.Write(tr.Apply(path, src))
		return err
	},
}

// tagServeDir transforms every taggable file under root into sm, then
// serves the source-map query endpoints.
func tagServeDir(tr *tagger.Transform, sm *tagger.SourceMap, root string) error {
	tagged, err := tagDirectory(tr, root)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "tagged %d files under %s, serving source map on %s\n", tagged, root, tagServe)
	return http.ListenAndServe(tagServe, sourceMapMux(sm))
}

// tagDirectory walks root and applies the transform to every taggable
// file, skipping dependency and VCS directories.
func tagDirectory(tr *tagger.Transform, root string) (int, error) {
	tagged := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if name := d.Name(); name == "node_modules" || name == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !tr.Eligible(path) {
			return nil
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			rel = path
		}
		tr.Apply(filepath.ToSlash(rel), src)
		tagged++
		return nil
	})
	return tagged, err
}

func sourceMapMux(sm *tagger.SourceMap) *http.ServeMux {
	ep := tagger.NewEndpoints(sm)
	mux := http.NewServeMux()
	mux.Handle(tagger.SourceMapPath, ep)
	mux.Handle(tagger.LocatePath, ep)
	mux.Handle(tagger.ByFilePath, ep)
	return mux
}

func init() {
	tagCmd.Flags().StringVar(&tagPrefix, "prefix", "", "id prefix, normally the first 8 chars of the project id")
	tagCmd.Flags().StringVar(&tagServe, "serve", "", "serve the source-map endpoints on this address instead of printing")
	rootCmd.AddCommand(tagCmd)
}
