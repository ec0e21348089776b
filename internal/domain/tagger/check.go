package tagger

import (
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// syntaxOK runs the tagged output through esbuild's transformer and reports
// whether it still parses. The tagger fails open: a source the scanner
// mangled is detected here and the original bytes are served instead.
func syntaxOK(path string, src []byte) bool {
	loader := api.LoaderJSX
	if strings.HasSuffix(path, ".tsx") {
		loader = api.LoaderTSX
	}
	result := api.Transform(string(src), api.TransformOptions{
		Loader:     loader,
		Sourcefile: path,
	})
	return len(result.Errors) == 0
}
