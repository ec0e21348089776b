// Package cmd provides the CLI commands for previewd.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/omniflow/previewd/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "previewd",
	Short: "previewd - multi-tenant preview orchestrator",
	Long: `previewd hosts live previews of user projects. It materialises each
project from a pre-installed template, runs one bundler dev server per
project on an internal port, and exposes everything through a single
public listener: a signed control-plane API, a reverse proxy under
/p/<projectId>/, and a WebSocket relay for hot module reload.

Quick start:
  DATA_DIR=/data/sites previewd serve

Configuration:
  Environment variables (PORT, DATA_DIR, FLY_API_KEY, ...) take
  precedence; an optional previewd.yaml in the current directory,
  $HOME/.previewd/, or /etc/previewd/ covers the rest.

Commands:
  serve       Start the orchestrator
  sign        Sign a control-plane request for manual testing
  tag         Run the JSX tagging transform on a file
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./previewd.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
