package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/omniflow/previewd/internal/adapter/inbound/api"
	"github.com/omniflow/previewd/internal/adapter/inbound/hmrws"
	"github.com/omniflow/previewd/internal/adapter/inbound/proxy"
	"github.com/omniflow/previewd/internal/adapter/outbound/pkgmgr"
	"github.com/omniflow/previewd/internal/config"
	"github.com/omniflow/previewd/internal/domain/scaffold"
	"github.com/omniflow/previewd/internal/service/project"
	"github.com/omniflow/previewd/internal/service/template"
	"github.com/omniflow/previewd/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator",
	Long: `Start the previewd server: the control-plane API, the preview proxy,
the HMR relay, and the dev-server supervisor, all on one listener.

Examples:
  # Local development, unauthenticated
  DATA_DIR=/tmp/previews previewd serve

  # Production
  PORT=3000 DATA_DIR=/data/sites FLY_API_KEY=... FLY_API_SECRET=... previewd serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)
	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	// stop() restores default signal handling so a second Ctrl+C is a hard
	// kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	return run(ctx, cfg, logger)
}

// run wires the components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.Projects.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := supervisor.NewMetrics(registry)

	pm := pkgmgr.New(cfg.Projects.BunBinary, logger)

	scaffoldCfg := scaffold.Config{
		TaggerDep:  cfg.Projects.TaggerDep,
		PublicHost: cfg.Public.Host,
		HTTPS:      cfg.Public.HTTPS,
	}

	templates := template.New(cfg.Projects.DataDir, cfg.Projects.PrebuiltTemplateDir, scaffoldCfg, pm, logger)
	// Warm the template in the background; creates fall back to the cold
	// path until it is ready.
	go func() {
		if err := templates.Initialize(ctx); err != nil {
			logger.Error("template initialisation failed", "error", err)
		}
	}()

	sup := supervisor.New(supervisor.Config{
		BasePort:       cfg.Instances.BasePort,
		MaxInstances:   cfg.Instances.MaxInstances,
		IdleTimeout:    cfg.Instances.IdleTimeout,
		StartupTimeout: cfg.Instances.StartupTimeout,
		BunBinary:      cfg.Projects.BunBinary,
		TaggerDep:      cfg.Projects.TaggerDep,
		PublicHost:     cfg.Public.Host,
		HTTPS:          cfg.Public.HTTPS,
	}, pm, metrics, logger)

	projects := project.New(cfg.Projects.DataDir, scaffoldCfg, templates, pm, sup, logger)

	splicer := hmrws.New(sup, "", logger)
	previewProxy := proxy.New(sup, projects, logger)

	handler := api.NewRouter(api.Deps{
		Auth:         cfg.Auth,
		Projects:     projects,
		URLs:         sup,
		Instances:    sup,
		Proxy:        previewProxy,
		ProxyHandles: proxy.Handles,
		Splicer:      splicer,
		Registry:     registry,
		Version:      Version,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler,
	}

	logger.Info("previewd starting",
		"version", Version,
		"port", cfg.Server.Port,
		"data_dir", cfg.Projects.DataDir,
		"port_range", fmt.Sprintf("%d-%d", cfg.Instances.BasePort, cfg.Instances.BasePort+cfg.Instances.MaxInstances-1),
		"public_host", cfg.Public.Host,
		"auth", cfg.Auth.Enabled(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", "error", err)
	}

	// Hijacked HMR sockets are invisible to Shutdown; close them, then
	// stop every child.
	splicer.Close()
	sup.Destroy()

	logger.Info("previewd stopped")
	return nil
}

// parseLogLevel converts a string log level to slog.Level. Unrecognized
// values fall back to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
