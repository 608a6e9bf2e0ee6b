package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/kgserve/internal/assets"
	"github.com/kilupskalvis/kgserve/internal/config"
	"github.com/kilupskalvis/kgserve/internal/loader"
	"github.com/kilupskalvis/kgserve/internal/query"
	"github.com/kilupskalvis/kgserve/internal/server"
	"github.com/kilupskalvis/kgserve/internal/server/graphql"
)

// Flags of serve and load. Only explicitly set flags override the config.
var (
	flagListen            string
	flagBundle            string
	flagMaxLimit          int
	flagDocsDir           string
	flagForce             bool
	flagPruneDocs         bool
	flagWebhookURLs       string
	flagRequestsPerMinute int
	flagReloadTimeout     time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load the bundle and serve it over HTTP",
	Long: `Load the configured bundle into the store and serve it read-only.

When no bundle path is configured the bundle already held by the store is
served. The server refuses to start when there is nothing to serve.

SIGHUP reloads the configured bundle; SIGINT and SIGTERM shut down
gracefully. The admin endpoints are enabled by KGSERVE_ADMIN_TOKEN.

Examples:
  kgserve serve --bundle ./bundles/people
  BUNDLE_PATH=people.zip DATABASE_URL=postgres://kg@db/kg kgserve serve
  kgserve serve --config /etc/kgserve.toml --listen 0.0.0.0:8080`,
	Args: cobra.NoArgs,
	Run:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&flagListen, "listen", config.DefaultListen, "Listen address (host:port)")
	f.StringVar(&flagBundle, "bundle", "", "Bundle directory or .zip archive (env: BUNDLE_PATH)")
	f.IntVar(&flagMaxLimit, "max-limit", 0, "Maximum page size (env: MAX_LIMIT)")
	f.StringVar(&flagDocsDir, "docs-dir", "", "Directory receiving the bundle's document assets")
	f.BoolVar(&flagForce, "force", false, "Replace the store content even if the bundle is already loaded (env: BUNDLE_FORCE_RELOAD)")
	f.BoolVar(&flagPruneDocs, "prune-docs", false, "Remove published documents the new bundle no longer lists")
	f.StringVar(&flagWebhookURLs, "webhook-urls", "", "Comma-separated URLs notified after each load")
	f.IntVar(&flagRequestsPerMinute, "requests-per-minute", 0, "Per-client query rate limit, 0 disables")
	f.DurationVar(&flagReloadTimeout, "reload-timeout", config.DefaultReloadTimeout, "Upper bound for one reload")
}

// applyServeFlags copies explicitly set serve and load flags into cfg.
// Commands that do not define a flag never report it as changed.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.Listen = flagListen
	}
	if f.Changed("bundle") {
		cfg.BundlePath = flagBundle
	}
	if f.Changed("max-limit") {
		cfg.MaxLimit = flagMaxLimit
	}
	if f.Changed("docs-dir") {
		cfg.DocsDir = flagDocsDir
	}
	if f.Changed("force") {
		cfg.ForceReload = flagForce
	}
	if f.Changed("prune-docs") {
		cfg.PruneDocs = flagPruneDocs
	}
	if f.Changed("webhook-urls") {
		cfg.WebhookURLs = config.SplitList(flagWebhookURLs)
	}
	if f.Changed("requests-per-minute") {
		cfg.RequestsPerMinute = flagRequestsPerMinute
	}
	if f.Changed("reload-timeout") {
		cfg.ReloadTimeout = flagReloadTimeout.String()
	}
}

func runServe(cmd *cobra.Command, _ []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := initStoreContext(ctx, cmd)
	defer c.Close()
	cfg, logger := c.Config, c.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var docs assets.Store
	if cfg.DocsDir != "" {
		fs, err := assets.NewFSStore(cfg.DocsDir)
		if err != nil {
			logger.Error("failed to create docs directory", "error", err, "path", cfg.DocsDir)
			c.Close()
			os.Exit(1)
		}
		docs = fs
	}

	ldCfg := loader.Config{
		Source:      cfg.BundlePath,
		Force:       cfg.ForceReload,
		Assets:      docs,
		Logger:      logger,
		Metrics:     loader.NewMetrics(reg),
		PruneAssets: cfg.PruneDocs,
	}
	if webhooks := server.NewWebhookNotifier(&server.WebhookConfig{URLs: cfg.WebhookURLs}, logger); webhooks != nil {
		ldCfg.OnLoad = webhooks.NotifyLoad
		logger.Info("webhooks configured", "count", len(cfg.WebhookURLs))
	}
	ld := loader.New(c.Store, ldCfg)

	if _, err := startup(ctx, ld); err != nil {
		logger.Error("no bundle to serve", "error", err, "database", c.Store.Backend())
		c.Close()
		os.Exit(1)
	}

	q := query.New(c.Store, cfg.MaxLimit, query.WithLogger(logger), query.WithRegisterer(reg))

	scfg := server.DefaultServerConfig()
	scfg.AdminToken = cfg.AdminToken
	scfg.RequestsPerMinute = cfg.RequestsPerMinute
	scfg.ReloadTimeout = cfg.ReloadTimeoutDuration()

	h, handlerCleanup := server.Handler(server.Deps{
		Query:      q,
		Loader:     ld,
		Assets:     docs,
		GraphQL:    graphql.Handler(q, logger),
		Registerer: reg,
		Gatherer:   reg,
	}, scfg, logger)
	defer handlerCleanup()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reloadOnSignal(ctx, hup, ld, scfg.ReloadTimeout, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting kgserve",
			"listen", cfg.Listen,
			"database", c.Store.Backend(),
			"bundle", cfg.BundlePath,
			"max_limit", q.MaxLimit(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("server error", "error", err)
		c.Close()
		os.Exit(1)
	case <-ctx.Done():
	}
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
}

// startup makes a bundle active before the server accepts traffic: the
// configured source is loaded, or without one the stored bundle is adopted.
func startup(ctx context.Context, ld *loader.Loader) (*loader.Result, error) {
	if ld.Source() != "" {
		return ld.Reload(ctx)
	}
	return ld.Adopt(ctx)
}
