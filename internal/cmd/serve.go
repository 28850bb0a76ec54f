package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hydragw/hydra/internal/config"
	"github.com/hydragw/hydra/internal/failover"
	"github.com/hydragw/hydra/internal/health"
	"github.com/hydragw/hydra/internal/keypool"
	"github.com/hydragw/hydra/internal/observability"
	"github.com/hydragw/hydra/internal/quota"
	"github.com/hydragw/hydra/internal/relay"
	"github.com/hydragw/hydra/internal/router"
	"github.com/hydragw/hydra/internal/server"
	"github.com/hydragw/hydra/internal/store"
	"github.com/hydragw/hydra/internal/tokens"
	"github.com/hydragw/hydra/internal/translate"
	"github.com/hydragw/hydra/internal/tunnel"
	"github.com/hydragw/hydra/internal/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the OpenAI-compatible gateway server with graceful shutdown.

Ctrl+C (SIGINT) or SIGTERM triggers a graceful shutdown: in-flight requests
finish within the configured shutdown timeout, then logs are flushed.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := observability.NewServerLogger("hydra", cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	pool, err := keypool.LoadFile(cfg.Keys.File)
	if err != nil {
		return err
	}

	deps, err := buildDeps(cfg, st, pool, logger)
	if err != nil {
		return err
	}

	logger.Info("gateway initialized",
		zap.String("version", versionInfo.Version),
		zap.Int("credentials", pool.Len()),
		zap.Strings("models", cfg.Models),
		zap.Bool("auth", cfg.Auth.Enabled))

	srv := server.New(cfg.Server, deps)

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if runner := tunnel.New(cfg.Tunnel, cfg.Server.Port, logger); runner != nil {
		go func() {
			if err := runner.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("tunnel failed", zap.Error(err))
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-runCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// buildDeps wires the shared registries behind the HTTP handlers.
func buildDeps(cfg *config.Config, st *store.Store, pool *keypool.Store, logger *zap.Logger) (server.Deps, error) {
	limits := make(map[string]quota.Limits, len(quota.DefaultLimits)+len(cfg.Limits))
	for model, l := range quota.DefaultLimits {
		limits[model] = l
	}
	for model, l := range cfg.Limits {
		limits[model] = l
	}

	tracker := quota.NewTracker(store.NewQuotaStore(st), limits, nil, logger)

	classifier := health.NewClassifier(logger,
		health.WithBackoff(cfg.Health.BackoffBase, cfg.Health.BackoffCap),
		health.WithFailureThreshold(cfg.Health.FailureThreshold))

	routes := router.New(pool, tracker, classifier, logger)

	client := upstream.NewClient(cfg.Upstream.BaseURL)
	if cfg.Upstream.Timeout > 0 {
		client.Timeout = cfg.Upstream.Timeout
	}

	orchestrator := failover.New(pool, tracker, classifier, routes, relay.New(logger),
		failover.ClientUpstream{Client: client},
		failover.Config{
			MaxAttempts:        cfg.Failover.MaxAttempts,
			TransientDelay:     cfg.Failover.TransientDelay,
			ExhaustedRetryHint: cfg.Failover.ExhaustedRetryHint,
		}, logger)

	models := cfg.Models
	if len(models) == 0 {
		models = defaultModels(limits)
	}

	var registry *tokens.Registry
	if cfg.Auth.Enabled {
		var err error
		registry, err = tokens.NewRegistry(cfg.Auth.Secret, store.NewTokenStore(st))
		if err != nil {
			return server.Deps{}, err
		}
	}

	return server.Deps{
		Orchestrator: orchestrator,
		Pool:         pool,
		Tracker:      tracker,
		Status:       classifier,
		Tokens:       registry,
		AuthEnabled:  cfg.Auth.Enabled,
		Requests:     st,
		Models:       models,
		Aliases:      mergedAliases(cfg.Aliases),
		Logger:       logger,
	}, nil
}

func defaultModels(limits map[string]quota.Limits) []string {
	models := make([]string, 0, len(limits))
	for model := range limits {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// mergedAliases overlays configured aliases on the built-in table.
func mergedAliases(configured map[string]string) map[string]string {
	merged := make(map[string]string, len(translate.DefaultModelAliases)+len(configured))
	for alias, target := range translate.DefaultModelAliases {
		merged[alias] = target
	}
	for alias, target := range configured {
		merged[alias] = target
	}
	return merged
}
