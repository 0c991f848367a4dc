package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/convertly/convertly/pkg/config"
	"github.com/convertly/convertly/pkg/consistency"
	"github.com/convertly/convertly/pkg/httpapi"
	"github.com/convertly/convertly/pkg/orders"
	"github.com/convertly/convertly/pkg/poller"
	"github.com/convertly/convertly/pkg/remote"
	"github.com/convertly/convertly/pkg/status"
	"github.com/convertly/convertly/pkg/store"
	"github.com/convertly/convertly/pkg/stores"
	"github.com/convertly/convertly/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the order service",
		Long: `Run the order service: the HTTP API, the payment status pollers,
and the consistency manager over the shared entity cache.

The configuration file is watched for changes; polling tunables and
the staleness threshold apply to watches started after a reload.`,
		Example: `  # Serve with defaults
  convertly serve

  # Serve with a config file, hot-reloaded on change
  convertly serve --config convertly.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.NewComponentLogger("serve")

	db, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return err
	}
	if err := db.Init(ctx); err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("failed to close database")
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	provider, err := remote.NewClient(remote.ClientConfig{
		BaseURL: cfg.Provider.BaseURL,
		Timeout: cfg.Provider.Timeout,
	})
	if err != nil {
		return err
	}

	shared := store.NewMemoryStore()

	manager := consistency.NewManager(consistency.ManagerConfig{
		Store:              shared,
		Confirmer:          provider,
		Fetcher:            provider,
		StalenessThreshold: cfg.Polling.StalenessThreshold,
		Logger:             tel.Logger,
		Metrics:            tel.Metrics,
		Tracer:             tel.Tracer,
		Events:             tel.Events,
	})

	fetch := func(fctx context.Context, id string) (status.Status, error) {
		fctx, span := tel.Tracer.StartPollSpan(fctx, id)
		observed, err := provider.FetchStatus(fctx, id)
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
		return observed, err
	}

	registry := poller.NewRegistry(fetch, poller.Config{
		InitialInterval:   cfg.Polling.InitialInterval,
		MaxInterval:       cfg.Polling.MaxInterval,
		BackoffMultiplier: cfg.Polling.BackoffMultiplier,
		MaxAttempts:       cfg.Polling.MaxAttempts,
	})

	service := orders.NewService(orders.ServiceConfig{
		DB:       db,
		Shared:   shared,
		Manager:  manager,
		Registry: registry,
		Logger:   tel.Logger,
		Metrics:  tel.Metrics,
		Events:   tel.Events,
	})
	defer service.Shutdown()

	api := httpapi.NewServer(cfg.Server.ListenAddress, service, db, tel.Logger)

	if configPath != "" {
		watcher := config.NewWatcher(configPath, log.Logger)
		err := watcher.Watch(ctx, func(next *config.Config) error {
			registry.SetDefaults(poller.Config{
				InitialInterval:   next.Polling.InitialInterval,
				MaxInterval:       next.Polling.MaxInterval,
				BackoffMultiplier: next.Polling.BackoffMultiplier,
				MaxAttempts:       next.Polling.MaxAttempts,
			})
			return nil
		})
		if err != nil {
			logger.WithError(err).Warn("config watch unavailable, continuing without hot reload")
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := api.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP API: %w", err)
		}
		<-gctx.Done()
		return api.Stop()
	})

	if cfg.Telemetry.Metrics.Enabled {
		g.Go(func() error {
			if err := tel.Metrics.StartMetricsServer(); err != nil {
				logger.WithError(err).Warn("metrics server unavailable")
			}
			return nil
		})
	}

	logger.Info("order service started")
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if telErr := tel.Shutdown(shutdownCtx); telErr != nil {
		logger.WithError(telErr).Warn("telemetry shutdown incomplete")
	}

	return err
}
