package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"genstudio/internal/events"
	"genstudio/internal/gallery"
	"genstudio/internal/http/handlers"
	httpapi "genstudio/internal/http/httpapi"
	"genstudio/internal/infra"
	"genstudio/internal/infra/credentials"
	"genstudio/internal/infra/geoip"
	"genstudio/internal/metrics"
	"genstudio/internal/orchestrator"
	"genstudio/internal/paramset"
	"genstudio/internal/providers/image"
	"genstudio/internal/taskstore"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLoggerWithLevel(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The relational database is optional: it backs the gallery and stored provider keys.
	var (
		dbpool *pgxpool.Pool
		sink   gallery.Sink = gallery.NopSink{}
	)
	if cfg.HasDatabase() {
		dbpool, err = infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer dbpool.Close()

		runner := infra.NewSQLRunner(dbpool, logger)
		if err := credentials.NewStore(runner).FillMissing(ctx, cfg); err != nil {
			logger.Warn().Err(err).Msg("load stored provider keys failed")
		}
		sink = gallery.NewPGSink(runner, cfg.GalleryTable, logger)
	} else {
		logger.Info().Msg("DATABASE_URL not set, gallery disabled")
	}

	store, err := taskstore.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.TaskStore).Msg("failed to open task store")
	}
	defer store.Close()

	catalog := paramset.DefaultCatalog()
	if cfg.ModuleCatalogPath != "" {
		if catalog, err = paramset.LoadCatalog(cfg.ModuleCatalogPath); err != nil {
			logger.Fatal().Err(err).Str("path", cfg.ModuleCatalogPath).Msg("failed to load module catalog")
		}
	}

	providerLogger := logger.With().Str("component", "provider").Logger()
	selector := image.Selector{
		Primary: image.NewChatAdapter(image.ChatOptions{
			APIKey:  cfg.Primary.APIKey,
			BaseURL: cfg.Primary.BaseURL,
			Model:   cfg.Primary.Model,
			Timeout: cfg.ProviderTimeout,
			Logger:  &providerLogger,
		}),
		Secondary: image.NewRouterAdapter(image.RouterOptions{
			ChatOptions: image.ChatOptions{
				APIKey:  cfg.Secondary.APIKey,
				BaseURL: cfg.Secondary.BaseURL,
				Model:   cfg.Secondary.Model,
				Timeout: cfg.ProviderTimeout,
				Logger:  &providerLogger,
			},
			Referer: cfg.SecondaryReferer,
			Title:   cfg.SecondaryTitle,
		}),
		Placeholder: image.NewPlaceholder(image.PlaceholderOptions{BaseURL: cfg.PlaceholderBaseURL}),
	}
	logger.Info().Str("adapter", selector.Select().Name()).Msg("image adapter selected")

	collector := metrics.NewCollector(cfg.MetricsNamespace, logger)
	hub := events.NewHub(0)

	coord := orchestrator.New(store, selector, orchestrator.Options{
		MaxRetries:          cfg.MaxRetries,
		RetryBackoff:        cfg.RetryBackoff,
		ProgressInterval:    cfg.ProgressInterval,
		AttemptTimeout:      cfg.ProviderTimeout,
		PlaceholderFallback: cfg.PlaceholderFallback,
		Builder:             paramset.NewBuilder(catalog),
		Events:              hub,
		Gallery:             sink,
		Metrics:             collector,
		Logger:              logger,
	})

	if n, err := coord.Recover(ctx); err != nil {
		logger.Error().Err(err).Msg("startup recovery failed")
	} else if n > 0 {
		logger.Warn().Int("tasks", n).Msg("marked interrupted tasks as failed")
	}

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.GeoIPDBPath).Msg("geoip disabled")
	}
	defer resolver.Close()

	app := handlers.NewApp(handlers.Deps{
		Tasks:     store,
		StoreName: cfg.TaskStore,
		Generator: coord,
		Events:    hub,
		Gallery:   sink,
		Logger:    logger,
	})
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		CORSOrigins:     cfg.CORSOrigins,
		DefaultLocale:   cfg.DefaultLocale,
		CountryLookup:   resolver.Lookup(),
		Metrics:         collector,
		MetricsHandler:  collector.Handler(),
		SubmitRateLimit: cfg.SubmitRateLimit,
	})
	server := infra.NewHTTPServer(cfg, router, logger)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(hubCtx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Msg("API listening")
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stopping the hub first ends open event streams so Shutdown does not wait on them.
		stopHub()
		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := coord.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		stop()
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}
