// Package app wires the application together: cache store, circuit breakers,
// enrichment adapters, composer, HTTP layer and the background purge job.
package app

import (
	"context"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"tile-describer/internal/cache"
	"tile-describer/internal/circuitbreaker"
	"tile-describer/internal/common/httpclient"
	"tile-describer/internal/common/logging"
	"tile-describer/internal/compose"
	"tile-describer/internal/config"
	"tile-describer/internal/enrich"
	"tile-describer/internal/ratelimit"
)

// App holds all the application dependencies
type App struct {
	Config   *config.Config
	Store    cache.Store
	Breakers *circuitbreaker.Registry
	Composer *compose.Composer

	Geocoder  *enrich.Geocoder
	LandCover *enrich.LandCoverClassifier
	Describer *enrich.Describer
	Contexts  *enrich.ContextSearch

	Logger logging.Logger
	cron   *cron.Cron
}

// New creates a new application instance with all dependencies
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "app"}),
	}

	if err := app.initializeCache(ctx); err != nil {
		return nil, err
	}

	app.Breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
	}, app.Logger)

	app.initializeAdapters()

	app.Composer = compose.New(
		app.Geocoder, app.LandCover, app.Describer, app.Contexts,
		app.Breakers, app.Logger)

	app.startPurgeJob()

	return app, nil
}

// initializeCache builds the shared cache store from configuration.
func (app *App) initializeCache(ctx context.Context) error {
	redisDB, _ := strconv.Atoi(app.Config.RedisDB)

	store, err := cache.New(ctx, cache.Options{
		Backend:       app.Config.CacheBackend,
		SQLitePath:    app.Config.CacheDBPath,
		PostgresDSN:   app.Config.PostgresDSN(),
		RedisAddress:  app.Config.RedisAddress,
		RedisPassword: app.Config.RedisPassword,
		RedisDB:       redisDB,
	})
	if err != nil {
		return err
	}
	app.Store = store

	app.Logger.Info("cache initialized",
		logging.Field{Key: "backend", Value: app.Config.CacheBackend})
	return nil
}

// initializeAdapters builds the four enrichment adapters. Each upstream gets
// its own HTTP client so a slow one cannot exhaust another's timeout.
func (app *App) initializeAdapters() {
	cfg := app.Config

	app.Geocoder = enrich.NewGeocoder(
		cfg.NominatimURL,
		httpclient.New(httpclient.WithTimeout(10*time.Second)),
		app.Store,
		ratelimit.NewPacer(cfg.GeocoderMinInterval),
		app.Logger,
	)

	app.LandCover = enrich.NewLandCoverClassifier(
		cfg.OverpassURL,
		httpclient.New(httpclient.WithTimeout(15*time.Second)),
		app.Store,
		app.Logger,
	)

	app.Describer = enrich.NewDescriber(
		enrich.DescriberConfig{
			VisionURL:    cfg.VisionURL,
			VisionModel:  cfg.VisionModel,
			VisionAPIKey: cfg.VisionAPIKey,
			MaxBytes:     cfg.MaxThumbnailBytes,
			MaxEdge:      cfg.MaxImageEdge,
		},
		httpclient.New(httpclient.WithTimeout(30*time.Second)),
		httpclient.New(httpclient.WithTimeout(10*time.Second)),
		app.Store,
		app.Logger,
	)

	app.Contexts = enrich.NewContextSearch(
		cfg.SearchURL,
		httpclient.New(httpclient.WithTimeout(10*time.Second)),
		app.Store,
		app.Logger,
	)
}

// startPurgeJob schedules the expired-row sweep. Backends with native TTL
// treat the sweep as a no-op.
func (app *App) startPurgeJob() {
	app.cron = cron.New()
	_, err := app.cron.AddFunc(app.Config.CachePurgeSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		purged, err := app.Store.PurgeExpired(ctx)
		if err != nil {
			app.Logger.Warn("cache purge failed",
				logging.Field{Key: "error", Value: err.Error()})
			return
		}
		if purged > 0 {
			app.Logger.Info("cache purge completed",
				logging.Field{Key: "rows", Value: purged})
		}
	})
	if err != nil {
		// Validate() already vetted the schedule, so this only fires on a
		// programming error.
		app.Logger.Error("failed to schedule cache purge", err)
		return
	}
	app.cron.Start()
}

// Cleanup releases all resources
func (app *App) Cleanup() {
	if app.cron != nil {
		app.cron.Stop()
	}
	if app.Store != nil {
		if err := app.Store.Close(); err != nil {
			app.Logger.Warn("cache close failed",
				logging.Field{Key: "error", Value: err.Error()})
		}
	}
}

// Shutdown stops background work, waiting for in-flight jobs.
func (app *App) Shutdown(ctx context.Context) error {
	if app.cron != nil {
		stopCtx := app.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
