// internal/app/app.go
package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/medequip-scraper/internal/config"
	"github.com/javajoker/medequip-scraper/internal/database"
	"github.com/javajoker/medequip-scraper/internal/models"
	"github.com/javajoker/medequip-scraper/internal/normalizer"
	"github.com/javajoker/medequip-scraper/internal/rategate"
	"github.com/javajoker/medequip-scraper/internal/scraper"
	"github.com/javajoker/medequip-scraper/internal/services"
)

// App holds the long-lived dependencies shared by the commands.
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Products *services.ProductService
	Runs     *services.RunService
	Gates    *rategate.Registry

	notifier *services.NotificationService
	redis    *redis.Client
	closers  []func()
}

// Build connects to the database and wires the scraping pipeline. The
// browser renderer, Kafka and Redis are only started when configured.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := database.Initialize(cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: db}
	a.closers = append(a.closers, func() { database.Close(db) })

	if err := database.RunMigrations(db); err != nil {
		a.Close()
		return nil, err
	}

	a.notifier, err = services.NewNotificationService(cfg.Kafka)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := a.notifier.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close kafka producer")
		}
	})
	var notifier services.ProductNotifier
	if a.notifier.Enabled() {
		notifier = a.notifier
	}
	a.Products = services.NewProductService(db, cfg.Database.MaxUpsertAttempts, notifier)

	renderer, err := newRenderer(ctx, cfg.Scraper)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closer, ok := renderer.(interface{ Close() }); ok {
		a.closers = append(a.closers, closer.Close)
	}

	a.Gates = rategate.NewRegistryFromConfig(cfg)
	fetcher := scraper.NewFetcher(renderer, a.Gates, scraper.FetcherOptions{
		MaxAttempts:    cfg.Scraper.MaxAttempts,
		RenderTimeout:  cfg.Scraper.RenderTimeout,
		CaptchaMarkers: cfg.Scraper.CaptchaSelectors,
	})
	adapters := func(source models.Source) (scraper.Adapter, error) {
		return scraper.NewAdapter(source, fetcher, cfg.Scraper.BaseURLs)
	}

	opts := services.RunOptions{
		Defaults:    cfg.Run,
		Concurrency: cfg.Scraper.DetailConcurrency,
	}
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { a.redis.Close() })
		opts.Locker = services.NewRedisLocker(a.redis, cfg.Redis.LockTTL)
	}

	a.Runs = services.NewRunService(db, a.Products, normalizer.New(cfg.Scraper.DefaultCurrency), adapters, opts)

	logrus.WithFields(logrus.Fields{
		"renderer": cfg.Scraper.Renderer,
		"kafka":    a.notifier.Enabled(),
		"redis":    cfg.Redis.Enabled,
	}).Info("Pipeline ready")
	return a, nil
}

func newRenderer(ctx context.Context, cfg config.ScraperConfig) (scraper.Renderer, error) {
	switch cfg.Renderer {
	case "browser":
		r, err := scraper.NewBrowserRenderer(ctx, cfg.UserAgent, cfg.Headless)
		if err != nil {
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
		return r, nil
	default:
		return scraper.NewCollyRenderer(cfg.UserAgent, cfg.RenderTimeout), nil
	}
}

// Close releases everything Build opened, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
