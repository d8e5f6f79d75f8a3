// cmd/scraper/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/medequip-scraper/internal/app"
	"github.com/javajoker/medequip-scraper/internal/config"
	"github.com/javajoker/medequip-scraper/internal/logger"
	"github.com/javajoker/medequip-scraper/internal/models"
	"github.com/javajoker/medequip-scraper/internal/scraper"
	"github.com/javajoker/medequip-scraper/internal/services"
)

func main() {
	source := flag.String("source", "all", "medicalexpo, medline, alibaba, a comma separated list or all")
	category := flag.String("category", "", "category to scrape")
	keyword := flag.String("keyword", "", "search keyword")
	minRating := flag.Float64("min-rating", 0, "skip products whose sellers are all rated below this")
	pages := flag.Int("pages", 0, "max listing pages per source (0 uses RUN_MAX_PAGES)")
	maxItems := flag.Int("max-items", 0, "max items per source (0 uses RUN_MAX_ITEMS)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger.Setup(cfg.Log, cfg.Environment)

	sources, err := parseSources(*source)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid -source")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize pipeline")
	}
	defer a.Close()

	reqs := make([]services.RunRequest, 0, len(sources))
	for _, src := range sources {
		reqs = append(reqs, services.RunRequest{
			Source: src,
			Query: scraper.Query{
				Category:  *category,
				Keyword:   *keyword,
				MinRating: *minRating,
			},
			Limits: scraper.Limits{MaxPages: *pages, MaxItems: *maxItems},
		})
	}

	summary, err := a.Runs.Run(ctx, reqs)
	if err != nil {
		logrus.WithError(err).Fatal("Run rejected")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		logrus.WithError(err).Error("Failed to print run summary")
	}

	if summary.Status == models.RunStatusFailed {
		a.Close()
		os.Exit(1)
	}
}

func parseSources(s string) ([]models.Source, error) {
	if strings.EqualFold(strings.TrimSpace(s), "all") {
		return models.AllSources, nil
	}
	var out []models.Source
	for _, part := range strings.Split(s, ",") {
		src, err := models.ParseSource(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}
