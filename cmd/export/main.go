// cmd/export/main.go
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/medequip-scraper/internal/config"
	"github.com/javajoker/medequip-scraper/internal/database"
	"github.com/javajoker/medequip-scraper/internal/export"
	"github.com/javajoker/medequip-scraper/internal/logger"
	"github.com/javajoker/medequip-scraper/internal/models"
	"github.com/javajoker/medequip-scraper/internal/services"
)

func main() {
	formatFlag := flag.String("format", "", "export format: json or csv")
	source := flag.String("source", "all", "source to export, or all")
	out := flag.String("out", "", "output directory (defaults to EXPORT_DIR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger.Setup(cfg.Log, cfg.Environment)

	format, err := export.ParseFormat(*formatFlag)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid -format")
	}
	if *source != "all" {
		if _, err := models.ParseSource(*source); err != nil {
			logrus.WithError(err).Fatal("Invalid -source")
		}
	}
	dir := cfg.Export.Dir
	if *out != "" {
		dir = *out
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Initialize(cfg.Database)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize database")
	}

	products := services.NewProductService(db, cfg.Database.MaxUpsertAttempts, nil)
	res, err := export.NewExporter(products, dir).Export(ctx, format, *source)
	database.Close(db)
	if err != nil {
		logrus.WithError(err).Fatal("Export failed")
	}

	logrus.WithFields(logrus.Fields{
		"path":     res.Path,
		"products": res.Products,
	}).Info("Export complete")
}
