// cmd/server/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/medequip-scraper/internal/app"
	"github.com/javajoker/medequip-scraper/internal/config"
	"github.com/javajoker/medequip-scraper/internal/logger"
	"github.com/javajoker/medequip-scraper/internal/router"
	"github.com/javajoker/medequip-scraper/internal/utils"
)

func main() {
	issueToken := flag.String("issue-admin-token", "", "print a signed admin token for this subject and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger.Setup(cfg.Log, cfg.Environment)

	if *issueToken != "" {
		utils.SetJWTSecret(cfg.JWT.SecretKey)
		token, err := utils.GenerateJWT(*issueToken, utils.RoleAdmin, time.Duration(cfg.JWT.AccessTokenTTL)*time.Hour)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to sign token")
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize pipeline")
	}
	defer a.Close()

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := router.Initialize(cfg, a.Products, a.Runs, a.Gates)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logrus.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logrus.Info("Shutting down server...")

	// Create a deadline for shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}
	if err := a.Runs.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Background runs did not finish in time")
	}

	logrus.Info("Server exited")
}
