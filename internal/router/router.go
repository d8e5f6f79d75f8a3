// internal/router/router.go
package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/javajoker/medequip-scraper/internal/config"
	"github.com/javajoker/medequip-scraper/internal/handlers"
	"github.com/javajoker/medequip-scraper/internal/metrics"
	"github.com/javajoker/medequip-scraper/internal/middleware"
	"github.com/javajoker/medequip-scraper/internal/rategate"
	"github.com/javajoker/medequip-scraper/internal/services"
	"github.com/javajoker/medequip-scraper/internal/utils"
)

const version = "1.0.0"

func Initialize(cfg *config.Config, productService *services.ProductService, runService *services.RunService, gates *rategate.Registry) *gin.Engine {
	// Initialize handlers
	productHandler := handlers.NewProductHandler(productService)
	runHandler := handlers.NewRunHandler(runService, gates)

	// Set JWT secret
	utils.SetJWTSecret(cfg.JWT.SecretKey)

	generalLimiter := middleware.NewRateLimiter(rate.Limit(cfg.Server.RateLimitRPS), cfg.Server.RateBurst)

	// Initialize Gin router
	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := productService.Ping(ctx); err != nil {
			logrus.WithError(err).Warn("Health check failed: database unreachable")
			utils.ServiceUnavailableResponse(c, "database unreachable")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": version,
		})
	})
	r.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))

	// API v1 routes
	v1 := r.Group("/v1")
	v1.Use(generalLimiter.Middleware())
	{
		// Catalog routes (public)
		products := v1.Group("/products")
		{
			products.GET("", productHandler.GetProducts)
			products.GET("/:id", productHandler.GetProduct)
		}
		v1.GET("/stats", productHandler.GetCatalogStats)

		// Run routes
		runs := v1.Group("/runs")
		runs.Use(middleware.AuthRequired())
		{
			runs.GET("", runHandler.GetRuns)
			runs.GET("/:id", runHandler.GetRun)

			admin := runs.Group("")
			admin.Use(middleware.AdminRequired())
			{
				admin.POST("", runHandler.StartRun)
				admin.POST("/:id/cancel", runHandler.CancelRun)
			}
		}
		v1.GET("/gates", middleware.AuthRequired(), middleware.AdminRequired(), runHandler.GetGates)
	}

	return r
}
