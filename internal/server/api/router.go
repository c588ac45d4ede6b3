package api

import (
	"squeeze/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())

	// Job submission and share consumption are rate-limited; the latter
	// also slows down password guessing.
	limiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)

	// Jobs
	e.GET("/ws/jobs/:id", handler.HandleProgressChannel)
	e.POST("/api/jobs", handler.HandleCreateJob, limiter.Middleware())
	e.GET("/api/jobs/:id", handler.HandleJobStatus)
	e.POST("/api/jobs/:id/stop", handler.HandleStopJob)

	// Artifacts
	e.GET("/api/artifacts", handler.HandleListArtifacts)
	e.DELETE("/api/artifacts/:artifact", handler.HandleDeleteArtifact)
	e.POST("/api/artifacts/:artifact/decompress", handler.HandleDecompress)
	e.GET("/download/:name", handler.HandleDownload)

	// Shares
	e.POST("/api/artifacts/:artifact/shares", handler.HandleCreateShare)
	e.GET("/api/shares", handler.HandleListShares)
	e.DELETE("/api/shares/:id", handler.HandleDeleteShare)
	e.GET("/s/:id", handler.HandleConsumeShare, limiter.Middleware())

	return e
}
