// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package media_routers

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rapidaai/media-bridge/config"
	internal_adapter "github.com/rapidaai/media-bridge/internal/adapter"
	"github.com/rapidaai/media-bridge/pkg/commons"
)

// New assembles the media-bridge engine: health endpoints first, then the
// per-session routes.
func New(cfg *config.AppConfig, logger commons.Logger, host *internal_adapter.Host) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
	}))

	HealthCheckRoutes(cfg, engine, logger)
	MediaRoutes(cfg, engine, logger, host)
	return engine
}

// HealthCheckRoutes registers the liveness and readiness probes.
func HealthCheckRoutes(cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger) {
	logger.Info("Internal HealthCheckRoutes added to engine.")
	probe := engine.Group("")
	{
		probe.GET("/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.Name})
		})
		probe.GET("/readiness", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		})
	}
}
